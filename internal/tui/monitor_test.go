package tui

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/pkg/backpressure"
	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/gas"
	"github.com/mev-engine/mev-execution-core/pkg/mempool"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

type fakeSource struct {
	health   *app.Health
	snapshot *app.Snapshot
	err      error
}

func (f *fakeSource) Health(context.Context) (*app.Health, error) {
	return f.health, f.err
}

func (f *fakeSource) Snapshot(context.Context) (*app.Snapshot, error) {
	return f.snapshot, f.err
}

func sampleState() (*app.Health, *app.Snapshot) {
	health := &app.Health{
		Running:      true,
		Orchestrator: orchestrator.Health{Reasons: []string{"bundle queue 90% full"}},
		Backpressure: "warning",
	}
	snapshot := &app.Snapshot{
		Scanner:      mempool.ScannerMetrics{Received: 120, Accepted: 80, CurrentTPS: 12.5},
		Backpressure: backpressure.Metrics{StateName: "warning"},
		Gas:          &gas.Snapshot{BlockNumber: 1234, BaseFee: big.NewInt(2_500_000_000), Congestion: 0.4},
		Relays: []types.RelayEndpoint{
			{Name: "flashbots", Enabled: true, Submissions: 7, SuccessRate: 0.5},
			{Name: "beaver", Enabled: false},
		},
		Execution: execution.Metrics{
			Succeeded:      3,
			TotalNetProfit: new(big.Int).Mul(big.NewInt(15), big.NewInt(1e15)),
		},
		Active: []*types.ExecutionResult{
			{ExecutionID: "0123456789abcdef", Strategy: "backrun", Status: types.ExecutionSubmitting},
		},
		Strategies: map[string]bool{"backrun": true, "arb": false},
	}
	return health, snapshot
}

func TestNewModel(t *testing.T) {
	model := NewModel(Config{}, &fakeSource{})
	assert.Equal(t, time.Second, model.config.RefreshRate)
	assert.True(t, model.loading)
	assert.Nil(t, model.snapshot)
	assert.NotNil(t, model.Init())
}

func TestModel_Update(t *testing.T) {
	health, snapshot := sampleState()
	source := &fakeSource{health: health, snapshot: snapshot}
	model := NewModel(Config{RefreshRate: time.Second}, source)

	t.Run("window size", func(t *testing.T) {
		next, cmd := model.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
		updated := next.(Model)
		assert.Equal(t, 100, updated.width)
		assert.Equal(t, 40, updated.height)
		assert.Nil(t, cmd)
	})

	t.Run("keys", func(t *testing.T) {
		_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
		assert.NotNil(t, cmd)

		_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
		require.NotNil(t, cmd)
		assert.Equal(t, stateMsg{health: health, snapshot: snapshot}, cmd())

		next, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
		assert.True(t, next.(Model).config.CompactMode)
	})

	t.Run("state message", func(t *testing.T) {
		next, cmd := model.Update(stateMsg{health: health, snapshot: snapshot})
		updated := next.(Model)
		assert.Nil(t, cmd)
		assert.False(t, updated.loading)
		assert.Same(t, snapshot, updated.snapshot)
		assert.False(t, updated.lastUpdate.IsZero())
	})

	t.Run("error message", func(t *testing.T) {
		next, _ := model.Update(errorMsg{errors.New("connection refused")})
		updated := next.(Model)
		assert.EqualError(t, updated.err, "connection refused")
		assert.False(t, updated.loading)
	})
}

func TestModel_FetchError(t *testing.T) {
	model := NewModel(Config{}, &fakeSource{err: errors.New("offline")})
	msg := model.fetch()()
	assert.Equal(t, errorMsg{errors.New("offline")}, msg)
}

func TestModel_View(t *testing.T) {
	health, snapshot := sampleState()
	model := NewModel(Config{}, &fakeSource{})
	assert.Equal(t, "Loading...", model.View())

	next, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 50})
	next, _ = next.Update(stateMsg{health: health, snapshot: snapshot})
	view := next.View()

	for _, want := range []string{
		"MEV Execution Core Monitor",
		"degraded",
		"bundle queue 90% full",
		"received 120",
		"net profit 0.015000 ETH",
		"base fee 2.500 gwei",
		"flashbots",
		"beaver",
		"backrun",
		"01234567",
	} {
		assert.Contains(t, view, want)
	}

	compact := NewModel(Config{CompactMode: true}, &fakeSource{})
	next, _ = compact.Update(tea.WindowSizeMsg{Width: 120, Height: 50})
	next, _ = next.Update(stateMsg{health: health, snapshot: snapshot})
	assert.NotContains(t, next.View(), "flashbots")
}

func TestModel_ViewError(t *testing.T) {
	model := NewModel(Config{}, &fakeSource{})
	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	next, _ = next.Update(errorMsg{errors.New("offline")})
	assert.Contains(t, next.View(), "Error: offline")
}
