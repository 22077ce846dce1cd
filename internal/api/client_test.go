package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
)

func TestClient_RoundTrip(t *testing.T) {
	server, backend := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	backend.On("Health").Return(app.Health{Running: true, Backpressure: "critical"})
	backend.On("Snapshot").Return(app.Snapshot{Strategies: map[string]bool{"backrun": false}})
	backend.On("SetStrategyEnabled", "backrun", true).Return(nil)
	backend.On("SetStrategyEnabled", "nope", false).
		Return(fmt.Errorf("%w: nope", orchestrator.ErrUnknownStrategy))
	backend.On("EmergencyStop", mock.Anything).Return(2)

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), time.Second)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err, "503 still carries a health document")
	assert.False(t, health.Healthy)
	assert.Equal(t, "critical", health.Backpressure)

	snapshot, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"backrun": false}, snapshot.Strategies)

	require.NoError(t, client.SetStrategyEnabled(ctx, "backrun", true))

	err = client.SetStrategyEnabled(ctx, "nope", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "unknown strategy")

	stopped, err := client.EmergencyStop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)

	backend.AssertExpectations(t)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	client := NewClient(addr, 200*time.Millisecond)
	_, err := client.Snapshot(context.Background())
	assert.Error(t, err)
}
