package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/mev-execution-core/internal/api"
	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// fakeBackend stands in for a running engine behind a real ops server
type fakeBackend struct {
	mu         sync.Mutex
	strategies map[string]bool
	stops      int
}

func (f *fakeBackend) Health() app.Health {
	return app.Health{Healthy: true, Running: true, Backpressure: "normal"}
}

func (f *fakeBackend) Snapshot() app.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	strategies := make(map[string]bool, len(f.strategies))
	for name, enabled := range f.strategies {
		strategies[name] = enabled
	}
	return app.Snapshot{
		Relays:       []types.RelayEndpoint{{Name: "flashbots", Enabled: true, Submissions: 4, SuccessRate: 0.75}},
		Orchestrator: orchestrator.Metrics{Opportunities: 9},
		Execution: execution.Metrics{
			Succeeded:      2,
			TotalNetProfit: big.NewInt(25e15),
		},
		Strategies: strategies,
	}
}

func (f *fakeBackend) SetStrategyEnabled(name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strategies[name]; !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrUnknownStrategy, name)
	}
	f.strategies[name] = enabled
	return nil
}

func (f *fakeBackend) enabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategies[name]
}

func (f *fakeBackend) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeBackend) EmergencyStop(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return 3
}

func startOpsServer(t *testing.T) (string, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{strategies: map[string]bool{"backrun": true}}
	server := api.NewServer(config.ServerConfig{Host: "127.0.0.1"}, backend, nil, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://"), backend
}

func executeCommand(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root := NewRootCommand()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"help", []string{"--help"}, "watches the pending transaction pool"},
		{"version", []string{"--version"}, "1.0.0"},
		{"start help", []string{"start", "--help"}, "--bind"},
		{"status help", []string{"status", "--help"}, "ops API"},
		{"strategy help", []string{"strategy", "--help"}, "enable"},
		{"emergency stop help", []string{"emergency-stop", "--help"}, "--confirm"},
		{"monitor help", []string{"monitor", "--help"}, "terminal UI"},
		{"validate help", []string{"validate", "--help"}, "resolve every component"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := executeCommand(t, context.Background(), "", tt.args...)
			require.NoError(t, err)
			assert.Contains(t, output, tt.want)
		})
	}
}

func TestStatusCommand(t *testing.T) {
	addr, _ := startOpsServer(t)

	t.Run("formatted", func(t *testing.T) {
		output, err := executeCommand(t, context.Background(), "", "--api", addr, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status:        healthy")
		assert.Contains(t, output, "Opportunities: 9")
		assert.Contains(t, output, "Net profit:    0.025000 ETH")
		assert.Contains(t, output, "flashbots")
		assert.Contains(t, output, "backrun")
	})

	t.Run("json", func(t *testing.T) {
		output, err := executeCommand(t, context.Background(), "", "--api", addr, "status", "--json")
		require.NoError(t, err)

		var doc struct {
			Health   app.Health   `json:"health"`
			Snapshot app.Snapshot `json:"snapshot"`
		}
		require.NoError(t, json.Unmarshal([]byte(output), &doc))
		assert.True(t, doc.Health.Healthy)
		assert.Equal(t, uint64(9), doc.Snapshot.Orchestrator.Opportunities)
	})

	t.Run("offline", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()
		_, err := executeCommand(t, context.Background(), "", "--api", ts.URL, "status")
		assert.ErrorContains(t, err, "failed to get engine health")
	})
}

func TestStrategyCommand(t *testing.T) {
	addr, backend := startOpsServer(t)

	output, err := executeCommand(t, context.Background(), "", "--api", addr, "strategy", "disable", "backrun")
	require.NoError(t, err)
	assert.Contains(t, output, "Strategy backrun disabled")
	assert.False(t, backend.enabled("backrun"))

	_, err = executeCommand(t, context.Background(), "", "--api", addr, "strategy", "enable", "backrun")
	require.NoError(t, err)
	assert.True(t, backend.enabled("backrun"))

	_, err = executeCommand(t, context.Background(), "", "--api", addr, "strategy", "enable", "sandwich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = executeCommand(t, context.Background(), "", "--api", addr, "strategy", "enable")
	assert.Error(t, err, "name is required")
}

func TestEmergencyStopCommand(t *testing.T) {
	addr, backend := startOpsServer(t)

	output, err := executeCommand(t, context.Background(), "no\n", "--api", addr, "emergency-stop")
	require.NoError(t, err)
	assert.Contains(t, output, "Emergency stop cancelled")
	assert.Zero(t, backend.stopCount())

	output, err = executeCommand(t, context.Background(), "EMERGENCY STOP\n", "--api", addr, "emergency-stop")
	require.NoError(t, err)
	assert.Contains(t, output, "3 executions stopped")

	_, err = executeCommand(t, context.Background(), "", "--api", addr, "emergency-stop", "--confirm")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.stopCount())
}

// newRPCStub answers every JSON-RPC call with method not found
func newRPCStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func writeConfig(t *testing.T, rpcURL string) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	content := fmt.Sprintf(`
log:
  level: error
server:
  enabled: false
chain:
  rpc_url: %s
  chain_id: 8453
  private_key: "%x"
relays:
  - name: flashbots
    url: %s
`, rpcURL, crypto.FromECDSA(key), rpcURL)

	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestValidateCommand(t *testing.T) {
	file := writeConfig(t, "http://127.0.0.1:8545")

	output, err := executeCommand(t, context.Background(), "", "--config", file, "validate")
	require.NoError(t, err)
	assert.Contains(t, output, "Configuration OK: chain 8453, 1 relays")

	_, err = executeCommand(t, context.Background(), "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "validate")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestRunEngine_StopsWithContext(t *testing.T) {
	rpc := newRPCStub(t)
	cfg, err := config.Load(writeConfig(t, rpc.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runEngine(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}
