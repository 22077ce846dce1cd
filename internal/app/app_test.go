package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
	"github.com/mev-engine/mev-execution-core/pkg/strategy"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// newRPCStub answers every JSON-RPC call with method not found, enough for
// components that tolerate an unavailable node
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

type stubRawSource struct{}

func (stubRawSource) RawTransactionByHash(context.Context, common.Hash) (hexutil.Bytes, error) {
	return nil, nil
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	rpc := newRPCStub(t)
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
  poll_head_blocks: false
relays:
  - name: flashbots
    url: %s
backrun:
  executor: "0x00000000000000000000000000000000000b4c4e"
%s`, rpc.URL, crypto.FromECDSA(key), rpc.URL, extra)

	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	cfg, err := config.Load(file)
	require.NoError(t, err)
	return cfg
}

func TestModule_Lifecycle(t *testing.T) {
	cfg := testConfig(t, "strategies:\n  backrun:\n    enabled: false\n")

	var application *Application
	var registry *orchestrator.Registry
	fxApp := fxtest.New(t, fx.Supply(cfg), Module, fx.Populate(&application, &registry))
	fxApp.RequireStart()

	assert.Equal(t, map[string]bool{strategy.BackrunName: false}, registry.Status())
	assert.True(t, application.Health().Running)
	assert.ErrorIs(t, application.Start(context.Background()), ErrAlreadyStarted)

	snapshot := application.Snapshot()
	require.Len(t, snapshot.Relays, 1)
	assert.Equal(t, "flashbots", snapshot.Relays[0].Name)
	assert.Equal(t, map[string]bool{strategy.BackrunName: false}, snapshot.Strategies)
	assert.Zero(t, snapshot.Execution.Total)

	require.NoError(t, application.SetStrategyEnabled(strategy.BackrunName, true))
	assert.True(t, registry.Status()[strategy.BackrunName])
	assert.Error(t, application.SetStrategyEnabled("sandwich", true))

	fxApp.RequireStop()
	assert.False(t, application.Health().Running)
	assert.False(t, application.Health().Healthy)
	assert.NoError(t, application.Stop(context.Background()), "second stop is a no-op")
}

func TestModule_EmergencyStop(t *testing.T) {
	cfg := testConfig(t, "")

	var application *Application
	fxApp := fxtest.New(t, fx.Supply(cfg), Module, fx.Populate(&application))
	fxApp.RequireStart()
	defer fxApp.RequireStop()

	assert.Equal(t, 0, application.EmergencyStop(context.Background()))
	assert.Empty(t, application.Snapshot().Active)
}

func TestNewRegistry_AppliesStrategyConfig(t *testing.T) {
	backrun, err := strategy.NewBackrun(&strategy.BackrunConfig{Executor: "0x00000000000000000000000000000000000b4c4e"}, stubRawSource{}, nil)
	require.NoError(t, err)

	cfg := &config.Config{Strategies: map[string]config.StrategyConfig{
		strategy.BackrunName: {Enabled: true, MinProfitEth: 0.01, MaxGasRatio: 0.2},
	}}
	registry, err := NewRegistry(registryParams{Config: cfg, Strategies: []interfaces.Strategy{backrun}})
	require.NoError(t, err)

	assert.True(t, registry.Status()[strategy.BackrunName])
	limits := registry.Limits(strategy.BackrunName)
	assert.Equal(t, big.NewInt(1e16).String(), limits.MinProfit.String())
	assert.Equal(t, 0.2, limits.MaxGasCostRatio)

	_, err = NewRegistry(registryParams{Config: cfg, Strategies: []interfaces.Strategy{backrun, backrun}})
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateStrategy)
}

func TestNewFilters(t *testing.T) {
	cfg := &config.Config{Filters: config.FiltersConfig{
		Global:   map[string]string{"rich": "valueEth > 1.0", "hot": "to in hotPairs"},
		Scanner:  map[string]string{"clean": "from not in blacklist"},
		HotPairs: []string{"0x7a250d5630b4cf539739df2c5dacb4c659f2488d"},
	}}
	filters, err := NewFilters(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "rich"}, filters.Global.Filters())
	assert.Equal(t, []string{"clean"}, filters.Scanner.Filters())

	router := common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	tx := &types.TransactionData{Hash: "0x1", To: &router, Value: big.NewInt(1), GasPrice: big.NewInt(1)}
	assert.True(t, filters.Global.PassesAnyFilter(tx), "hot pair set is shared")

	cfg.Filters.Scanner["broken"] = "value >"
	_, err = NewFilters(cfg, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "scanner filters")
}

func TestNewBackpressure_SizedToScannerQueue(t *testing.T) {
	cfg := &config.Config{}
	cfg.Scanner.QueueSize = 1000
	cfg.Backpressure.MaxQueueSize = 10000

	bp := NewBackpressure(cfg, zap.NewNop(), nil)
	assert.Equal(t, 1000, bp.Metrics().MaxQueueSize)

	// 960 of 1000 is critical; against 10000 it would read as idle
	bp.UpdateQueueSize(960)
	assert.True(t, bp.ShouldDrop())
	assert.Equal(t, 10000, cfg.Backpressure.MaxQueueSize, "config is not mutated")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn", Production: true, Service: "mev"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = NewLogger(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
