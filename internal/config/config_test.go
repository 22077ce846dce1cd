package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
chain:
  rpc_url: http://localhost:8545
  chain_id: 8453
networks:
  - name: base
    ws_url: ws://localhost:8546
    rpc_url: http://localhost:8545
filters:
  global:
    rich: "valueEth > 1.0"
  hot_pairs:
    - "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
relays:
  - name: flashbots
    url: https://relay.flashbots.net
    priority: 1
  - name: share
    url: https://mev-share.example
    flavor: mev-share
    disabled: true
execution:
  min_profit_eth: 0.05
  execution_timeout: 120s
strategies:
  backrun:
    enabled: true
    min_profit_eth: 0.01
    max_gas_ratio: 0.2
backrun:
  executor: "0x00000000000000000000000000000000000b4c4e"
  routers:
    - "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(8453), cfg.Chain.ChainID)
	require.Len(t, cfg.Networks, 1)
	assert.Equal(t, "ws://localhost:8546", cfg.Networks[0].WSURL)
	assert.Equal(t, "valueEth > 1.0", cfg.Filters.Global["rich"])
	assert.Len(t, cfg.Filters.HotPairs, 1)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "flashbots", cfg.Endpoints[0].Flavor)
	assert.True(t, cfg.Endpoints[0].Enabled)
	assert.Equal(t, "mev-share", cfg.Endpoints[1].Flavor)
	assert.False(t, cfg.Endpoints[1].Enabled)

	assert.Equal(t, 0.05, cfg.Execution.MinProfitEth)
	assert.Equal(t, 120*time.Second, cfg.Execution.ExecutionTimeout)
	assert.True(t, cfg.Strategies["backrun"].Enabled)
	assert.Equal(t, 0.2, cfg.Strategies["backrun"].MaxGasRatio)
	assert.Len(t, cfg.Backrun.Routers, 1)
	assert.Equal(t, int64(30), cfg.Backrun.CaptureBps)

	// defaults
	assert.Equal(t, 10, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 300*time.Second, cfg.Nonce.ReservationTTL)
	assert.Equal(t, 0.8, cfg.Backpressure.Threshold)
	assert.Equal(t, cfg.Scanner.QueueSize, cfg.Backpressure.MaxQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.SeenTTL)
	assert.Equal(t, 0.3, cfg.Gas.Manager.MaxGasCostRatio)
	assert.Equal(t, 3, cfg.Relay.Submitter.MaxRelays)
	assert.Equal(t, 50*time.Millisecond, cfg.Orchestrator.Latency.MaxProcessingLatency)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MEV_EXECUTION_MAX_CONCURRENT", "3")
	t.Setenv("MEV_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RelaysFile(t *testing.T) {
	dir := t.TempDir()
	relays := filepath.Join(dir, "relays.yaml")
	require.NoError(t, os.WriteFile(relays, []byte("relays:\n  - name: titan\n    url: https://rpc.titanbuilder.xyz\n"), 0o600))

	content := "chain: {rpc_url: http://localhost:8545, chain_id: 1}\nrelays_file: " + relays + "\n"
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "titan", cfg.Endpoints[0].Name)

	_, err = Load(writeConfig(t, "chain: {rpc_url: x, chain_id: 1}\nrelays_file: "+filepath.Join(dir, "missing.yaml")+"\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BackpressureFollowsScannerQueue(t *testing.T) {
	base := "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\n"

	cfg, err := Load(writeConfig(t, base+"scanner: {queue_size: 1000}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Backpressure.MaxQueueSize)

	cfg, err = Load(writeConfig(t, base+"scanner: {queue_size: 1000}\nbackpressure: {max_queue_size: 1000}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Backpressure.MaxQueueSize)

	_, err = Load(writeConfig(t, base+"scanner: {queue_size: 1000}\nbackpressure: {max_queue_size: 10000}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "must match scanner.queue_size")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing rpc", "chain: {chain_id: 1}\nrelays: [{name: a, url: u}]\n", "chain.rpc_url"},
		{"no relays", "chain: {rpc_url: x, chain_id: 1}\n", "at least one relay"},
		{"duplicate relays", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}, {name: a, url: v}]\n", "duplicate relay"},
		{"bad flavor", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u, flavor: titan}]\n", "unknown flavor"},
		{"thresholds inverted", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\nbackpressure: {threshold: 0.9, critical_threshold: 0.5}\n", "below critical_threshold"},
		{"threshold out of range", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\nbackpressure: {threshold: 1.5}\n", "(0, 1]"},
		{"network without urls", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\nnetworks: [{name: base}]\n", "needs ws_url"},
		{"bad strategy ratio", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\nstrategies: {backrun: {max_gas_ratio: 2}}\n", "max_gas_ratio"},
		{"bad executor", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\nbackrun: {executor: nope}\n", "backrun.executor"},
		{"zero queue", "chain: {rpc_url: x, chain_id: 1}\nrelays: [{name: a, url: u}]\norchestrator: {tx_queue_size: 0}\n", "queue sizes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
