package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/mev-engine/mev-execution-core/pkg/backpressure"
	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/gas"
	"github.com/mev-engine/mev-execution-core/pkg/mempool"
	"github.com/mev-engine/mev-execution-core/pkg/nonce"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
	"github.com/mev-engine/mev-execution-core/pkg/relay"
	"github.com/mev-engine/mev-execution-core/pkg/strategy"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the MEV engine. It is built once and
// passed to every component.
type Config struct {
	Log          LogConfig                 `mapstructure:"log"`
	Server       ServerConfig              `mapstructure:"server"`
	Chain        ChainConfig               `mapstructure:"chain"`
	Networks     []mempool.NetworkConfig   `mapstructure:"networks"`
	Scanner      mempool.ScannerConfig     `mapstructure:"scanner"`
	Backpressure backpressure.Config       `mapstructure:"backpressure"`
	Filters      FiltersConfig             `mapstructure:"filters"`
	Gas          GasConfig                 `mapstructure:"gas"`
	Nonce        nonce.Config              `mapstructure:"nonce"`
	Relay        RelayConfig               `mapstructure:"relay"`
	Relays       []RelayEntry              `mapstructure:"relays"`
	RelaysFile   string                    `mapstructure:"relays_file"`
	Execution    execution.Config          `mapstructure:"execution"`
	Orchestrator orchestrator.Config       `mapstructure:"orchestrator"`
	Strategies   map[string]StrategyConfig `mapstructure:"strategies"`
	Backrun      strategy.BackrunConfig    `mapstructure:"backrun"`

	// Endpoints is Relays plus the entries of RelaysFile, resolved by Load
	Endpoints []types.RelayEndpoint `mapstructure:"-"`
}

// RelayEntry is an inline relay endpoint
type RelayEntry struct {
	Name      string  `mapstructure:"name"`
	URL       string  `mapstructure:"url"`
	Flavor    string  `mapstructure:"flavor"`
	Priority  int     `mapstructure:"priority"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Disabled  bool    `mapstructure:"disabled"`
}

// LogConfig selects the logger encoding and level
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Production bool   `mapstructure:"production"`
	Service    string `mapstructure:"service"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChainConfig points at the execution chain and the searcher key
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RelayAuthKey   string        `mapstructure:"relay_auth_key"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	PollHeadBlocks bool          `mapstructure:"poll_head_blocks"`
}

// FiltersConfig holds filter expressions and the address sets they reference.
// Global expressions gate strategy fan-out; scanner expressions gate ingest.
type FiltersConfig struct {
	Global    map[string]string `mapstructure:"global"`
	Scanner   map[string]string `mapstructure:"scanner"`
	HotPairs  []string          `mapstructure:"hot_pairs"`
	Blacklist []string          `mapstructure:"blacklist"`
}

// GasConfig groups oracle sampling and gas pricing settings
type GasConfig struct {
	Oracle  gas.OracleConfig  `mapstructure:"oracle"`
	Manager gas.ManagerConfig `mapstructure:"manager"`
}

// RelayConfig groups relay transport and submitter settings
type RelayConfig struct {
	Client    relay.ClientConfig    `mapstructure:"client"`
	Submitter relay.SubmitterConfig `mapstructure:"submitter"`
}

// StrategyConfig holds per-strategy switches and thresholds
type StrategyConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MinProfitEth float64 `mapstructure:"min_profit_eth"`
	MaxGasRatio  float64 `mapstructure:"max_gas_ratio"`
}

// Load reads configuration from file (the default search path when file is
// empty) and MEV_ prefixed environment variables
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("MEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.resolveEndpoints(); err != nil {
		return nil, err
	}
	// backpressure measures the scanner queue unless told otherwise
	if config.Backpressure.MaxQueueSize == 0 {
		config.Backpressure.MaxQueueSize = config.Scanner.QueueSize
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// resolveEndpoints merges inline relays with the relays file
func (c *Config) resolveEndpoints() error {
	c.Endpoints = c.Endpoints[:0]
	for _, r := range c.Relays {
		flavor := r.Flavor
		if flavor == "" {
			flavor = string(relay.FlavorFlashbots)
		}
		c.Endpoints = append(c.Endpoints, types.RelayEndpoint{
			Name:      r.Name,
			URL:       r.URL,
			Flavor:    flavor,
			Priority:  r.Priority,
			Enabled:   !r.Disabled,
			RateLimit: r.RateLimit,
		})
	}
	if c.RelaysFile != "" {
		endpoints, err := relay.LoadEndpoints(c.RelaysFile)
		if err != nil {
			return err
		}
		c.Endpoints = append(c.Endpoints, endpoints...)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Chain.RPCURL == "" {
		add("chain.rpc_url is required")
	}
	if c.Chain.ChainID <= 0 {
		add("chain.chain_id must be positive")
	}
	if len(c.Endpoints) == 0 {
		add("at least one relay endpoint is required")
	}
	names := make(map[string]bool, len(c.Endpoints))
	for _, r := range c.Endpoints {
		if r.Name == "" || r.URL == "" {
			add("relay endpoints need a name and url")
			continue
		}
		if names[r.Name] {
			add("duplicate relay %q", r.Name)
		}
		names[r.Name] = true
		if _, err := relay.ParseFlavor(r.Flavor); err != nil {
			add("relay %q: unknown flavor %q", r.Name, r.Flavor)
		}
	}
	for _, n := range c.Networks {
		if n.Name == "" {
			add("networks need a name")
		}
		if n.WSURL == "" && n.RPCURL == "" {
			add("network %q needs ws_url or rpc_url", n.Name)
		}
	}

	if c.Scanner.QueueSize <= 0 {
		add("scanner.queue_size must be positive")
	}
	if c.Backpressure.MaxQueueSize <= 0 {
		add("backpressure.max_queue_size must be positive")
	} else if c.Backpressure.MaxQueueSize != c.Scanner.QueueSize {
		add("backpressure.max_queue_size (%d) must match scanner.queue_size (%d)", c.Backpressure.MaxQueueSize, c.Scanner.QueueSize)
	}
	if !unitInterval(c.Backpressure.Threshold) || !unitInterval(c.Backpressure.CriticalThreshold) {
		add("backpressure thresholds must be in (0, 1]")
	} else if c.Backpressure.Threshold >= c.Backpressure.CriticalThreshold {
		add("backpressure.threshold must be below critical_threshold")
	}
	if c.Orchestrator.TxQueueSize <= 0 || c.Orchestrator.BundleQueueSize <= 0 {
		add("orchestrator queue sizes must be positive")
	}
	if c.Execution.MaxConcurrent <= 0 {
		add("execution.max_concurrent must be positive")
	}
	if c.Execution.MinProfitEth < 0 {
		add("execution.min_profit_eth must not be negative")
	}
	if !unitInterval(c.Gas.Manager.MaxGasCostRatio) {
		add("gas.manager.max_gas_cost_ratio must be in (0, 1]")
	}
	for name, sc := range c.Strategies {
		if sc.MinProfitEth < 0 {
			add("strategies.%s.min_profit_eth must not be negative", name)
		}
		if sc.MaxGasRatio < 0 || sc.MaxGasRatio > 1 {
			add("strategies.%s.max_gas_ratio must be in [0, 1]", name)
		}
	}
	if c.Backrun.Executor != "" && !common.IsHexAddress(c.Backrun.Executor) {
		add("backrun.executor must be a hex address")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be a valid port")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func unitInterval(v float64) bool {
	return v > 0 && v <= 1
}

// setDefaults registers default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.production", false)
	v.SetDefault("log.service", "mev-engine")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("chain.dial_timeout", "10s")
	v.SetDefault("chain.poll_head_blocks", true)

	scanner := mempool.DefaultScannerConfig()
	v.SetDefault("scanner.queue_size", scanner.QueueSize)
	v.SetDefault("scanner.max_tps", scanner.MaxTPS)
	v.SetDefault("scanner.queue_read_timeout", scanner.QueueReadTimeout)
	v.SetDefault("scanner.reconnect_delay", scanner.ReconnectDelay)
	v.SetDefault("scanner.ping_interval", scanner.PingInterval)
	v.SetDefault("scanner.pong_timeout", scanner.PongTimeout)
	v.SetDefault("scanner.fetch_timeout", scanner.FetchTimeout)
	v.SetDefault("scanner.fetch_concurrency", scanner.FetchConcurrency)
	v.SetDefault("scanner.metrics_interval", scanner.MetricsInterval)
	v.SetDefault("scanner.health_interval", scanner.HealthInterval)
	v.SetDefault("scanner.max_latency", scanner.MaxLatency)
	v.SetDefault("scanner.max_queue_utilization", scanner.MaxQueueUtilization)
	v.SetDefault("scanner.min_active_connections", scanner.MinActiveConnections)

	bp := backpressure.DefaultConfig()
	// zero follows scanner.queue_size
	v.SetDefault("backpressure.max_queue_size", 0)
	v.SetDefault("backpressure.threshold", bp.Threshold)
	v.SetDefault("backpressure.critical_threshold", bp.CriticalThreshold)

	oracle := gas.DefaultOracleConfig()
	v.SetDefault("gas.oracle.history_size", oracle.HistorySize)
	v.SetDefault("gas.oracle.sample_interval", oracle.SampleInterval)
	v.SetDefault("gas.oracle.pending_pool_capacity", oracle.PendingPoolCapacity)
	manager := gas.DefaultManagerConfig()
	v.SetDefault("gas.manager.buffer_percent", manager.BufferPercent)
	v.SetDefault("gas.manager.max_gas_cost_ratio", manager.MaxGasCostRatio)

	nonces := nonce.DefaultConfig()
	v.SetDefault("nonce.reservation_ttl", nonces.ReservationTTL)
	v.SetDefault("nonce.sync_interval", nonces.SyncInterval)
	v.SetDefault("nonce.cleanup_interval", nonces.CleanupInterval)
	v.SetDefault("nonce.gap_window", nonces.GapWindow)

	client := relay.DefaultClientConfig()
	v.SetDefault("relay.client.request_timeout", client.RequestTimeout)
	v.SetDefault("relay.client.breaker_failures", client.BreakerFailures)
	v.SetDefault("relay.client.breaker_timeout", client.BreakerTimeout)
	submitter := relay.DefaultSubmitterConfig()
	v.SetDefault("relay.submitter.max_relays", submitter.MaxRelays)
	v.SetDefault("relay.submitter.submit_timeout", submitter.SubmitTimeout)
	v.SetDefault("relay.submitter.record_ttl", submitter.RecordTTL)
	v.SetDefault("relay.submitter.success_alpha", submitter.SuccessAlpha)

	exec := execution.DefaultConfig()
	v.SetDefault("execution.min_profit_eth", exec.MinProfitEth)
	v.SetDefault("execution.max_concurrent", exec.MaxConcurrent)
	v.SetDefault("execution.execution_timeout", exec.ExecutionTimeout)
	v.SetDefault("execution.monitor_interval", exec.MonitorInterval)
	v.SetDefault("execution.max_gas_cost_ratio", exec.MaxGasCostRatio)

	orch := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.tx_queue_size", orch.TxQueueSize)
	v.SetDefault("orchestrator.bundle_queue_size", orch.BundleQueueSize)
	v.SetDefault("orchestrator.strategy_timeout", orch.StrategyTimeout)
	v.SetDefault("orchestrator.queue_read_timeout", orch.QueueReadTimeout)
	v.SetDefault("orchestrator.block_poll_interval", orch.BlockPollInterval)
	v.SetDefault("orchestrator.seen_ttl", orch.SeenTTL)
	v.SetDefault("orchestrator.latency.window_size", orch.Latency.WindowSize)
	v.SetDefault("orchestrator.latency.alpha", orch.Latency.Alpha)
	v.SetDefault("orchestrator.latency.max_processing_latency", orch.Latency.MaxProcessingLatency)
	v.SetDefault("orchestrator.latency.max_submission_latency", orch.Latency.MaxSubmissionLatency)
	v.SetDefault("orchestrator.latency.max_queue_utilization", orch.Latency.MaxQueueUtilization)

	backrun := strategy.DefaultBackrunConfig()
	v.SetDefault("backrun.min_swap_value_eth", backrun.MinSwapValueEth)
	v.SetDefault("backrun.max_trade_size_eth", backrun.MaxTradeSizeEth)
	v.SetDefault("backrun.trade_fraction", backrun.TradeFraction)
	v.SetDefault("backrun.capture_bps", backrun.CaptureBps)
	v.SetDefault("backrun.gas_limit", backrun.GasLimit)
}
