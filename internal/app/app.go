package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/backpressure"
	"github.com/mev-engine/mev-execution-core/pkg/chain"
	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/filter"
	"github.com/mev-engine/mev-execution-core/pkg/gas"
	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
	"github.com/mev-engine/mev-execution-core/pkg/mempool"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/nonce"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
	"github.com/mev-engine/mev-execution-core/pkg/relay"
	"github.com/mev-engine/mev-execution-core/pkg/strategy"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var ErrAlreadyStarted = errors.New("application already started")

// Module provides the full execution core object graph. It expects a
// *config.Config to be supplied.
var Module = fx.Options(
	fx.Provide(
		provideLogger,
		metrics.NewCollector,
		NewChainClient,
		NewFilters,
		NewBackpressure,
		NewScanner,
		NewGasOracle,
		NewGasManager,
		NewNonceManager,
		NewTxSigner,
		NewRelaySigner,
		NewSubmitter,
		NewEngine,
		NewBackrunStrategy,
		NewRegistry,
		NewOrchestrator,
		NewApplication,
	),
	fx.Invoke(registerHooks),
)

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return NewLogger(cfg.Log)
}

// NewChainClient dials the execution chain RPC and closes it on shutdown
func NewChainClient(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*chain.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Chain.DialTimeout)
	defer cancel()

	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			client.Close()
			return nil
		},
	})
	return client, nil
}

// Filters holds the strategy fan-out filters and the scanner ingest filters.
// Both share the configured hot pair and blacklist sets.
type Filters struct {
	Global  *filter.Engine
	Scanner *filter.Engine
}

// NewFilters compiles the configured filter expressions
func NewFilters(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*Filters, error) {
	global, err := buildFilterEngine(cfg.Filters, cfg.Filters.Global, logger.Named("global"), collector)
	if err != nil {
		return nil, fmt.Errorf("global filters: %w", err)
	}
	scanner, err := buildFilterEngine(cfg.Filters, cfg.Filters.Scanner, logger.Named("ingest"), collector)
	if err != nil {
		return nil, fmt.Errorf("scanner filters: %w", err)
	}
	return &Filters{Global: global, Scanner: scanner}, nil
}

func buildFilterEngine(fc config.FiltersConfig, expressions map[string]string, logger *zap.Logger, collector *metrics.Collector) (*filter.Engine, error) {
	engine := filter.NewEngine(logger, collector)
	if err := engine.SetNamedSet(filter.SetHotPairs, fc.HotPairs); err != nil {
		return nil, err
	}
	if err := engine.SetNamedSet(filter.SetBlacklist, fc.Blacklist); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(expressions))
	for name := range expressions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := engine.AddFilter(name, expressions[name]); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// NewBackpressure sizes the manager to the scanner queue it watches
func NewBackpressure(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) *backpressure.Manager {
	bp := cfg.Backpressure
	bp.MaxQueueSize = cfg.Scanner.QueueSize
	return backpressure.NewManager(&bp, logger, collector)
}

func NewScanner(cfg *config.Config, filters *Filters, bp *backpressure.Manager, collector *metrics.Collector, logger *zap.Logger) *mempool.Scanner {
	return mempool.NewScanner(&cfg.Scanner, cfg.Networks, filters.Scanner, bp, collector, logger)
}

func NewGasOracle(cfg *config.Config, client *chain.Client, logger *zap.Logger, collector *metrics.Collector) *gas.Oracle {
	return gas.NewOracle(&cfg.Gas.Oracle, client, logger, collector)
}

func NewGasManager(cfg *config.Config, oracle *gas.Oracle, client *chain.Client, logger *zap.Logger, collector *metrics.Collector) (*gas.Manager, error) {
	return gas.NewManager(&cfg.Gas.Manager, oracle, client, logger, collector)
}

func NewNonceManager(cfg *config.Config, client *chain.Client, logger *zap.Logger, collector *metrics.Collector) *nonce.Manager {
	return nonce.NewManager(&cfg.Nonce, client, logger, collector)
}

// NewTxSigner loads the searcher key that signs own bundle transactions
func NewTxSigner(cfg *config.Config) (*chain.TxSigner, error) {
	return chain.NewTxSignerFromHex(cfg.Chain.PrivateKey, big.NewInt(cfg.Chain.ChainID))
}

// NewRelaySigner loads the relay reputation key. Without one configured an
// ephemeral key is generated, which relays accept but do not build reputation for.
func NewRelaySigner(cfg *config.Config, logger *zap.Logger) (*relay.Signer, error) {
	if cfg.Chain.RelayAuthKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate relay auth key: %w", err)
		}
		signer := relay.NewSigner(key)
		logger.Warn("No relay auth key configured, using an ephemeral key",
			zap.String("address", signer.Address().Hex()))
		return signer, nil
	}

	key, err := chain.ParsePrivateKey(cfg.Chain.RelayAuthKey)
	if err != nil {
		return nil, fmt.Errorf("invalid relay auth key: %w", err)
	}
	return relay.NewSigner(key), nil
}

func NewSubmitter(cfg *config.Config, signer *relay.Signer, logger *zap.Logger, collector *metrics.Collector) (*relay.Submitter, error) {
	return relay.NewSubmitterFromEndpoints(cfg.Endpoints, signer, &cfg.Relay.Client, &cfg.Relay.Submitter, logger, collector)
}

func NewEngine(cfg *config.Config, gasManager *gas.Manager, nonces *nonce.Manager, submitter *relay.Submitter, signer *chain.TxSigner, logger *zap.Logger, collector *metrics.Collector) (*execution.Engine, error) {
	return execution.NewEngine(&cfg.Execution, gasManager, nonces, submitter, signer, logger, collector)
}

type strategiesOut struct {
	fx.Out

	Strategies []interfaces.Strategy `group:"strategies,flatten"`
}

// NewBackrunStrategy contributes the backrun strategy when an executor
// contract is configured
func NewBackrunStrategy(cfg *config.Config, client *chain.Client, logger *zap.Logger) (strategiesOut, error) {
	if cfg.Backrun.Executor == "" {
		return strategiesOut{}, nil
	}
	backrun, err := strategy.NewBackrun(&cfg.Backrun, client, logger)
	if err != nil {
		return strategiesOut{}, err
	}
	return strategiesOut{Strategies: []interfaces.Strategy{backrun}}, nil
}

type registryParams struct {
	fx.In

	Config     *config.Config
	Strategies []interfaces.Strategy `group:"strategies"`
}

// NewRegistry registers every contributed strategy and applies the
// per-strategy switches and thresholds from configuration
func NewRegistry(p registryParams) (*orchestrator.Registry, error) {
	registry := orchestrator.NewRegistry()
	for _, s := range p.Strategies {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
		sc, ok := p.Config.Strategies[s.Name()]
		if !ok {
			continue
		}
		if !sc.Enabled {
			if err := registry.Disable(s.Name()); err != nil {
				return nil, err
			}
		}
		limits := orchestrator.Limits{MaxGasCostRatio: sc.MaxGasRatio}
		if sc.MinProfitEth > 0 {
			limits.MinProfit = decimal.NewFromFloat(sc.MinProfitEth).Shift(18).BigInt()
		}
		if err := registry.SetLimits(s.Name(), limits); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func NewOrchestrator(cfg *config.Config, registry *orchestrator.Registry, filters *Filters, engine *execution.Engine, client *chain.Client, logger *zap.Logger, collector *metrics.Collector) (*orchestrator.Orchestrator, error) {
	var head orchestrator.HeadReader
	if cfg.Chain.PollHeadBlocks {
		head = client
	}
	return orchestrator.New(&cfg.Orchestrator, registry, filters.Global, engine, head, logger, collector)
}

type lifecycleComponent struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Application owns the running components and starts them in dependency
// order: gas oracle, nonce manager, execution engine, orchestrator, scanner.
type Application struct {
	config       *config.Config
	logger       *zap.Logger
	metrics      *metrics.Collector
	filters      *Filters
	backpressure *backpressure.Manager
	scanner      *mempool.Scanner
	oracle       *gas.Oracle
	nonces       *nonce.Manager
	submitter    *relay.Submitter
	engine       *execution.Engine
	orchestrator *orchestrator.Orchestrator
	components   []lifecycleComponent

	mu      sync.Mutex
	cancel  context.CancelFunc
	started int
	running bool
}

type applicationParams struct {
	fx.In

	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Filters      *Filters
	Backpressure *backpressure.Manager
	Scanner      *mempool.Scanner
	Oracle       *gas.Oracle
	Nonces       *nonce.Manager
	Submitter    *relay.Submitter
	Engine       *execution.Engine
	Orchestrator *orchestrator.Orchestrator
}

// NewApplication assembles the application from its components
func NewApplication(p applicationParams) *Application {
	a := &Application{
		config:       p.Config,
		logger:       p.Logger.Named("app"),
		metrics:      p.Metrics,
		filters:      p.Filters,
		backpressure: p.Backpressure,
		scanner:      p.Scanner,
		oracle:       p.Oracle,
		nonces:       p.Nonces,
		submitter:    p.Submitter,
		engine:       p.Engine,
		orchestrator: p.Orchestrator,
	}
	a.scanner.OnTransaction(a.orchestrator.Callback())
	a.components = []lifecycleComponent{
		{"gas oracle", a.oracle.Start, a.oracle.Stop},
		{"nonce manager", a.nonces.Start, a.nonces.Stop},
		{"execution engine", a.engine.Start, a.engine.Stop},
		{"orchestrator", a.orchestrator.Start, a.orchestrator.Stop},
		{"scanner", a.scanner.Start, a.scanner.Stop},
	}
	return a
}

// Start launches every component. Background loops run under a context owned
// by the application, not the caller's start deadline. On failure the
// components already started are stopped again.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = 0
	for _, c := range a.components {
		if err := c.start(runCtx); err != nil {
			a.stopStarted(ctx)
			cancel()
			return fmt.Errorf("failed to start %s: %w", c.name, err)
		}
		a.started++
	}
	a.running = true

	a.logger.Info("MEV execution core started",
		zap.Int("networks", len(a.config.Networks)),
		zap.Int("relays", len(a.config.Endpoints)),
		zap.Any("strategies", a.orchestrator.Registry().Status()),
	)
	return nil
}

// Stop stops the components in reverse start order
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	err := a.stopStarted(ctx)
	a.cancel()
	a.logger.Info("MEV execution core stopped")
	return err
}

// stopStarted must be called with a.mu held
func (a *Application) stopStarted(ctx context.Context) error {
	var errs []error
	for i := a.started - 1; i >= 0; i-- {
		c := a.components[i]
		if err := c.stop(ctx); err != nil {
			a.logger.Warn("Component did not stop cleanly", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.started = 0
	return errors.Join(errs...)
}

// EmergencyStop halts the execution engine, failing all live executions
func (a *Application) EmergencyStop(ctx context.Context) int {
	return a.engine.EmergencyStop(ctx)
}

// SetStrategyEnabled switches a registered strategy on or off at runtime
func (a *Application) SetStrategyEnabled(name string, enabled bool) error {
	if enabled {
		return a.orchestrator.Registry().Enable(name)
	}
	return a.orchestrator.Registry().Disable(name)
}

// Metrics returns the Prometheus collector
func (a *Application) Metrics() *metrics.Collector {
	return a.metrics
}

// FilterSnapshot reports both filter engines
type FilterSnapshot struct {
	Global  filter.EngineStats `json:"global"`
	Scanner filter.EngineStats `json:"scanner"`
}

// Snapshot is every component's on-demand metrics in one document
type Snapshot struct {
	Scanner      mempool.ScannerMetrics   `json:"scanner"`
	Backpressure backpressure.Metrics     `json:"backpressure"`
	Filters      FilterSnapshot           `json:"filters"`
	Gas          *gas.Snapshot            `json:"gas,omitempty"`
	Nonces       nonce.Metrics            `json:"nonces"`
	Relays       []types.RelayEndpoint    `json:"relays"`
	Submitter    relay.SubmitterMetrics   `json:"submitter"`
	Execution    execution.Metrics        `json:"execution"`
	Active       []*types.ExecutionResult `json:"active"`
	Orchestrator orchestrator.Metrics     `json:"orchestrator"`
	Strategies   map[string]bool          `json:"strategies"`
}

// Snapshot collects the current metrics of every component
func (a *Application) Snapshot() Snapshot {
	return Snapshot{
		Scanner:      a.scanner.Metrics(),
		Backpressure: a.backpressure.Metrics(),
		Filters: FilterSnapshot{
			Global:  a.filters.Global.Stats(),
			Scanner: a.filters.Scanner.Stats(),
		},
		Gas:          a.oracle.Latest(),
		Nonces:       a.nonces.Metrics(),
		Relays:       a.submitter.Relays(),
		Submitter:    a.submitter.Metrics(),
		Execution:    a.engine.Metrics(),
		Active:       a.engine.Active(),
		Orchestrator: a.orchestrator.Metrics(),
		Strategies:   a.orchestrator.Registry().Status(),
	}
}

// Health aggregates the scanner, orchestrator and backpressure health
type Health struct {
	Healthy      bool                  `json:"healthy"`
	Running      bool                  `json:"running"`
	Scanner      mempool.ScannerHealth `json:"scanner"`
	Orchestrator orchestrator.Health   `json:"orchestrator"`
	Backpressure string                `json:"backpressure"`
}

// Health reports degraded when any component is unhealthy or backpressure is critical
func (a *Application) Health() Health {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()

	h := Health{
		Running:      running,
		Scanner:      a.scanner.Health(),
		Orchestrator: a.orchestrator.Health(),
		Backpressure: a.backpressure.State().String(),
	}
	h.Healthy = running && h.Scanner.Healthy && h.Orchestrator.Healthy &&
		a.backpressure.State() != backpressure.StateCritical
	return h
}

func registerHooks(lc fx.Lifecycle, app *Application) {
	lc.Append(fx.Hook{
		OnStart: app.Start,
		OnStop:  app.Stop,
	})
}
