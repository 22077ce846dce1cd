package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/filter"
	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrQueueFull      = errors.New("orchestrator queue full")
	ErrStrategyPanic  = errors.New("strategy panicked")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// Executor runs opportunities and reports terminal results to listeners
type Executor interface {
	ExecuteOpportunity(ctx context.Context, opportunity *types.MEVOpportunity, bundle *types.BundleRequest) *types.ExecutionResult
	OnResult(listener execution.ResultListener)
}

// HeadReader reads the latest chain header
type HeadReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Config holds orchestrator queue and timing settings
type Config struct {
	TxQueueSize       int            `mapstructure:"tx_queue_size"`
	BundleQueueSize   int            `mapstructure:"bundle_queue_size"`
	StrategyTimeout   time.Duration  `mapstructure:"strategy_timeout"`
	QueueReadTimeout  time.Duration  `mapstructure:"queue_read_timeout"`
	BlockPollInterval time.Duration  `mapstructure:"block_poll_interval"`
	SeenTTL           time.Duration  `mapstructure:"seen_ttl"`
	Latency           *LatencyConfig `mapstructure:"latency"`
}

// DefaultConfig returns default orchestrator settings
func DefaultConfig() *Config {
	return &Config{
		TxQueueSize:       1000,
		BundleQueueSize:   100,
		StrategyTimeout:   2 * time.Second,
		QueueReadTimeout:  time.Second,
		BlockPollInterval: 2 * time.Second,
		SeenTTL:           10 * time.Minute,
		Latency:           DefaultLatencyConfig(),
	}
}

// Metrics is an on-demand snapshot of orchestrator counters
type Metrics struct {
	TxReceived       uint64         `json:"txReceived"`
	TxDropped        uint64         `json:"txDropped"`
	TxFiltered       uint64         `json:"txFiltered"`
	TxProcessed      uint64         `json:"txProcessed"`
	Blocks           uint64         `json:"blocks"`
	Opportunities    uint64         `json:"opportunities"`
	Duplicates       uint64         `json:"duplicates"`
	BelowMinimum     uint64         `json:"belowMinimum"`
	BundlesBuilt     uint64         `json:"bundlesBuilt"`
	BundlesDropped   uint64         `json:"bundlesDropped"`
	BundlesExecuted  uint64         `json:"bundlesExecuted"`
	Results          uint64         `json:"results"`
	StrategyErrors   uint64         `json:"strategyErrors"`
	StrategyTimeouts uint64         `json:"strategyTimeouts"`
	TxQueueLength    int            `json:"txQueueLength"`
	BundleQueueLen   int            `json:"bundleQueueLength"`
	CurrentBlock     uint64         `json:"currentBlock"`
	Latencies        []LatencyStats `json:"latencies"`
}

// Health reports whether orchestrator latencies and queues are within thresholds
type Health struct {
	Healthy           bool          `json:"healthy"`
	Reasons           []string      `json:"reasons,omitempty"`
	ProcessingLatency time.Duration `json:"processingLatency"`
	SubmissionLatency time.Duration `json:"submissionLatency"`
	QueueUtilization  float64       `json:"queueUtilization"`
}

type bundleJob struct {
	strategy    string
	opportunity *types.MEVOpportunity
	bundle      *types.BundleRequest
}

type counters struct {
	txReceived       atomic.Uint64
	txDropped        atomic.Uint64
	txFiltered       atomic.Uint64
	txProcessed      atomic.Uint64
	blocks           atomic.Uint64
	opportunities    atomic.Uint64
	duplicates       atomic.Uint64
	belowMinimum     atomic.Uint64
	bundlesBuilt     atomic.Uint64
	bundlesDropped   atomic.Uint64
	bundlesExecuted  atomic.Uint64
	results          atomic.Uint64
	strategyErrors   atomic.Uint64
	strategyTimeouts atomic.Uint64
}

// Orchestrator routes accepted transactions and new blocks to the registered
// strategies and feeds the resulting bundles to the executor
type Orchestrator struct {
	config   *Config
	registry *Registry
	filters  *filter.Engine
	executor Executor
	head     HeadReader
	latency  *LatencyTracker
	logger   *zap.Logger
	metrics  *metrics.Collector

	txQueue     chan *types.TransactionData
	bundleQueue chan *bundleJob

	// opportunity id -> originating strategy, held until the terminal result
	originMu sync.Mutex
	origins  map[string]string
	// ids already handed to the executor; outlives the terminal result
	seen *gocache.Cache

	currentBlock atomic.Uint64
	stats        counters

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates an orchestrator. filters and head may be nil.
func New(config *Config, registry *Registry, filters *filter.Engine, executor Executor, head HeadReader, logger *zap.Logger, collector *metrics.Collector) (*Orchestrator, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.TxQueueSize <= 0 {
		cfg.TxQueueSize = defaults.TxQueueSize
	}
	if cfg.BundleQueueSize <= 0 {
		cfg.BundleQueueSize = defaults.BundleQueueSize
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = defaults.StrategyTimeout
	}
	if cfg.QueueReadTimeout <= 0 {
		cfg.QueueReadTimeout = defaults.QueueReadTimeout
	}
	if cfg.BlockPollInterval <= 0 {
		cfg.BlockPollInterval = defaults.BlockPollInterval
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaults.SeenTTL
	}
	if registry == nil || executor == nil {
		return nil, fmt.Errorf("orchestrator requires a registry and an executor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:      &cfg,
		registry:    registry,
		filters:     filters,
		executor:    executor,
		head:        head,
		latency:     NewLatencyTracker(cfg.Latency),
		logger:      logger.Named("orchestrator"),
		metrics:     collector,
		txQueue:     make(chan *types.TransactionData, cfg.TxQueueSize),
		bundleQueue: make(chan *bundleJob, cfg.BundleQueueSize),
		origins:     make(map[string]string),
		seen:        gocache.New(cfg.SeenTTL, cfg.SeenTTL),
	}
	executor.OnResult(o.handleResult)
	return o, nil
}

// Registry returns the strategy registry
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// SubmitTransaction enqueues an accepted transaction without blocking. It
// returns false when the queue is full and the transaction was dropped.
func (o *Orchestrator) SubmitTransaction(tx *types.TransactionData) bool {
	if tx == nil {
		return false
	}
	o.stats.txReceived.Add(1)
	select {
	case o.txQueue <- tx:
		return true
	default:
		o.stats.txDropped.Add(1)
		return false
	}
}

// Callback adapts SubmitTransaction to the scanner callback contract
func (o *Orchestrator) Callback() interfaces.TransactionCallback {
	return func(_ context.Context, tx *types.TransactionData) error {
		if !o.SubmitTransaction(tx) {
			return ErrQueueFull
		}
		return nil
	}
}

// Start launches the transaction and bundle consumers and, when a head
// reader is configured, the block poller
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.wg.Add(2)
	go o.txLoop(ctx)
	go o.bundleLoop(ctx)
	if o.head != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.RunBlockPoller(ctx)
		}()
	}

	o.logger.Info("Orchestrator started",
		zap.Int("strategies", len(o.registry.Enabled())),
		zap.Int("tx_queue_size", o.config.TxQueueSize),
		zap.Int("bundle_queue_size", o.config.BundleQueueSize),
	)
	return nil
}

// Stop cancels the background loops and waits for them. Queued items are
// discarded.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return nil
	}
	o.running = false
	o.cancel()
	o.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	discarded := 0
	for {
		select {
		case <-o.txQueue:
			discarded++
			continue
		case <-o.bundleQueue:
			discarded++
			continue
		default:
		}
		break
	}
	o.logger.Info("Orchestrator stopped", zap.Int("discarded", discarded))
	return nil
}

func (o *Orchestrator) txLoop(ctx context.Context) {
	defer o.wg.Done()

	idle := time.NewTimer(o.config.QueueReadTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-o.txQueue:
			o.ProcessTransaction(ctx, tx)
		case <-idle.C:
			o.checkHealth()
		}
		resetTimer(idle, o.config.QueueReadTimeout)
	}
}

// resetTimer rearms t whether or not it fired
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// ProcessTransaction applies the global filters to tx and fans it out to
// every enabled strategy concurrently
func (o *Orchestrator) ProcessTransaction(ctx context.Context, tx *types.TransactionData) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		o.latency.Record(OpProcessing, elapsed)
		o.metrics.RecordLatency(OpProcessing, elapsed)
	}()

	if o.filters != nil && !o.filters.PassesFilters(tx) {
		o.stats.txFiltered.Add(1)
		return
	}
	o.stats.txProcessed.Add(1)

	o.fanOut(ctx, func(ctx context.Context, s interfaces.Strategy) ([]*types.MEVOpportunity, error) {
		opp, err := s.OnTx(ctx, tx)
		if err != nil || opp == nil {
			return nil, err
		}
		if opp.OriginTx == nil {
			opp.OriginTx = tx
		}
		return []*types.MEVOpportunity{opp}, nil
	})
}

// HandleNewBlock dispatches a new block to every enabled strategy. Blocks at
// or below the current head are ignored.
func (o *Orchestrator) HandleNewBlock(ctx context.Context, number uint64, timestamp time.Time) {
	for {
		current := o.currentBlock.Load()
		if number <= current {
			return
		}
		if o.currentBlock.CompareAndSwap(current, number) {
			break
		}
	}
	o.stats.blocks.Add(1)
	o.metrics.SetCurrentBlock(number)
	o.logger.Debug("New block", zap.Uint64("block", number))

	o.fanOut(ctx, func(ctx context.Context, s interfaces.Strategy) ([]*types.MEVOpportunity, error) {
		opps, err := s.OnBlock(ctx, number, timestamp)
		for _, opp := range opps {
			if opp != nil && opp.BlockNumber == 0 {
				opp.BlockNumber = number
			}
		}
		return opps, err
	})
}

// RunBlockPoller polls the chain head and calls HandleNewBlock for every new
// block until ctx is done
func (o *Orchestrator) RunBlockPoller(ctx context.Context) {
	if o.head == nil {
		return
	}
	ticker := time.NewTicker(o.config.BlockPollInterval)
	defer ticker.Stop()

	for {
		header, err := o.head.HeaderByNumber(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("Failed to read chain head", zap.Error(err))
		} else if header != nil && header.Number != nil {
			o.HandleNewBlock(ctx, header.Number.Uint64(), time.Unix(int64(header.Time), 0))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fanOut runs call for every enabled strategy concurrently, each bounded by
// the strategy timeout, and hands returned opportunities to handleOpportunity
func (o *Orchestrator) fanOut(ctx context.Context, call func(context.Context, interfaces.Strategy) ([]*types.MEVOpportunity, error)) {
	strategies := o.registry.Enabled()
	var wg sync.WaitGroup
	for _, s := range strategies {
		wg.Add(1)
		go func(s interfaces.Strategy) {
			defer wg.Done()
			opps, err := guard(ctx, o.config.StrategyTimeout, func(ctx context.Context) ([]*types.MEVOpportunity, error) {
				return call(ctx, s)
			})
			if err != nil {
				o.strategyFailed(s.Name(), "detect", err)
				return
			}
			for _, opp := range opps {
				if opp != nil {
					o.handleOpportunity(ctx, s, opp)
				}
			}
		}(s)
	}
	wg.Wait()
}

// handleOpportunity asks the originating strategy for a bundle and enqueues
// the pair for execution. Each opportunity id is accepted once.
func (o *Orchestrator) handleOpportunity(ctx context.Context, s interfaces.Strategy, opp *types.MEVOpportunity) {
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.StrategyType == "" {
		opp.StrategyType = s.Name()
	}
	if opp.Timestamp.IsZero() {
		opp.Timestamp = time.Now()
	}
	if opp.BlockNumber == 0 {
		opp.BlockNumber = o.currentBlock.Load()
	}

	limits := o.registry.Limits(s.Name())
	if limits.MinProfit != nil && opp.ProfitOrZero().Cmp(limits.MinProfit) < 0 {
		o.stats.belowMinimum.Add(1)
		return
	}
	if limits.MaxGasCostRatio > 0 && (opp.MaxGasCostRatio <= 0 || limits.MaxGasCostRatio < opp.MaxGasCostRatio) {
		opp.MaxGasCostRatio = limits.MaxGasCostRatio
	}

	if err := o.seen.Add(opp.ID, s.Name(), gocache.DefaultExpiration); err != nil {
		o.stats.duplicates.Add(1)
		return
	}
	o.originMu.Lock()
	o.origins[opp.ID] = s.Name()
	o.originMu.Unlock()

	o.stats.opportunities.Add(1)
	o.metrics.RecordOpportunity(s.Name())

	bundle, err := guard(ctx, o.config.StrategyTimeout, func(ctx context.Context) (*types.BundleRequest, error) {
		return s.BuildBundle(ctx, opp)
	})
	if err != nil || bundle == nil {
		o.forget(opp.ID)
		if err != nil {
			o.strategyFailed(s.Name(), "build_bundle", err)
		}
		return
	}
	o.stats.bundlesBuilt.Add(1)

	select {
	case o.bundleQueue <- &bundleJob{strategy: s.Name(), opportunity: opp, bundle: bundle}:
	default:
		o.forget(opp.ID)
		o.stats.bundlesDropped.Add(1)
		o.logger.Warn("Bundle queue full, dropping opportunity",
			zap.String("opportunity_id", opp.ID),
			zap.String("strategy", s.Name()),
		)
	}
}

func (o *Orchestrator) bundleLoop(ctx context.Context) {
	defer o.wg.Done()

	idle := time.NewTimer(o.config.QueueReadTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.bundleQueue:
			o.execute(ctx, job)
		case <-idle.C:
		}
		resetTimer(idle, o.config.QueueReadTimeout)
	}
}

func (o *Orchestrator) execute(ctx context.Context, job *bundleJob) {
	start := time.Now()
	result := o.executor.ExecuteOpportunity(ctx, job.opportunity, job.bundle)
	elapsed := time.Since(start)
	o.latency.Record(OpSubmission, elapsed)
	o.metrics.RecordLatency(OpSubmission, elapsed)
	o.stats.bundlesExecuted.Add(1)

	if result != nil {
		o.logger.Debug("Opportunity executed",
			zap.String("opportunity_id", job.opportunity.ID),
			zap.String("strategy", job.strategy),
			zap.String("status", string(result.Status)),
			zap.Duration("latency", elapsed),
		)
	}
}

// handleResult forwards a terminal execution result to the strategy that
// produced the opportunity. The id stays in the seen set so a strategy
// re-emitting it is not executed again.
func (o *Orchestrator) handleResult(ctx context.Context, result *types.ExecutionResult) {
	if result == nil || !result.Status.Terminal() {
		return
	}
	o.originMu.Lock()
	name, ok := o.origins[result.OpportunityID]
	delete(o.origins, result.OpportunityID)
	o.originMu.Unlock()
	if !ok {
		name = result.Strategy
	}

	s, ok := o.registry.Get(name)
	if !ok {
		return
	}
	o.stats.results.Add(1)

	_, err := guard(ctx, o.config.StrategyTimeout, func(ctx context.Context) (struct{}, error) {
		s.OnBundleResult(ctx, result)
		return struct{}{}, nil
	})
	if err != nil {
		o.strategyFailed(name, "bundle_result", err)
	}
}

// forget releases an id that never reached the executor
func (o *Orchestrator) forget(opportunityID string) {
	o.originMu.Lock()
	delete(o.origins, opportunityID)
	o.originMu.Unlock()
	o.seen.Delete(opportunityID)
}

func (o *Orchestrator) strategyFailed(name, stage string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		o.stats.strategyTimeouts.Add(1)
	} else {
		o.stats.strategyErrors.Add(1)
	}
	o.logger.Warn("Strategy call failed",
		zap.String("strategy", name),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

// queueUtilization is the fuller of the two queues
func (o *Orchestrator) queueUtilization() float64 {
	tx := float64(len(o.txQueue)) / float64(cap(o.txQueue))
	bundles := float64(len(o.bundleQueue)) / float64(cap(o.bundleQueue))
	if bundles > tx {
		return bundles
	}
	return tx
}

// Health evaluates latency and queue thresholds
func (o *Orchestrator) Health() Health {
	utilization := o.queueUtilization()
	reasons := o.latency.Check(utilization)
	return Health{
		Healthy:           len(reasons) == 0,
		Reasons:           reasons,
		ProcessingLatency: o.latency.Average(OpProcessing),
		SubmissionLatency: o.latency.Average(OpSubmission),
		QueueUtilization:  utilization,
	}
}

func (o *Orchestrator) checkHealth() {
	if h := o.Health(); !h.Healthy {
		o.logger.Warn("Orchestrator degraded", zap.Strings("reasons", h.Reasons))
	}
}

// Metrics returns a snapshot of orchestrator counters and latencies
func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		TxReceived:       o.stats.txReceived.Load(),
		TxDropped:        o.stats.txDropped.Load(),
		TxFiltered:       o.stats.txFiltered.Load(),
		TxProcessed:      o.stats.txProcessed.Load(),
		Blocks:           o.stats.blocks.Load(),
		Opportunities:    o.stats.opportunities.Load(),
		Duplicates:       o.stats.duplicates.Load(),
		BelowMinimum:     o.stats.belowMinimum.Load(),
		BundlesBuilt:     o.stats.bundlesBuilt.Load(),
		BundlesDropped:   o.stats.bundlesDropped.Load(),
		BundlesExecuted:  o.stats.bundlesExecuted.Load(),
		Results:          o.stats.results.Load(),
		StrategyErrors:   o.stats.strategyErrors.Load(),
		StrategyTimeouts: o.stats.strategyTimeouts.Load(),
		TxQueueLength:    len(o.txQueue),
		BundleQueueLen:   len(o.bundleQueue),
		CurrentBlock:     o.currentBlock.Load(),
		Latencies:        o.latency.Snapshot(),
	}
}

// guard runs fn with a timeout, converting a panic into ErrStrategyPanic.
// A call that overruns is abandoned; its result is discarded.
func guard[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrStrategyPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
