package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/chain"
	"github.com/mev-engine/mev-execution-core/pkg/gas"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/nonce"
	"github.com/mev-engine/mev-execution-core/pkg/relay"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var ErrEngineStopped = errors.New("execution engine stopped")

// Rejection reasons reported on FAILED results
const (
	ReasonBelowThreshold   = "expected profit below threshold"
	ReasonConcurrencyLimit = "concurrent execution limit reached"
	ReasonInvalidBundle    = "invalid bundle"
	ReasonGasUnaffordable  = "gas cost exceeds profit budget"
	ReasonNonceUnavailable = "nonce reservation failed"
	ReasonSigningFailed    = "transaction signing failed"
	ReasonAllRelaysFailed  = "all relays rejected the bundle"
	ReasonTimeout          = "execution timed out"
	ReasonEmergencyStop    = "emergency stop"
)

// GasOptimizer prices own bundle transactions against the opportunity's profit
type GasOptimizer interface {
	OptimizeForMEVProfit(ctx context.Context, params *gas.TxParams, expectedProfit *big.Int, maxGasCostRatio float64) (*types.GasEstimate, error)
}

// NonceAllocator hands out and settles account nonces
type NonceAllocator interface {
	ReserveNonce(ctx context.Context, account common.Address, txID string, gasPrice *big.Int, ttl time.Duration) (*types.NonceReservation, error)
	ConfirmNonce(txID string, success bool) error
	ReleaseNonce(txID string) error
}

// BundleSubmitter delivers bundles to relays and reports inclusion
type BundleSubmitter interface {
	SubmitBundle(ctx context.Context, bundle *types.BundleRequest, bundleID string, preferred []string) ([]*types.SubmissionResult, error)
	CheckBundleInclusion(ctx context.Context, bundleID string) (*relay.InclusionReport, error)
}

// TxSigner signs own bundle transactions
type TxSigner interface {
	Address() common.Address
	Sign(req *chain.TxRequest) (hexutil.Bytes, common.Hash, error)
}

// ResultListener receives every terminal execution result
type ResultListener func(ctx context.Context, result *types.ExecutionResult)

// Config holds execution engine settings
type Config struct {
	MinProfitEth     float64       `mapstructure:"min_profit_eth"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	MaxGasCostRatio  float64       `mapstructure:"max_gas_cost_ratio"`
}

// DefaultConfig returns default execution engine settings
func DefaultConfig() *Config {
	return &Config{
		MinProfitEth:     0.001,
		MaxConcurrent:    10,
		ExecutionTimeout: 300 * time.Second,
		MonitorInterval:  5 * time.Second,
		MaxGasCostRatio:  gas.DefaultMaxGasCostRatio,
	}
}

// Execution is the engine's record of one opportunity
type Execution struct {
	ID          string
	Opportunity *types.MEVOpportunity
	Bundle      *types.BundleRequest
	Status      types.ExecutionStatus
	Reason      string

	nonceTxIDs   []string
	gasCost      *big.Int
	relayResults []*types.SubmissionResult
	netProfit    *big.Int
	startedAt    time.Time
	finishedAt   time.Time
}

// Metrics aggregates execution outcomes
type Metrics struct {
	Total                uint64        `json:"total"`
	Skipped              uint64        `json:"skipped"`
	Succeeded            uint64        `json:"succeeded"`
	Failed               uint64        `json:"failed"`
	Expired              uint64        `json:"expired"`
	Active               int           `json:"active"`
	TotalNetProfit       *big.Int      `json:"totalNetProfit"`
	BestNetProfit        *big.Int      `json:"bestNetProfit,omitempty"`
	WorstNetProfit       *big.Int      `json:"worstNetProfit,omitempty"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
}

// Engine drives opportunities through PENDING, PREPARING, SUBMITTING and
// SUBMITTED to a terminal INCLUDED, FAILED or EXPIRED state
type Engine struct {
	config    *Config
	minProfit *big.Int
	gas       GasOptimizer
	nonces    NonceAllocator
	submitter BundleSubmitter
	signer    TxSigner
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu         sync.RWMutex
	executions map[string]*Execution
	stopped    bool

	listenerMu sync.RWMutex
	listeners  []ResultListener

	statsMu       sync.Mutex
	stats         Metrics
	totalExecTime time.Duration

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewEngine creates an execution engine
func NewEngine(config *Config, gasOptimizer GasOptimizer, nonces NonceAllocator, submitter BundleSubmitter, signer TxSigner, logger *zap.Logger, collector *metrics.Collector) (*Engine, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}
	if cfg.MaxGasCostRatio <= 0 {
		cfg.MaxGasCostRatio = defaults.MaxGasCostRatio
	}
	if cfg.MinProfitEth < 0 {
		return nil, fmt.Errorf("min profit must not be negative")
	}
	if gasOptimizer == nil || nonces == nil || submitter == nil || signer == nil {
		return nil, fmt.Errorf("execution engine requires gas, nonce, submitter and signer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		config:     &cfg,
		minProfit:  decimal.NewFromFloat(cfg.MinProfitEth).Shift(18).BigInt(),
		gas:        gasOptimizer,
		nonces:     nonces,
		submitter:  submitter,
		signer:     signer,
		logger:     logger.Named("execution"),
		metrics:    collector,
		executions: make(map[string]*Execution),
		stats:      Metrics{TotalNetProfit: new(big.Int)},
	}, nil
}

// OnResult registers a listener for terminal execution results
func (e *Engine) OnResult(listener ResultListener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// ExecuteOpportunity prepares and submits the bundle for opportunity. It
// returns once the bundle is SUBMITTED or the execution has FAILED; inclusion
// is resolved later by the monitor loop. Rejections have no side effects.
// Nonces and signatures go into a copy; the caller's bundle is left as built.
func (e *Engine) ExecuteOpportunity(ctx context.Context, opportunity *types.MEVOpportunity, bundle *types.BundleRequest) *types.ExecutionResult {
	bundle = bundle.Clone()
	exec := &Execution{
		ID:          uuid.NewString(),
		Opportunity: opportunity,
		Bundle:      bundle,
		Status:      types.ExecutionPending,
		gasCost:     new(big.Int),
		startedAt:   time.Now(),
	}
	e.count(func(st *Metrics) { st.Total++ })

	if reason, ok := e.admit(exec); !ok {
		return e.reject(ctx, exec, reason)
	}

	if !e.transition(exec, types.ExecutionPreparing) {
		return e.result(exec)
	}
	if reason, err := e.prepare(ctx, exec); err != nil {
		e.logger.Warn("Execution preparation failed",
			zap.String("execution_id", exec.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return e.finish(ctx, exec, types.ExecutionFailed, reason)
	}

	if !e.transition(exec, types.ExecutionSubmitting) {
		e.releaseNonces(exec)
		return e.result(exec)
	}
	results, err := e.submitter.SubmitBundle(ctx, bundle, exec.ID, opportunity.PreferredRelays)
	e.mu.Lock()
	exec.relayResults = results
	e.mu.Unlock()
	if err != nil {
		return e.finish(ctx, exec, types.ExecutionFailed, fmt.Sprintf("submission failed: %v", err))
	}
	if allFailed(results) {
		return e.finish(ctx, exec, types.ExecutionFailed, ReasonAllRelaysFailed)
	}

	e.transition(exec, types.ExecutionSubmitted)
	e.logger.Info("Bundle submitted",
		zap.String("execution_id", exec.ID),
		zap.String("opportunity_id", opportunity.ID),
		zap.Uint64("target_block", bundle.TargetBlock),
		zap.Int("relays", len(results)),
	)
	return e.result(exec)
}

// admit applies the cheap checks that reject an opportunity before any side
// effect and registers admitted executions as active
func (e *Engine) admit(exec *Execution) (string, bool) {
	if exec.Opportunity == nil {
		return ReasonInvalidBundle, false
	}
	if err := exec.Bundle.Validate(); err != nil {
		return fmt.Sprintf("%s: %v", ReasonInvalidBundle, err), false
	}
	if exec.Opportunity.ProfitOrZero().Cmp(e.minProfit) < 0 {
		return ReasonBelowThreshold, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped.Error(), false
	}
	active := 0
	for _, x := range e.executions {
		if !x.Status.Terminal() {
			active++
		}
	}
	if active >= e.config.MaxConcurrent {
		return ReasonConcurrencyLimit, false
	}
	e.executions[exec.ID] = exec
	return "", true
}

// reject fails an execution that was never admitted
func (e *Engine) reject(ctx context.Context, exec *Execution, reason string) *types.ExecutionResult {
	exec.Status = types.ExecutionFailed
	exec.Reason = reason
	exec.finishedAt = time.Now()
	e.count(func(st *Metrics) { st.Skipped++ })
	e.metrics.RecordExecution("skipped", nil)

	e.logger.Debug("Opportunity skipped",
		zap.String("execution_id", exec.ID),
		zap.String("reason", reason),
	)
	result := e.buildResult(exec)
	e.notify(ctx, result)
	return result
}

// prepare prices, reserves nonces for, and signs every own transaction. Gas
// is priced for all transactions before any nonce is reserved.
func (e *Engine) prepare(ctx context.Context, exec *Execution) (string, error) {
	bundle := exec.Bundle
	own := bundle.OwnTransactionCount()
	if own == 0 {
		return "", nil
	}

	share := exec.Opportunity.ProfitOrZero()
	share.Quo(share, big.NewInt(int64(own)))
	ratio := e.config.MaxGasCostRatio
	if r := exec.Opportunity.MaxGasCostRatio; r > 0 && r < ratio {
		ratio = r
	}

	estimates := make(map[int]*types.GasEstimate, own)
	for i, tx := range bundle.Transactions {
		if tx.PreSigned() {
			continue
		}
		est, err := e.gas.OptimizeForMEVProfit(ctx, &gas.TxParams{
			From:     e.signer.Address(),
			To:       tx.To,
			Value:    tx.Value,
			Data:     tx.Data,
			GasLimit: tx.GasLimit,
		}, share, ratio)
		if err != nil {
			return ReasonGasUnaffordable, fmt.Errorf("gas estimation for tx %d: %w", i, err)
		}
		if !est.Executable || est.Confidence == 0 {
			return ReasonGasUnaffordable, fmt.Errorf("tx %d needs %s wei", i, est.TotalCostWei)
		}
		estimates[i] = est
	}

	account := e.signer.Address()
	for i, tx := range bundle.Transactions {
		est, ok := estimates[i]
		if !ok {
			continue
		}
		txID := fmt.Sprintf("%s-%d", exec.ID, i)
		res, err := e.nonces.ReserveNonce(ctx, account, txID, est.MaxFeePerGas, e.config.ExecutionTimeout)
		if err != nil {
			e.releaseNonces(exec)
			return ReasonNonceUnavailable, err
		}
		e.mu.Lock()
		exec.nonceTxIDs = append(exec.nonceTxIDs, txID)
		e.mu.Unlock()

		raw, hash, err := e.signer.Sign(&chain.TxRequest{
			To:                   tx.To,
			Value:                tx.Value,
			Data:                 tx.Data,
			Nonce:                res.Nonce,
			GasLimit:             est.GasLimit,
			MaxFeePerGas:         est.MaxFeePerGas,
			MaxPriorityFeePerGas: est.MaxPriorityFeePerGas,
		})
		if err != nil {
			e.releaseNonces(exec)
			return ReasonSigningFailed, err
		}

		n := res.Nonce
		tx.Nonce = &n
		tx.GasLimit = est.GasLimit
		tx.MaxFeePerGas = est.MaxFeePerGas
		tx.MaxPriorityFeePerGas = est.MaxPriorityFeePerGas
		tx.GasPrice = est.GasPrice
		tx.RawTx = raw
		tx.Hash = hash

		e.mu.Lock()
		exec.gasCost.Add(exec.gasCost, est.TotalCostWei)
		e.mu.Unlock()
	}
	return "", nil
}

// transition moves a live execution to status; false means it already reached
// a terminal state (for example through an emergency stop)
func (e *Engine) transition(exec *Execution, status types.ExecutionStatus) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.Status.Terminal() {
		return false
	}
	exec.Status = status
	return true
}

// finish moves an execution to a terminal state exactly once, settling its
// nonces and notifying listeners
func (e *Engine) finish(ctx context.Context, exec *Execution, status types.ExecutionStatus, reason string) *types.ExecutionResult {
	e.mu.Lock()
	if exec.Status.Terminal() {
		e.mu.Unlock()
		return e.result(exec)
	}
	exec.Status = status
	exec.Reason = reason
	exec.finishedAt = time.Now()
	delete(e.executions, exec.ID)
	e.mu.Unlock()

	duration := exec.finishedAt.Sub(exec.startedAt)
	switch status {
	case types.ExecutionIncluded:
		e.settleNonces(exec, true)
		e.recordSuccess(exec.netProfit, duration)
	case types.ExecutionExpired:
		e.releaseNonces(exec)
		e.count(func(st *Metrics) { st.Expired++ })
	default:
		e.releaseNonces(exec)
		e.count(func(st *Metrics) { st.Failed++ })
	}
	e.metrics.RecordExecution(string(status), exec.netProfit)

	e.logger.Info("Execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)

	result := e.result(exec)
	e.notify(ctx, result)
	return result
}

func (e *Engine) recordSuccess(netProfit *big.Int, duration time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.Succeeded++
	e.totalExecTime += duration
	e.stats.AverageExecutionTime = e.totalExecTime / time.Duration(e.stats.Succeeded)
	if netProfit == nil {
		return
	}
	e.stats.TotalNetProfit.Add(e.stats.TotalNetProfit, netProfit)
	if e.stats.BestNetProfit == nil || netProfit.Cmp(e.stats.BestNetProfit) > 0 {
		e.stats.BestNetProfit = new(big.Int).Set(netProfit)
	}
	if e.stats.WorstNetProfit == nil || netProfit.Cmp(e.stats.WorstNetProfit) < 0 {
		e.stats.WorstNetProfit = new(big.Int).Set(netProfit)
	}
}

func (e *Engine) releaseNonces(exec *Execution) {
	e.settleNonces(exec, false)
}

// settleNonces confirms (on inclusion) or releases every reservation of exec
func (e *Engine) settleNonces(exec *Execution, included bool) {
	e.mu.Lock()
	txIDs := exec.nonceTxIDs
	exec.nonceTxIDs = nil
	e.mu.Unlock()

	for _, txID := range txIDs {
		var err error
		if included {
			err = e.nonces.ConfirmNonce(txID, true)
		} else {
			err = e.nonces.ReleaseNonce(txID)
		}
		if err != nil && !errors.Is(err, nonce.ErrReservationNotFound) {
			e.logger.Warn("Failed to settle nonce", zap.String("tx_id", txID), zap.Error(err))
		}
	}
}

// CheckExecutions polls inclusion for submitted executions and expires those
// that outlived the execution timeout
func (e *Engine) CheckExecutions(ctx context.Context) {
	now := time.Now()

	e.mu.RLock()
	live := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		live = append(live, exec)
	}
	e.mu.RUnlock()

	for _, exec := range live {
		e.mu.RLock()
		status := exec.Status
		e.mu.RUnlock()
		if status.Terminal() {
			continue
		}

		if status == types.ExecutionSubmitted {
			report, err := e.submitter.CheckBundleInclusion(ctx, exec.ID)
			if err != nil {
				e.logger.Debug("Inclusion check failed", zap.String("execution_id", exec.ID), zap.Error(err))
			} else if report.Included {
				e.include(ctx, exec, report)
				continue
			} else {
				e.mu.Lock()
				exec.relayResults = report.Results
				e.mu.Unlock()
			}
		}

		if now.Sub(exec.startedAt) >= e.config.ExecutionTimeout {
			e.finish(ctx, exec, types.ExecutionExpired, ReasonTimeout)
		}
	}
}

// include computes net profit from the realized relay profit when reported,
// else from the expected profit, less the worst-case gas cost
func (e *Engine) include(ctx context.Context, exec *Execution, report *relay.InclusionReport) {
	profit := exec.Opportunity.ProfitOrZero()
	if report.Profit != nil {
		profit = new(big.Int).Set(report.Profit)
	}

	e.mu.Lock()
	exec.relayResults = report.Results
	exec.netProfit = new(big.Int).Sub(profit, exec.gasCost)
	e.mu.Unlock()

	e.finish(ctx, exec, types.ExecutionIncluded, "")
}

// EmergencyStop fails every active execution, releases their nonces and
// halts the engine. Later opportunities are rejected.
func (e *Engine) EmergencyStop(ctx context.Context) int {
	e.mu.Lock()
	e.stopped = true
	live := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		live = append(live, exec)
	}
	e.mu.Unlock()

	e.logger.Warn("Emergency stop", zap.Int("active_executions", len(live)))
	for _, exec := range live {
		e.finish(ctx, exec, types.ExecutionFailed, ReasonEmergencyStop)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		e.logger.Warn("Monitor did not stop cleanly", zap.Error(err))
	}
	return len(live)
}

// Active returns results for every non-terminal execution, oldest first
func (e *Engine) Active() []*types.ExecutionResult {
	e.mu.RLock()
	live := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		live = append(live, exec)
	}
	e.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].startedAt.Before(live[j].startedAt) })
	out := make([]*types.ExecutionResult, len(live))
	for i, exec := range live {
		out[i] = e.result(exec)
	}
	return out
}

// Metrics returns a snapshot of execution counters
func (e *Engine) Metrics() Metrics {
	e.statsMu.Lock()
	out := e.stats
	out.TotalNetProfit = new(big.Int).Set(e.stats.TotalNetProfit)
	if e.stats.BestNetProfit != nil {
		out.BestNetProfit = new(big.Int).Set(e.stats.BestNetProfit)
	}
	if e.stats.WorstNetProfit != nil {
		out.WorstNetProfit = new(big.Int).Set(e.stats.WorstNetProfit)
	}
	e.statsMu.Unlock()

	e.mu.RLock()
	out.Active = len(e.executions)
	e.mu.RUnlock()
	return out
}

func (e *Engine) count(update func(*Metrics)) {
	e.statsMu.Lock()
	update(&e.stats)
	e.statsMu.Unlock()
}

func (e *Engine) result(exec *Execution) *types.ExecutionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buildResult(exec)
}

func (e *Engine) buildResult(exec *Execution) *types.ExecutionResult {
	result := &types.ExecutionResult{
		ExecutionID:  exec.ID,
		Status:       exec.Status,
		Reason:       exec.Reason,
		RelayResults: exec.relayResults,
	}
	if exec.Opportunity != nil {
		result.OpportunityID = exec.Opportunity.ID
		result.Strategy = exec.Opportunity.StrategyType
	}
	if exec.gasCost != nil {
		result.GasCost = new(big.Int).Set(exec.gasCost)
	}
	if exec.netProfit != nil {
		result.NetProfit = new(big.Int).Set(exec.netProfit)
	}
	end := exec.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	result.Duration = end.Sub(exec.startedAt)
	return result
}

func (e *Engine) notify(ctx context.Context, result *types.ExecutionResult) {
	e.listenerMu.RLock()
	listeners := make([]ResultListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Result listener panicked", zap.Any("panic", r))
				}
			}()
			listener(ctx, result)
		}()
	}
}

// Start launches the inclusion monitor loop
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return fmt.Errorf("execution engine already running")
	}
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return ErrEngineStopped
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.wg.Add(1)
	go e.monitorLoop(ctx)

	e.logger.Info("Execution engine started",
		zap.Duration("monitor_interval", e.config.MonitorInterval),
		zap.Duration("execution_timeout", e.config.ExecutionTimeout),
	)
	return nil
}

// Stop halts the monitor loop and waits for it to exit
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Execution engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckExecutions(ctx)
		}
	}
}

func allFailed(results []*types.SubmissionResult) bool {
	for _, r := range results {
		if !r.Failed() {
			return false
		}
	}
	return true
}
