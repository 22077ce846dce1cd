package gas

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
)

var ErrNoSample = errors.New("no gas sample available")

// defaultPriorityFee is used when the node cannot suggest a tip (1 gwei)
var defaultPriorityFee = big.NewInt(1_000_000_000)

// ChainReader is the part of the chain client the oracle samples
type ChainReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingPoolSize(ctx context.Context) (uint64, error)
}

// OracleConfig holds sampling settings
type OracleConfig struct {
	HistorySize    int           `mapstructure:"history_size"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	// PendingPoolCapacity is the pending pool size treated as fully congested
	PendingPoolCapacity uint64 `mapstructure:"pending_pool_capacity"`
}

// DefaultOracleConfig returns default sampling settings
func DefaultOracleConfig() *OracleConfig {
	return &OracleConfig{
		HistorySize:         100,
		SampleInterval:      6 * time.Second,
		PendingPoolCapacity: 5000,
	}
}

// Snapshot represents the gas conditions observed at one point in time
type Snapshot struct {
	BlockNumber uint64    `json:"blockNumber"`
	BaseFee     *big.Int  `json:"baseFee"`
	GasPrice    *big.Int  `json:"gasPrice"`
	PriorityFee *big.Int  `json:"priorityFee"`
	PendingTxs  uint64    `json:"pendingTxs"`
	GasUsed     uint64    `json:"gasUsed"`
	GasLimit    uint64    `json:"gasLimit"`
	Congestion  float64   `json:"congestion"`
	Timestamp   time.Time `json:"timestamp"`
}

// Oracle samples network gas conditions and keeps a bounded history
type Oracle struct {
	config  *OracleConfig
	chain   ChainReader
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	history []Snapshot

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewOracle creates a gas oracle over the given chain reader
func NewOracle(config *OracleConfig, chain ChainReader, logger *zap.Logger, collector *metrics.Collector) *Oracle {
	defaults := DefaultOracleConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaults.SampleInterval
	}
	if cfg.PendingPoolCapacity == 0 {
		cfg.PendingPoolCapacity = defaults.PendingPoolCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Oracle{
		config:  &cfg,
		chain:   chain,
		logger:  logger.Named("gas-oracle"),
		metrics: collector,
		history: make([]Snapshot, 0, cfg.HistorySize),
	}
}

// Sample reads current gas conditions from the chain and appends them to history
func (o *Oracle) Sample(ctx context.Context) (*Snapshot, error) {
	gasPrice, err := o.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sample gas price: %w", err)
	}

	snap := Snapshot{GasPrice: gasPrice, Timestamp: time.Now()}

	header, err := o.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		o.logger.Debug("Latest header unavailable", zap.Error(err))
	} else if header != nil {
		snap.BaseFee = header.BaseFee
		snap.GasUsed = header.GasUsed
		snap.GasLimit = header.GasLimit
		if header.Number != nil {
			snap.BlockNumber = header.Number.Uint64()
		}
	}

	tip, err := o.chain.SuggestGasTipCap(ctx)
	switch {
	case err == nil:
		snap.PriorityFee = tip
	case snap.BaseFee != nil && gasPrice.Cmp(snap.BaseFee) > 0:
		// legacy nodes: the premium over base fee is the effective tip
		snap.PriorityFee = new(big.Int).Sub(gasPrice, snap.BaseFee)
	default:
		snap.PriorityFee = new(big.Int).Set(defaultPriorityFee)
	}

	if pending, err := o.chain.PendingPoolSize(ctx); err == nil {
		snap.PendingTxs = pending
	}

	snap.Congestion = o.congestion(snap)
	o.record(snap)

	o.metrics.RecordGasEstimate("sample", snap.Congestion, snap.BaseFee)
	return &snap, nil
}

// congestion averages normalized pending pool size and block gas utilization
func (o *Oracle) congestion(s Snapshot) float64 {
	pool := math.Min(1, float64(s.PendingTxs)/float64(o.config.PendingPoolCapacity))

	utilization := 0.0
	if s.GasLimit > 0 {
		utilization = math.Min(1, float64(s.GasUsed)/float64(s.GasLimit))
	}
	return (pool + utilization) / 2
}

func (o *Oracle) record(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, s)
	if len(o.history) > o.config.HistorySize {
		o.history = o.history[len(o.history)-o.config.HistorySize:]
	}
}

// Latest returns the most recent snapshot, or nil before the first sample
func (o *Oracle) Latest() *Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.history) == 0 {
		return nil
	}
	s := o.history[len(o.history)-1]
	return &s
}

// Current returns the latest snapshot, sampling first if history is empty
func (o *Oracle) Current(ctx context.Context) (*Snapshot, error) {
	if s := o.Latest(); s != nil {
		return s, nil
	}
	if o.chain == nil {
		return nil, ErrNoSample
	}
	return o.Sample(ctx)
}

// History returns a copy of the retained snapshots, oldest first
func (o *Oracle) History() []Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Snapshot, len(o.history))
	copy(out, o.history)
	return out
}

// Congestion returns the congestion score of the latest snapshot
func (o *Oracle) Congestion() float64 {
	if s := o.Latest(); s != nil {
		return s.Congestion
	}
	return 0
}

// MeanGasPrice returns the average gas price across history, nil when empty
func (o *Oracle) MeanGasPrice() *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.history) == 0 {
		return nil
	}
	sum := new(big.Int)
	for _, s := range o.history {
		sum.Add(sum, s.GasPrice)
	}
	return sum.Div(sum, big.NewInt(int64(len(o.history))))
}

// PredictBaseFee extrapolates the base fee blocksAhead samples into the
// future from the average delta of recent samples. The result is never negative.
func (o *Oracle) PredictBaseFee(blocksAhead int) *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var fees []*big.Int
	for _, s := range o.history {
		if s.BaseFee != nil {
			fees = append(fees, s.BaseFee)
		}
	}
	if len(fees) == 0 {
		return nil
	}

	// average delta over the last few samples
	const window = 5
	if len(fees) > window+1 {
		fees = fees[len(fees)-window-1:]
	}
	last := fees[len(fees)-1]
	if len(fees) == 1 || blocksAhead <= 0 {
		return new(big.Int).Set(last)
	}

	delta := new(big.Int).Sub(last, fees[0])
	delta.Mul(delta, big.NewInt(int64(blocksAhead)))
	delta.Quo(delta, big.NewInt(int64(len(fees)-1)))

	predicted := new(big.Int).Add(last, delta)
	if predicted.Sign() < 0 {
		predicted.SetInt64(0)
	}
	return predicted
}

// Start launches the periodic sampling loop
func (o *Oracle) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.running {
		return fmt.Errorf("gas oracle already running")
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	if _, err := o.Sample(ctx); err != nil {
		o.logger.Warn("Initial gas sample failed", zap.Error(err))
	}

	o.wg.Add(1)
	go o.sampleLoop(ctx)
	return nil
}

// Stop halts sampling and waits for the loop to exit
func (o *Oracle) Stop(ctx context.Context) error {
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
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Oracle) sampleLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sample(ctx); err != nil {
				o.logger.Warn("Gas sample failed", zap.Error(err))
			}
		}
	}
}
