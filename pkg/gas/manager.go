package gas

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// Strategy names a gas pricing profile
type Strategy string

const (
	StrategyConservative Strategy = "CONSERVATIVE"
	StrategyAdaptive     Strategy = "ADAPTIVE"
	StrategyAggressive   Strategy = "AGGRESSIVE"
	StrategyMEVOptimized Strategy = "MEV_OPTIMIZED"
)

const (
	// MinGasLimit is the intrinsic cost of a plain transfer
	MinGasLimit uint64 = 21000
	// DefaultMaxGasCostRatio bounds gas cost as a share of expected profit
	DefaultMaxGasCostRatio = 0.3

	calldataGasPerByte   = 16
	complexCallThreshold = 100
	complexCallGas       = 50000
	shrinkConfidence     = 0.7
)

var gwei = decimal.New(1, 9)

// optimizeOrder is the fallback order used by OptimizeForMEVProfit
var optimizeOrder = []Strategy{StrategyMEVOptimized, StrategyAdaptive, StrategyConservative}

// StrategyParams holds the fee multipliers and cap of a strategy
type StrategyParams struct {
	BaseFeeMultiplier     float64 `mapstructure:"base_fee_multiplier"`
	PriorityFeeMultiplier float64 `mapstructure:"priority_fee_multiplier"`
	MaxGasPriceGwei       float64 `mapstructure:"max_gas_price_gwei"`
	BaseConfidence        float64 `mapstructure:"base_confidence"`
}

// DefaultStrategies returns the built-in strategy table
func DefaultStrategies() map[Strategy]StrategyParams {
	return map[Strategy]StrategyParams{
		StrategyConservative: {BaseFeeMultiplier: 1.0, PriorityFeeMultiplier: 1.0, MaxGasPriceGwei: 100, BaseConfidence: 0.60},
		StrategyAdaptive:     {BaseFeeMultiplier: 1.125, PriorityFeeMultiplier: 1.5, MaxGasPriceGwei: 200, BaseConfidence: 0.75},
		StrategyAggressive:   {BaseFeeMultiplier: 1.25, PriorityFeeMultiplier: 2.0, MaxGasPriceGwei: 300, BaseConfidence: 0.85},
		StrategyMEVOptimized: {BaseFeeMultiplier: 1.5, PriorityFeeMultiplier: 3.0, MaxGasPriceGwei: 500, BaseConfidence: 0.90},
	}
}

// ParseStrategy resolves a strategy name case-insensitively
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := DefaultStrategies()[s]; !ok {
		return "", fmt.Errorf("unknown gas strategy %q", name)
	}
	return s, nil
}

// ManagerConfig holds gas manager settings
type ManagerConfig struct {
	BufferPercent   uint64  `mapstructure:"buffer_percent"`
	MaxGasCostRatio float64 `mapstructure:"max_gas_cost_ratio"`
	// CapsGwei overrides the per-strategy gas price cap, keyed by strategy name
	CapsGwei map[string]float64 `mapstructure:"caps_gwei"`
}

// DefaultManagerConfig returns default gas manager settings
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		BufferPercent:   20,
		MaxGasCostRatio: DefaultMaxGasCostRatio,
	}
}

// TxParams describes the transaction gas is estimated for
type TxParams struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64 // caller supplied limit, used when estimation fails
}

// Estimator runs eth_estimateGas
type Estimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Manager computes profit-aware gas parameters from oracle samples
type Manager struct {
	config     *ManagerConfig
	strategies map[Strategy]StrategyParams
	oracle     *Oracle
	estimator  Estimator
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewManager creates a gas manager. estimator may be nil, in which case the
// calldata heuristic is used for gas limits.
func NewManager(config *ManagerConfig, oracle *Oracle, estimator Estimator, logger *zap.Logger, collector *metrics.Collector) (*Manager, error) {
	defaults := DefaultManagerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.BufferPercent == 0 {
		cfg.BufferPercent = defaults.BufferPercent
	}
	if cfg.MaxGasCostRatio <= 0 {
		cfg.MaxGasCostRatio = defaults.MaxGasCostRatio
	}
	if oracle == nil {
		return nil, fmt.Errorf("gas manager requires an oracle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	strategies := DefaultStrategies()
	for name, capGwei := range cfg.CapsGwei {
		s, err := ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		if capGwei <= 0 {
			return nil, fmt.Errorf("gas cap for %s must be positive", s)
		}
		params := strategies[s]
		params.MaxGasPriceGwei = capGwei
		strategies[s] = params
	}

	return &Manager{
		config:     &cfg,
		strategies: strategies,
		oracle:     oracle,
		estimator:  estimator,
		logger:     logger.Named("gas"),
		metrics:    collector,
	}, nil
}

// MaxGasCostRatio returns the configured default budget ratio
func (m *Manager) MaxGasCostRatio() float64 {
	return m.config.MaxGasCostRatio
}

// EstimateGas computes gas parameters for params under strategy. When
// expectedProfit is non-nil and the worst-case cost exceeds it, the estimate
// is returned with zero confidence and marked not executable.
func (m *Manager) EstimateGas(ctx context.Context, params *TxParams, strategy Strategy, expectedProfit *big.Int) (*types.GasEstimate, error) {
	snap, err := m.oracle.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas conditions unavailable: %w", err)
	}

	gasLimit := m.gasLimit(ctx, params)
	estimate, err := m.price(snap, gasLimit, strategy)
	if err != nil {
		return nil, err
	}

	if expectedProfit != nil && estimate.TotalCostWei.Cmp(expectedProfit) > 0 {
		estimate.Confidence = 0
		estimate.Executable = false
	}

	m.metrics.RecordGasEstimate(string(strategy), snap.Congestion, snap.BaseFee)
	return estimate, nil
}

// OptimizeForMEVProfit picks the most aggressive strategy whose worst-case cost
// stays within maxGasCostRatio of expectedProfit. When none fits, the gas
// limit is shrunk to the affordable amount (never below 21000) at reduced
// confidence; when even 21000 gas does not fit, confidence is 0.
func (m *Manager) OptimizeForMEVProfit(ctx context.Context, params *TxParams, expectedProfit *big.Int, maxGasCostRatio float64) (*types.GasEstimate, error) {
	if maxGasCostRatio <= 0 {
		maxGasCostRatio = m.config.MaxGasCostRatio
	}
	budget := budgetFor(expectedProfit, maxGasCostRatio)

	snap, err := m.oracle.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas conditions unavailable: %w", err)
	}
	gasLimit := m.gasLimit(ctx, params)

	var last *types.GasEstimate
	for _, strategy := range optimizeOrder {
		estimate, err := m.price(snap, gasLimit, strategy)
		if err != nil {
			return nil, err
		}
		m.metrics.RecordGasEstimate(string(strategy), snap.Congestion, snap.BaseFee)
		if estimate.TotalCostWei.Cmp(budget) <= 0 {
			return estimate, nil
		}
		last = estimate
	}

	// shrink the gas limit to what the budget affords at the cheapest price
	affordable := new(big.Int).Quo(budget, last.MaxFeePerGas)
	if affordable.IsUint64() && affordable.Uint64() >= MinGasLimit {
		last.GasLimit = affordable.Uint64()
		last.TotalCostWei = new(big.Int).Mul(affordable, last.MaxFeePerGas)
		last.Confidence *= shrinkConfidence
		m.logger.Debug("Gas limit shrunk to fit budget",
			zap.Uint64("gas_limit", last.GasLimit),
			zap.String("budget", budget.String()),
		)
		return last, nil
	}

	last.GasLimit = MinGasLimit
	last.TotalCostWei = new(big.Int).Mul(new(big.Int).SetUint64(MinGasLimit), last.MaxFeePerGas)
	last.Confidence = 0
	last.Executable = false
	m.logger.Debug("Minimum gas exceeds budget, not executable",
		zap.String("budget", budget.String()),
		zap.String("min_cost", last.TotalCostWei.String()),
	)
	return last, nil
}

// price derives fee fields and confidence for a fixed gas limit
func (m *Manager) price(snap *Snapshot, gasLimit uint64, strategy Strategy) (*types.GasEstimate, error) {
	params, ok := m.strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown gas strategy %q", strategy)
	}

	// congestion raises multipliers by up to 50%
	scale := 1 + 0.5*snap.Congestion
	capWei := decimal.NewFromFloat(params.MaxGasPriceGwei).Mul(gwei).BigInt()

	baseFee := snap.BaseFee
	if baseFee == nil {
		baseFee = snap.GasPrice
	}
	priority := scaleWei(snap.PriorityFee, params.PriorityFeeMultiplier*scale)
	maxFee := scaleWei(baseFee, params.BaseFeeMultiplier*scale)
	maxFee.Add(maxFee, priority)
	gasPrice := scaleWei(snap.GasPrice, params.BaseFeeMultiplier*scale)

	if maxFee.Cmp(capWei) > 0 {
		maxFee.Set(capWei)
	}
	if priority.Cmp(maxFee) > 0 {
		priority.Set(maxFee)
	}
	if gasPrice.Cmp(capWei) > 0 {
		gasPrice.Set(capWei)
	}

	return &types.GasEstimate{
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		GasPrice:             gasPrice,
		TotalCostWei:         new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFee),
		Confidence:           m.confidence(params.BaseConfidence, snap),
		Strategy:             string(strategy),
		Congestion:           snap.Congestion,
		Executable:           true,
	}, nil
}

// confidence discounts the strategy's base confidence by congestion and by
// how far the current price sits from its historical mean
func (m *Manager) confidence(base float64, snap *Snapshot) float64 {
	c := base * (1 - 0.3*snap.Congestion)

	mean := m.oracle.MeanGasPrice()
	if mean != nil && mean.Sign() > 0 && snap.GasPrice != nil {
		meanF, _ := new(big.Float).SetInt(mean).Float64()
		priceF, _ := new(big.Float).SetInt(snap.GasPrice).Float64()
		deviation := math.Abs(priceF-meanF) / meanF
		c *= 1 - math.Min(0.5, deviation*0.5)
	}
	return math.Max(0, math.Min(1, c))
}

// gasLimit estimates via the chain, then falls back to the caller's limit and
// finally to a calldata heuristic, adding the configured buffer
func (m *Manager) gasLimit(ctx context.Context, params *TxParams) uint64 {
	var limit uint64
	if m.estimator != nil {
		estimated, err := m.estimator.EstimateGas(ctx, ethereum.CallMsg{
			From:  params.From,
			To:    params.To,
			Value: params.Value,
			Data:  params.Data,
		})
		if err == nil {
			limit = estimated
		} else {
			m.logger.Debug("Gas estimation failed, using fallback", zap.Error(err))
		}
	}
	if limit == 0 {
		limit = params.GasLimit
	}
	if limit == 0 {
		limit = HeuristicGasLimit(params.Data)
	}
	return limit + limit*m.config.BufferPercent/100
}

// HeuristicGasLimit approximates gas from calldata size
func HeuristicGasLimit(data []byte) uint64 {
	limit := MinGasLimit + uint64(len(data))*calldataGasPerByte
	if len(data) > complexCallThreshold {
		limit += complexCallGas
	}
	return limit
}

// scaleWei multiplies a wei amount by a float factor, truncating
func scaleWei(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(factor)).BigInt()
}

// budgetFor returns ratio × profit, zero when profit is missing or negative
func budgetFor(profit *big.Int, ratio float64) *big.Int {
	if profit == nil || profit.Sign() <= 0 {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(profit, 0).Mul(decimal.NewFromFloat(ratio)).BigInt()
}
