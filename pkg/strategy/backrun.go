package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// BackrunName is the registry name of the backrun strategy
const BackrunName = "backrun"

const executorABI = `[{"type":"function","name":"backrun","stateMutability":"nonpayable","inputs":[{"name":"router","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minProfit","type":"uint256"}],"outputs":[]}]`

const (
	metaVictim    = "victim"
	metaRouter    = "router"
	metaTradeSize = "tradeSize"
)

var ErrInvalidExecutor = errors.New("backrun executor must be a hex address")

// RawTxSource returns the signed bytes of a pending transaction
type RawTxSource interface {
	RawTransactionByHash(ctx context.Context, hash common.Hash) (hexutil.Bytes, error)
}

// BackrunConfig holds the backrun strategy parameters
type BackrunConfig struct {
	// Routers restricts victims to swaps sent to these addresses; empty means any
	Routers         []string `mapstructure:"routers"`
	Executor        string   `mapstructure:"executor"`
	MinSwapValueEth float64  `mapstructure:"min_swap_value_eth"`
	MaxTradeSizeEth float64  `mapstructure:"max_trade_size_eth"`
	TradeFraction   float64  `mapstructure:"trade_fraction"`
	CaptureBps      int64    `mapstructure:"capture_bps"`
	GasLimit        uint64   `mapstructure:"gas_limit"`
	PreferredRelays []string `mapstructure:"preferred_relays"`
}

// DefaultBackrunConfig returns default backrun parameters
func DefaultBackrunConfig() *BackrunConfig {
	return &BackrunConfig{
		MinSwapValueEth: 1,
		MaxTradeSizeEth: 10,
		TradeFraction:   0.1,
		CaptureBps:      30,
		GasLimit:        250000,
	}
}

// BackrunStats counts what the strategy saw and how its bundles ended
type BackrunStats struct {
	Inspected     uint64 `json:"inspected"`
	Opportunities uint64 `json:"opportunities"`
	Bundles       uint64 `json:"bundles"`
	VictimsGone   uint64 `json:"victimsGone"`
	Included      uint64 `json:"included"`
	Failed        uint64 `json:"failed"`
}

// Backrun follows large swaps on known routers with a call into the searcher's
// executor contract, bundled directly behind the victim transaction
type Backrun struct {
	config      *BackrunConfig
	routers     map[common.Address]struct{}
	executor    common.Address
	minSwap     *big.Int
	maxTrade    *big.Int
	source      RawTxSource
	executorABI abi.ABI
	logger      *zap.Logger

	inspected     atomic.Uint64
	opportunities atomic.Uint64
	bundles       atomic.Uint64
	victimsGone   atomic.Uint64
	included      atomic.Uint64
	failed        atomic.Uint64
}

// NewBackrun creates the backrun strategy. source supplies the victim's
// signed transaction when the bundle is built.
func NewBackrun(config *BackrunConfig, source RawTxSource, logger *zap.Logger) (*Backrun, error) {
	defaults := DefaultBackrunConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.TradeFraction <= 0 || cfg.TradeFraction > 1 {
		cfg.TradeFraction = defaults.TradeFraction
	}
	if cfg.CaptureBps <= 0 {
		cfg.CaptureBps = defaults.CaptureBps
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaults.GasLimit
	}
	if cfg.MaxTradeSizeEth <= 0 {
		cfg.MaxTradeSizeEth = defaults.MaxTradeSizeEth
	}
	if source == nil {
		return nil, fmt.Errorf("backrun strategy requires a raw transaction source")
	}
	if !common.IsHexAddress(cfg.Executor) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExecutor, cfg.Executor)
	}

	routers := make(map[common.Address]struct{}, len(cfg.Routers))
	for _, r := range cfg.Routers {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("invalid router address %q", r)
		}
		routers[common.HexToAddress(r)] = struct{}{}
	}

	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse executor abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Backrun{
		config:      &cfg,
		routers:     routers,
		executor:    common.HexToAddress(cfg.Executor),
		minSwap:     ethToWei(cfg.MinSwapValueEth),
		maxTrade:    ethToWei(cfg.MaxTradeSizeEth),
		source:      source,
		executorABI: parsed,
		logger:      logger.Named("backrun"),
	}, nil
}

func (b *Backrun) Name() string {
	return BackrunName
}

// OnTx reports an opportunity for swaps on a watched router carrying at
// least the configured value
func (b *Backrun) OnTx(_ context.Context, tx *types.TransactionData) (*types.MEVOpportunity, error) {
	b.inspected.Add(1)
	if tx.GetTransactionType() != types.TxTypeSwap || tx.Value == nil {
		return nil, nil
	}
	if len(b.routers) > 0 {
		if _, ok := b.routers[*tx.To]; !ok {
			return nil, nil
		}
	}
	if tx.Value.Cmp(b.minSwap) < 0 {
		return nil, nil
	}

	tradeSize := b.tradeSize(tx.Value)
	profit := new(big.Int).Mul(tradeSize, big.NewInt(b.config.CaptureBps))
	profit.Div(profit, big.NewInt(10000))
	if profit.Sign() <= 0 {
		return nil, nil
	}

	b.opportunities.Add(1)
	return &types.MEVOpportunity{
		ExpectedProfit:  profit,
		Confidence:      0.5,
		OriginTx:        tx,
		PreferredRelays: b.config.PreferredRelays,
		Metadata: map[string]interface{}{
			metaVictim:    tx.Hash,
			metaRouter:    *tx.To,
			metaTradeSize: tradeSize,
		},
	}, nil
}

// tradeSize is a fraction of the victim's value, capped at the max trade size
func (b *Backrun) tradeSize(victimValue *big.Int) *big.Int {
	size := decimal.NewFromBigInt(victimValue, 0).Mul(decimal.NewFromFloat(b.config.TradeFraction)).BigInt()
	if size.Cmp(b.maxTrade) > 0 {
		return new(big.Int).Set(b.maxTrade)
	}
	return size
}

// OnBlock has nothing to do; backruns are driven by pending swaps
func (b *Backrun) OnBlock(context.Context, uint64, time.Time) ([]*types.MEVOpportunity, error) {
	return nil, nil
}

// BuildBundle fetches the victim's signed transaction and places the
// executor call right behind it. A victim the node no longer knows about has
// already been mined or dropped, and the opportunity is skipped.
func (b *Backrun) BuildBundle(ctx context.Context, opp *types.MEVOpportunity) (*types.BundleRequest, error) {
	victim, _ := opp.Metadata[metaVictim].(string)
	router, okRouter := opp.Metadata[metaRouter].(common.Address)
	tradeSize, okSize := opp.Metadata[metaTradeSize].(*big.Int)
	if victim == "" || !okRouter || !okSize {
		return nil, fmt.Errorf("opportunity %s is missing backrun metadata", opp.ID)
	}

	victimHash := common.HexToHash(victim)
	raw, err := b.source.RawTransactionByHash(ctx, victimHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch victim %s: %w", victim, err)
	}
	if len(raw) == 0 {
		b.victimsGone.Add(1)
		b.logger.Debug("Victim no longer pending", zap.String("victim", victim))
		return nil, nil
	}

	data, err := b.executorABI.Pack("backrun", router, tradeSize, opp.ProfitOrZero())
	if err != nil {
		return nil, fmt.Errorf("failed to encode backrun call: %w", err)
	}

	executor := b.executor
	bundle := types.NewBundleRequest(opp.BlockNumber+1,
		&types.BundleTransaction{RawTx: raw, Hash: victimHash},
		&types.BundleTransaction{
			To:       &executor,
			Value:    new(big.Int),
			Data:     data,
			GasLimit: b.config.GasLimit,
		},
	)
	b.bundles.Add(1)
	return bundle, nil
}

func (b *Backrun) OnBundleResult(_ context.Context, result *types.ExecutionResult) {
	switch result.Status {
	case types.ExecutionIncluded:
		b.included.Add(1)
		b.logger.Info("Backrun included",
			zap.String("opportunity_id", result.OpportunityID),
			zap.Stringer("net_profit", result.NetProfit),
		)
	default:
		b.failed.Add(1)
		b.logger.Debug("Backrun not included",
			zap.String("opportunity_id", result.OpportunityID),
			zap.String("status", string(result.Status)),
			zap.String("reason", result.Reason),
		)
	}
}

// Stats returns the strategy counters
func (b *Backrun) Stats() BackrunStats {
	return BackrunStats{
		Inspected:     b.inspected.Load(),
		Opportunities: b.opportunities.Load(),
		Bundles:       b.bundles.Load(),
		VictimsGone:   b.victimsGone.Load(),
		Included:      b.included.Load(),
		Failed:        b.failed.Load(),
	}
}

func ethToWei(eth float64) *big.Int {
	return decimal.NewFromFloat(eth).Shift(18).BigInt()
}
