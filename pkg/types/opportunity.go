package types

import (
	"math/big"
	"time"
)

// MEVOpportunity represents a detected MEV opportunity produced by a strategy.
// It is consumed exactly once by the execution engine.
type MEVOpportunity struct {
	ID              string                 `json:"id"`
	StrategyType    string                 `json:"strategyType"`
	ExpectedProfit  *big.Int               `json:"expectedProfit"`
	GasCostEstimate *big.Int               `json:"gasCostEstimate"`
	NetProfit       *big.Int               `json:"netProfit"`
	Confidence      float64                `json:"confidence"`
	OriginTx        *TransactionData       `json:"originTx,omitempty"`
	BlockNumber     uint64                 `json:"blockNumber"`
	Timestamp       time.Time              `json:"timestamp"`
	PreferredRelays []string               `json:"preferredRelays,omitempty"`
	MaxGasCostRatio float64                `json:"maxGasCostRatio,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ProfitOrZero returns the expected profit, treating nil as zero
func (o *MEVOpportunity) ProfitOrZero() *big.Int {
	if o == nil || o.ExpectedProfit == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(o.ExpectedProfit)
}
