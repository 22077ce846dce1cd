package types

import (
	"math/big"
	"time"
)

// GasEstimate contains the gas parameters computed for one transaction
type GasEstimate struct {
	GasLimit             uint64   `json:"gasLimit"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
	GasPrice             *big.Int `json:"gasPrice"`
	TotalCostWei         *big.Int `json:"totalCostWei"`
	Confidence           float64  `json:"confidence"`
	Strategy             string   `json:"strategy"`
	Congestion           float64  `json:"congestion"`
	// Executable is false when even the minimum gas limit exceeds the budget
	Executable bool `json:"executable"`
}

// NonceReservation is a time-bounded claim on an account nonce
type NonceReservation struct {
	Nonce      uint64    `json:"nonce"`
	Account    string    `json:"account"`
	TxID       string    `json:"txId"`
	GasPrice   *big.Int  `json:"gasPrice"`
	ReservedAt time.Time `json:"reservedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the reservation outlived its TTL
func (r *NonceReservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
