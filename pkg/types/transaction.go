package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionData represents a parsed pending transaction. It is never mutated
// after parsing; consumers share the same pointer.
type TransactionData struct {
	Hash     string          `json:"hash"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Value    *big.Int        `json:"value"`
	GasPrice *big.Int        `json:"gasPrice"`
	GasLimit uint64          `json:"gasLimit"`
	Data     []byte          `json:"data"`
	Nonce    uint64          `json:"nonce"`

	// EIP-1559 fields, nil for legacy transactions
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`

	BlockNumber *big.Int  `json:"blockNumber,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	ChainID     *big.Int  `json:"chainId,omitempty"`
	TxType      uint8     `json:"type"`

	// Network is the name of the scanner network the tx arrived on
	Network    string    `json:"network"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// TransactionType represents different types of transactions
type TransactionType string

const (
	TxTypeTransfer  TransactionType = "transfer"
	TxTypeSwap      TransactionType = "swap"
	TxTypeLiquidity TransactionType = "liquidity"
	TxTypeCreation  TransactionType = "creation"
	TxTypeContract  TransactionType = "contract"
)

// GetTransactionType determines the type of transaction based on its data
func (t *TransactionData) GetTransactionType() TransactionType {
	if t.To == nil {
		return TxTypeCreation
	}
	if len(t.Data) == 0 {
		return TxTypeTransfer
	}

	switch t.Selector() {
	case "0x7ff36ab5", // swapExactETHForTokens
		"0x18cbafe5", // swapExactTokensForETH
		"0x38ed1739", // swapExactTokensForTokens
		"0x5ae401dc", // multicall(uint256,bytes[])
		"0x3593564c": // execute (universal router)
		return TxTypeSwap
	case "0xe8e33700", // addLiquidity
		"0xf305d719", // addLiquidityETH
		"0xbaa2abde", // removeLiquidity
		"0x02751cec": // removeLiquidityETH
		return TxTypeLiquidity
	}

	return TxTypeContract
}

// Selector returns the 4-byte function selector as 0x-prefixed lower case hex,
// or an empty string when the calldata is shorter than 4 bytes.
func (t *TransactionData) Selector() string {
	if len(t.Data) < 4 {
		return ""
	}
	return hexutil.Encode(t.Data[:4])
}

// IsDynamicFee reports whether the transaction carries EIP-1559 fee fields
func (t *TransactionData) IsDynamicFee() bool {
	return t.MaxFeePerGas != nil
}

// IsHighValue determines if the transaction is high value
func (t *TransactionData) IsHighValue(threshold *big.Int) bool {
	if t.Value == nil {
		return false
	}
	return t.Value.Cmp(threshold) >= 0
}

// EffectiveGasPrice returns the price the sender is willing to pay per gas.
// For dynamic fee transactions this is the fee cap.
func (t *TransactionData) EffectiveGasPrice() *big.Int {
	if t.MaxFeePerGas != nil {
		return new(big.Int).Set(t.MaxFeePerGas)
	}
	if t.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.GasPrice)
}

// GetPriority calculates transaction priority as effective gas price * gas limit
func (t *TransactionData) GetPriority() *big.Int {
	return new(big.Int).Mul(t.EffectiveGasPrice(), new(big.Int).SetUint64(t.GasLimit))
}
