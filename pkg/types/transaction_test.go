package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func addr(hex string) *common.Address {
	a := common.HexToAddress(hex)
	return &a
}

func TestTransactionData_GetTransactionType(t *testing.T) {
	tests := []struct {
		name     string
		tx       *TransactionData
		expected TransactionType
	}{
		{
			name:     "Transfer transaction",
			tx:       &TransactionData{To: addr("0x1"), Value: big.NewInt(1000)},
			expected: TxTypeTransfer,
		},
		{
			name:     "Swap transaction",
			tx:       &TransactionData{To: addr("0x2"), Data: common.FromHex("0x7ff36ab5")},
			expected: TxTypeSwap,
		},
		{
			name:     "Liquidity transaction",
			tx:       &TransactionData{To: addr("0x2"), Data: common.FromHex("0xf305d7190000")},
			expected: TxTypeLiquidity,
		},
		{
			name:     "Contract creation",
			tx:       &TransactionData{Data: common.FromHex("0x6080604052")},
			expected: TxTypeCreation,
		},
		{
			name:     "Contract transaction",
			tx:       &TransactionData{To: addr("0x3"), Data: common.FromHex("0x12345678")},
			expected: TxTypeContract,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tx.GetTransactionType())
		})
	}
}

func TestTransactionData_Selector(t *testing.T) {
	tx := &TransactionData{Data: common.FromHex("0xA9059CBB0000")}
	assert.Equal(t, "0xa9059cbb", tx.Selector())

	short := &TransactionData{Data: []byte{0x01, 0x02}}
	assert.Equal(t, "", short.Selector())
}

func TestTransactionData_EffectiveGasPrice(t *testing.T) {
	legacy := &TransactionData{GasPrice: big.NewInt(20e9), GasLimit: 21000}
	assert.Equal(t, big.NewInt(20e9), legacy.EffectiveGasPrice())
	assert.False(t, legacy.IsDynamicFee())

	dynamic := &TransactionData{GasPrice: big.NewInt(20e9), MaxFeePerGas: big.NewInt(35e9), GasLimit: 21000}
	assert.Equal(t, big.NewInt(35e9), dynamic.EffectiveGasPrice())
	assert.True(t, dynamic.IsDynamicFee())

	expected := new(big.Int).Mul(big.NewInt(35e9), big.NewInt(21000))
	assert.Equal(t, expected, dynamic.GetPriority())

	// returned values are copies
	dynamic.EffectiveGasPrice().SetInt64(1)
	assert.Equal(t, big.NewInt(35e9), dynamic.MaxFeePerGas)
}

func TestTransactionData_IsHighValue(t *testing.T) {
	value, _ := new(big.Int).SetString("5000000000000000000", 10) // 5 ETH
	tx := &TransactionData{Value: value}

	threshold1, _ := new(big.Int).SetString("1000000000000000000", 10) // 1 ETH
	assert.True(t, tx.IsHighValue(threshold1))

	threshold2, _ := new(big.Int).SetString("10000000000000000000", 10) // 10 ETH
	assert.False(t, tx.IsHighValue(threshold2))

	assert.False(t, (&TransactionData{}).IsHighValue(threshold1))
}
