package filter

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// valueKind is the static type of an expression node
type valueKind int

const (
	kindBool valueKind = iota
	kindNumber
	kindString
)

func (k valueKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	default:
		return "unknown"
	}
}

type (
	numberGetter func(tx *types.TransactionData) decimal.Decimal
	stringGetter func(tx *types.TransactionData) string
)

// field describes one entry of the field table. Exactly one getter is set,
// matching kind.
type field struct {
	name string
	kind valueKind
	num  numberGetter
	str  stringGetter
}

var fieldTable = map[string]field{}

func registerNumber(name string, get numberGetter) {
	fieldTable[strings.ToLower(name)] = field{name: name, kind: kindNumber, num: get}
}

func registerString(name string, get stringGetter) {
	fieldTable[strings.ToLower(name)] = field{name: name, kind: kindString, str: get}
}

func init() {
	registerString("hash", func(tx *types.TransactionData) string {
		return strings.ToLower(tx.Hash)
	})
	registerString("from", func(tx *types.TransactionData) string {
		return strings.ToLower(tx.From.Hex())
	})
	registerString("to", func(tx *types.TransactionData) string {
		// contract creation
		if tx.To == nil {
			return ""
		}
		return strings.ToLower(tx.To.Hex())
	})
	registerString("data", func(tx *types.TransactionData) string {
		return hexutil.Encode(tx.Data)
	})
	registerString("selector", func(tx *types.TransactionData) string {
		return tx.Selector()
	})

	registerNumber("value", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.Value, 0)
	})
	registerNumber("gasPrice", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.GasPrice, 0)
	})
	registerNumber("gasLimit", func(tx *types.TransactionData) decimal.Decimal {
		return decimal.NewFromBigInt(new(big.Int).SetUint64(tx.GasLimit), 0)
	})
	registerNumber("nonce", func(tx *types.TransactionData) decimal.Decimal {
		return decimal.NewFromBigInt(new(big.Int).SetUint64(tx.Nonce), 0)
	})
	registerNumber("maxFeePerGas", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.MaxFeePerGas, 0)
	})
	registerNumber("maxPriorityFeePerGas", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.MaxPriorityFeePerGas, 0)
	})

	registerNumber("valueEth", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.Value, -18)
	})
	registerNumber("gasPriceGwei", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.GasPrice, -9)
	})
	registerNumber("maxFeeGwei", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.MaxFeePerGas, -9)
	})
	registerNumber("maxPriorityFeeGwei", func(tx *types.TransactionData) decimal.Decimal {
		return weiScaled(tx.MaxPriorityFeePerGas, -9)
	})
}

// weiScaled converts an optional wei amount into a decimal with the given
// exponent. Missing values evaluate as zero.
func weiScaled(v *big.Int, exp int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, exp)
}

func lookupField(name string) (field, bool) {
	f, ok := fieldTable[strings.ToLower(name)]
	return f, ok
}

// Fields returns the names of every field usable in an expression
func Fields() []string {
	names := make([]string, 0, len(fieldTable))
	for _, f := range fieldTable {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return names
}
