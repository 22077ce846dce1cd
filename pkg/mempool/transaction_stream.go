package mempool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrNotNotification = errors.New("message is not an eth_subscription notification")
	ErrTxNotFound      = errors.New("transaction not found")
)

// maxCalldataSize bounds the input size accepted from the network
const maxCalldataSize = 1024 * 1024

// SubscriptionNotification represents the structure of eth_subscription messages
type SubscriptionNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// RPCTransaction is the JSON-RPC representation of a transaction as returned
// by eth_getTransactionByHash or a full-object pending subscription
type RPCTransaction struct {
	Hash                 string  `json:"hash"`
	From                 string  `json:"from"`
	To                   *string `json:"to"`
	Value                string  `json:"value"`
	GasPrice             string  `json:"gasPrice"`
	Gas                  string  `json:"gas"`
	Nonce                string  `json:"nonce"`
	Input                string  `json:"input"`
	Type                 string  `json:"type,omitempty"`
	MaxFeePerGas         string  `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string  `json:"maxPriorityFeePerGas,omitempty"`
	BlockNumber          *string `json:"blockNumber,omitempty"`
	ChainID              string  `json:"chainId,omitempty"`
}

// ParseNotification extracts the payload of an eth_subscription message.
// Hash-only notifications return the hash; full-object notifications return
// the raw transaction object.
func ParseNotification(message []byte) (hash string, rawTx json.RawMessage, err error) {
	var notif SubscriptionNotification
	if err := json.Unmarshal(message, &notif); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal subscription message: %w", err)
	}
	if notif.Method != "eth_subscription" {
		return "", nil, ErrNotNotification
	}

	result := bytes.TrimSpace(notif.Params.Result)
	if len(result) == 0 {
		return "", nil, fmt.Errorf("notification has no result")
	}

	if result[0] == '"' {
		if err := json.Unmarshal(result, &hash); err != nil {
			return "", nil, fmt.Errorf("failed to decode transaction hash: %w", err)
		}
		return hash, nil, nil
	}

	return "", json.RawMessage(result), nil
}

// ParseTransaction decodes a JSON-RPC transaction object into TransactionData.
// A JSON null (unknown or already mined transaction) yields ErrTxNotFound.
func ParseTransaction(raw json.RawMessage, network string) (*types.TransactionData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrTxNotFound
	}

	var rpcTx RPCTransaction
	if err := json.Unmarshal(trimmed, &rpcTx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	tx, err := convertRPCTransaction(&rpcTx)
	if err != nil {
		return nil, fmt.Errorf("failed to convert transaction %s: %w", rpcTx.Hash, err)
	}
	tx.Network = network
	tx.ReceivedAt = time.Now()

	return tx, nil
}

// convertRPCTransaction converts hex-encoded RPC fields into TransactionData
func convertRPCTransaction(rpcTx *RPCTransaction) (*types.TransactionData, error) {
	if rpcTx.Hash == "" {
		return nil, fmt.Errorf("transaction hash is empty")
	}

	if !common.IsHexAddress(rpcTx.From) {
		return nil, fmt.Errorf("invalid from address: %s", rpcTx.From)
	}

	// to is absent or null for contract creation
	var to *common.Address
	if rpcTx.To != nil && *rpcTx.To != "" {
		if !common.IsHexAddress(*rpcTx.To) {
			return nil, fmt.Errorf("invalid to address: %s", *rpcTx.To)
		}
		addr := common.HexToAddress(*rpcTx.To)
		to = &addr
	}

	value, err := decodeBig("value", rpcTx.Value, true)
	if err != nil {
		return nil, err
	}

	gasLimit, err := hexutil.DecodeUint64(rpcTx.Gas)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gas limit: %w", err)
	}

	nonce, err := hexutil.DecodeUint64(rpcTx.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}

	var data []byte
	if rpcTx.Input != "" && rpcTx.Input != "0x" {
		data, err = hexutil.Decode(rpcTx.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to decode input data: %w", err)
		}
	}

	var txType uint64
	if rpcTx.Type != "" {
		if txType, err = hexutil.DecodeUint64(rpcTx.Type); err != nil {
			return nil, fmt.Errorf("failed to decode type: %w", err)
		}
	}

	maxFee, err := decodeBig("maxFeePerGas", rpcTx.MaxFeePerGas, false)
	if err != nil {
		return nil, err
	}
	maxPriority, err := decodeBig("maxPriorityFeePerGas", rpcTx.MaxPriorityFeePerGas, false)
	if err != nil {
		return nil, err
	}

	// Dynamic fee transactions may omit gasPrice while pending; use the fee cap
	gasPrice, err := decodeBig("gasPrice", rpcTx.GasPrice, false)
	if err != nil {
		return nil, err
	}
	if gasPrice == nil {
		if maxFee == nil {
			return nil, fmt.Errorf("transaction has neither gasPrice nor maxFeePerGas")
		}
		gasPrice = new(big.Int).Set(maxFee)
	}

	var blockNumber *big.Int
	if rpcTx.BlockNumber != nil {
		if blockNumber, err = decodeBig("blockNumber", *rpcTx.BlockNumber, false); err != nil {
			return nil, err
		}
	}

	chainID, err := decodeBig("chainId", rpcTx.ChainID, false)
	if err != nil {
		return nil, err
	}

	return &types.TransactionData{
		Hash:                 strings.ToLower(rpcTx.Hash),
		From:                 common.HexToAddress(rpcTx.From),
		To:                   to,
		Value:                value,
		GasPrice:             gasPrice,
		GasLimit:             gasLimit,
		Data:                 data,
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
		BlockNumber:          blockNumber,
		ChainID:              chainID,
		TxType:               uint8(txType),
		Timestamp:            time.Now(),
	}, nil
}

// decodeBig decodes an optional hex quantity. Missing optional values are nil,
// missing required values are an error.
func decodeBig(name, value string, required bool) (*big.Int, error) {
	if value == "" || value == "0x" {
		if required {
			return nil, fmt.Errorf("%s is missing", name)
		}
		return nil, nil
	}
	v, err := hexutil.DecodeBig(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return v, nil
}

// ValidateTransaction performs sanity checks on a parsed transaction
func ValidateTransaction(tx *types.TransactionData) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}

	if !strings.HasPrefix(tx.Hash, "0x") || len(tx.Hash) != 66 {
		return fmt.Errorf("invalid transaction hash format: %s", tx.Hash)
	}

	if tx.From == (common.Address{}) {
		return fmt.Errorf("from address is zero address")
	}

	if tx.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}

	if tx.Value == nil || tx.Value.Sign() < 0 {
		return fmt.Errorf("invalid transaction value")
	}

	if tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil &&
		tx.MaxPriorityFeePerGas.Cmp(tx.MaxFeePerGas) > 0 {
		return fmt.Errorf("max priority fee exceeds max fee")
	}

	if len(tx.Data) > maxCalldataSize {
		return fmt.Errorf("transaction data too large: %d bytes", len(tx.Data))
	}

	return nil
}
