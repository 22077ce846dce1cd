package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRPCServer answers JSON-RPC calls from a method -> result table
func newRPCServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClient_Calls(t *testing.T) {
	server := newRPCServer(t, map[string]interface{}{
		"eth_blockNumber":             "0x10",
		"eth_chainId":                 "0x2105",
		"eth_gasPrice":                "0x3b9aca00",
		"eth_maxPriorityFeePerGas":    "0x5f5e100",
		"eth_getTransactionCount":     "0x7",
		"eth_estimateGas":             "0x5208",
		"txpool_status":               map[string]string{"pending": "0x64", "queued": "0x3"},
		"eth_getRawTransactionByHash": "0x02f8",
	})
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, server.URL, nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, server.URL, client.URL())

	block, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), block)

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8453", chainID.String())

	price, err := client.SuggestGasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000000", price.String())

	tip, err := client.SuggestGasTipCap(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100000000", tip.String())

	nonce, err := client.PendingNonceAt(ctx, common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	pending, err := client.PendingPoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pending)

	raw, err := client.RawTransactionByHash(ctx, common.HexToHash("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xf8}, []byte(raw))
}

func TestClient_PendingPoolSizeUnsupported(t *testing.T) {
	server := newRPCServer(t, map[string]interface{}{})
	defer server.Close()

	client, err := Dial(context.Background(), server.URL, nil)
	require.NoError(t, err)
	defer client.Close()

	pending, err := client.PendingPoolSize(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), pending)

	_, err = client.BlockNumber(context.Background())
	assert.Error(t, err)
}

func TestTxSigner_Sign(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer, err := NewTxSigner(key, big.NewInt(8453))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	to := common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	raw, hash, err := signer.Sign(&TxRequest{
		To:                   &to,
		Value:                big.NewInt(1),
		Data:                 []byte{0x01, 0x02},
		Nonce:                5,
		GasLimit:             100000,
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	})
	require.NoError(t, err)

	var tx gethtypes.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, to, *tx.To())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), &tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)

	_, _, err = signer.Sign(&TxRequest{Nonce: 1, GasLimit: 21000})
	assert.Error(t, err, "fee fields are required")
}

func TestNewTxSigner_Errors(t *testing.T) {
	_, err := NewTxSignerFromHex("", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = NewTxSignerFromHex("0xnothex", big.NewInt(1))
	assert.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewTxSigner(key, big.NewInt(0))
	assert.Error(t, err)

	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	signer, err := NewTxSignerFromHex("0x"+hexKey, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())
}
