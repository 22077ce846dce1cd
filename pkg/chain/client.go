package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client wraps an ethclient with the raw RPC calls the engine needs
// (txpool_status, eth_getRawTransactionByHash) that ethclient does not expose.
type Client struct {
	rpc    *rpc.Client
	eth    *ethclient.Client
	url    string
	logger *zap.Logger
}

// Dial connects to an HTTP or WebSocket RPC endpoint
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c := NewClient(rpcClient, logger)
	c.url = url
	return c, nil
}

// NewClient wraps an existing RPC client
func NewClient(rpcClient *rpc.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rpc:    rpcClient,
		eth:    ethclient.NewClient(rpcClient),
		logger: logger.Named("chain"),
	}
}

// URL returns the endpoint the client was dialed with
func (c *Client) URL() string {
	return c.url
}

// ChainID returns the chain id reported by the node
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return id, nil
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return n, nil
}

// HeaderByNumber returns a block header; nil selects the latest block
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	return header, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	return price, nil
}

// SuggestGasTipCap returns the node's priority fee suggestion
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_maxPriorityFeePerGas: %w", err)
	}
	return tip, nil
}

// EstimateGas runs eth_estimateGas for a call
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	return gas, nil
}

// PendingNonceAt returns the account's nonce including pending transactions
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount %s: %w", account.Hex(), err)
	}
	return nonce, nil
}

// PendingPoolSize returns the number of pending transactions from
// txpool_status. Nodes that do not expose the txpool namespace report 0.
func (c *Client) PendingPoolSize(ctx context.Context) (uint64, error) {
	var status struct {
		Pending hexutil.Uint64 `json:"pending"`
		Queued  hexutil.Uint64 `json:"queued"`
	}
	if err := c.rpc.CallContext(ctx, &status, "txpool_status"); err != nil {
		c.logger.Debug("txpool_status unavailable", zap.Error(err))
		return 0, nil
	}
	return uint64(status.Pending), nil
}

// RawTransactionByHash returns the signed encoding of a pending or mined
// transaction. A nil result with no error means the node does not know it.
func (c *Client) RawTransactionByHash(ctx context.Context, hash common.Hash) (hexutil.Bytes, error) {
	var raw hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &raw, "eth_getRawTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("eth_getRawTransactionByHash %s: %w", hash.Hex(), err)
	}
	return raw, nil
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.rpc.Close()
}
