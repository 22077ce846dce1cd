package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

// TxFetcher retrieves the full JSON-RPC object of a pending transaction
type TxFetcher interface {
	RawTransactionByHash(ctx context.Context, hash string) (json.RawMessage, error)
}

// RPCFetcher fetches transactions over JSON-RPC, dialing on first use
type RPCFetcher struct {
	url    string
	mu     sync.Mutex
	client *rpc.Client
}

// NewRPCFetcher creates a fetcher for the given HTTP or WebSocket RPC URL
func NewRPCFetcher(url string) *RPCFetcher {
	return &RPCFetcher{url: url}
}

// RawTransactionByHash calls eth_getTransactionByHash
func (f *RPCFetcher) RawTransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	client, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash %s: %w", hash, err)
	}
	return raw, nil
}

func (f *RPCFetcher) dial(ctx context.Context) (*rpc.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := rpc.DialContext(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.url, err)
	}
	f.client = client
	return client, nil
}

// Close releases the underlying RPC client
func (f *RPCFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		f.client.Close()
		f.client = nil
	}
}
