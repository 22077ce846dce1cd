package interfaces

import (
	"context"
	"time"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// WebSocketConnection manages a WebSocket connection to an RPC endpoint
type WebSocketConnection interface {
	Connect(ctx context.Context, url string) error
	Subscribe(ctx context.Context, method string, params ...interface{}) (<-chan []byte, error)
	Done() <-chan struct{}
	Close() error
	IsConnected() bool
	GetConnectionHealth() ConnectionHealth
}

// ConnectionHealth represents the health status of a connection
type ConnectionHealth struct {
	IsHealthy    bool
	LastPingTime time.Time
	LastPongTime time.Time
	ResponseTime time.Duration
	ErrorCount   int
	LastError    error
}

// TransactionCallback receives every transaction accepted by the scanner
type TransactionCallback func(ctx context.Context, tx *types.TransactionData) error

// CallbackMode selects how the scanner invokes its TransactionCallback
type CallbackMode int

const (
	// CallbackSync runs the callback on the consumer goroutine
	CallbackSync CallbackMode = iota
	// CallbackAsync runs every callback in its own goroutine
	CallbackAsync
)
