package mempool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
)

var ErrNotConnected = errors.New("websocket connection not established")

// ConnectionConfig holds keepalive settings for a WebSocket connection
type ConnectionConfig struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int // per-subscription notification buffer
}

// DefaultConnectionConfig returns default keepalive settings
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		PingInterval:     20 * time.Second,
		PongTimeout:      60 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		BufferSize:       1024,
	}
}

// WebSocketConnectionImpl implements the WebSocketConnection interface with
// ping/pong keepalive. Any read error, including an expired pong deadline,
// closes the connection and Done.
type WebSocketConnectionImpl struct {
	config *ConnectionConfig

	mu          sync.RWMutex
	writeMu     sync.Mutex
	conn        *websocket.Conn
	url         string
	isConnected bool
	health      interfaces.ConnectionHealth
	done        chan struct{}
	stopPing    chan struct{}

	subMu         sync.RWMutex
	subscriptions map[string]chan []byte // by server subscription id
	pending       map[uint64]chan []byte // awaiting eth_subscribe confirmation
	requestID     atomic.Uint64
}

// NewWebSocketConnection creates a new WebSocket connection
func NewWebSocketConnection(config *ConnectionConfig) *WebSocketConnectionImpl {
	if config == nil {
		config = DefaultConnectionConfig()
	}

	done := make(chan struct{})
	close(done)

	return &WebSocketConnectionImpl{
		config:        config,
		done:          done,
		subscriptions: make(map[string]chan []byte),
		pending:       make(map[uint64]chan []byte),
	}
}

// Connect establishes a WebSocket connection to the specified URL
func (w *WebSocketConnectionImpl) Connect(ctx context.Context, url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isConnected {
		return fmt.Errorf("already connected to %s", w.url)
	}

	w.url = url

	dialer := websocket.Dialer{
		HandshakeTimeout: w.config.HandshakeTimeout,
		ReadBufferSize:   1024 * 16, // 16KB buffer
		WriteBufferSize:  1024 * 16, // 16KB buffer
	}

	conn, _, err := dialer.DialContext(ctx, url, http.Header{
		"User-Agent": []string{"MEV-Execution-Core/1.0"},
	})
	if err != nil {
		w.health.LastError = err
		w.health.ErrorCount++
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	w.conn = conn
	w.isConnected = true
	w.done = make(chan struct{})
	w.stopPing = make(chan struct{})
	w.health = interfaces.ConnectionHealth{IsHealthy: true, LastPongTime: time.Now()}

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		w.mu.Lock()
		w.health.LastPongTime = time.Now()
		if !w.health.LastPingTime.IsZero() {
			w.health.ResponseTime = w.health.LastPongTime.Sub(w.health.LastPingTime)
		}
		w.health.IsHealthy = true
		w.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(w.config.PongTimeout))
	})

	go w.pingLoop(conn, w.stopPing)
	go w.readMessages(conn, w.done)

	return nil
}

// Subscribe sends eth_subscribe and returns a channel receiving the raw
// notification messages for that subscription. The channel is closed when
// the connection ends.
func (w *WebSocketConnectionImpl) Subscribe(ctx context.Context, method string, params ...interface{}) (<-chan []byte, error) {
	w.mu.RLock()
	conn := w.conn
	connected := w.isConnected
	w.mu.RUnlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	id := w.requestID.Add(1)
	subMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  append([]interface{}{method}, params...),
	}

	msgBytes, err := json.Marshal(subMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	confirm := make(chan []byte, 1)
	w.subMu.Lock()
	w.pending[id] = confirm
	w.subMu.Unlock()

	cleanup := func() {
		w.subMu.Lock()
		delete(w.pending, id)
		w.subMu.Unlock()
	}

	if err := w.write(conn, websocket.TextMessage, msgBytes); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to send subscription message: %w", err)
	}

	var raw []byte
	select {
	case raw = <-confirm:
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-w.Done():
		cleanup()
		return nil, ErrNotConnected
	}

	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("subscription rejected: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	ch := make(chan []byte, w.config.BufferSize)
	w.subMu.Lock()
	w.subscriptions[resp.Result] = ch
	w.subMu.Unlock()

	return ch, nil
}

// Done returns a channel closed when the connection terminates
func (w *WebSocketConnectionImpl) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.done
}

// Close closes the WebSocket connection
func (w *WebSocketConnectionImpl) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.isConnected = false
	w.health.IsHealthy = false
	if w.stopPing != nil {
		close(w.stopPing)
		w.stopPing = nil
	}
	w.mu.Unlock()

	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()

	// readMessages observes the close and finishes cleanup
	return conn.Close()
}

// IsConnected returns whether the connection is active
func (w *WebSocketConnectionImpl) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isConnected && w.conn != nil
}

// GetConnectionHealth returns the current connection health status
func (w *WebSocketConnectionImpl) GetConnectionHealth() interfaces.ConnectionHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.health
}

// write serializes writers, gorilla allows one concurrent writer
func (w *WebSocketConnectionImpl) write(conn *websocket.Conn, messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(messageType, data)
}

// pingLoop sends pings until stopped; pongs extend the read deadline
func (w *WebSocketConnectionImpl) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.health.LastPingTime = time.Now()
			w.mu.Unlock()

			if err := w.write(conn, websocket.PingMessage, nil); err != nil {
				w.recordError(err)
				return
			}
		case <-stop:
			return
		}
	}
}

// readMessages routes subscription confirmations and notifications until the
// connection fails, then closes done and every subscription channel.
func (w *WebSocketConnectionImpl) readMessages(conn *websocket.Conn, done chan struct{}) {
	defer w.finish(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			w.recordError(err)
			return
		}
		// any traffic proves liveness
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongTimeout))

		var envelope struct {
			ID     *uint64 `json:"id"`
			Method string  `json:"method"`
			Params struct {
				Subscription string `json:"subscription"`
			} `json:"params"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue // Skip malformed messages
		}

		if envelope.ID != nil {
			w.subMu.Lock()
			confirm, ok := w.pending[*envelope.ID]
			delete(w.pending, *envelope.ID)
			w.subMu.Unlock()
			if ok {
				confirm <- message
			}
			continue
		}

		if envelope.Method == "eth_subscription" {
			w.subMu.RLock()
			ch, ok := w.subscriptions[envelope.Params.Subscription]
			if ok {
				select {
				case ch <- message:
				default:
					// Channel is full, skip message to prevent blocking
				}
			}
			w.subMu.RUnlock()
		}
	}
}

func (w *WebSocketConnectionImpl) recordError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.LastError = err
	w.health.ErrorCount++
	w.health.IsHealthy = false
}

func (w *WebSocketConnectionImpl) finish(conn *websocket.Conn, done chan struct{}) {
	_ = conn.Close()

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
		w.isConnected = false
		if w.stopPing != nil {
			close(w.stopPing)
			w.stopPing = nil
		}
	}
	w.health.IsHealthy = false
	w.mu.Unlock()

	w.subMu.Lock()
	for id, ch := range w.subscriptions {
		close(ch)
		delete(w.subscriptions, id)
	}
	w.subMu.Unlock()

	close(done)
}
