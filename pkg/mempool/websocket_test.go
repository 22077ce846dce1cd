package mempool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mockSubscriptionID = "0x9cef478923ff08bf67fde6c64013158d"

// Mock WebSocket server for testing
type mockWebSocketServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	writeMu     sync.Mutex
	subscribes  int
	rejectSubs  bool
	ignorePings bool
	onSubscribe func(conn *websocket.Conn)
}

func newMockWebSocketServer(opts ...func(*mockWebSocketServer)) *mockWebSocketServer {
	mock := &mockWebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(mock)
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

func (m *mockWebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	ignorePings := m.ignorePings
	m.mu.Unlock()

	// Handle ping messages
	conn.SetPingHandler(func(appData string) error {
		if ignorePings {
			return nil
		}
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.Method != "eth_subscribe" {
			continue
		}

		m.mu.Lock()
		m.subscribes++
		reject := m.rejectSubs
		onSubscribe := m.onSubscribe
		m.mu.Unlock()

		response := map[string]interface{}{"jsonrpc": "2.0", "id": msg.ID, "result": mockSubscriptionID}
		if reject {
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "subscriptions not supported"},
			}
		}
		m.write(conn, response)

		if onSubscribe != nil && !reject {
			go onSubscribe(conn)
		}
	}
}

func (m *mockWebSocketServer) write(conn *websocket.Conn, v interface{}) {
	payload, _ := json.Marshal(v)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

// notify sends a subscription notification with the given result to conn
func (m *mockWebSocketServer) notify(conn *websocket.Conn, result interface{}) {
	m.write(conn, map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": mockSubscriptionID,
			"result":       result,
		},
	})
}

func (m *mockWebSocketServer) dropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

func (m *mockWebSocketServer) subscribeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes
}

func (m *mockWebSocketServer) getWebSocketURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockWebSocketServer) close() {
	m.dropConnections()
	m.server.Close()
}

func testConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		PingInterval:     50 * time.Millisecond,
		PongTimeout:      300 * time.Millisecond,
		HandshakeTimeout: time.Second,
		BufferSize:       16,
	}
}

func TestWebSocketConnection_Connect(t *testing.T) {
	server := newMockWebSocketServer()
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	ctx := context.Background()

	err := conn.Connect(ctx, server.getWebSocketURL())
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())

	health := conn.GetConnectionHealth()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 0, health.ErrorCount)

	assert.Error(t, conn.Connect(ctx, server.getWebSocketURL()), "double connect must fail")

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
}

func TestWebSocketConnection_ConnectInvalidURL(t *testing.T) {
	conn := NewWebSocketConnection(testConnectionConfig())

	err := conn.Connect(context.Background(), "ws://127.0.0.1:1")
	assert.Error(t, err)
	assert.False(t, conn.IsConnected())

	health := conn.GetConnectionHealth()
	assert.False(t, health.IsHealthy)
	assert.Greater(t, health.ErrorCount, 0)
	assert.NotNil(t, health.LastError)

	// Done of a never-connected connection is already closed
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestWebSocketConnection_Subscribe(t *testing.T) {
	server := newMockWebSocketServer(func(m *mockWebSocketServer) {
		m.onSubscribe = func(c *websocket.Conn) {
			time.Sleep(20 * time.Millisecond)
			m.notify(c, "0xabc")
		}
	})
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx, server.getWebSocketURL()))
	defer conn.Close()

	msgChan, err := conn.Subscribe(ctx, "newPendingTransactions")
	require.NoError(t, err)

	select {
	case msg := <-msgChan:
		hash, rawTx, err := ParseNotification(msg)
		require.NoError(t, err)
		assert.Equal(t, "0xabc", hash)
		assert.Nil(t, rawTx)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for subscription message")
	}
}

func TestWebSocketConnection_SubscribeRejected(t *testing.T) {
	server := newMockWebSocketServer(func(m *mockWebSocketServer) { m.rejectSubs = true })
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	require.NoError(t, conn.Connect(context.Background(), server.getWebSocketURL()))
	defer conn.Close()

	_, err := conn.Subscribe(context.Background(), "newPendingTransactions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriptions not supported")
}

func TestWebSocketConnection_SubscribeWithoutConnection(t *testing.T) {
	conn := NewWebSocketConnection(nil)

	_, err := conn.Subscribe(context.Background(), "newPendingTransactions")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWebSocketConnection_Keepalive(t *testing.T) {
	server := newMockWebSocketServer()
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	require.NoError(t, conn.Connect(context.Background(), server.getWebSocketURL()))
	defer conn.Close()

	// several ping intervals, longer than the pong timeout
	time.Sleep(500 * time.Millisecond)

	assert.True(t, conn.IsConnected())
	health := conn.GetConnectionHealth()
	assert.True(t, health.IsHealthy)
	assert.False(t, health.LastPingTime.IsZero())
	assert.WithinDuration(t, time.Now(), health.LastPongTime, 200*time.Millisecond)
}

func TestWebSocketConnection_PongTimeout(t *testing.T) {
	server := newMockWebSocketServer(func(m *mockWebSocketServer) { m.ignorePings = true })
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	require.NoError(t, conn.Connect(context.Background(), server.getWebSocketURL()))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after pong timeout")
	}

	assert.False(t, conn.IsConnected())
	assert.NotNil(t, conn.GetConnectionHealth().LastError)
}

func TestWebSocketConnection_ServerDisconnect(t *testing.T) {
	server := newMockWebSocketServer()
	defer server.close()

	conn := NewWebSocketConnection(testConnectionConfig())
	require.NoError(t, conn.Connect(context.Background(), server.getWebSocketURL()))

	msgChan, err := conn.Subscribe(context.Background(), "newPendingTransactions")
	require.NoError(t, err)

	server.dropConnections()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server disconnect")
	}

	assert.False(t, conn.IsConnected())
	_, open := <-msgChan
	assert.False(t, open, "subscription channel closed on disconnect")
	assert.NoError(t, conn.Close())
}
