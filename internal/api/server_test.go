package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/execution"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Health() app.Health {
	args := m.Called()
	return args.Get(0).(app.Health)
}

func (m *MockBackend) Snapshot() app.Snapshot {
	args := m.Called()
	return args.Get(0).(app.Snapshot)
}

func (m *MockBackend) SetStrategyEnabled(name string, enabled bool) error {
	args := m.Called(name, enabled)
	return args.Error(0)
}

func (m *MockBackend) EmergencyStop(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

func setupTestServer(t *testing.T) (*Server, *MockBackend) {
	t.Helper()
	backend := &MockBackend{}
	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	collector := metrics.NewCollector()
	collector.RecordOpportunity("backrun")
	return NewServer(cfg, backend, collector.PrometheusHandler(), nil), backend
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		health     app.Health
		wantStatus int
	}{
		{"healthy", app.Health{Healthy: true, Running: true, Backpressure: "normal"}, http.StatusOK},
		{"degraded", app.Health{
			Running:      true,
			Orchestrator: orchestrator.Health{Reasons: []string{"processing latency 80ms above 50ms"}},
			Backpressure: "critical",
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, backend := setupTestServer(t)
			backend.On("Health").Return(tt.health)

			w := serve(server, http.MethodGet, "/health")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var got app.Health
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.health.Healthy, got.Healthy)
			assert.Equal(t, tt.health.Backpressure, got.Backpressure)
			backend.AssertExpectations(t)
		})
	}
}

func TestSnapshot(t *testing.T) {
	server, backend := setupTestServer(t)
	backend.On("Snapshot").Return(app.Snapshot{
		Strategies: map[string]bool{"backrun": true},
		Orchestrator: orchestrator.Metrics{
			TxReceived:    12,
			Opportunities: 3,
		},
		Execution: execution.Metrics{Total: 3, Succeeded: 1},
	})

	w := serve(server, http.MethodGet, "/snapshot")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.JSONEq(t, `{"backrun": true}`, string(body["strategies"]))

	var orch orchestrator.Metrics
	require.NoError(t, json.Unmarshal(body["orchestrator"], &orch))
	assert.Equal(t, uint64(12), orch.TxReceived)
	assert.Equal(t, uint64(3), orch.Opportunities)
}

func TestPrometheusMetrics(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `strategy="backrun"`)
}

func TestStrategySwitches(t *testing.T) {
	server, backend := setupTestServer(t)
	backend.On("SetStrategyEnabled", "backrun", false).Return(nil)
	backend.On("SetStrategyEnabled", "backrun", true).Return(nil)
	backend.On("SetStrategyEnabled", "sandwich", true).
		Return(fmt.Errorf("%w: sandwich", orchestrator.ErrUnknownStrategy))

	w := serve(server, http.MethodPost, "/strategies/backrun/disable")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"strategy": "backrun", "enabled": false}`, w.Body.String())

	w = serve(server, http.MethodPost, "/strategies/backrun/enable")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(server, http.MethodPost, "/strategies/sandwich/enable")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown strategy")

	w = serve(server, http.MethodGet, "/strategies/backrun/enable")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	backend.AssertExpectations(t)
}

func TestEmergencyStop(t *testing.T) {
	server, backend := setupTestServer(t)
	backend.On("EmergencyStop", mock.Anything).Return(4)

	w := serve(server, http.MethodPost, "/emergency-stop")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stopped": 4}`, w.Body.String())
	backend.AssertNumberOfCalls(t, "EmergencyStop", 1)
}

func TestCORS(t *testing.T) {
	server, backend := setupTestServer(t)
	backend.On("Health").Return(app.Health{Healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiting(t *testing.T) {
	backend := &MockBackend{}
	backend.On("Health").Return(app.Health{Healthy: true})
	server := NewServer(config.ServerConfig{Host: "127.0.0.1", RateLimit: 0.001, RateBurst: 2}, backend, nil, nil)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/health").Code)
	}
	w := serve(server, http.MethodGet, "/health")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"), "non-positive rate disables limiting")
	assert.True(t, rl.Allow("b"))

	assert.Equal(t, 0, rl.CleanupExpiredClients(time.Hour))
	assert.Equal(t, 2, rl.CleanupExpiredClients(-time.Second))
}

func TestServer_StartStop(t *testing.T) {
	server, backend := setupTestServer(t)
	backend.On("Health").Return(app.Health{Healthy: true})

	require.NoError(t, server.Start(context.Background()))
	assert.Error(t, server.Start(context.Background()))

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy":true`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.NoError(t, server.Stop(ctx))
}
