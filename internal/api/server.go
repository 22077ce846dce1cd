package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/internal/app"
	"github.com/mev-engine/mev-execution-core/internal/config"
	"github.com/mev-engine/mev-execution-core/pkg/orchestrator"
)

// Backend is the part of the application the ops server reports on and controls
type Backend interface {
	Health() app.Health
	Snapshot() app.Snapshot
	SetStrategyEnabled(name string, enabled bool) error
	EmergencyStop(ctx context.Context) int
}

// Server is the ops HTTP surface: health, Prometheus metrics, the component
// snapshot and a few operator switches
type Server struct {
	config      config.ServerConfig
	backend     Backend
	metrics     http.Handler
	rateLimiter *RateLimiter
	logger      *zap.Logger
	server      *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates the ops server. metricsHandler serves /metrics.
func NewServer(cfg config.ServerConfig, backend Backend, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	s := &Server{
		config:      cfg,
		backend:     backend,
		metrics:     metricsHandler,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      logger.Named("api"),
	}
	s.setupServer()
	return s
}

// Router returns the HTTP handler with all middleware applied
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

// Addr returns the bound address once started, otherwise the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start binds the listen address and serves in the background. The server
// outlives ctx; it runs until Stop.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	go s.rateLimiterCleanup(ctx)

	s.logger.Info("API server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.listener = nil
	s.cancel()
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) setupServer() {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.rateLimiter.Middleware)

	router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", s.snapshot).Methods(http.MethodGet)
	router.HandleFunc("/strategies/{name}/enable", s.setStrategy(true)).Methods(http.MethodPost)
	router.HandleFunc("/strategies/{name}/disable", s.setStrategy(false)).Methods(http.MethodPost)
	router.HandleFunc("/emergency-stop", s.emergencyStop).Methods(http.MethodPost)

	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      c.Handler(router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// healthCheck answers 200 when healthy and 503 when degraded
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := s.backend.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

func (s *Server) setStrategy(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := s.backend.SetStrategyEnabled(name, enabled); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrUnknownStrategy) {
				status = http.StatusNotFound
			}
			s.writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Info("Strategy switched", zap.String("strategy", name), zap.Bool("enabled", enabled))
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"strategy": name, "enabled": enabled})
	}
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.backend.EmergencyStop(r.Context())
	s.logger.Warn("Emergency stop requested over HTTP", zap.Int("stopped", stopped), zap.String("client", clientID(r)))
	s.writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapper.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// rateLimiterCleanup periodically drops idle client buckets
func (s *Server) rateLimiterCleanup(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.CleanupExpiredClients(time.Hour)
		}
	}
}

// responseWriter captures the status code for request logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
