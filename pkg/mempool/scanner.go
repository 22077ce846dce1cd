package mempool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/backpressure"
	"github.com/mev-engine/mev-execution-core/pkg/filter"
	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrScannerRunning = errors.New("scanner already running")
	errConnectionLost = errors.New("subscription connection lost")
)

// Scan outcomes used for counters and metric labels
const (
	OutcomeAccepted    = "accepted"
	OutcomeFiltered    = "filtered"
	OutcomeDropped     = "dropped"
	OutcomeQueueFull   = "queue_full"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
)

// NetworkConfig describes one monitored network
type NetworkConfig struct {
	Name             string `mapstructure:"name"`
	WSURL            string `mapstructure:"ws_url"`
	RPCURL           string `mapstructure:"rpc_url"`
	ChainID          int64  `mapstructure:"chain_id"`
	FullTransactions bool   `mapstructure:"full_transactions"`
}

// ScannerConfig holds scanner queue, rate and health settings
type ScannerConfig struct {
	QueueSize            int                     `mapstructure:"queue_size"`
	MaxTPS               int                     `mapstructure:"max_tps"`
	QueueReadTimeout     time.Duration           `mapstructure:"queue_read_timeout"`
	ReconnectDelay       time.Duration           `mapstructure:"reconnect_delay"`
	PingInterval         time.Duration           `mapstructure:"ping_interval"`
	PongTimeout          time.Duration           `mapstructure:"pong_timeout"`
	FetchTimeout         time.Duration           `mapstructure:"fetch_timeout"`
	FetchConcurrency     int                     `mapstructure:"fetch_concurrency"`
	MetricsInterval      time.Duration           `mapstructure:"metrics_interval"`
	HealthInterval       time.Duration           `mapstructure:"health_interval"`
	MaxLatency           time.Duration           `mapstructure:"max_latency"`
	MaxQueueUtilization  float64                 `mapstructure:"max_queue_utilization"`
	MinActiveConnections int                     `mapstructure:"min_active_connections"`
	CallbackMode         interfaces.CallbackMode `mapstructure:"callback_mode"`
}

// DefaultScannerConfig returns default scanner settings
func DefaultScannerConfig() *ScannerConfig {
	return &ScannerConfig{
		QueueSize:            10000,
		MaxTPS:               1000,
		QueueReadTimeout:     time.Second,
		ReconnectDelay:       5 * time.Second,
		PingInterval:         20 * time.Second,
		PongTimeout:          60 * time.Second,
		FetchTimeout:         2 * time.Second,
		FetchConcurrency:     32,
		MetricsInterval:      10 * time.Second,
		HealthInterval:       30 * time.Second,
		MaxLatency:           100 * time.Millisecond,
		MaxQueueUtilization:  0.9,
		MinActiveConnections: 1,
		CallbackMode:         interfaces.CallbackSync,
	}
}

// withDefaults returns a copy with zero values replaced by defaults
func (c *ScannerConfig) withDefaults() *ScannerConfig {
	defaults := DefaultScannerConfig()
	if c == nil {
		return defaults
	}

	cfg := *c
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	for _, d := range []struct{ value, fallback *time.Duration }{
		{&cfg.QueueReadTimeout, &defaults.QueueReadTimeout},
		{&cfg.ReconnectDelay, &defaults.ReconnectDelay},
		{&cfg.PingInterval, &defaults.PingInterval},
		{&cfg.PongTimeout, &defaults.PongTimeout},
		{&cfg.FetchTimeout, &defaults.FetchTimeout},
		{&cfg.MetricsInterval, &defaults.MetricsInterval},
		{&cfg.HealthInterval, &defaults.HealthInterval},
	} {
		if *d.value <= 0 {
			*d.value = *d.fallback
		}
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaults.FetchConcurrency
	}
	return &cfg
}

// ScannerMetrics is an on-demand snapshot of scanner counters
type ScannerMetrics struct {
	Received          uint64        `json:"received"`
	Accepted          uint64        `json:"accepted"`
	Filtered          uint64        `json:"filtered"`
	Dropped           uint64        `json:"dropped"`
	Throttled         uint64        `json:"throttled"`
	QueueFull         uint64        `json:"queueFull"`
	Invalid           uint64        `json:"invalid"`
	RateLimited       uint64        `json:"rateLimited"`
	Processed         uint64        `json:"processed"`
	CallbackErrors    uint64        `json:"callbackErrors"`
	Reconnects        uint64        `json:"reconnects"`
	QueueLength       int           `json:"queueLength"`
	QueueUtilization  float64       `json:"queueUtilization"`
	CurrentTPS        float64       `json:"currentTps"`
	PeakTPS           float64       `json:"peakTps"`
	AvgLatency        time.Duration `json:"avgLatency"`
	ActiveConnections int           `json:"activeConnections"`
}

// ScannerHealth reports whether the scanner is within its health thresholds
type ScannerHealth struct {
	Healthy           bool      `json:"healthy"`
	Reasons           []string  `json:"reasons,omitempty"`
	ActiveConnections int       `json:"activeConnections"`
	CheckedAt         time.Time `json:"checkedAt"`
}

type queuedTx struct {
	tx         *types.TransactionData
	enqueuedAt time.Time
}

type scannerCounters struct {
	received, accepted, filtered, dropped, throttled atomic.Uint64
	queueFull, invalid, rateLimited, processed       atomic.Uint64
	callbackErrors, reconnects                       atomic.Uint64
}

// Scanner maintains per-network pending transaction subscriptions and
// delivers transactions passing backpressure and filters to a callback.
type Scanner struct {
	config       *ScannerConfig
	networks     []NetworkConfig
	filters      *filter.Engine
	backpressure *backpressure.Manager
	metrics      *metrics.Collector
	logger       *zap.Logger

	queue    chan *queuedTx
	counters scannerCounters

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	callback interfaces.TransactionCallback
	fetchers map[string]TxFetcher
	conns    map[string]interfaces.WebSocketConnection
	newConn  func() interfaces.WebSocketConnection

	// consumer-owned sliding TPS window
	window []time.Time

	statsMu      sync.Mutex
	latencySum   time.Duration
	latencyCount int64
	lastTick     time.Time
	lastTickDone uint64
	currentTPS   float64
	peakTPS      float64
	avgLatency   time.Duration
	health       ScannerHealth
}

// NewScanner creates a scanner over the given networks
func NewScanner(
	config *ScannerConfig,
	networks []NetworkConfig,
	filters *filter.Engine,
	bp *backpressure.Manager,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Scanner {
	config = config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if filters == nil {
		filters = filter.NewEngine(logger, collector)
	}
	if bp == nil {
		bp = backpressure.NewManager(&backpressure.Config{MaxQueueSize: config.QueueSize}, logger, collector)
	}

	s := &Scanner{
		config:       config,
		networks:     networks,
		filters:      filters,
		backpressure: bp,
		metrics:      collector,
		logger:       logger.Named("scanner"),
		queue:        make(chan *queuedTx, config.QueueSize),
		fetchers:     make(map[string]TxFetcher),
		conns:        make(map[string]interfaces.WebSocketConnection),
		health:       ScannerHealth{Healthy: true},
	}
	s.newConn = func() interfaces.WebSocketConnection {
		return NewWebSocketConnection(&ConnectionConfig{
			PingInterval:     config.PingInterval,
			PongTimeout:      config.PongTimeout,
			HandshakeTimeout: 30 * time.Second,
			BufferSize:       1024,
		})
	}
	return s
}

// OnTransaction registers the callback receiving accepted transactions
func (s *Scanner) OnTransaction(cb interfaces.TransactionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// SetFetcher overrides the transaction fetcher of a network
func (s *Scanner) SetFetcher(network string, fetcher TxFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[network] = fetcher
}

// Start launches one subscription loop per network with a WebSocket URL,
// the consumer loop and the periodic metrics and health loops.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrScannerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.statsMu.Lock()
	s.lastTick = time.Now()
	s.statsMu.Unlock()

	subscribed := 0
	for _, network := range s.networks {
		if network.WSURL == "" {
			s.logger.Info("Network has no subscription endpoint, skipping", zap.String("network", network.Name))
			continue
		}
		if _, ok := s.fetchers[network.Name]; !ok {
			url := network.RPCURL
			if url == "" {
				url = network.WSURL
			}
			s.fetchers[network.Name] = NewRPCFetcher(url)
		}

		subscribed++
		s.wg.Add(1)
		go s.subscriptionLoop(ctx, network)
	}

	s.wg.Add(3)
	go s.consumeLoop(ctx)
	go s.metricsLoop(ctx)
	go s.healthLoop(ctx)

	s.logger.Info("Scanner started", zap.Int("networks", subscribed), zap.Int("queue_size", s.config.QueueSize))
	return nil
}

// Stop cancels all loops and waits for them. Queued transactions are discarded.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("scanner stop: %w", ctx.Err())
	}

	discarded := 0
drain:
	for {
		select {
		case <-s.queue:
			discarded++
		default:
			break drain
		}
	}
	s.backpressure.UpdateQueueSize(0)

	s.mu.Lock()
	for _, f := range s.fetchers {
		if closer, ok := f.(*RPCFetcher); ok {
			closer.Close()
		}
	}
	s.mu.Unlock()

	s.logger.Info("Scanner stopped", zap.Int("discarded", discarded))
	return nil
}

// subscriptionLoop keeps a subscription alive, reconnecting after a fixed delay
func (s *Scanner) subscriptionLoop(ctx context.Context, network NetworkConfig) {
	defer s.wg.Done()

	back := backoff.WithContext(backoff.NewConstantBackOff(s.config.ReconnectDelay), ctx)
	err := backoff.RetryNotify(func() error {
		return s.runSubscription(ctx, network)
	}, back, func(err error, next time.Duration) {
		s.counters.reconnects.Add(1)
		s.metrics.RecordReconnect(network.Name)
		s.logger.Warn("Subscription interrupted, reconnecting",
			zap.String("network", network.Name),
			zap.Duration("delay", next),
			zap.Error(err),
		)
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Subscription loop ended", zap.String("network", network.Name), zap.Error(err))
	}
}

// runSubscription connects, subscribes and pumps notifications until the
// connection ends. It only returns nil-equivalent (Permanent) on shutdown.
func (s *Scanner) runSubscription(ctx context.Context, network NetworkConfig) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}

	conn := s.newConn()
	if err := conn.Connect(ctx, network.WSURL); err != nil {
		return err
	}
	defer conn.Close()

	s.setConnection(network.Name, conn)
	defer s.clearConnection(network.Name, conn)

	var params []interface{}
	if network.FullTransactions {
		params = append(params, true)
	}
	notifications, err := conn.Subscribe(ctx, "newPendingTransactions", params...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("Subscribed to pending transactions", zap.String("network", network.Name))

	fetchSlots := make(chan struct{}, s.config.FetchConcurrency)
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-conn.Done():
			return errConnectionLost
		case msg, ok := <-notifications:
			if !ok {
				return errConnectionLost
			}
			s.handleNotification(ctx, network, msg, fetchSlots)
		}
	}
}

func (s *Scanner) handleNotification(ctx context.Context, network NetworkConfig, msg []byte, slots chan struct{}) {
	s.counters.received.Add(1)
	s.metrics.RecordTransactionReceived(network.Name)

	hash, rawTx, err := ParseNotification(msg)
	if err != nil {
		s.recordInvalid(network.Name, err)
		return
	}

	if rawTx != nil {
		s.ingestRaw(ctx, network.Name, rawTx)
		return
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-slots }()
		s.fetchAndIngest(ctx, network.Name, hash)
	}()
}

func (s *Scanner) fetchAndIngest(ctx context.Context, network, hash string) {
	s.mu.RLock()
	fetcher := s.fetchers[network]
	s.mu.RUnlock()
	if fetcher == nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	raw, err := fetcher.RawTransactionByHash(fetchCtx, hash)
	if err != nil {
		s.logger.Debug("Failed to fetch transaction", zap.String("network", network), zap.String("hash", hash), zap.Error(err))
		return
	}
	s.ingestRaw(ctx, network, raw)
}

func (s *Scanner) ingestRaw(ctx context.Context, network string, raw []byte) {
	tx, err := ParseTransaction(raw, network)
	if errors.Is(err, ErrTxNotFound) {
		return
	}
	if err == nil {
		err = ValidateTransaction(tx)
	}
	if err != nil {
		s.recordInvalid(network, err)
		return
	}
	s.Ingest(ctx, tx)
}

func (s *Scanner) recordInvalid(network string, err error) {
	s.counters.invalid.Add(1)
	s.metrics.RecordTransactionOutcome(network, OutcomeInvalid)
	s.logger.Debug("Discarding invalid transaction", zap.String("network", network), zap.Error(err))
}

// Ingest applies backpressure and filters to a parsed transaction and
// enqueues it without blocking. It reports whether the transaction was queued.
func (s *Scanner) Ingest(ctx context.Context, tx *types.TransactionData) bool {
	if tx == nil {
		return false
	}
	if s.backpressure.ShouldDrop() && rand.Float64() < s.backpressure.DropProbability() {
		s.backpressure.RecordDrop()
		s.count(&s.counters.dropped, tx.Network, OutcomeDropped)
		return false
	}

	if s.backpressure.ShouldThrottle() {
		s.backpressure.RecordThrottle()
		s.counters.throttled.Add(1)
		if delay := s.backpressure.ThrottleDelay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return false
			}
		}
	}

	if !s.filters.PassesFilters(tx) {
		s.count(&s.counters.filtered, tx.Network, OutcomeFiltered)
		return false
	}

	select {
	case s.queue <- &queuedTx{tx: tx, enqueuedAt: time.Now()}:
		s.backpressure.RecordInput()
		s.count(&s.counters.accepted, tx.Network, OutcomeAccepted)
	default:
		s.backpressure.RecordDrop()
		s.count(&s.counters.queueFull, tx.Network, OutcomeQueueFull)
		return false
	}

	s.updateQueueGauges()
	return true
}

func (s *Scanner) count(counter *atomic.Uint64, network, outcome string) {
	counter.Add(1)
	s.metrics.RecordTransactionOutcome(network, outcome)
}

func (s *Scanner) updateQueueGauges() {
	length := len(s.queue)
	s.backpressure.UpdateQueueSize(length)
	for _, network := range s.networks {
		s.metrics.SetQueueUtilization(network.Name, float64(length)/float64(cap(s.queue)))
	}
}

// consumeLoop dequeues with a bounded wait so idle periods still refresh state
func (s *Scanner) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	idle := time.NewTicker(s.config.QueueReadTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			s.backpressure.RecordProcessed()
			s.updateQueueGauges()
			s.process(ctx, item)
		case <-idle.C:
			s.updateQueueGauges()
		}
	}
}

func (s *Scanner) process(ctx context.Context, item *queuedTx) {
	if !s.allowTPS(time.Now()) {
		s.count(&s.counters.rateLimited, item.tx.Network, OutcomeRateLimited)
		return
	}

	s.mu.RLock()
	cb := s.callback
	s.mu.RUnlock()
	if cb == nil {
		s.counters.processed.Add(1)
		return
	}

	if s.config.CallbackMode == interfaces.CallbackAsync {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.invoke(ctx, cb, item)
		}()
		return
	}
	s.invoke(ctx, cb, item)
}

func (s *Scanner) invoke(ctx context.Context, cb interfaces.TransactionCallback, item *queuedTx) {
	defer func() {
		if r := recover(); r != nil {
			s.counters.callbackErrors.Add(1)
			s.logger.Error("Transaction callback panicked", zap.String("hash", item.tx.Hash), zap.Any("panic", r))
		}
	}()

	if err := cb(ctx, item.tx); err != nil {
		s.counters.callbackErrors.Add(1)
		s.logger.Debug("Transaction callback failed", zap.String("hash", item.tx.Hash), zap.Error(err))
	}

	s.counters.processed.Add(1)
	latency := time.Since(item.enqueuedAt)
	s.metrics.RecordLatency("scanner_process", latency)

	s.statsMu.Lock()
	s.latencySum += latency
	s.latencyCount++
	s.statsMu.Unlock()
}

// allowTPS enforces MaxTPS over a sliding one-second window of timestamps.
// Only the consumer goroutine calls it.
func (s *Scanner) allowTPS(now time.Time) bool {
	if s.config.MaxTPS <= 0 {
		return true
	}

	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	s.window = s.window[i:]

	if len(s.window) >= s.config.MaxTPS {
		return false
	}
	s.window = append(s.window, now)
	return true
}

func (s *Scanner) metricsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.updateThroughput(now)
		}
	}
}

// updateThroughput recomputes current/peak TPS and the interval's average latency
func (s *Scanner) updateThroughput(now time.Time) {
	processed := s.counters.processed.Load()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if elapsed := now.Sub(s.lastTick).Seconds(); elapsed > 0 {
		s.currentTPS = float64(processed-s.lastTickDone) / elapsed
		if s.currentTPS > s.peakTPS {
			s.peakTPS = s.currentTPS
		}
	}
	if s.latencyCount > 0 {
		s.avgLatency = s.latencySum / time.Duration(s.latencyCount)
	}
	s.latencySum = 0
	s.latencyCount = 0
	s.lastTick = now
	s.lastTickDone = processed
}

func (s *Scanner) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth flags degraded health when latency, queue utilization or the
// number of live connections cross their thresholds
func (s *Scanner) checkHealth() ScannerHealth {
	active := s.activeConnections()
	utilization := float64(len(s.queue)) / float64(cap(s.queue))

	s.statsMu.Lock()
	avgLatency := s.avgLatency
	wasHealthy := s.health.Healthy
	s.statsMu.Unlock()

	health := ScannerHealth{ActiveConnections: active, CheckedAt: time.Now()}
	if s.config.MaxLatency > 0 && avgLatency > s.config.MaxLatency {
		health.Reasons = append(health.Reasons, fmt.Sprintf("average latency %s exceeds %s", avgLatency, s.config.MaxLatency))
	}
	if s.config.MaxQueueUtilization > 0 && utilization > s.config.MaxQueueUtilization {
		health.Reasons = append(health.Reasons, fmt.Sprintf("queue utilization %.2f exceeds %.2f", utilization, s.config.MaxQueueUtilization))
	}
	if active < s.config.MinActiveConnections {
		health.Reasons = append(health.Reasons, fmt.Sprintf("%d active connections, need %d", active, s.config.MinActiveConnections))
	}
	health.Healthy = len(health.Reasons) == 0

	s.statsMu.Lock()
	s.health = health
	s.statsMu.Unlock()

	if wasHealthy && !health.Healthy {
		s.logger.Warn("Scanner health degraded", zap.Strings("reasons", health.Reasons))
	} else if !wasHealthy && health.Healthy {
		s.logger.Info("Scanner health recovered")
	}
	return health
}

// Health returns the result of the latest health check
func (s *Scanner) Health() ScannerHealth {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.health
}

func (s *Scanner) setConnection(network string, conn interfaces.WebSocketConnection) {
	s.mu.Lock()
	s.conns[network] = conn
	s.mu.Unlock()
	s.metrics.SetConnectionStatus(network, true)
}

func (s *Scanner) clearConnection(network string, conn interfaces.WebSocketConnection) {
	s.mu.Lock()
	if s.conns[network] == conn {
		delete(s.conns, network)
	}
	s.mu.Unlock()
	s.metrics.SetConnectionStatus(network, false)
}

func (s *Scanner) activeConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, conn := range s.conns {
		if conn.IsConnected() {
			active++
		}
	}
	return active
}

// Metrics returns a snapshot of scanner counters and throughput
func (s *Scanner) Metrics() ScannerMetrics {
	length := len(s.queue)

	m := ScannerMetrics{
		Received:          s.counters.received.Load(),
		Accepted:          s.counters.accepted.Load(),
		Filtered:          s.counters.filtered.Load(),
		Dropped:           s.counters.dropped.Load(),
		Throttled:         s.counters.throttled.Load(),
		QueueFull:         s.counters.queueFull.Load(),
		Invalid:           s.counters.invalid.Load(),
		RateLimited:       s.counters.rateLimited.Load(),
		Processed:         s.counters.processed.Load(),
		CallbackErrors:    s.counters.callbackErrors.Load(),
		Reconnects:        s.counters.reconnects.Load(),
		QueueLength:       length,
		QueueUtilization:  float64(length) / float64(cap(s.queue)),
		ActiveConnections: s.activeConnections(),
	}

	s.statsMu.Lock()
	m.CurrentTPS = s.currentTPS
	m.PeakTPS = s.peakTPS
	m.AvgLatency = s.avgLatency
	s.statsMu.Unlock()

	return m
}
