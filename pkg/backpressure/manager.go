// Package backpressure derives a load state from queue utilization and
// smoothed input/processing rates, and advises producers to throttle or drop.
package backpressure

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
)

// State represents the current load level
type State int

const (
	StateNormal State = iota
	StateWarning
	StateThrottle
	StateCritical
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateWarning:
		return "WARNING"
	case StateThrottle:
		return "THROTTLE"
	case StateCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	rateWindow         = 5 * time.Second
	rateUpdateInterval = time.Second

	throttleBacklog = 1.5
	warningBacklog  = 1.2
	warningFactor   = 0.7

	minDropProbability = 0.01
)

// Config holds backpressure thresholds
type Config struct {
	MaxQueueSize      int     `mapstructure:"max_queue_size"`
	Threshold         float64 `mapstructure:"threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// DefaultConfig returns default backpressure thresholds
func DefaultConfig() *Config {
	return &Config{
		MaxQueueSize:      10000,
		Threshold:         0.8,
		CriticalThreshold: 0.95,
	}
}

// Metrics is a snapshot of the manager's state
type Metrics struct {
	State            State     `json:"-"`
	StateName        string    `json:"state"`
	QueueSize        int       `json:"queueSize"`
	MaxQueueSize     int       `json:"maxQueueSize"`
	Utilization      float64   `json:"utilization"`
	InputRate        float64   `json:"inputRate"`
	ProcessingRate   float64   `json:"processingRate"`
	BacklogRatio     float64   `json:"backlogRatio"`
	TotalInput       uint64    `json:"totalInput"`
	TotalProcessed   uint64    `json:"totalProcessed"`
	Drops            uint64    `json:"drops"`
	Throttles        uint64    `json:"throttles"`
	StateTransitions uint64    `json:"stateTransitions"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// StateChangeCallback is invoked synchronously after a state transition,
// outside the manager's lock.
type StateChangeCallback func(from, to State, m Metrics)

// Manager tracks load and derives a State on every update
type Manager struct {
	config *Config
	logger *zap.Logger
	stats  *metrics.Collector

	mu        sync.Mutex
	state     State
	queueSize int

	inputCount     uint64 // since last rate update
	processedCount uint64
	inputRate      float64
	processingRate float64
	lastRateUpdate time.Time

	totalInput       uint64
	totalProcessed   uint64
	drops            uint64
	throttles        uint64
	stateTransitions uint64
	lastStateChange  time.Time

	callbacks []StateChangeCallback

	now func() time.Time
}

// NewManager creates a backpressure manager. Invalid thresholds fall back to defaults.
func NewManager(config *Config, logger *zap.Logger, collector *metrics.Collector) *Manager {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaults.MaxQueueSize
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.CriticalThreshold <= cfg.Threshold || cfg.CriticalThreshold > 1 {
		cfg.CriticalThreshold = math.Max(cfg.Threshold, defaults.CriticalThreshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now()
	return &Manager{
		config:          &cfg,
		logger:          logger.Named("backpressure"),
		stats:           collector,
		state:           StateNormal,
		lastRateUpdate:  now,
		lastStateChange: now,
		now:             time.Now,
	}
}

// OnStateChange registers a callback for state transitions
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// UpdateQueueSize records the current queue length and re-derives the state
func (m *Manager) UpdateQueueSize(n int) {
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	m.queueSize = n
	m.update()
}

// RecordInput counts one item entering the queue
func (m *Manager) RecordInput() {
	m.mu.Lock()
	m.inputCount++
	m.totalInput++
	m.update()
}

// RecordProcessed counts one item leaving the queue
func (m *Manager) RecordProcessed() {
	m.mu.Lock()
	m.processedCount++
	m.totalProcessed++
	m.update()
}

// RecordDrop counts an item shed because of backpressure
func (m *Manager) RecordDrop() {
	m.mu.Lock()
	m.drops++
	m.mu.Unlock()
	m.stats.RecordBackpressureDrop()
}

// RecordThrottle counts an item delayed because of backpressure
func (m *Manager) RecordThrottle() {
	m.mu.Lock()
	m.throttles++
	m.mu.Unlock()
}

// update refreshes rates and state. Called with m.mu held; releases it
// before running callbacks.
func (m *Manager) update() {
	m.updateRates()

	previous := m.state
	next := m.deriveState()
	if next == previous {
		m.mu.Unlock()
		return
	}

	m.state = next
	m.stateTransitions++
	m.lastStateChange = m.now()
	snapshot := m.snapshot()
	callbacks := append([]StateChangeCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.stats.SetBackpressureState(int(next))
	m.logger.Info("Backpressure state changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", next),
		zap.Float64("utilization", snapshot.Utilization),
		zap.Float64("backlog_ratio", snapshot.BacklogRatio),
	)

	for _, cb := range callbacks {
		cb(previous, next, snapshot)
	}
}

// updateRates folds the counts since the last update into exponentially
// smoothed per-second rates. Rates only move once at least a second elapsed.
func (m *Manager) updateRates() {
	now := m.now()
	elapsed := now.Sub(m.lastRateUpdate)
	if elapsed < rateUpdateInterval {
		return
	}

	alpha := math.Min(1, elapsed.Seconds()/rateWindow.Seconds())
	seconds := elapsed.Seconds()

	m.inputRate = alpha*(float64(m.inputCount)/seconds) + (1-alpha)*m.inputRate
	m.processingRate = alpha*(float64(m.processedCount)/seconds) + (1-alpha)*m.processingRate

	m.inputCount = 0
	m.processedCount = 0
	m.lastRateUpdate = now
}

func (m *Manager) utilization() float64 {
	return float64(m.queueSize) / float64(m.config.MaxQueueSize)
}

func (m *Manager) backlogRatio() float64 {
	if m.inputRate == 0 {
		return 0
	}
	return m.inputRate / math.Max(m.processingRate, 1)
}

// deriveState ignores the backlog ratio while the queue is empty
func (m *Manager) deriveState() State {
	utilization := m.utilization()
	backlog := 0.0
	if m.queueSize > 0 {
		backlog = m.backlogRatio()
	}

	switch {
	case utilization >= m.config.CriticalThreshold:
		return StateCritical
	case utilization >= m.config.Threshold || backlog > throttleBacklog:
		return StateThrottle
	case utilization >= warningFactor*m.config.Threshold || backlog > warningBacklog:
		return StateWarning
	default:
		return StateNormal
	}
}

// State returns the current load state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldThrottle reports whether producers should slow down
func (m *Manager) ShouldThrottle() bool {
	state := m.State()
	return state == StateThrottle || state == StateCritical
}

// ShouldDrop reports whether producers should shed load
func (m *Manager) ShouldDrop() bool {
	return m.State() == StateCritical
}

// DropProbability scales linearly from the critical threshold to full
// utilization. It is zero outside CRITICAL.
func (m *Manager) DropProbability() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCritical {
		return 0
	}

	span := 1 - m.config.CriticalThreshold
	p := 1.0
	if span > 0 {
		p = (m.utilization() - m.config.CriticalThreshold) / span
	}
	return math.Max(minDropProbability, math.Min(1, p))
}

// ThrottleDelay returns how long a producer should pause before enqueueing
func (m *Manager) ThrottleDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateWarning:
		return time.Millisecond
	case StateThrottle:
		return 10*time.Millisecond + time.Duration(40*m.severity()*float64(time.Millisecond))
	case StateCritical:
		return 100 * time.Millisecond
	default:
		return 0
	}
}

// severity places the current load inside the THROTTLE band, in [0,1]
func (m *Manager) severity() float64 {
	queue := 0.0
	if band := m.config.CriticalThreshold - m.config.Threshold; band > 0 {
		queue = (m.utilization() - m.config.Threshold) / band
	}
	backlog := (m.backlogRatio() - throttleBacklog) / throttleBacklog
	return math.Max(0, math.Min(1, math.Max(queue, backlog)))
}

// SuggestBatchSize scales a default batch size to the current state
func (m *Manager) SuggestBatchSize(defaultSize int) int {
	var size int
	switch m.State() {
	case StateWarning:
		size = int(float64(defaultSize) * 0.8)
	case StateThrottle:
		size = defaultSize / 2
	case StateCritical:
		size = 1
	default:
		size = defaultSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Metrics returns a snapshot of the manager's counters and rates
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Manager) snapshot() Metrics {
	return Metrics{
		State:            m.state,
		StateName:        m.state.String(),
		QueueSize:        m.queueSize,
		MaxQueueSize:     m.config.MaxQueueSize,
		Utilization:      m.utilization(),
		InputRate:        m.inputRate,
		ProcessingRate:   m.processingRate,
		BacklogRatio:     m.backlogRatio(),
		TotalInput:       m.totalInput,
		TotalProcessed:   m.totalProcessed,
		Drops:            m.drops,
		Throttles:        m.throttles,
		StateTransitions: m.stateTransitions,
		LastStateChange:  m.lastStateChange,
	}
}
