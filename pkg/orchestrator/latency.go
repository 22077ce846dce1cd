package orchestrator

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Tracked operations
const (
	OpProcessing = "processing"
	OpSubmission = "submission"
)

// LatencyConfig holds latency tracking and health threshold settings
type LatencyConfig struct {
	WindowSize           int           `mapstructure:"window_size"`
	Alpha                float64       `mapstructure:"alpha"`
	MaxProcessingLatency time.Duration `mapstructure:"max_processing_latency"`
	MaxSubmissionLatency time.Duration `mapstructure:"max_submission_latency"`
	MaxQueueUtilization  float64       `mapstructure:"max_queue_utilization"`
}

// DefaultLatencyConfig returns default latency settings
func DefaultLatencyConfig() *LatencyConfig {
	return &LatencyConfig{
		WindowSize:           1000,
		Alpha:                0.1,
		MaxProcessingLatency: 50 * time.Millisecond,
		MaxSubmissionLatency: 400 * time.Millisecond,
		MaxQueueUtilization:  0.5,
	}
}

// LatencyStats summarizes one tracked operation
type LatencyStats struct {
	Operation   string        `json:"operation"`
	SampleCount int           `json:"sampleCount"`
	TotalCount  int64         `json:"totalCount"`
	Average     time.Duration `json:"average"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// LatencyTracker keeps a moving average and a bounded sample window per operation
type LatencyTracker struct {
	config *LatencyConfig

	mu         sync.RWMutex
	operations map[string]*operationTracker
}

type operationTracker struct {
	samples    []time.Duration
	ema        float64
	totalCount int64
	minLatency time.Duration
	maxLatency time.Duration
	lastUpdate time.Time
}

// NewLatencyTracker creates a latency tracker
func NewLatencyTracker(config *LatencyConfig) *LatencyTracker {
	defaults := DefaultLatencyConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = defaults.Alpha
	}
	if cfg.MaxProcessingLatency <= 0 {
		cfg.MaxProcessingLatency = defaults.MaxProcessingLatency
	}
	if cfg.MaxSubmissionLatency <= 0 {
		cfg.MaxSubmissionLatency = defaults.MaxSubmissionLatency
	}
	if cfg.MaxQueueUtilization <= 0 {
		cfg.MaxQueueUtilization = defaults.MaxQueueUtilization
	}

	return &LatencyTracker{
		config:     &cfg,
		operations: make(map[string]*operationTracker),
	}
}

// Record adds a latency measurement for operation
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	tracker, ok := lt.operations[operation]
	if !ok {
		tracker = &operationTracker{
			samples:    make([]time.Duration, 0, lt.config.WindowSize),
			ema:        float64(d),
			minLatency: d,
			maxLatency: d,
		}
		lt.operations[operation] = tracker
	} else {
		tracker.ema = lt.config.Alpha*float64(d) + (1-lt.config.Alpha)*tracker.ema
	}

	tracker.samples = append(tracker.samples, d)
	if len(tracker.samples) > lt.config.WindowSize {
		tracker.samples = tracker.samples[len(tracker.samples)-lt.config.WindowSize:]
	}
	tracker.totalCount++
	tracker.lastUpdate = time.Now()
	if d < tracker.minLatency {
		tracker.minLatency = d
	}
	if d > tracker.maxLatency {
		tracker.maxLatency = d
	}
}

// Average returns the moving average latency of operation, 0 when unseen
func (lt *LatencyTracker) Average(operation string) time.Duration {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	tracker, ok := lt.operations[operation]
	if !ok {
		return 0
	}
	return time.Duration(tracker.ema)
}

// Stats returns a summary of operation over the sample window
func (lt *LatencyTracker) Stats(operation string) LatencyStats {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	tracker, ok := lt.operations[operation]
	if !ok || len(tracker.samples) == 0 {
		return LatencyStats{Operation: operation}
	}

	sorted := make([]time.Duration, len(tracker.samples))
	copy(sorted, tracker.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyStats{
		Operation:   operation,
		SampleCount: len(sorted),
		TotalCount:  tracker.totalCount,
		Average:     time.Duration(tracker.ema),
		P95:         percentile(sorted, 0.95),
		P99:         percentile(sorted, 0.99),
		Min:         tracker.minLatency,
		Max:         tracker.maxLatency,
		LastUpdated: tracker.lastUpdate,
	}
}

// Snapshot returns stats for every tracked operation, sorted by name
func (lt *LatencyTracker) Snapshot() []LatencyStats {
	lt.mu.RLock()
	names := make([]string, 0, len(lt.operations))
	for name := range lt.operations {
		names = append(names, name)
	}
	lt.mu.RUnlock()

	sort.Strings(names)
	out := make([]LatencyStats, 0, len(names))
	for _, name := range names {
		out = append(out, lt.Stats(name))
	}
	return out
}

// Check compares the moving averages and queue utilization against the
// configured thresholds and returns the reasons for any breach
func (lt *LatencyTracker) Check(queueUtilization float64) []string {
	var reasons []string
	if avg := lt.Average(OpProcessing); avg > lt.config.MaxProcessingLatency {
		reasons = append(reasons, "processing latency "+avg.String()+" above "+lt.config.MaxProcessingLatency.String())
	}
	if avg := lt.Average(OpSubmission); avg > lt.config.MaxSubmissionLatency {
		reasons = append(reasons, "submission latency "+avg.String()+" above "+lt.config.MaxSubmissionLatency.String())
	}
	if queueUtilization > lt.config.MaxQueueUtilization {
		reasons = append(reasons, "queue utilization above threshold")
	}
	return reasons
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(math.Ceil(p*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
