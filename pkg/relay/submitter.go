package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrNoRelays      = errors.New("no relays available")
	ErrUnknownRelay  = errors.New("unknown relay")
	ErrDuplicateName = errors.New("relay already registered")
)

// SubmitterConfig holds bundle submitter settings
type SubmitterConfig struct {
	MaxRelays     int           `mapstructure:"max_relays"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	RecordTTL     time.Duration `mapstructure:"record_ttl"`
	// SuccessAlpha is the smoothing factor of the per-relay success rate
	SuccessAlpha float64 `mapstructure:"success_alpha"`
}

// DefaultSubmitterConfig returns default submitter settings
func DefaultSubmitterConfig() *SubmitterConfig {
	return &SubmitterConfig{
		MaxRelays:     3,
		SubmitTimeout: 3 * time.Second,
		RecordTTL:     10 * time.Minute,
		SuccessAlpha:  0.1,
	}
}

// InclusionReport is the merged view of a bundle across the relays it was sent to
type InclusionReport struct {
	BundleID string                    `json:"bundleId"`
	Included bool                      `json:"included"`
	Relay    string                    `json:"relay,omitempty"`
	GasUsed  uint64                    `json:"gasUsed"`
	Profit   *big.Int                  `json:"profit,omitempty"`
	Results  []*types.SubmissionResult `json:"results"`
	// NewlyIncluded is true only on the check that first observed inclusion
	NewlyIncluded bool `json:"newlyIncluded"`
}

// SubmitterMetrics aggregates submitter counters
type SubmitterMetrics struct {
	Bundles      uint64   `json:"bundles"`
	Submissions  uint64   `json:"submissions"`
	Failures     uint64   `json:"failures"`
	Inclusions   uint64   `json:"inclusions"`
	TotalGasUsed uint64   `json:"totalGasUsed"`
	TotalProfit  *big.Int `json:"totalProfit"`
}

type relayEntry struct {
	endpoint types.RelayEndpoint
	client   interfaces.RelayClient
}

type bundleRecord struct {
	mu       sync.Mutex
	order    []string
	results  map[string]*types.SubmissionResult
	credited bool
	winner   string
}

// Submitter fans bundles out to the selected relays and tracks their inclusion
type Submitter struct {
	config  *SubmitterConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	relays map[string]*relayEntry

	records *gocache.Cache

	statsMu sync.Mutex
	stats   SubmitterMetrics
}

// NewSubmitter creates a submitter with no relays
func NewSubmitter(config *SubmitterConfig, logger *zap.Logger, collector *metrics.Collector) *Submitter {
	defaults := DefaultSubmitterConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = defaults.MaxRelays
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaults.SubmitTimeout
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = defaults.RecordTTL
	}
	if cfg.SuccessAlpha <= 0 || cfg.SuccessAlpha > 1 {
		cfg.SuccessAlpha = defaults.SuccessAlpha
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Submitter{
		config:  &cfg,
		logger:  logger.Named("submitter"),
		metrics: collector,
		relays:  make(map[string]*relayEntry),
		records: gocache.New(cfg.RecordTTL, cfg.RecordTTL),
		stats:   SubmitterMetrics{TotalProfit: new(big.Int)},
	}
}

// AddRelay registers a relay client under its endpoint configuration. The
// endpoint's success rate starts at 1.0.
func (s *Submitter) AddRelay(endpoint types.RelayEndpoint, client interfaces.RelayClient) error {
	if client == nil || endpoint.Name == "" {
		return fmt.Errorf("%w: relay needs a name and a client", ErrInvalidRelay)
	}
	if endpoint.Name != client.Name() {
		return fmt.Errorf("%w: endpoint %q does not match client %q", ErrInvalidRelay, endpoint.Name, client.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.relays[endpoint.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, endpoint.Name)
	}
	endpoint.SuccessRate = 1.0
	endpoint.Submissions, endpoint.Successes, endpoint.Failures = 0, 0, 0
	s.relays[endpoint.Name] = &relayEntry{endpoint: endpoint, client: client}

	s.logger.Info("Relay registered",
		zap.String("relay", endpoint.Name),
		zap.String("url", endpoint.URL),
		zap.Int("priority", endpoint.Priority),
	)
	return nil
}

// RemoveRelay unregisters a relay
func (s *Submitter) RemoveRelay(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relays[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, name)
	}
	delete(s.relays, name)
	return nil
}

// SetRelayEnabled includes or excludes a relay from selection
func (s *Submitter) SetRelayEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.relays[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, name)
	}
	entry.endpoint.Enabled = enabled
	return nil
}

// Relays returns the configuration and rolling performance of every relay,
// ordered by name
func (s *Submitter) Relays() []types.RelayEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.RelayEndpoint, 0, len(s.relays))
	for _, entry := range s.relays {
		out = append(out, entry.endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SelectRelays returns the relays a bundle would be sent to. Known enabled
// names from preferred are used as given; when none remain, the top MaxRelays
// enabled relays by ascending priority then descending success rate are chosen.
func (s *Submitter) SelectRelays(preferred []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(preferred) > 0 {
		seen := make(map[string]bool, len(preferred))
		var selected []string
		for _, name := range preferred {
			entry, ok := s.relays[name]
			if !ok || !entry.endpoint.Enabled || seen[name] {
				continue
			}
			seen[name] = true
			selected = append(selected, name)
		}
		if len(selected) > 0 {
			return selected
		}
	}

	candidates := make([]types.RelayEndpoint, 0, len(s.relays))
	for _, entry := range s.relays {
		if entry.endpoint.Enabled {
			candidates = append(candidates, entry.endpoint)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.Name < b.Name
	})
	if len(candidates) > s.config.MaxRelays {
		candidates = candidates[:s.config.MaxRelays]
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}

// SubmitBundle sends bundle to the selected relays concurrently and returns one
// result per relay, in selection order. A relay that errors or panics yields a
// FAILED result without affecting the others.
func (s *Submitter) SubmitBundle(ctx context.Context, bundle *types.BundleRequest, bundleID string, preferred []string) ([]*types.SubmissionResult, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	names := s.SelectRelays(preferred)
	if len(names) == 0 {
		return nil, ErrNoRelays
	}

	clients := make([]interfaces.RelayClient, len(names))
	s.mu.RLock()
	for i, name := range names {
		clients[i] = s.relays[name].client
	}
	s.mu.RUnlock()

	results := make([]*types.SubmissionResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.submitOne(ctx, clients[i], names[i], bundle, bundleID)
		}(i)
	}
	wg.Wait()

	record := &bundleRecord{
		order:   names,
		results: make(map[string]*types.SubmissionResult, len(names)),
	}
	failures := 0
	for _, r := range results {
		record.results[r.Relay] = r
		s.recordOutcome(r)
		if r.Failed() {
			failures++
		}
	}
	s.records.SetDefault(bundleID, record)

	s.count(func(st *SubmitterMetrics) {
		st.Bundles++
		st.Submissions += uint64(len(results))
		st.Failures += uint64(failures)
	})

	s.logger.Info("Bundle submitted to relays",
		zap.String("bundle_id", bundleID),
		zap.Uint64("target_block", bundle.TargetBlock),
		zap.Strings("relays", names),
		zap.Int("failures", failures),
	)
	return results, nil
}

func (s *Submitter) submitOne(ctx context.Context, client interfaces.RelayClient, name string, bundle *types.BundleRequest, bundleID string) (result *types.SubmissionResult) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Relay client panicked", zap.String("relay", name), zap.Any("panic", r))
			result = failedResult(name, bundleID, bundle.TargetBlock, start, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := client.SubmitBundle(ctx, bundle, bundleID)
	if err != nil {
		s.logger.Warn("Relay submission failed", zap.String("relay", name), zap.Error(err))
		return failedResult(name, bundleID, bundle.TargetBlock, start, err)
	}
	if res == nil {
		return failedResult(name, bundleID, bundle.TargetBlock, start, errors.New("empty relay response"))
	}
	res.Relay = name
	res.BundleID = bundleID
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = start
	}
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	return res
}

func failedResult(relay, bundleID string, target uint64, start time.Time, err error) *types.SubmissionResult {
	return &types.SubmissionResult{
		Relay:       relay,
		BundleID:    bundleID,
		Status:      types.BundleStatusFailed,
		TargetBlock: target,
		Error:       err.Error(),
		SubmittedAt: start,
		Latency:     time.Since(start),
	}
}

// recordOutcome updates the relay's counters and smoothed success rate
func (s *Submitter) recordOutcome(r *types.SubmissionResult) {
	outcome := 1.0
	status := "success"
	if r.Failed() {
		outcome = 0
		status = "failed"
	}
	s.metrics.RecordRelaySubmission(r.Relay, status, r.Latency)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.relays[r.Relay]
	if !ok {
		return
	}
	ep := &entry.endpoint
	ep.Submissions++
	if r.Failed() {
		ep.Failures++
	} else {
		ep.Successes++
	}
	alpha := s.config.SuccessAlpha
	ep.SuccessRate = (1-alpha)*ep.SuccessRate + alpha*outcome
}

// CheckBundleInclusion re-polls every relay that accepted the bundle and
// merges their statuses. Gas and profit are credited once, from the first
// relay (in selection order) to report inclusion.
func (s *Submitter) CheckBundleInclusion(ctx context.Context, bundleID string) (*InclusionReport, error) {
	v, ok := s.records.Get(bundleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
	}
	//nolint:forcetypeassert
	record := v.(*bundleRecord)

	record.mu.Lock()
	defer record.mu.Unlock()

	var polled []string
	for _, name := range record.order {
		if r := record.results[name]; r != nil && !r.Failed() && !r.Included {
			polled = append(polled, name)
		}
	}

	updates := make([]*types.SubmissionResult, len(polled))
	var wg sync.WaitGroup
	for i, name := range polled {
		client := s.client(name)
		if client == nil {
			continue
		}
		wg.Add(1)
		go func(i int, name string, client interfaces.RelayClient) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Relay status check panicked", zap.String("relay", name), zap.Any("panic", r))
				}
			}()
			res, err := client.CheckBundleStatus(ctx, bundleID)
			if err != nil {
				s.logger.Debug("Bundle status check failed", zap.String("relay", name), zap.Error(err))
				return
			}
			updates[i] = res
		}(i, name, client)
	}
	wg.Wait()

	for i, name := range polled {
		if u := updates[i]; u != nil {
			u.Relay = name
			u.BundleID = bundleID
			prev := record.results[name]
			if u.SubmittedAt.IsZero() {
				u.SubmittedAt = prev.SubmittedAt
			}
			record.results[name] = u
		}
	}

	report := &InclusionReport{BundleID: bundleID}
	for _, name := range record.order {
		r := record.results[name]
		report.Results = append(report.Results, r)
		if r.Included && report.Relay == "" {
			report.Relay = name
		}
	}
	if report.Relay == "" {
		return report, nil
	}

	report.Included = true
	if record.credited {
		report.Relay = record.winner
	} else {
		record.credited = true
		record.winner = report.Relay
		report.NewlyIncluded = true
	}
	winner := record.results[report.Relay]
	report.GasUsed = winner.GasUsed
	if winner.Profit != nil {
		report.Profit = new(big.Int).Set(winner.Profit)
	}

	if report.NewlyIncluded {
		s.count(func(st *SubmitterMetrics) {
			st.Inclusions++
			st.TotalGasUsed += report.GasUsed
			if report.Profit != nil {
				st.TotalProfit.Add(st.TotalProfit, report.Profit)
			}
		})
		s.metrics.RecordRelaySubmission(report.Relay, "included", 0)
		s.logger.Info("Bundle included",
			zap.String("bundle_id", bundleID),
			zap.String("relay", report.Relay),
			zap.Uint64("gas_used", report.GasUsed),
		)
	}
	return report, nil
}

// Forget drops the submission record of a bundle
func (s *Submitter) Forget(bundleID string) {
	s.records.Delete(bundleID)
}

func (s *Submitter) client(name string) interfaces.RelayClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.relays[name]; ok {
		return entry.client
	}
	return nil
}

// Metrics returns a snapshot of submitter counters
func (s *Submitter) Metrics() SubmitterMetrics {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	out.TotalProfit = new(big.Int).Set(s.stats.TotalProfit)
	return out
}

func (s *Submitter) count(update func(*SubmitterMetrics)) {
	s.statsMu.Lock()
	update(&s.stats)
	s.statsMu.Unlock()
}
