package filter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mev-engine/mev-execution-core/pkg/metrics"
	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// Built-in named sets
const (
	SetHotPairs  = "hotPairs"
	SetBlacklist = "blacklist"
)

// Engine aggregates compiled filters and the named sets they reference.
// The filter slice is replaced, never mutated, so evaluation only holds the
// read lock long enough to grab it.
type Engine struct {
	mu        sync.RWMutex
	filters   []*CompiledFilter
	sets      map[string]map[string]struct{}
	aggregate *Stats
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// EngineStats is the engine's observability snapshot
type EngineStats struct {
	Aggregate StatsSnapshot   `json:"aggregate"`
	Filters   []StatsSnapshot `json:"filters"`
	Sets      map[string]int  `json:"sets"`
}

// NewEngine creates an engine with empty hotPairs and blacklist sets
func NewEngine(logger *zap.Logger, collector *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		sets: map[string]map[string]struct{}{
			SetHotPairs:  {},
			SetBlacklist: {},
		},
		aggregate: &Stats{},
		logger:    logger.Named("filter"),
		metrics:   collector,
	}
}

// resolver must be called with e.mu held
func (e *Engine) resolver() SetResolver {
	return func(name string) (map[string]struct{}, bool) {
		members, ok := e.sets[name]
		return members, ok
	}
}

// AddFilter compiles and registers an expression. Invalid expressions are
// rejected; nothing is registered on error.
func (e *Engine) AddFilter(name, expression string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range e.filters {
		if f.name == name {
			return fmt.Errorf("%w: %q", ErrDuplicateFilter, name)
		}
	}

	compiled, err := Compile(name, expression, e.resolver())
	if err != nil {
		return err
	}

	filters := make([]*CompiledFilter, len(e.filters), len(e.filters)+1)
	copy(filters, e.filters)
	e.filters = append(filters, compiled)

	e.logger.Info("Filter registered", zap.String("name", name), zap.String("expression", expression))
	return nil
}

// RemoveFilter unregisters a filter, reporting whether it existed
func (e *Engine) RemoveFilter(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	filters := make([]*CompiledFilter, 0, len(e.filters))
	for _, f := range e.filters {
		if f.name != name {
			filters = append(filters, f)
		}
	}
	if len(filters) == len(e.filters) {
		return false
	}

	e.filters = filters
	e.logger.Info("Filter removed", zap.String("name", name))
	return true
}

// Filters returns registered filter names in registration order
func (e *Engine) Filters() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.filters))
	for i, f := range e.filters {
		names[i] = f.name
	}
	return names
}

func (e *Engine) snapshot() []*CompiledFilter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filters
}

// PassesFilters reports whether tx matches every registered filter. With no
// filters registered everything passes.
func (e *Engine) PassesFilters(tx *types.TransactionData) bool {
	start := time.Now()
	passed := true
	for _, f := range e.snapshot() {
		if !f.Matches(tx) {
			passed = false
			break
		}
	}

	e.record(passed, time.Since(start))
	return passed
}

// PassesAnyFilter reports whether tx matches at least one registered filter.
// With no filters registered everything passes.
func (e *Engine) PassesAnyFilter(tx *types.TransactionData) bool {
	filters := e.snapshot()
	if len(filters) == 0 {
		return true
	}

	start := time.Now()
	passed := false
	for _, f := range filters {
		if f.Matches(tx) {
			passed = true
			break
		}
	}

	e.record(passed, time.Since(start))
	return passed
}

func (e *Engine) record(passed bool, latency time.Duration) {
	e.aggregate.record(passed, latency)
	e.metrics.RecordFilterEvaluation(passed)
}

// UpdateHotPairs replaces the hotPairs set and recompiles dependent filters
func (e *Engine) UpdateHotPairs(addresses []string) error {
	return e.updateAddressSet(SetHotPairs, addresses)
}

// UpdateBlacklist replaces the blacklist set and recompiles dependent filters
func (e *Engine) UpdateBlacklist(addresses []string) error {
	return e.updateAddressSet(SetBlacklist, addresses)
}

func (e *Engine) updateAddressSet(name string, addresses []string) error {
	for _, addr := range addresses {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return fmt.Errorf("update %s: invalid address %q", name, addr)
		}
	}
	return e.SetNamedSet(name, addresses)
}

// SetNamedSet creates or replaces a named set. Members are compared case
// insensitively. Filters referencing the set are recompiled.
func (e *Engine) SetNamedSet(name string, members []string) error {
	if name == "" {
		return fmt.Errorf("%w: empty set name", ErrUnknownSet)
	}

	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			set[m] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous, existed := e.sets[name]
	e.sets[name] = set

	filters := make([]*CompiledFilter, len(e.filters))
	recompiled := 0
	for i, f := range e.filters {
		if !f.DependsOn(name) {
			filters[i] = f
			continue
		}
		fresh, err := f.recompile(e.resolver())
		if err != nil {
			if existed {
				e.sets[name] = previous
			} else {
				delete(e.sets, name)
			}
			return fmt.Errorf("recompile filter %q: %w", f.name, err)
		}
		filters[i] = fresh
		recompiled++
	}
	e.filters = filters

	e.logger.Debug("Named set updated",
		zap.String("set", name),
		zap.Int("members", len(set)),
		zap.Int("recompiled", recompiled),
	)
	return nil
}

// Stats returns aggregate and per-filter evaluation counters
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	filters := e.filters
	sets := make(map[string]int, len(e.sets))
	for name, members := range e.sets {
		sets[name] = len(members)
	}
	e.mu.RUnlock()

	stats := EngineStats{
		Aggregate: e.aggregate.Snapshot(),
		Filters:   make([]StatsSnapshot, 0, len(filters)),
		Sets:      sets,
	}
	for _, f := range filters {
		stats.Filters = append(stats.Filters, f.Stats())
	}
	return stats
}
