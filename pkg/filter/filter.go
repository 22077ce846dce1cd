// Package filter compiles boolean expressions over pending transaction
// fields into reusable evaluators.
//
// Expressions are parsed once into a typed operator tree and compiled to
// closures, for example:
//
//	(valueEth > 1.0) & (to in hotPairs)
//	selector in ["0x7ff36ab5", "0x38ed1739"] and gasPriceGwei >= 20
//	!(from in blacklist)
package filter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

var (
	ErrSyntax          = errors.New("filter syntax error")
	ErrUnknownField    = errors.New("unknown filter field")
	ErrUnknownSet      = errors.New("unknown filter set")
	ErrType            = errors.New("filter type error")
	ErrDuplicateFilter = errors.New("filter already registered")
)

// CompiledFilter is an immutable compiled expression with its own evaluation stats
type CompiledFilter struct {
	name       string
	expression string
	eval       predicate
	setRefs    []string
	stats      *Stats
}

// Compile parses and type-checks an expression and compiles it. Named sets
// are resolved through sets; a nil resolver makes any set reference an error.
func Compile(name, expression string, sets SetResolver) (*CompiledFilter, error) {
	root, err := parse(expression)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", name, err)
	}

	c := &compiler{sets: sets}
	eval, err := c.compileBool(root)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", name, err)
	}

	return &CompiledFilter{
		name:       name,
		expression: expression,
		eval:       eval,
		setRefs:    c.setRefs,
		stats:      &Stats{},
	}, nil
}

// Name returns the filter name
func (f *CompiledFilter) Name() string {
	return f.name
}

// Expression returns the source expression
func (f *CompiledFilter) Expression() string {
	return f.expression
}

// Matches evaluates the filter against a transaction. A nil transaction never matches.
func (f *CompiledFilter) Matches(tx *types.TransactionData) bool {
	if tx == nil {
		return false
	}

	start := time.Now()
	matched := f.eval(tx)
	f.stats.record(matched, time.Since(start))

	return matched
}

// DependsOn reports whether the filter references the named set
func (f *CompiledFilter) DependsOn(set string) bool {
	for _, ref := range f.setRefs {
		if ref == set {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the filter's evaluation counters
func (f *CompiledFilter) Stats() StatsSnapshot {
	snap := f.stats.Snapshot()
	snap.Name = f.name
	return snap
}

// recompile rebuilds the filter against current set contents, keeping its stats
func (f *CompiledFilter) recompile(sets SetResolver) (*CompiledFilter, error) {
	fresh, err := Compile(f.name, f.expression, sets)
	if err != nil {
		return nil, err
	}
	fresh.stats = f.stats
	return fresh, nil
}

// Stats accumulates evaluation counters and latencies
type Stats struct {
	mu          sync.Mutex
	evaluations uint64
	matches     uint64
	total       time.Duration
	min         time.Duration
	max         time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Name        string        `json:"name,omitempty"`
	Evaluations uint64        `json:"evaluations"`
	Matches     uint64        `json:"matches"`
	MatchRate   float64       `json:"matchRate"`
	MinLatency  time.Duration `json:"minLatency"`
	AvgLatency  time.Duration `json:"avgLatency"`
	MaxLatency  time.Duration `json:"maxLatency"`
}

func (s *Stats) record(matched bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluations++
	if matched {
		s.matches++
	}
	s.total += latency
	if s.evaluations == 1 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Evaluations: s.evaluations,
		Matches:     s.matches,
		MinLatency:  s.min,
		MaxLatency:  s.max,
	}
	if s.evaluations > 0 {
		snap.MatchRate = float64(s.matches) / float64(s.evaluations)
		snap.AvgLatency = s.total / time.Duration(s.evaluations)
	}
	return snap
}
