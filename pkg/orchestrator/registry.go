package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/mev-engine/mev-execution-core/pkg/interfaces"
)

var (
	ErrDuplicateStrategy = errors.New("strategy already registered")
	ErrUnknownStrategy   = errors.New("unknown strategy")
)

// Limits are per-strategy execution thresholds. Zero values disable a limit.
type Limits struct {
	MinProfit       *big.Int
	MaxGasCostRatio float64
}

type registration struct {
	strategy interfaces.Strategy
	enabled  bool
	limits   Limits
}

// Registry maps strategy names to implementations. Strategies are added by
// explicit Register calls at startup and keep their registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register adds an enabled strategy under its Name
func (r *Registry) Register(strategy interfaces.Strategy) error {
	if strategy == nil || strategy.Name() == "" {
		return fmt.Errorf("strategy must have a name")
	}
	name := strategy.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, name)
	}
	r.entries[name] = &registration{strategy: strategy, enabled: true}
	r.order = append(r.order, name)
	return nil
}

// Enable turns a registered strategy on
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns a registered strategy off without removing it
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	entry.enabled = enabled
	return nil
}

// SetLimits replaces the thresholds applied to opportunities of name
func (r *Registry) SetLimits(name string, limits Limits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	entry.limits = limits
	return nil
}

// Limits returns the thresholds of name
func (r *Registry) Limits(name string) Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok {
		return entry.limits
	}
	return Limits{}
}

// Get returns the strategy registered as name
func (r *Registry) Get(name string) (interfaces.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.strategy, true
}

// Enabled returns the enabled strategies in registration order
func (r *Registry) Enabled() []interfaces.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Strategy, 0, len(r.order))
	for _, name := range r.order {
		if entry := r.entries[name]; entry.enabled {
			out = append(out, entry.strategy)
		}
	}
	return out
}

// Status reports every registered strategy name with its enabled flag
func (r *Registry) Status() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.entries))
	for name, entry := range r.entries {
		out[name] = entry.enabled
	}
	return out
}
