package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
)

// Registry hands out one Breaker per dependency, creating them lazily.
// All breakers share the store, config and clock.
type Registry struct {
	store StateStore
	cfg   Config
	clk   clock.Clock

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(store StateStore, cfg Config, clk clock.Clock) *Registry {
	return &Registry{
		store:    store,
		cfg:      cfg,
		clk:      clk,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker guarding dependencyID.
func (r *Registry) For(dependencyID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependencyID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependencyID]; ok {
		return b
	}
	b = New(dependencyID, r.store, r.cfg, r.clk)
	r.breakers[dependencyID] = b
	return b
}

// Known lists the dependencies this process has guarded so far, sorted.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot loads the current circuit for every known dependency.
// Dependencies that never recorded a failure report a closed circuit.
func (r *Registry) Snapshot(ctx context.Context) ([]domain.Circuit, error) {
	ids := r.Known()
	circuits := make([]domain.Circuit, 0, len(ids))
	for _, id := range ids {
		circuit, _, err := r.store.LoadCircuit(ctx, id)
		if err != nil {
			return nil, err
		}
		if circuit.State == "" {
			circuit = domain.Circuit{DependencyID: id, State: domain.CircuitClosed}
		}
		circuits = append(circuits, circuit)
	}
	return circuits, nil
}
