package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

// MemoryStorage backs every store interface in-process, for development
// without Redis/Postgres and for tests. Counters honor TTLs against the
// injected clock so window rollover behaves like the real store.
type MemoryStorage struct {
	ops      map[string]domain.FailedOperation
	counters map[string]counterEntry
	circuits map[string]string
	clk      clock.Clock
	mu       sync.RWMutex
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStorage(clk clock.Clock) *MemoryStorage {
	return &MemoryStorage{
		ops:      make(map[string]domain.FailedOperation),
		counters: make(map[string]counterEntry),
		circuits: make(map[string]string),
		clk:      clk,
	}
}

// -----------------------------------------------------------------------------
// Counter Store
// -----------------------------------------------------------------------------

type CounterStore struct {
	store *MemoryStorage
}

func NewCounterStore(store *MemoryStorage) *CounterStore {
	return &CounterStore{store: store}
}

// IncrWindows increments both bucket keys under one lock, mirroring the
// atomicity of the pipelined Redis round trip.
func (s *CounterStore) IncrWindows(
	ctx context.Context,
	minuteKey string, minuteTTL time.Duration,
	hourKey string, hourTTL time.Duration,
) (int64, int64, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	minuteCount := s.store.incrLocked(minuteKey, minuteTTL)
	hourCount := s.store.incrLocked(hourKey, hourTTL)
	return minuteCount, hourCount, nil
}

// incrLocked bumps one key, resetting it if its TTL lapsed. Must be
// called with mu held.
func (m *MemoryStorage) incrLocked(key string, ttl time.Duration) int64 {
	now := m.clk.Now()
	entry, ok := m.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = counterEntry{count: 0, expiresAt: now.Add(ttl)}
	}
	entry.count++
	m.counters[key] = entry
	return entry.count
}

// -----------------------------------------------------------------------------
// Circuit Store
// -----------------------------------------------------------------------------

type CircuitStore struct {
	store *MemoryStorage
}

func NewCircuitStore(store *MemoryStorage) *CircuitStore {
	return &CircuitStore{store: store}
}

// LoadCircuit returns the stored circuit plus an opaque token for
// CompareAndSwapCircuit. A missing circuit returns a zero Circuit and an
// empty token.
func (s *CircuitStore) LoadCircuit(
	ctx context.Context,
	dependencyID string,
) (domain.Circuit, string, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	raw, ok := s.store.circuits[dependencyID]
	if !ok {
		return domain.Circuit{}, "", nil
	}

	var circuit domain.Circuit
	if err := json.Unmarshal([]byte(raw), &circuit); err != nil {
		return domain.Circuit{}, "", fmt.Errorf("decode circuit failed: %w", err)
	}
	return circuit, raw, nil
}

// CompareAndSwapCircuit stores next only if the circuit still matches the
// token from LoadCircuit.
func (s *CircuitStore) CompareAndSwapCircuit(
	ctx context.Context,
	dependencyID string,
	token string,
	next domain.Circuit,
) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode circuit failed: %w", err)
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	current, ok := s.store.circuits[dependencyID]
	if !ok {
		if token != "" {
			return false, nil
		}
	} else if current != token {
		return false, nil
	}

	s.store.circuits[dependencyID] = string(payload)
	return true, nil
}

// -----------------------------------------------------------------------------
// Failed Operation Repository
// -----------------------------------------------------------------------------

type FailedOperationRepo struct {
	store *MemoryStorage
}

func NewFailedOperationRepo(store *MemoryStorage) *FailedOperationRepo {
	return &FailedOperationRepo{store: store}
}

func (r *FailedOperationRepo) Add(ctx context.Context, op *domain.FailedOperation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	saved := *op
	if saved.Status == "" {
		saved.Status = domain.FailedOperationPending
	}
	r.store.ops[saved.ID] = saved
	return nil
}

func (r *FailedOperationRepo) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	op, ok := r.store.ops[id]
	if !ok {
		return nil, storage.ErrOperationNotFound
	}
	return &op, nil
}

func (r *FailedOperationRepo) List(
	ctx context.Context,
	filter storage.ListFilter,
) ([]*domain.FailedOperation, error) {
	status := filter.Status
	if status == "" {
		status = domain.FailedOperationPending
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var ops []*domain.FailedOperation
	for id := range r.store.ops {
		op := r.store.ops[id]
		if op.Status != status {
			continue
		}
		if filter.OperationType != "" && op.OperationType != filter.OperationType {
			continue
		}
		ops = append(ops, &op)
	}

	sort.Slice(ops, func(i, j int) bool {
		return ops[i].LastFailedAt.Before(ops[j].LastFailedAt)
	})
	if len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

func (r *FailedOperationRepo) RecordAttempt(
	ctx context.Context,
	id string,
	lastError string,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	op, ok := r.store.ops[id]
	if !ok {
		return storage.ErrOperationNotFound
	}
	op.AttemptCount++
	op.LastError = lastError
	op.LastFailedAt = at
	r.store.ops[id] = op
	return nil
}

func (r *FailedOperationRepo) MarkResolved(ctx context.Context, id string) error {
	return r.setStatus(id, domain.FailedOperationResolved)
}

func (r *FailedOperationRepo) Discard(ctx context.Context, id string) error {
	return r.setStatus(id, domain.FailedOperationDiscarded)
}

func (r *FailedOperationRepo) setStatus(id string, status domain.FailedOperationStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	op, ok := r.store.ops[id]
	if !ok {
		return storage.ErrOperationNotFound
	}
	op.Status = status
	r.store.ops[id] = op
	return nil
}

func (r *FailedOperationRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var removed int64
	for id, op := range r.store.ops {
		if op.Status != domain.FailedOperationPending || op.LastFailedAt.Before(cutoff) {
			delete(r.store.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (r *FailedOperationRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, op := range r.store.ops {
		if op.Status == domain.FailedOperationPending {
			count++
		}
	}
	return count, nil
}
