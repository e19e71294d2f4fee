// Package dlq parks operations that spent their retry budget and
// replays them once the dependency recovers. Records are durable;
// losing a replay candidate means losing work the platform already
// promised to do.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/classify"
	"github.com/bjpl/resguardo/internal/guard/metrics"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

var (
	// ErrNotPending is returned when replaying or discarding a record
	// that was already resolved or discarded.
	ErrNotPending = errors.New("operation is not pending")
	// ErrNoHandler is returned when no replay handler is registered for
	// a record's operation type.
	ErrNoHandler = errors.New("no replay handler registered")
)

// Handler re-executes one kind of queued operation. Implementations
// must route through the same guarded path the operation originally
// failed on, so replays respect breakers and retry budgets too.
type Handler func(ctx context.Context, payload json.RawMessage) error

// writeTimeout bounds background dead-letter writes.
const writeTimeout = 5 * time.Second

// Queue is the dead-letter queue over a durable store.
type Queue struct {
	repo storage.FailedOperationRepository
	clk  clock.Clock

	mu       sync.RWMutex
	handlers map[domain.OperationType]Handler

	writes sync.WaitGroup
}

func NewQueue(repo storage.FailedOperationRepository, clk clock.Clock) *Queue {
	return &Queue{
		repo:     repo,
		clk:      clk,
		handlers: make(map[domain.OperationType]Handler),
	}
}

// RegisterHandler wires the replay path for one operation type.
func (q *Queue) RegisterHandler(opType domain.OperationType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opType] = h
}

func (q *Queue) handlerFor(opType domain.OperationType) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[opType]
}

// Enqueue parks an exhausted operation. The caller is already on an
// error path, so the write happens in the background, detached from the
// caller's context, and never reports back. Inspect the queue or the
// resguardo_dlq_enqueued_total counter to observe it.
func (q *Queue) Enqueue(
	ctx context.Context,
	opType domain.OperationType,
	payload json.RawMessage,
	cause error,
	attempts int,
) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	now := q.clk.Now()
	verdict := classify.Classify(cause)
	rec := &domain.FailedOperation{
		ID:            uuid.New().String(),
		OperationType: opType,
		Payload:       payload,
		LastError:     errorText(verdict),
		ErrorKind:     string(verdict.Kind),
		AttemptCount:  attempts,
		Status:        domain.FailedOperationPending,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}

	detached := context.WithoutCancel(ctx)
	q.writes.Add(1)
	go func() {
		defer q.writes.Done()
		wctx, cancel := context.WithTimeout(detached, writeTimeout)
		defer cancel()

		if err := q.repo.Add(wctx, rec); err != nil {
			slog.Error("dead letter write failed",
				"operation_type", opType, "error_kind", rec.ErrorKind, "error", err)
			return
		}
		metrics.DLQEnqueued.WithLabelValues(string(opType)).Inc()
		slog.Warn("operation dead-lettered",
			"id", rec.ID,
			"operation_type", opType,
			"error_kind", rec.ErrorKind,
			"attempts", attempts,
		)
		q.refreshPendingGauge(wctx)
	}()
}

// Flush waits for in-flight background writes. Used on shutdown and in
// tests.
func (q *Queue) Flush() {
	q.writes.Wait()
}

// List returns queued operations matching filter, oldest failure first.
func (q *Queue) List(ctx context.Context, filter storage.ListFilter) ([]*domain.FailedOperation, error) {
	return q.repo.List(ctx, filter)
}

// Get returns one record by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	return q.repo.Get(ctx, id)
}

// Replay re-submits a pending record through its registered handler. On
// success the record is marked resolved; on failure the attempt is
// recorded and the record stays queued.
func (q *Queue) Replay(ctx context.Context, id string) error {
	rec, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.FailedOperationPending {
		return fmt.Errorf("operation %s is %s: %w", id, rec.Status, ErrNotPending)
	}

	handler := q.handlerFor(rec.OperationType)
	if handler == nil {
		return fmt.Errorf("operation type %q: %w", rec.OperationType, ErrNoHandler)
	}

	if replayErr := handler(ctx, rec.Payload); replayErr != nil {
		verdict := classify.Classify(replayErr)
		if err := q.repo.RecordAttempt(ctx, id, errorText(verdict), q.clk.Now()); err != nil {
			slog.Error("replay attempt not recorded", "id", id, "error", err)
		}
		metrics.DLQReplayed.WithLabelValues(string(rec.OperationType), "failure").Inc()
		slog.Warn("dead letter replay failed",
			"id", id, "operation_type", rec.OperationType, "error_kind", verdict.Kind)
		return replayErr
	}

	if err := q.repo.MarkResolved(ctx, id); err != nil {
		return fmt.Errorf("operation %s replayed but not marked resolved: %w", id, err)
	}
	metrics.DLQReplayed.WithLabelValues(string(rec.OperationType), "success").Inc()
	slog.Info("dead letter replayed", "id", id, "operation_type", rec.OperationType)
	q.refreshPendingGauge(ctx)
	return nil
}

// Discard abandons a pending record without replaying it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	rec, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != domain.FailedOperationPending {
		return fmt.Errorf("operation %s is %s: %w", id, rec.Status, ErrNotPending)
	}
	if err := q.repo.Discard(ctx, id); err != nil {
		return err
	}
	slog.Info("dead letter discarded", "id", id, "operation_type", rec.OperationType)
	q.refreshPendingGauge(ctx)
	return nil
}

// PurgeOlderThan removes resolved and discarded records, plus pending
// ones whose last failure predates cutoff.
func (q *Queue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	purged, err := q.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		slog.Info("dead letters purged", "count", purged, "cutoff", cutoff)
	}
	q.refreshPendingGauge(ctx)
	return purged, nil
}

// PendingCount returns the live queue depth.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.repo.CountPending(ctx)
}

func (q *Queue) refreshPendingGauge(ctx context.Context) {
	n, err := q.repo.CountPending(ctx)
	if err != nil {
		return
	}
	metrics.DLQPending.Set(float64(n))
}

// errorText picks the most specific sanitized description a verdict
// offers.
func errorText(v classify.Classified) string {
	if v.Details != "" {
		return v.Details
	}
	return v.Message
}
