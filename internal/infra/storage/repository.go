package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bjpl/resguardo/internal/core/domain"
)

var (
	// ErrOperationNotFound is returned when a failed operation doesn't exist
	ErrOperationNotFound = errors.New("failed operation not found")
)

// ListFilter narrows a dead letter listing. Zero values mean "any":
// an empty Status lists pending records, the active queue.
type ListFilter struct {
	Status        domain.FailedOperationStatus
	OperationType domain.OperationType
	Limit         int
}

// FailedOperationRepository is the dead letter queue's durable store.
type FailedOperationRepository interface {
	// Add parks a failed operation
	Add(ctx context.Context, op *domain.FailedOperation) error

	// Get retrieves one operation by id
	Get(ctx context.Context, id string) (*domain.FailedOperation, error)

	// List returns matching operations, oldest failure first
	List(ctx context.Context, filter ListFilter) ([]*domain.FailedOperation, error)

	// RecordAttempt increments attempt_count after a failed replay
	RecordAttempt(ctx context.Context, id string, lastError string, at time.Time) error

	// MarkResolved marks an operation successfully replayed
	MarkResolved(ctx context.Context, id string) error

	// Discard marks an operation abandoned by an operator
	Discard(ctx context.Context, id string) error

	// PurgeOlderThan deletes resolved and discarded records, plus pending
	// ones whose last failure predates cutoff. Returns rows removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// CountPending returns the live queue depth
	CountPending(ctx context.Context) (int, error)
}
