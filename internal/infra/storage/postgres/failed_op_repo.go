package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

// FailedOperationRepo implements storage.FailedOperationRepository using
// PostgreSQL.
type FailedOperationRepo struct {
	db *DB
}

// NewFailedOperationRepo creates a new PostgreSQL failed operation repository.
func NewFailedOperationRepo(db *DB) *FailedOperationRepo {
	return &FailedOperationRepo{db: db}
}

type failedOpRow struct {
	ID            string    `db:"id"`
	OperationType string    `db:"operation_type"`
	Payload       []byte    `db:"payload"`
	LastError     string    `db:"last_error"`
	ErrorKind     string    `db:"error_kind"`
	AttemptCount  int       `db:"attempt_count"`
	Status        string    `db:"status"`
	FirstFailedAt time.Time `db:"first_failed_at"`
	LastFailedAt  time.Time `db:"last_failed_at"`
}

func (r failedOpRow) toDomain() *domain.FailedOperation {
	return &domain.FailedOperation{
		ID:            r.ID,
		OperationType: domain.OperationType(r.OperationType),
		Payload:       json.RawMessage(r.Payload),
		LastError:     r.LastError,
		ErrorKind:     r.ErrorKind,
		AttemptCount:  r.AttemptCount,
		Status:        domain.FailedOperationStatus(r.Status),
		FirstFailedAt: r.FirstFailedAt,
		LastFailedAt:  r.LastFailedAt,
	}
}

// Add parks a failed operation.
func (r *FailedOperationRepo) Add(ctx context.Context, op *domain.FailedOperation) error {
	query := `
		INSERT INTO failed_operations
			(id, operation_type, payload, last_error, error_kind, attempt_count, status, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	status := string(op.Status)
	if status == "" {
		status = string(domain.FailedOperationPending)
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		op.ID,
		string(op.OperationType),
		[]byte(op.Payload),
		op.LastError,
		op.ErrorKind,
		op.AttemptCount,
		status,
		op.FirstFailedAt,
		op.LastFailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed operation: %w", err)
	}
	return nil
}

// Get retrieves one operation by id.
func (r *FailedOperationRepo) Get(ctx context.Context, id string) (*domain.FailedOperation, error) {
	query := `
		SELECT id, operation_type, payload, last_error, error_kind, attempt_count, status, first_failed_at, last_failed_at
		FROM failed_operations
		WHERE id = $1
	`

	var dest failedOpRow
	err := r.db.GetContext(ctx, &dest, query, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed operation: %w", err)
	}
	return dest.toDomain(), nil
}

// List returns matching operations, oldest last failure first.
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

	query := `
		SELECT id, operation_type, payload, last_error, error_kind, attempt_count, status, first_failed_at, last_failed_at
		FROM failed_operations
		WHERE status = $1 AND ($2 = '' OR operation_type = $2)
		ORDER BY last_failed_at ASC
		LIMIT $3
	`

	var rows []failedOpRow
	err := r.db.SelectContext(ctx, &rows, query, string(status), string(filter.OperationType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}

	ops := make([]*domain.FailedOperation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, row.toDomain())
	}
	return ops, nil
}

// RecordAttempt increments attempt count after a failed replay.
func (r *FailedOperationRepo) RecordAttempt(
	ctx context.Context,
	id string,
	lastError string,
	at time.Time,
) error {
	query := `
		UPDATE failed_operations
		SET attempt_count = attempt_count + 1, last_error = $2, last_failed_at = $3
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, lastError, at)
	return err
}

// MarkResolved marks an operation successfully replayed.
func (r *FailedOperationRepo) MarkResolved(ctx context.Context, id string) error {
	query := `
		UPDATE failed_operations
		SET status = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, string(domain.FailedOperationResolved))
	return err
}

// Discard marks an operation abandoned by an operator.
func (r *FailedOperationRepo) Discard(ctx context.Context, id string) error {
	query := `
		UPDATE failed_operations
		SET status = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, string(domain.FailedOperationDiscarded))
	return err
}

// PurgeOlderThan deletes resolved and discarded records, plus pending
// ones whose last failure predates cutoff.
func (r *FailedOperationRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM failed_operations
		WHERE status <> $1 OR last_failed_at < $2
	`
	res, err := r.db.ExecContext(ctx, query, string(domain.FailedOperationPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed operations: %w", err)
	}
	return res.RowsAffected()
}

// CountPending returns the live queue depth.
func (r *FailedOperationRepo) CountPending(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failed_operations
		WHERE status = $1
	`
	var count int
	err := r.db.GetContext(ctx, &count, query, string(domain.FailedOperationPending))
	if err != nil {
		return 0, fmt.Errorf("failed to count failed operations: %w", err)
	}
	return count, nil
}
