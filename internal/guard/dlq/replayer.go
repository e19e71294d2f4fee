package dlq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/breaker"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

// Replayer periodically re-submits pending dead letters through their
// registered handlers, oldest failure first, paced so a dependency that
// just recovered is not flooded with the whole backlog at once.
type Replayer struct {
	queue *Queue
	cfg   config.DLQConfig
	pace  *rate.Limiter
}

func NewReplayer(queue *Queue, cfg config.DLQConfig) *Replayer {
	perSecond := cfg.ReplayPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Replayer{
		queue: queue,
		cfg:   cfg,
		pace:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Start runs the replay loop until ctx is done.
func (r *Replayer) Start(ctx context.Context) {
	interval := r.cfg.ReplayInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Drain whatever piled up before this instance started.
	r.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain replays up to one batch of pending records.
func (r *Replayer) drain(ctx context.Context) {
	records, err := r.queue.List(ctx, storage.ListFilter{
		Status: domain.FailedOperationPending,
		Limit:  r.cfg.ReplayBatch,
	})
	if err != nil {
		slog.Error("dead letter drain failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	slog.Info("draining dead letters", "count", len(records))

	// Records of one type replay through one dependency path. Once that
	// path short-circuits, skip its siblings until the next pass.
	skip := make(map[domain.OperationType]bool)
	for _, rec := range records {
		if skip[rec.OperationType] {
			continue
		}
		if err := r.pace.Wait(ctx); err != nil {
			return
		}
		if err := r.queue.Replay(ctx, rec.ID); err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				skip[rec.OperationType] = true
			}
			if errors.Is(err, ErrNoHandler) {
				skip[rec.OperationType] = true
			}
		}
	}
}
