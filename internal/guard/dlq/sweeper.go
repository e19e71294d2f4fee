package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
)

// Sweeper enforces the dead letter retention horizon: resolved and
// discarded records go as soon as a sweep sees them, pending ones only
// once their last failure falls behind the horizon.
type Sweeper struct {
	queue     *Queue
	clk       clock.Clock
	retention time.Duration
}

func NewSweeper(queue *Queue, clk clock.Clock, retentionDays int) *Sweeper {
	return &Sweeper{
		queue:     queue,
		clk:       clk,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.retention <= 0 {
		return // Retention disabled
	}

	interval := min(s.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.retention)
	if _, err := s.queue.PurgeOlderThan(ctx, cutoff); err != nil {
		slog.Error("dead letter sweep failed", "error", err)
	}
}
