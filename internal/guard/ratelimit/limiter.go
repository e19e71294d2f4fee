// Package ratelimit gates inbound requests per caller identity and tier
// using fixed-window counters in a shared store, so every process
// instance enforces the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/metrics"
)

// CounterStore is the shared atomic counter surface the limiter needs.
// Both increments must land in a single round trip; a read-then-write
// pair is unsound under concurrent requests.
type CounterStore interface {
	IncrWindows(
		ctx context.Context,
		minuteKey string, minuteTTL time.Duration,
		hourKey string, hourTTL time.Duration,
	) (minuteCount, hourCount int64, err error)
}

// WindowUsage describes one bucket's budget after a check.
type WindowUsage struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Result is the verdict for one inbound request.
type Result struct {
	Allowed bool
	// Degraded means the counter store was unreachable and the tier's
	// fail mode decided the verdict instead of real counts.
	Degraded bool
	Minute   WindowUsage
	Hour     WindowUsage
	// RetryAfter is how long a denied caller should wait for budget.
	RetryAfter time.Duration
}

// Limiter implements fixed-window counting over minute and hour buckets.
// Buckets are keyed by floor(unix/window), so counts reset at each
// boundary; a burst straddling a boundary can reach up to twice the
// limit, the known trade-off of this algorithm.
type Limiter struct {
	store CounterStore
	tiers config.RateLimitConfig
	clk   clock.Clock
}

func NewLimiter(store CounterStore, tiers config.RateLimitConfig, clk clock.Clock) *Limiter {
	return &Limiter{
		store: store,
		tiers: tiers,
		clk:   clk,
	}
}

// Check charges one request against identifier's minute and hour budgets
// and reports whether it fits. The charge is never refunded on denial:
// denied callers still consume budget, which keeps a storm of retries
// from amplifying itself.
func (l *Limiter) Check(ctx context.Context, identifier string, tier domain.Tier) Result {
	policy := l.tiers.TierFor(tier)
	now := l.clk.Now()

	minuteBucket := now.Unix() / 60
	hourBucket := now.Unix() / 3600
	minuteKey := fmt.Sprintf("rl:%s:minute:%d", identifier, minuteBucket)
	hourKey := fmt.Sprintf("rl:%s:hour:%d", identifier, hourBucket)
	minuteReset := time.Unix((minuteBucket+1)*60, 0)
	hourReset := time.Unix((hourBucket+1)*3600, 0)

	start := time.Now()
	minuteCount, hourCount, err := l.store.IncrWindows(
		ctx,
		minuteKey, time.Minute,
		hourKey, time.Hour,
	)
	metrics.CounterStoreLatency.WithLabelValues("incr_windows").Observe(time.Since(start).Seconds())

	if err != nil {
		return l.degraded(policy, tier, minuteReset, hourReset, err)
	}

	result := Result{
		Allowed: minuteCount <= int64(policy.PerMinute) && hourCount <= int64(policy.PerHour),
		Minute: WindowUsage{
			Limit:     policy.PerMinute,
			Remaining: remaining(policy.PerMinute, minuteCount),
			ResetAt:   minuteReset,
		},
		Hour: WindowUsage{
			Limit:     policy.PerHour,
			Remaining: remaining(policy.PerHour, hourCount),
			ResetAt:   hourReset,
		},
	}

	if !result.Allowed {
		// Waiting for the next minute is pointless while the hour budget
		// is spent, so point the caller at whichever boundary helps.
		if hourCount > int64(policy.PerHour) {
			result.RetryAfter = ceilSeconds(hourReset.Sub(now))
		} else {
			result.RetryAfter = ceilSeconds(minuteReset.Sub(now))
		}
	}

	metrics.RateLimitDecisions.WithLabelValues(string(tier), outcome(result.Allowed)).Inc()
	return result
}

// degraded applies the tier's fail mode when the counter store is
// unreachable. Failing open trades strict enforcement for availability;
// tiers guarding expensive endpoints can opt into failing closed.
func (l *Limiter) degraded(
	policy config.TierConfig,
	tier domain.Tier,
	minuteReset, hourReset time.Time,
	cause error,
) Result {
	allowed := policy.FailMode != config.FailModeClosed

	slog.Warn("rate limiter degraded, counter store unreachable",
		"tier", tier,
		"fail_mode", policy.FailMode,
		"error", cause,
	)
	metrics.RateLimitDegraded.WithLabelValues(string(tier), policy.FailMode).Inc()
	metrics.RateLimitDecisions.WithLabelValues(string(tier), outcome(allowed)).Inc()

	result := Result{
		Allowed:  allowed,
		Degraded: true,
		Minute:   WindowUsage{Limit: policy.PerMinute, Remaining: policy.PerMinute, ResetAt: minuteReset},
		Hour:     WindowUsage{Limit: policy.PerHour, Remaining: policy.PerHour, ResetAt: hourReset},
	}
	if !allowed {
		// A denial must not advertise budget it refuses to serve.
		result.Minute.Remaining = 0
		result.Hour.Remaining = 0
		result.RetryAfter = ceilSeconds(minuteReset.Sub(l.clk.Now()))
	}
	return result
}

func remaining(limit int, count int64) int {
	r := limit - int(count)
	if r < 0 {
		return 0
	}
	return r
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
