// Package retry runs operations with bounded, classified, backoff-based
// retries. The executor sits above the circuit breaker: each attempt
// goes through the breaker, and a short-circuit aborts the loop since
// waiting out a backoff against a known-open circuit buys nothing.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/breaker"
	"github.com/bjpl/resguardo/internal/guard/classify"
	"github.com/bjpl/resguardo/internal/guard/metrics"
)

// Policy defines retry behavior for one call-site category.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy matches the shipped configuration defaults.
var DefaultPolicy = Policy{
	MaxAttempts:     3,
	InitialDelay:    1 * time.Second,
	MaxDelay:        30 * time.Second,
	ExponentialBase: 2.0,
	Jitter:          true,
}

// Queue receives operations whose attempts are spent. Implementations
// must be fire-and-forget: never block, never fail the caller.
type Queue interface {
	Enqueue(ctx context.Context, opType domain.OperationType, payload json.RawMessage, cause error, attempts int)
}

// QueueSpec marks an operation as replayable and carries what the
// dead-letter queue needs to re-submit it later.
type QueueSpec struct {
	Type    domain.OperationType
	Payload json.RawMessage
}

// Operation is one guarded call.
type Operation struct {
	// Category labels logs and metrics: "scrape", "api_fetch", "nlp_batch".
	Category string
	// Do performs the call, normally already wrapped by a circuit
	// breaker. Results travel through closure capture.
	Do func(ctx context.Context) error
	// Queue is nil for operations that are not replayable; their
	// errors surface directly after exhaustion.
	Queue *QueueSpec
}

// Executor retries operations under a Policy, with optional per-category
// overrides: scrapes can afford more patience than database writes.
type Executor struct {
	policy     Policy
	categories map[string]Policy
	clk        clock.Clock
	dlq        Queue

	// randFloat feeds jitter; tests swap in a fixed source.
	randFloat func() float64
}

func NewExecutor(policy Policy, clk clock.Clock, dlq Queue) *Executor {
	return &Executor{
		policy:     policy,
		categories: make(map[string]Policy),
		clk:        clk,
		dlq:        dlq,
		randFloat:  rand.Float64,
	}
}

// SetCategoryPolicy overrides the policy for one call-site category.
// Call during startup wiring, before Run is in flight.
func (e *Executor) SetCategoryPolicy(category string, p Policy) {
	e.categories[category] = p
}

func (e *Executor) policyFor(category string) Policy {
	if p, ok := e.categories[category]; ok {
		return p
	}
	return e.policy
}

// Run attempts op until it succeeds, its attempts are spent, a
// non-retryable error surfaces, the circuit opens, or ctx is done.
//
// Exhausted queueable operations are handed to the dead-letter queue
// before the error returns. A short-circuit on the very first attempt
// does not queue: the operation never actually ran, and queueing every
// rejected call during an outage would flood the queue with duplicates.
func (e *Executor) Run(ctx context.Context, op Operation) error {
	policy := e.policyFor(op.Category)

	var lastErr, openErr error
	attempts := 0
	realFailures := 0

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			e.handoff(ctx, op, lastErr, attempts, realFailures)
			return err
		}

		err := op.Do(ctx)
		attempts = attempt + 1
		if err == nil {
			metrics.RetryAttempts.WithLabelValues(op.Category, "success").Inc()
			if attempt > 0 {
				slog.Debug("operation recovered", "category", op.Category, "attempts", attempts)
			}
			return nil
		}

		metrics.RetryAttempts.WithLabelValues(op.Category, "failure").Inc()

		if errors.Is(err, breaker.ErrOpen) {
			// The dependency is walled off. Stop burning attempts.
			openErr = err
			break
		}
		lastErr = err
		realFailures++

		verdict := classify.Classify(err)
		metrics.ErrorsClassified.WithLabelValues(string(verdict.Kind), string(verdict.Severity)).Inc()
		if !verdict.Retryable {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := e.backoff(policy, attempt+1)
		slog.Debug("retrying operation",
			"category", op.Category,
			"attempt", attempts,
			"kind", verdict.Kind,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			e.handoff(ctx, op, lastErr, attempts, realFailures)
			return ctx.Err()
		case <-e.clk.After(delay):
		}
	}

	if realFailures > 0 {
		metrics.RetryExhausted.WithLabelValues(op.Category).Inc()
		e.handoff(ctx, op, lastErr, attempts, realFailures)
	}
	if openErr != nil {
		// The queue keeps the real failure as cause; the caller learns
		// the circuit is open.
		return openErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op.Category, attempts, lastErr)
}

// handoff queues the operation if it is replayable and actually ran at
// least once. The queue write is the queue's problem: Enqueue never
// blocks and never errors back.
func (e *Executor) handoff(ctx context.Context, op Operation, cause error, attempts, realFailures int) {
	if op.Queue == nil || e.dlq == nil || realFailures == 0 {
		return
	}
	e.dlq.Enqueue(ctx, op.Queue.Type, op.Queue.Payload, cause, attempts)
}

// backoff computes the delay before attempt next (0-indexed). The curve
// is initial*base^next capped at the maximum; jitter draws uniformly
// from [delay/2, delay] so spacing never collapses below half the
// deterministic value.
func (e *Executor) backoff(policy Policy, next int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.ExponentialBase, float64(next))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		delay = delay/2 + e.randFloat()*(delay/2)
	}
	return time.Duration(delay)
}
