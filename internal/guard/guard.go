// Package guard is the resilience and traffic-shaping core: a
// distributed rate limiter for inbound requests, and a circuit breaker,
// bounded-retry executor and dead-letter queue for outbound calls to
// unreliable dependencies (scraped sites, government APIs, the
// database, the NLP pipeline).
//
// # Quick Start
//
//	import "github.com/bjpl/resguardo/internal/guard"
//
//	// Setup (once, at startup)
//	limiter := guard.NewLimiter(counterStore, cfg.RateLimit, clk)
//	breakers := guard.NewBreakerRegistry(circuitStore, guard.BreakerConfig{
//	    FailureThreshold: cfg.Breaker.FailureThreshold,
//	    RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
//	}, clk)
//	queue := guard.NewQueue(repo, clk)
//	executor := guard.NewExecutor(policy, clk, queue)
//	g := guard.New(limiter, breakers, executor, queue)
//
//	// Inbound: one check per request
//	result := g.Limiter.Check(ctx, callerID, tier)
//
//	// Outbound: wrap each dependency call
//	err := g.For("scraper:el-tiempo").Do(ctx, "scrape",
//	    &guard.QueueSpec{Type: guard.OperationScrapeSource, Payload: payload},
//	    func(ctx context.Context) error { return fetch(ctx, url) })
//
// # Package Structure
//
//   - classify/  - error taxonomy: what retries, what escalates
//   - ratelimit/ - fixed-window minute and hour buckets per caller
//   - breaker/   - per-dependency failure isolation with shared state
//   - retry/     - bounded backoff retries above the breaker
//   - dlq/       - durable parking and replay of exhausted operations
//
// Most types are re-exported at the root level for convenience.
package guard

import (
	"context"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/breaker"
	"github.com/bjpl/resguardo/internal/guard/classify"
	"github.com/bjpl/resguardo/internal/guard/dlq"
	"github.com/bjpl/resguardo/internal/guard/ratelimit"
	"github.com/bjpl/resguardo/internal/guard/retry"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

// Guard bundles the four components a handler or client needs.
type Guard struct {
	Limiter  *Limiter
	Breakers *BreakerRegistry
	Executor *Executor
	DLQ      *Queue
}

func New(limiter *Limiter, breakers *BreakerRegistry, executor *Executor, queue *Queue) *Guard {
	return &Guard{
		Limiter:  limiter,
		Breakers: breakers,
		Executor: executor,
		DLQ:      queue,
	}
}

// For returns the guarded execution path for one dependency.
func (g *Guard) For(dependencyID string) *Guarded {
	return &Guarded{
		breaker:  g.Breakers.For(dependencyID),
		executor: g.Executor,
	}
}

// Guarded composes one dependency's breaker with the retry executor, so
// a call site wraps an outbound call in a single expression.
type Guarded struct {
	breaker  *breaker.Breaker
	executor *retry.Executor
}

// Do runs fn with retries, the dependency's circuit, and dead-letter
// handoff for queueable operations. Pass a nil queue spec for calls
// that must not be replayed.
func (gd *Guarded) Do(
	ctx context.Context,
	category string,
	queue *QueueSpec,
	fn func(context.Context) error,
) error {
	return gd.executor.Run(ctx, retry.Operation{
		Category: category,
		Do: func(ctx context.Context) error {
			return gd.breaker.Execute(ctx, fn)
		},
		Queue: queue,
	})
}

// =============================================================================
// Re-exported types from ratelimit package
// =============================================================================

// Limiter gates inbound requests per caller identity and tier.
type Limiter = ratelimit.Limiter

// LimitResult is one admission decision with both window usages.
type LimitResult = ratelimit.Result

// WindowUsage describes one window's budget after a decision.
type WindowUsage = ratelimit.WindowUsage

// CounterStore is the shared atomic counter surface the limiter needs.
type CounterStore = ratelimit.CounterStore

// NewLimiter creates a rate limiter over a shared counter store.
func NewLimiter(store CounterStore, tiers config.RateLimitConfig, clk clock.Clock) *Limiter {
	return ratelimit.NewLimiter(store, tiers, clk)
}

// =============================================================================
// Re-exported types from breaker package
// =============================================================================

// Breaker guards one dependency.
type Breaker = breaker.Breaker

// BreakerRegistry hands out one breaker per dependency.
type BreakerRegistry = breaker.Registry

// BreakerConfig holds failure threshold and recovery timeout.
type BreakerConfig = breaker.Config

// StateStore is the shared circuit state surface with CAS semantics.
type StateStore = breaker.StateStore

// ErrOpen is returned when a call is rejected by an open circuit.
var ErrOpen = breaker.ErrOpen

// NewBreakerRegistry creates a registry over shared circuit state.
func NewBreakerRegistry(store StateStore, cfg BreakerConfig, clk clock.Clock) *BreakerRegistry {
	return breaker.NewRegistry(store, cfg, clk)
}

// =============================================================================
// Re-exported types from retry package
// =============================================================================

// Executor retries operations under a policy.
type Executor = retry.Executor

// Policy defines retry behavior for one call-site category.
type Policy = retry.Policy

// Operation is one guarded call.
type Operation = retry.Operation

// QueueSpec marks an operation as replayable.
type QueueSpec = retry.QueueSpec

// DefaultPolicy matches the shipped configuration defaults.
var DefaultPolicy = retry.DefaultPolicy

// NewExecutor creates a retry executor. A nil queue disables dead-letter
// handoff.
func NewExecutor(policy Policy, clk clock.Clock, queue *Queue) *Executor {
	if queue == nil {
		return retry.NewExecutor(policy, clk, nil)
	}
	return retry.NewExecutor(policy, clk, queue)
}

// =============================================================================
// Re-exported types from dlq package
// =============================================================================

// Queue is the dead-letter queue over a durable store.
type Queue = dlq.Queue

// ReplayHandler re-executes one kind of queued operation.
type ReplayHandler = dlq.Handler

// Replayer drains pending dead letters in the background.
type Replayer = dlq.Replayer

// Sweeper enforces the dead letter retention horizon.
type Sweeper = dlq.Sweeper

// Dead letter queue sentinels.
var (
	ErrNotPending = dlq.ErrNotPending
	ErrNoHandler  = dlq.ErrNoHandler
)

// NewQueue creates a dead-letter queue over repo.
func NewQueue(repo storage.FailedOperationRepository, clk clock.Clock) *Queue {
	return dlq.NewQueue(repo, clk)
}

// NewReplayer creates the background replay worker.
func NewReplayer(queue *Queue, cfg config.DLQConfig) *Replayer {
	return dlq.NewReplayer(queue, cfg)
}

// NewSweeper creates the retention sweep worker.
func NewSweeper(queue *Queue, clk clock.Clock, retentionDays int) *Sweeper {
	return dlq.NewSweeper(queue, clk, retentionDays)
}

// =============================================================================
// Re-exported types from classify package
// =============================================================================

// Classified is the handling verdict for one error.
type Classified = classify.Classified

// Classify maps an error to its handling profile.
func Classify(err error) Classified {
	return classify.Classify(err)
}

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	return classify.Retryable(err)
}

// Operation type constants, re-exported for call sites building queue
// specs.
const (
	OperationScrapeSource = domain.OperationScrapeSource
	OperationFetchAPI     = domain.OperationFetchAPI
	OperationNLPBatch     = domain.OperationNLPBatch
)
