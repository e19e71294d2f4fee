// Package breaker isolates failing dependencies behind a
// closed/open/half-open state machine. One Breaker guards one logical
// dependency (a government API, a scraped site, the database). State
// lives in a shared store and is mutated only through compare-and-swap,
// so across all process instances exactly one half-open trial is ever
// in flight.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard/classify"
	"github.com/bjpl/resguardo/internal/guard/metrics"
)

// ErrOpen is returned when a call is rejected without invoking the
// dependency. Callers can errors.Is against it.
var ErrOpen = errors.New("circuit open")

// OpenError is the concrete rejection. RetryIn hints when the next
// half-open trial becomes possible; zero means another caller already
// holds the trial.
type OpenError struct {
	Dependency string
	RetryIn    time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("dependency %s: circuit open, retry in %s", e.Dependency, e.RetryIn.Round(time.Second))
	}
	return fmt.Sprintf("dependency %s: circuit open", e.Dependency)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// StateStore is the shared circuit state surface. LoadCircuit returns an
// opaque token; CompareAndSwapCircuit succeeds only while the stored
// circuit still matches that token.
type StateStore interface {
	LoadCircuit(ctx context.Context, dependencyID string) (domain.Circuit, string, error)
	CompareAndSwapCircuit(ctx context.Context, dependencyID string, token string, next domain.Circuit) (bool, error)
}

// Config holds the thresholds shared by all dependencies.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker guards one dependency.
type Breaker struct {
	dependencyID string
	store        StateStore
	cfg          Config
	clk          clock.Clock
}

// casRetries bounds optimistic-concurrency retries on contended
// failure-count updates. Losing an update is acceptable: the winning
// instance recorded a failure for the same unhealthy dependency.
const casRetries = 3

func New(dependencyID string, store StateStore, cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{
		dependencyID: dependencyID,
		store:        store,
		cfg:          cfg,
		clk:          clk,
	}
}

func (b *Breaker) DependencyID() string {
	return b.dependencyID
}

// Execute runs fn under the circuit contract. While the circuit is open,
// fn is never invoked and callers get ErrOpen immediately. If the state
// store itself is unreachable the call proceeds unguarded: availability
// over enforcement, same policy as the rate limiter's fail-open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	circuit, token, err := b.store.LoadCircuit(ctx, b.dependencyID)
	if err != nil {
		slog.Warn("breaker state unavailable, call proceeds unguarded",
			"dependency", b.dependencyID, "error", err)
		return fn(ctx)
	}

	switch circuit.State {
	case domain.CircuitOpen:
		sinceOpen := b.clk.Since(circuit.OpenedAt)
		if sinceOpen < b.cfg.RecoveryTimeout {
			return b.shortCircuit(b.cfg.RecoveryTimeout - sinceOpen)
		}
		return b.probe(ctx, circuit, token, fn)

	case domain.CircuitHalfOpen:
		// Another caller holds the trial. A claim older than the
		// recovery timeout means its owner never settled (crashed, or
		// lost its store connection); treat it as abandoned and contend
		// for a fresh trial, or the dependency is never probed again.
		if b.clk.Since(circuit.LastTransitionAt) < b.cfg.RecoveryTimeout {
			return b.shortCircuit(0)
		}
		return b.probe(ctx, circuit, token, fn)
	}

	// Closed, or no circuit recorded yet.
	callErr := fn(ctx)
	if callErr == nil {
		b.recordSuccess(ctx)
		return nil
	}

	if classify.Classify(callErr).CountsTowardBreaker {
		b.recordFailure(ctx)
	}
	return callErr
}

// probe claims the single half-open trial via CAS and runs it. Losers of
// the claim are rejected as if the circuit were still open.
func (b *Breaker) probe(
	ctx context.Context,
	circuit domain.Circuit,
	token string,
	fn func(context.Context) error,
) error {
	now := b.clk.Now()
	claimed := circuit
	claimed.DependencyID = b.dependencyID
	claimed.State = domain.CircuitHalfOpen
	claimed.LastTransitionAt = now

	ok, err := b.store.CompareAndSwapCircuit(ctx, b.dependencyID, token, claimed)
	if err != nil {
		slog.Warn("breaker state unavailable, call proceeds unguarded",
			"dependency", b.dependencyID, "error", err)
		return fn(ctx)
	}
	if !ok {
		return b.shortCircuit(0)
	}
	b.observeTransition(circuit.State, domain.CircuitHalfOpen)

	callErr := fn(ctx)

	next := claimed
	next.LastTransitionAt = b.clk.Now()
	switch {
	case callErr == nil:
		next.State = domain.CircuitClosed
		next.FailureCount = 0
		next.OpenedAt = time.Time{}
		slog.Info("circuit closed after successful trial", "dependency", b.dependencyID)

	case classify.Classify(callErr).CountsTowardBreaker:
		next.State = domain.CircuitOpen
		next.OpenedAt = b.clk.Now()
		slog.Warn("circuit reopened after failed trial", "dependency", b.dependencyID)

	default:
		// A failure that never counts toward the breaker says nothing
		// about dependency health. Release the probe with the original
		// opened_at intact so the next caller can claim a fresh trial
		// immediately.
		next.State = domain.CircuitOpen
		next.OpenedAt = circuit.OpenedAt
	}

	b.settleTrial(ctx, claimed, next)
	return callErr
}

// settleTimeout bounds the detached settle write after a trial.
const settleTimeout = 5 * time.Second

// settleTrial moves the circuit out of half-open once the trial resolves.
// The trial already ran, so its outcome must land even if the caller gave
// up waiting for it: the write runs on a detached context. The claim's
// transition timestamp fences the swap so a trial that was reclaimed as
// abandoned cannot be settled by its original, slower owner.
func (b *Breaker) settleTrial(ctx context.Context, claim, next domain.Circuit) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	current, token, err := b.store.LoadCircuit(sctx, b.dependencyID)
	if err != nil {
		slog.Warn("breaker trial result not recorded", "dependency", b.dependencyID, "error", err)
		return
	}
	if current.State != domain.CircuitHalfOpen || !current.LastTransitionAt.Equal(claim.LastTransitionAt) {
		return
	}
	if ok, err := b.store.CompareAndSwapCircuit(sctx, b.dependencyID, token, next); err != nil || !ok {
		slog.Warn("breaker trial result not recorded", "dependency", b.dependencyID, "error", err)
		return
	}
	b.observeTransition(domain.CircuitHalfOpen, next.State)
}

// recordFailure bumps the failure count and opens the circuit at the
// threshold. Contended updates retry a few times, then drop: a lost
// count means another instance recorded a failure of its own.
func (b *Breaker) recordFailure(ctx context.Context) {
	for attempt := 0; attempt < casRetries; attempt++ {
		circuit, token, err := b.store.LoadCircuit(ctx, b.dependencyID)
		if err != nil {
			slog.Warn("breaker failure not recorded", "dependency", b.dependencyID, "error", err)
			return
		}
		if circuit.State == domain.CircuitOpen || circuit.State == domain.CircuitHalfOpen {
			// Someone else already tripped it, or a trial is deciding.
			return
		}

		now := b.clk.Now()
		next := circuit
		next.DependencyID = b.dependencyID
		next.State = domain.CircuitClosed
		next.FailureCount++
		next.LastTransitionAt = now

		opened := next.FailureCount >= b.cfg.FailureThreshold
		if opened {
			next.State = domain.CircuitOpen
			next.OpenedAt = now
		}

		ok, casErr := b.store.CompareAndSwapCircuit(ctx, b.dependencyID, token, next)
		if casErr != nil {
			slog.Warn("breaker failure not recorded", "dependency", b.dependencyID, "error", casErr)
			return
		}
		if ok {
			if opened {
				b.observeTransition(domain.CircuitClosed, domain.CircuitOpen)
				slog.Warn("circuit opened",
					"dependency", b.dependencyID,
					"failures", next.FailureCount,
					"recovery_timeout", b.cfg.RecoveryTimeout,
				)
			}
			return
		}
	}
}

// recordSuccess resets the failure count after a healthy call. Best
// effort: a CAS conflict just means fresher state already landed.
func (b *Breaker) recordSuccess(ctx context.Context) {
	circuit, token, err := b.store.LoadCircuit(ctx, b.dependencyID)
	if err != nil || circuit.State != domain.CircuitClosed || circuit.FailureCount == 0 {
		return
	}

	next := circuit
	next.FailureCount = 0
	next.LastTransitionAt = b.clk.Now()
	_, _ = b.store.CompareAndSwapCircuit(ctx, b.dependencyID, token, next)
}

func (b *Breaker) shortCircuit(retryIn time.Duration) error {
	metrics.BreakerShortCircuits.WithLabelValues(b.dependencyID).Inc()
	return &OpenError{Dependency: b.dependencyID, RetryIn: retryIn}
}

// Do is Execute for calls that produce a result.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	var result any
	err := b.Execute(ctx, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Breaker) observeTransition(from, to domain.CircuitState) {
	metrics.BreakerTransitions.WithLabelValues(b.dependencyID, string(from), string(to)).Inc()
	metrics.BreakerState.WithLabelValues(b.dependencyID).Set(stateValue(to))
}

func stateValue(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitOpen:
		return 1
	case domain.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}
