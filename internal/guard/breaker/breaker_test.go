package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/infra/storage/memory"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const testDependency = "scraper:el-tiempo"

func newTestBreaker(t *testing.T) (*Breaker, *clock.VirtualClock, *memory.CircuitStore) {
	t.Helper()
	clk := clock.NewVirtualClock(testEpoch)
	store := memory.NewCircuitStore(memory.NewMemoryStorage(clk))
	b := New(testDependency, store, Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}, clk)
	return b, clk, store
}

func failTimes(t *testing.T, b *Breaker, n int, err error) {
	t.Helper()
	for i := 0; i < n; i++ {
		got := b.Execute(context.Background(), func(context.Context) error { return err })
		if !errors.Is(got, err) {
			t.Fatalf("failure %d: got %v, want %v", i+1, got, err)
		}
	}
}

func loadState(t *testing.T, store *memory.CircuitStore) domain.Circuit {
	t.Helper()
	circuit, _, err := store.LoadCircuit(context.Background(), testDependency)
	if err != nil {
		t.Fatalf("LoadCircuit: %v", err)
	}
	return circuit
}

// ctxBoundStore refuses calls once the caller's context is dead, the
// way a network-backed store would.
type ctxBoundStore struct{ inner *memory.CircuitStore }

func (s ctxBoundStore) LoadCircuit(ctx context.Context, dependencyID string) (domain.Circuit, string, error) {
	if err := ctx.Err(); err != nil {
		return domain.Circuit{}, "", err
	}
	return s.inner.LoadCircuit(ctx, dependencyID)
}

func (s ctxBoundStore) CompareAndSwapCircuit(ctx context.Context, dependencyID, token string, next domain.Circuit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.inner.CompareAndSwapCircuit(ctx, dependencyID, token, next)
}

// ============================================================
// Opening
// ============================================================

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _, store := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("connection refused")}

	failTimes(t, b, 5, netErr)

	if got := loadState(t, store); got.State != domain.CircuitOpen {
		t.Fatalf("state after threshold = %q, want %q", got.State, domain.CircuitOpen)
	}

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("call while open: got %v, want ErrOpen", err)
	}
	if invoked {
		t.Fatal("open circuit invoked the dependency")
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _, store := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("connection reset")}

	failTimes(t, b, 4, netErr)

	got := loadState(t, store)
	if got.State != domain.CircuitClosed {
		t.Fatalf("state = %q, want %q", got.State, domain.CircuitClosed)
	}
	if got.FailureCount != 4 {
		t.Fatalf("failure count = %d, want 4", got.FailureCount)
	}
}

func TestBreakerShortCircuitsForFullRecoveryWindow(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)

	clk.Advance(59 * time.Second)
	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("dependency invoked before recovery timeout")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
}

// ============================================================
// What counts
// ============================================================

func TestBreakerIgnoresNonCountedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "validation errors",
			err:  &domain.ValidationError{Field: "published_at", Reason: "not a timestamp"},
		},
		{
			name: "auth errors",
			err:  &domain.AuthError{Dependency: "datos-gov", Reason: "API key rejected"},
		},
		{
			name: "rate limit errors",
			err:  &domain.RateLimitError{Dependency: "datos-gov", RetryAfter: 30 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, store := newTestBreaker(t)
			failTimes(t, b, 10, tt.err)

			got := loadState(t, store)
			if got.State == domain.CircuitOpen {
				t.Fatalf("%s opened the circuit", tt.name)
			}
			if got.FailureCount != 0 {
				t.Fatalf("failure count = %d, want 0", got.FailureCount)
			}
		})
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _, store := newTestBreaker(t)
	dbErr := &domain.DatabaseError{Op: "insert article", Cause: errors.New("connection refused")}

	failTimes(t, b, 4, dbErr)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("healthy call: %v", err)
	}

	// The streak restarts: four more failures must not open the circuit.
	failTimes(t, b, 4, dbErr)
	if got := loadState(t, store); got.State != domain.CircuitClosed {
		t.Fatalf("state = %q, want %q", got.State, domain.CircuitClosed)
	}

	failTimes(t, b, 1, dbErr)
	if got := loadState(t, store); got.State != domain.CircuitOpen {
		t.Fatalf("fifth consecutive failure left state %q", got.State)
	}
}

// ============================================================
// Half-open trials
// ============================================================

func TestBreakerTrialSuccessCloses(t *testing.T) {
	b, clk, store := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	clk.Advance(61 * time.Second)

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if !invoked {
		t.Fatal("trial call never reached the dependency")
	}

	got := loadState(t, store)
	if got.State != domain.CircuitClosed {
		t.Fatalf("state after successful trial = %q, want %q", got.State, domain.CircuitClosed)
	}
	if got.FailureCount != 0 {
		t.Fatalf("failure count after recovery = %d, want 0", got.FailureCount)
	}

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call after recovery: %v", err)
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clk, store := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	clk.Advance(61 * time.Second)

	trialErr := b.Execute(context.Background(), func(context.Context) error { return netErr })
	if !errors.Is(trialErr, netErr) {
		t.Fatalf("trial: got %v, want the dependency error", trialErr)
	}

	got := loadState(t, store)
	if got.State != domain.CircuitOpen {
		t.Fatalf("state after failed trial = %q, want %q", got.State, domain.CircuitOpen)
	}
	if !got.OpenedAt.Equal(clk.Now()) {
		t.Fatalf("opened_at = %v, want reset to %v", got.OpenedAt, clk.Now())
	}

	// The recovery window restarts in full.
	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("dependency invoked during restarted recovery window")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}

	clk.Advance(61 * time.Second)
	invoked := false
	if err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if !invoked {
		t.Fatal("second trial never admitted")
	}
}

func TestBreakerNonCountedTrialFailureReleasesProbe(t *testing.T) {
	b, clk, store := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	openedAt := loadState(t, store).OpenedAt

	clk.Advance(61 * time.Second)
	rlErr := &domain.RateLimitError{Dependency: "datos-gov", RetryAfter: 30 * time.Second}
	trialErr := b.Execute(context.Background(), func(context.Context) error { return rlErr })
	if !errors.Is(trialErr, rlErr) {
		t.Fatalf("trial: got %v, want the rate limit error", trialErr)
	}

	// The trial said nothing about dependency health, so the original
	// opened_at survives and the next caller probes immediately.
	got := loadState(t, store)
	if got.State != domain.CircuitOpen {
		t.Fatalf("state = %q, want %q", got.State, domain.CircuitOpen)
	}
	if !got.OpenedAt.Equal(openedAt) {
		t.Fatalf("opened_at = %v, want original %v", got.OpenedAt, openedAt)
	}

	invoked := false
	if err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("follow-up trial: %v", err)
	}
	if !invoked {
		t.Fatal("follow-up trial never admitted")
	}
}

func TestBreakerSingleProbeAcrossConcurrentCallers(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	clk.Advance(61 * time.Second)

	const callers = 20
	var invocations atomic.Int64
	release := make(chan struct{})
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		go func() {
			results <- b.Execute(context.Background(), func(context.Context) error {
				invocations.Add(1)
				<-release
				return nil
			})
		}()
	}

	// Everyone except the trial owner is turned away while the trial
	// is still in flight.
	for i := 0; i < callers-1; i++ {
		if err := <-results; !errors.Is(err, ErrOpen) {
			t.Fatalf("concurrent caller %d: got %v, want ErrOpen", i, err)
		}
	}

	close(release)
	if err := <-results; err != nil {
		t.Fatalf("trial owner: %v", err)
	}
	if n := invocations.Load(); n != 1 {
		t.Fatalf("dependency invoked %d times during recovery, want 1", n)
	}
}

func TestBreakerTrialSettlesAfterCallerGivesUp(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	inner := memory.NewCircuitStore(memory.NewMemoryStorage(clk))
	b := New(testDependency, ctxBoundStore{inner: inner}, Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}, clk)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	clk.Advance(61 * time.Second)

	// The caller cancels while its trial is in flight. The trial still
	// ran, so its outcome must land or the claim is never released.
	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(context.Context) error {
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("trial call: %v", err)
	}

	got := loadState(t, inner)
	if got.State != domain.CircuitClosed {
		t.Fatalf("state after cancelled-caller trial = %q, want %q", got.State, domain.CircuitClosed)
	}
	if got.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", got.FailureCount)
	}

	invoked := false
	if err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("call after recovery: %v", err)
	}
	if !invoked {
		t.Fatal("dependency never invoked after recovery")
	}
}

func TestBreakerReclaimsAbandonedTrialClaim(t *testing.T) {
	b, clk, store := newTestBreaker(t)
	ctx := context.Background()

	// A half-open claim whose owner never settled: the process crashed
	// or lost its store connection mid-trial.
	stuck := domain.Circuit{
		DependencyID:     testDependency,
		State:            domain.CircuitHalfOpen,
		LastTransitionAt: clk.Now(),
	}
	if ok, err := store.CompareAndSwapCircuit(ctx, testDependency, "", stuck); err != nil || !ok {
		t.Fatalf("seed claim: ok=%v err=%v", ok, err)
	}

	// While the claim is fresh, its owner may still settle it.
	err := b.Execute(ctx, func(context.Context) error {
		t.Fatal("dependency invoked while another caller holds the trial")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}

	// Hours later nothing settled it. A new caller takes over the trial
	// instead of the circuit staying half-open forever.
	clk.Advance(4 * time.Hour)
	invoked := false
	if err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("takeover trial: %v", err)
	}
	if !invoked {
		t.Fatal("abandoned claim never reclaimed")
	}

	got := loadState(t, store)
	if got.State != domain.CircuitClosed {
		t.Fatalf("state after takeover trial = %q, want %q", got.State, domain.CircuitClosed)
	}
	if got.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", got.FailureCount)
	}
}

// ============================================================
// Rejection shape and results
// ============================================================

func TestOpenErrorCarriesRetryHint(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	netErr := &domain.NetworkError{Op: "GET /articles", Cause: errors.New("timeout")}

	failTimes(t, b, 5, netErr)
	clk.Advance(20 * time.Second)

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("got %v, want *OpenError", err)
	}
	if openErr.Dependency != testDependency {
		t.Errorf("dependency = %q", openErr.Dependency)
	}
	if openErr.RetryIn != 40*time.Second {
		t.Errorf("retry hint = %v, want 40s", openErr.RetryIn)
	}
}

func TestDoReturnsResult(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	got, err := b.Do(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got.(int) != 42 {
		t.Fatalf("result = %v, want 42", got)
	}

	wantErr := &domain.NetworkError{Op: "GET /", Cause: errors.New("refused")}
	if _, err := b.Do(context.Background(), func(context.Context) (any, error) {
		return nil, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want the dependency error", err)
	}
}

// ============================================================
// Registry
// ============================================================

func TestRegistryReturnsSameBreakerPerDependency(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	store := memory.NewCircuitStore(memory.NewMemoryStorage(clk))
	reg := NewRegistry(store, Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}, clk)

	a := reg.For("api:datos-gov")
	if b := reg.For("api:datos-gov"); a != b {
		t.Fatal("For returned a new breaker for a known dependency")
	}
	if other := reg.For("scraper:el-espectador"); other == a {
		t.Fatal("distinct dependencies share a breaker")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	store := memory.NewCircuitStore(memory.NewMemoryStorage(clk))
	reg := NewRegistry(store, Config{FailureThreshold: 2, RecoveryTimeout: time.Minute}, clk)

	healthy := reg.For("api:datos-gov")
	broken := reg.For("scraper:el-espectador")

	if err := healthy.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("healthy call: %v", err)
	}
	netErr := &domain.NetworkError{Op: "GET /", Cause: errors.New("refused")}
	failTimes(t, broken, 2, netErr)

	circuits, err := reg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(circuits) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(circuits))
	}

	// Known() sorts, so the API dependency comes first.
	if circuits[0].DependencyID != "api:datos-gov" || circuits[0].State != domain.CircuitClosed {
		t.Fatalf("healthy circuit = %+v", circuits[0])
	}
	if circuits[1].DependencyID != "scraper:el-espectador" || circuits[1].State != domain.CircuitOpen {
		t.Fatalf("broken circuit = %+v", circuits[1])
	}
}
