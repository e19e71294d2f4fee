package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/guard"
	"github.com/bjpl/resguardo/internal/infra/storage/memory"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testTiers() config.RateLimitConfig {
	return config.RateLimitConfig{Tiers: []config.TierConfig{
		{Name: "anonymous", PerMinute: 3, PerHour: 10, FailMode: config.FailModeOpen},
		{Name: "authenticated", PerMinute: 5, PerHour: 100, FailMode: config.FailModeOpen},
		{Name: "heavy", PerMinute: 1, PerHour: 2, FailMode: config.FailModeClosed},
	}}
}

func newTestLimiter(clk clock.Clock) *guard.Limiter {
	mem := memory.NewMemoryStorage(clk)
	return guard.NewLimiter(memory.NewCounterStore(mem), testTiers(), clk)
}

// brokenCounterStore simulates an unreachable counter backend.
type brokenCounterStore struct{}

func (brokenCounterStore) IncrWindows(
	context.Context, string, time.Duration, string, time.Duration,
) (int64, int64, error) {
	return 0, 0, errors.New("connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/articles", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ============================================================
// Budgets and headers
// ============================================================

func TestRateLimitAllowsUpToBudget(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	h := RateLimit(newTestLimiter(clk), nil)(okHandler())

	// Anonymous budget is 3/minute; the fourth request is denied.
	for i := 1; i <= 3; i++ {
		rec := doRequest(h, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
		want := strconv.Itoa(3 - i)
		if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != want {
			t.Errorf("request %d: remaining-minute = %s, want %s", i, got, want)
		}
	}

	rec := doRequest(h, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request: status = %d, want 429", rec.Code)
	}
}

func TestRateLimitHeadersOnEveryResponse(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	h := RateLimit(newTestLimiter(clk), nil)(okHandler())

	rec := doRequest(h, "")
	wantHeaders := map[string]string{
		"X-RateLimit-Limit-Minute":     "3",
		"X-RateLimit-Remaining-Minute": "2",
		"X-RateLimit-Limit-Hour":       "10",
		"X-RateLimit-Remaining-Hour":   "9",
	}
	for name, want := range wantHeaders {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	// Reset headers point at the next bucket boundaries.
	wantMinuteReset := testEpoch.Truncate(time.Minute).Add(time.Minute).Unix()
	if got := rec.Header().Get("X-RateLimit-Reset-Minute"); got != strconv.FormatInt(wantMinuteReset, 10) {
		t.Errorf("reset-minute = %s, want %d", got, wantMinuteReset)
	}
	wantHourReset := testEpoch.Truncate(time.Hour).Add(time.Hour).Unix()
	if got := rec.Header().Get("X-RateLimit-Reset-Hour"); got != strconv.FormatInt(wantHourReset, 10) {
		t.Errorf("reset-hour = %s, want %d", got, wantHourReset)
	}
}

func TestRateLimitDenialBody(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	h := RateLimit(newTestLimiter(clk), nil)(okHandler())

	for i := 0; i < 3; i++ {
		doRequest(h, "")
	}
	rec := doRequest(h, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60s until the next minute", got)
	}

	var body denialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Message != "Too many requests. Please try again later." {
		t.Errorf("message = %q", body.Message)
	}
	if body.RetryAfter != 60 {
		t.Errorf("retry_after = %d, want 60", body.RetryAfter)
	}
	if body.Limits.Minute.Limit != 3 || body.Limits.Minute.Remaining != 0 {
		t.Errorf("minute limits = %+v", body.Limits.Minute)
	}
	if body.Limits.Hour.Limit != 10 {
		t.Errorf("hour limits = %+v", body.Limits.Hour)
	}
}

func TestRateLimitWindowRollover(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	h := RateLimit(newTestLimiter(clk), nil)(okHandler())

	for i := 0; i < 3; i++ {
		doRequest(h, "")
	}
	if rec := doRequest(h, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("pre-rollover status = %d, want 429", rec.Code)
	}

	clk.Advance(time.Minute)
	rec := doRequest(h, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("post-rollover status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "2" {
		t.Errorf("fresh minute remaining = %s, want 2", got)
	}
}

// ============================================================
// Identity resolution
// ============================================================

func TestRateLimitKeyedCallersGetOwnBudget(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	h := RateLimit(newTestLimiter(clk), nil)(okHandler())

	// Exhaust the anonymous IP budget.
	for i := 0; i < 3; i++ {
		doRequest(h, "")
	}
	if rec := doRequest(h, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous status = %d, want 429", rec.Code)
	}

	// A keyed caller from the same IP rides the authenticated budget.
	rec := doRequest(h, "sk-dashboard-301")
	if rec.Code != http.StatusOK {
		t.Fatalf("keyed status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit-Minute"); got != "5" {
		t.Errorf("keyed limit-minute = %s, want the authenticated tier's 5", got)
	}

	// Two distinct keys do not share a bucket.
	for i := 0; i < 4; i++ {
		doRequest(h, "sk-dashboard-301")
	}
	if rec := doRequest(h, "sk-dashboard-301"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first key should be exhausted, got %d", rec.Code)
	}
	if rec := doRequest(h, "sk-dashboard-302"); rec.Code != http.StatusOK {
		t.Fatalf("second key status = %d, want its own budget", rec.Code)
	}
}

func TestForceTierKeepsIdentity(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	limiter := newTestLimiter(clk)
	anon := RateLimit(limiter, nil)(okHandler())
	heavy := RateLimit(limiter, ForceTier("heavy", nil))(okHandler())

	// The heavy budget is 1/minute for the same caller identity.
	if rec := doRequest(heavy, ""); rec.Code != http.StatusOK {
		t.Fatalf("first heavy request: status = %d", rec.Code)
	}
	if rec := doRequest(heavy, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second heavy request: status = %d, want 429", rec.Code)
	}

	// Both charges landed on the shared identity bucket, so the
	// anonymous view has already spent 2 of 3.
	rec := doRequest(anon, "")
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "0" {
		t.Errorf("anonymous remaining after heavy charges = %s, want 0", got)
	}
}

// ============================================================
// Degraded mode
// ============================================================

func TestRateLimitFailOpenOnStoreOutage(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	limiter := guard.NewLimiter(brokenCounterStore{}, testTiers(), clk)
	h := RateLimit(limiter, nil)(okHandler())

	rec := doRequest(h, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, fail-open tier should admit during outage", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "3" {
		t.Errorf("degraded remaining = %s, want the full budget", got)
	}
}

func TestRateLimitFailClosedReturns503(t *testing.T) {
	clk := clock.NewVirtualClock(testEpoch)
	limiter := guard.NewLimiter(brokenCounterStore{}, testTiers(), clk)
	h := RateLimit(limiter, ForceTier("heavy", nil))(okHandler())

	rec := doRequest(h, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, fail-closed tier should deny during outage", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("degraded denial is missing Retry-After")
	}

	var body denialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body: %v", err)
	}
	if body.Error != "temporarily_unavailable" {
		t.Errorf("error = %q, outage denial must not read as quota exhaustion", body.Error)
	}
}

// ============================================================
// Resolver details
// ============================================================

func TestDefaultResolverHashesKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "sk-dashboard-301")

	id, tier := DefaultResolver(req)
	if tier != "authenticated" {
		t.Errorf("tier = %q, want authenticated", tier)
	}
	if id == "key:sk-dashboard-301" {
		t.Fatal("raw API key leaked into the store identifier")
	}
	if len(id) != len("key:")+16 {
		t.Errorf("identifier %q is not a key: prefix plus 16 hex chars", id)
	}

	// Same key, same identity.
	again, _ := DefaultResolver(req)
	if again != id {
		t.Errorf("identifier not stable: %q vs %q", id, again)
	}
}

func TestDefaultResolverFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:52314"

	id, tier := DefaultResolver(req)
	if tier != "anonymous" {
		t.Errorf("tier = %q, want anonymous", tier)
	}
	if id != "ip:203.0.113.7" {
		t.Errorf("identifier = %q, want ip:203.0.113.7", id)
	}
}
