package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard"
)

// TierResolver maps a request to the identity the limiter charges and
// the tier whose budget applies.
type TierResolver func(r *http.Request) (identifier string, tier domain.Tier)

// DefaultResolver identifies callers by API key when one is presented,
// falling back to client IP. Keyed callers get the authenticated tier.
func DefaultResolver(r *http.Request) (string, domain.Tier) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + hashKey(key), domain.TierAuthenticated
	}
	return "ip:" + clientIP(r), domain.TierAnonymous
}

// ForceTier pins the tier while keeping the resolver's identity, so
// routes serving expensive work charge a stricter budget.
func ForceTier(tier domain.Tier, resolve TierResolver) TierResolver {
	if resolve == nil {
		resolve = DefaultResolver
	}
	return func(r *http.Request) (string, domain.Tier) {
		identifier, _ := resolve(r)
		return identifier, tier
	}
}

// RateLimit enforces per-caller budgets. Every response carries the six
// X-RateLimit-* headers; denied requests get a 429 with a Retry-After
// hint, or a 503 when a fail-closed tier is riding out a counter store
// outage.
func RateLimit(limiter *guard.Limiter, resolve TierResolver) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = DefaultResolver
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier, tier := resolve(r)
			result := limiter.Check(r.Context(), identifier, tier)
			setLimitHeaders(w, result)

			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int64(result.RetryAfter / time.Second)
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			if result.Degraded {
				writeJSON(w, http.StatusServiceUnavailable, denialBody(
					"temporarily_unavailable",
					"Service is temporarily unavailable. Please try again later.",
					retryAfter, result,
				))
				return
			}
			writeJSON(w, http.StatusTooManyRequests, denialBody(
				"rate_limit_exceeded",
				"Too many requests. Please try again later.",
				retryAfter, result,
			))
		})
	}
}

func setLimitHeaders(w http.ResponseWriter, result guard.LimitResult) {
	h := w.Header()
	h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(result.Minute.Limit))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(result.Minute.Remaining))
	h.Set("X-RateLimit-Reset-Minute", strconv.FormatInt(result.Minute.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(result.Hour.Limit))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(result.Hour.Remaining))
	h.Set("X-RateLimit-Reset-Hour", strconv.FormatInt(result.Hour.ResetAt.Unix(), 10))
}

type windowBody struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

type denialResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
	Limits     struct {
		Minute windowBody `json:"minute"`
		Hour   windowBody `json:"hour"`
	} `json:"limits"`
}

func denialBody(code, message string, retryAfter int64, result guard.LimitResult) denialResponse {
	resp := denialResponse{
		Error:      code,
		Message:    message,
		RetryAfter: retryAfter,
	}
	resp.Limits.Minute = windowBody{
		Limit:     result.Minute.Limit,
		Remaining: result.Minute.Remaining,
		Reset:     result.Minute.ResetAt.Unix(),
	}
	resp.Limits.Hour = windowBody{
		Limit:     result.Hour.Limit,
		Remaining: result.Hour.Remaining,
		Reset:     result.Hour.ResetAt.Unix(),
	}
	return resp
}

// hashKey fingerprints an API key for use as a store identifier. Raw
// keys must never reach store keys or logs.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
