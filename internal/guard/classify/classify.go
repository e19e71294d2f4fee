// Package classify maps raised errors to their handling profile: what
// retries, what escalates, what counts toward a circuit breaker. The
// mapping is static and stateless; both the retry executor and the
// breaker consult it.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/bjpl/resguardo/internal/core/domain"
)

// Kind identifies the failure family an error belongs to.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindDatabase   Kind = "database"
	KindRateLimit  Kind = "rate_limit"
	KindScraper    Kind = "scraper"
	KindNLP        Kind = "nlp"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindCanceled   Kind = "canceled"
	KindUnknown    Kind = "unknown"
)

// Class groups kinds by how the retry loop treats them. Transient errors
// are retried freely, recoverable ones with backoff, permanent ones never.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassRecoverable Class = "recoverable"
	ClassPermanent   Class = "permanent"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classified is the verdict for a single error. Message and Details are safe
// to surface to callers: fixed wording plus sanitized detail, never
// credentials or stack traces.
type Classified struct {
	Kind                Kind
	Class               Class
	Severity            Severity
	Retryable           bool
	CountsTowardBreaker bool
	Message             string
	Details             string
}

type profile struct {
	class     Class
	severity  Severity
	retryable bool
	// Downstream rate limits are retryable but deliberately excluded from
	// breaker counting: the dependency is healthy, just telling us to slow
	// down. Validation and auth failures indicate caller error, not
	// dependency unhealthiness.
	countsTowardBreaker bool
	message             string
}

var profiles = map[Kind]profile{
	KindNetwork:    {ClassTransient, SeverityMedium, true, true, "dependency unreachable"},
	KindDatabase:   {ClassRecoverable, SeverityHigh, true, true, "database operation failed"},
	KindRateLimit:  {ClassRecoverable, SeverityLow, true, false, "dependency rate limited us"},
	KindScraper:    {ClassTransient, SeverityMedium, true, true, "scrape failed"},
	KindNLP:        {ClassRecoverable, SeverityMedium, true, true, "nlp processing failed"},
	KindValidation: {ClassPermanent, SeverityLow, false, false, "invalid input"},
	KindAuth:       {ClassPermanent, SeverityHigh, false, false, "authentication with dependency failed"},
	KindCanceled:   {ClassPermanent, SeverityLow, false, false, "operation canceled"},
	KindUnknown:    {ClassRecoverable, SeverityMedium, true, true, "dependency call failed"},
}

// Classify maps err to its handling profile. A nil error returns a zero
// verdict.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	kind, details := resolveKind(err)
	p := profiles[kind]
	return Classified{
		Kind:                kind,
		Class:               p.class,
		Severity:            p.severity,
		Retryable:           p.retryable,
		CountsTowardBreaker: p.countsTowardBreaker,
		Message:             p.message,
		Details:             details,
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return Classify(err).Retryable
}

func resolveKind(err error) (Kind, string) {
	// Typed platform errors first.
	var netErr *domain.NetworkError
	if errors.As(err, &netErr) {
		return KindNetwork, netErr.Error()
	}
	var dbErr *domain.DatabaseError
	if errors.As(err, &dbErr) {
		return KindDatabase, dbErr.Error()
	}
	var rlErr *domain.RateLimitError
	if errors.As(err, &rlErr) {
		return KindRateLimit, rlErr.Error()
	}
	var scErr *domain.ScraperError
	if errors.As(err, &scErr) {
		return KindScraper, scErr.Error()
	}
	var nlpErr *domain.NLPError
	if errors.As(err, &nlpErr) {
		return KindNLP, nlpErr.Error()
	}
	var valErr *domain.ValidationError
	if errors.As(err, &valErr) {
		return KindValidation, valErr.Error()
	}
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		// Reason is sanitized by contract; the wrapped chain may not be.
		return KindAuth, authErr.Error()
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled, ""
	}
	// A dependency exceeding its deadline is the canonical unhealthy
	// signal, so deadline expiry classifies as a network failure.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork, "deadline exceeded"
	}
	var stdNetErr net.Error
	if errors.As(err, &stdNetErr) {
		return KindNetwork, err.Error()
	}

	return sniffKind(err)
}

// sniffKind is the fallback for plain errors from third-party clients
// that never got wrapped in a typed platform error. Matches only
// high-confidence substrings.
func sniffKind(err error) (Kind, string) {
	s := err.Error()
	sLower := strings.ToLower(s)

	switch {
	case strings.Contains(s, "429") || strings.Contains(sLower, "too many requests") ||
		strings.Contains(sLower, "rate limit"):
		return KindRateLimit, s
	case strings.Contains(s, "401") || strings.Contains(s, "403") ||
		strings.Contains(sLower, "unauthorized") || strings.Contains(sLower, "forbidden"):
		// Raw auth failures can echo request headers; keep details empty.
		return KindAuth, ""
	case strings.Contains(sLower, "connection refused") ||
		strings.Contains(sLower, "connection reset") ||
		strings.Contains(sLower, "no such host") ||
		strings.Contains(sLower, "broken pipe") ||
		strings.Contains(sLower, "i/o timeout"):
		return KindNetwork, s
	}

	return KindUnknown, s
}
