package domain

import (
	"fmt"
	"time"
)

// Typed failures raised by the platform's collaborators (scrapers,
// government API clients, the NLP pipeline, storage). The guard layer
// classifies these to decide retry, circuit and DLQ behavior. Messages
// must stay safe to surface: no credentials, no stack traces.

// NetworkError is a connection-level failure reaching a dependency:
// refused, reset, DNS, timeout.
type NetworkError struct {
	Op    string // e.g. "GET https://www.datos.gov.co/resource"
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// DatabaseError is a failed database or cache operation.
type DatabaseError struct {
	Op    string // e.g. "insert articles"
	Cause error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database failure during %s: %v", e.Op, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// RateLimitError means a downstream dependency told us to slow down
// (HTTP 429 or equivalent). Distinct from our own inbound limiter, which
// denies via a decision, not an error.
type RateLimitError struct {
	Dependency string
	RetryAfter time.Duration // zero when the dependency gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.Dependency, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Dependency)
}

// ScraperError is a failure fetching or parsing a scraped site: layout
// drift, unexpected markup, empty page.
type ScraperError struct {
	Source string // e.g. "el-tiempo"
	Cause  error
}

func (e *ScraperError) Error() string {
	return fmt.Sprintf("scraper %s failed: %v", e.Source, e.Cause)
}

func (e *ScraperError) Unwrap() error { return e.Cause }

// NLPError is a failure in the NLP pipeline (entity extraction,
// classification, embedding).
type NLPError struct {
	Stage string // e.g. "entity-extraction"
	Cause error
}

func (e *NLPError) Error() string {
	return fmt.Sprintf("nlp stage %s failed: %v", e.Stage, e.Cause)
}

func (e *NLPError) Unwrap() error { return e.Cause }

// ValidationError means the input itself is bad. Retrying cannot help.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// AuthError means a dependency rejected our credentials. Reason must be
// a generic description, never the credential material itself.
type AuthError struct {
	Dependency string
	Reason     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %s", e.Dependency, e.Reason)
}
