package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bjpl/resguardo/internal/core/domain"
)

func TestClassify_TypedErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       Kind
		class      Class
		severity   Severity
		retryable  bool
		countsBrkr bool
	}{
		{
			name:       "network",
			err:        &domain.NetworkError{Op: "GET https://example.gov.co", Cause: errors.New("connection refused")},
			kind:       KindNetwork,
			class:      ClassTransient,
			severity:   SeverityMedium,
			retryable:  true,
			countsBrkr: true,
		},
		{
			name:       "database",
			err:        &domain.DatabaseError{Op: "insert articles", Cause: errors.New("deadlock detected")},
			kind:       KindDatabase,
			class:      ClassRecoverable,
			severity:   SeverityHigh,
			retryable:  true,
			countsBrkr: true,
		},
		{
			name:       "downstream rate limit does not count toward breaker",
			err:        &domain.RateLimitError{Dependency: "datos-gov", RetryAfter: 30 * time.Second},
			kind:       KindRateLimit,
			class:      ClassRecoverable,
			severity:   SeverityLow,
			retryable:  true,
			countsBrkr: false,
		},
		{
			name:       "scraper",
			err:        &domain.ScraperError{Source: "el-tiempo", Cause: errors.New("article list selector empty")},
			kind:       KindScraper,
			class:      ClassTransient,
			severity:   SeverityMedium,
			retryable:  true,
			countsBrkr: true,
		},
		{
			name:       "nlp",
			err:        &domain.NLPError{Stage: "entity-extraction", Cause: errors.New("model worker busy")},
			kind:       KindNLP,
			class:      ClassRecoverable,
			severity:   SeverityMedium,
			retryable:  true,
			countsBrkr: true,
		},
		{
			name:       "validation",
			err:        &domain.ValidationError{Field: "published_at", Reason: "not a date"},
			kind:       KindValidation,
			class:      ClassPermanent,
			severity:   SeverityLow,
			retryable:  false,
			countsBrkr: false,
		},
		{
			name:       "auth",
			err:        &domain.AuthError{Dependency: "secop-api", Reason: "key rejected"},
			kind:       KindAuth,
			class:      ClassPermanent,
			severity:   SeverityHigh,
			retryable:  false,
			countsBrkr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Class != tt.class {
				t.Errorf("Class = %v, want %v", got.Class, tt.class)
			}
			if got.Severity != tt.severity {
				t.Errorf("Severity = %v, want %v", got.Severity, tt.severity)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.CountsTowardBreaker != tt.countsBrkr {
				t.Errorf("CountsTowardBreaker = %v, want %v", got.CountsTowardBreaker, tt.countsBrkr)
			}
		})
	}
}

func TestClassify_WrappedTypedError(t *testing.T) {
	inner := &domain.ScraperError{Source: "portafolio", Cause: errors.New("empty body")}
	err := fmt.Errorf("pipeline stage failed: %w", inner)

	got := Classify(err)
	if got.Kind != KindScraper {
		t.Errorf("Kind = %v, want %v", got.Kind, KindScraper)
	}
}

func TestClassify_PlainErrorHeuristics(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{errors.New("429 Too Many Requests"), KindRateLimit},
		{errors.New("upstream rate limit exceeded"), KindRateLimit},
		{errors.New("403 Forbidden"), KindAuth},
		{errors.New("unauthorized"), KindAuth},
		{errors.New("dial tcp: connection refused"), KindNetwork},
		{errors.New("read: connection reset by peer"), KindNetwork},
		{errors.New("lookup api.example.co: no such host"), KindNetwork},
		{errors.New("something else entirely"), KindUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got.Kind != tt.kind {
			t.Errorf("Classify(%q).Kind = %v, want %v", tt.err, got.Kind, tt.kind)
		}
	}
}

func TestClassify_UnknownDefaultsToRetryable(t *testing.T) {
	got := Classify(errors.New("something else entirely"))
	if !got.Retryable {
		t.Error("unknown errors should stay retryable")
	}
	if !got.CountsTowardBreaker {
		t.Error("unknown errors should count toward the breaker")
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	if got := Classify(context.Canceled); got.Retryable {
		t.Error("canceled operations must not be retried")
	}
	got := Classify(context.DeadlineExceeded)
	if got.Kind != KindNetwork {
		t.Errorf("deadline expiry Kind = %v, want %v", got.Kind, KindNetwork)
	}
}

func TestClassify_AuthDetailsAreSanitized(t *testing.T) {
	raw := errors.New(`401 Unauthorized: header "Authorization: Bearer sk-secret"`)
	got := Classify(raw)
	if got.Kind != KindAuth {
		t.Fatalf("Kind = %v, want %v", got.Kind, KindAuth)
	}
	if got.Details != "" {
		t.Errorf("raw auth error details must be dropped, got %q", got.Details)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got.Kind != "" || got.Retryable {
		t.Errorf("Classify(nil) = %+v, want zero verdict", got)
	}
}
