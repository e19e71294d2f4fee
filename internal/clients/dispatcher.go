// Package clients dispatches queued operations back to the platform
// services that execute them: the scraper fleet, the government API
// ingester and the NLP pipeline. Every dispatch runs through the same
// guarded path as live traffic, so replays respect circuits and retry
// budgets instead of hammering a dependency that is still down.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard"
)

const (
	requestTimeout = 30 * time.Second
	// maxErrorBody bounds how much of a service's error response is
	// carried into dead letter records.
	maxErrorBody = 256
)

// service is one replay target.
type service struct {
	name       string
	dependency string
	category   string
	opType     domain.OperationType
	url        string
}

// Dispatcher posts queued payloads to the services that originally
// failed to process them.
type Dispatcher struct {
	guard    *guard.Guard
	client   *http.Client
	services []service
}

func NewDispatcher(g *guard.Guard, cfg config.ServicesConfig) *Dispatcher {
	return &Dispatcher{
		guard: g,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		services: []service{
			{
				name:       "scraper",
				dependency: "svc:scraper",
				category:   "scrape",
				opType:     domain.OperationScrapeSource,
				url:        cfg.ScraperURL,
			},
			{
				name:       "api-ingest",
				dependency: "svc:api-ingest",
				category:   "api_fetch",
				opType:     domain.OperationFetchAPI,
				url:        cfg.APIURL,
			},
			{
				name:       "nlp",
				dependency: "svc:nlp",
				category:   "nlp_batch",
				opType:     domain.OperationNLPBatch,
				url:        cfg.NLPURL,
			},
		},
	}
}

// RegisterHandlers wires a replay handler for every service with a
// configured URL. Types left unwired keep their records queued until an
// operator intervenes.
func (d *Dispatcher) RegisterHandlers(queue *guard.Queue) {
	for _, svc := range d.services {
		if svc.url == "" {
			slog.Warn("replay disabled, no service url configured",
				"operation_type", svc.opType, "service", svc.name)
			continue
		}
		queue.RegisterHandler(svc.opType, d.handler(svc))
	}
}

// Dependencies lists the breaker ids replays run under, for warming the
// registry at startup.
func (d *Dispatcher) Dependencies() []string {
	ids := make([]string, 0, len(d.services))
	for _, svc := range d.services {
		if svc.url != "" {
			ids = append(ids, svc.dependency)
		}
	}
	return ids
}

func (d *Dispatcher) handler(svc service) guard.ReplayHandler {
	return func(ctx context.Context, payload json.RawMessage) error {
		// Replays never re-enqueue: the record being replayed already
		// holds this payload.
		return d.guard.For(svc.dependency).Do(ctx, svc.category, nil,
			func(ctx context.Context) error {
				return d.post(ctx, svc, payload)
			})
	}
}

func (d *Dispatcher) post(ctx context.Context, svc service, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// A canceled caller says nothing about the service's health.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.NetworkError{Op: "POST " + svc.url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return d.statusError(svc, resp, body)
}

// statusError maps a non-2xx response to the typed error whose handling
// profile fits: 429 backs off without tripping the circuit, auth and
// validation rejections stop retrying, anything else is treated as the
// service being unhealthy.
func (d *Dispatcher) statusError(svc service, resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Dependency: svc.dependency,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{
			Dependency: svc.dependency,
			Reason:     fmt.Sprintf("replay rejected with status %d", resp.StatusCode),
		}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &domain.ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("%s service rejected it: %s", svc.name, snippet(body)),
		}
	default:
		return fmt.Errorf("%s service returned http %d", svc.name, resp.StatusCode)
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no detail"
	}
	return s
}
