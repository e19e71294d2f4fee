// Package api serves the platform's operational HTTP surface: health
// and metrics endpoints, dead letter administration, circuit
// inspection, and the rate limit middleware that fronts every /v1
// route.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bjpl/resguardo/internal/core/clock"
	"github.com/bjpl/resguardo/internal/core/config"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard"
)

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	port   int

	guard   *guard.Guard
	tiers   config.RateLimitConfig
	clk     clock.Clock
	checks  map[string]HealthCheck
	resolve TierResolver
}

// NewServer builds the router. checks maps component names to pings
// reported by /healthz; pass nil to skip component checks.
func NewServer(
	port int,
	g *guard.Guard,
	tiers config.RateLimitConfig,
	clk clock.Clock,
	checks map[string]HealthCheck,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		port:    port,
		guard:   g,
		tiers:   tiers,
		clk:     clk,
		checks:  checks,
		resolve: DefaultResolver,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "The requested resource was not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			"The requested method is not allowed for this resource.")
	})

	// Probes and metrics stay reachable regardless of budgets.
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(s.guard.Limiter, s.resolve))
			r.Get("/limits", s.handleLimits)
			r.Get("/breakers", s.handleBreakers)
			r.Get("/dlq", s.handleDLQList)
			r.Get("/dlq/{id}", s.handleDLQGet)
			r.Post("/dlq/{id}/replay", s.handleDLQReplay)
			r.Delete("/dlq/{id}", s.handleDLQDiscard)
		})

		// Purge sweeps the whole table, so it pays the heavy budget.
		r.With(RateLimit(s.guard.Limiter, ForceTier(domain.TierHeavy, s.resolve))).
			Post("/dlq/purge", s.handleDLQPurge)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting http server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	slog.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
