package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck pings one backing component.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 5 * time.Second

type componentStatus struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
}

// handleHealth reports overall liveness. A component failing its ping
// degrades the report; details go to the log, never the response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     "healthy",
		Components: make(map[string]componentStatus, len(s.checks)),
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = componentStatus{Status: "down"}
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = componentStatus{Status: "up"}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.guard.Breakers.Snapshot(r.Context())
	if err != nil {
		slog.Error("circuit snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load circuit state.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": circuits,
		"count":    len(circuits),
	})
}

type tierBody struct {
	Name      string `json:"name"`
	PerMinute int    `json:"per_minute"`
	PerHour   int    `json:"per_hour"`
	FailMode  string `json:"fail_mode"`
}

// handleLimits exposes the configured budgets so dashboard clients can
// render their quota without probing for a 429.
func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	tiers := make([]tierBody, 0, len(s.tiers.Tiers))
	for _, t := range s.tiers.Tiers {
		tiers = append(tiers, tierBody{
			Name:      t.Name,
			PerMinute: t.PerMinute,
			PerHour:   t.PerHour,
			FailMode:  t.FailMode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": tiers})
}
