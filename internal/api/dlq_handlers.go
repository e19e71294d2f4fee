package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/guard"
	"github.com/bjpl/resguardo/internal/infra/storage"
)

const maxListLimit = 500

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := domain.FailedOperationStatus(q.Get("status"))
	switch status {
	case "", domain.FailedOperationPending, domain.FailedOperationResolved, domain.FailedOperationDiscarded:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	ops, err := s.guard.DLQ.List(r.Context(), storage.ListFilter{
		Status:        status,
		OperationType: domain.OperationType(q.Get("type")),
		Limit:         limit,
	})
	if err != nil {
		slog.Error("dead letter listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not list dead letters.")
		return
	}
	if ops == nil {
		ops = []*domain.FailedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.guard.DLQ.Get(r.Context(), id)
	if errors.Is(err, storage.ErrOperationNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no failed operation with id %s", id))
		return
	}
	if err != nil {
		slog.Error("dead letter lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load the operation.")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.guard.DLQ.Replay(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
	case errors.Is(err, storage.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no failed operation with id %s", id))
	case errors.Is(err, guard.ErrNotPending):
		writeError(w, http.StatusConflict, "not_pending", "Only pending operations can be replayed.")
	case errors.Is(err, guard.ErrNoHandler):
		writeError(w, http.StatusConflict, "no_handler", "No replay handler is registered for this operation type.")
	default:
		// The replay ran and failed again; the record stays queued. The
		// classifier's text is safe to surface, the raw error is not.
		verdict := guard.Classify(err)
		msg := verdict.Details
		if msg == "" {
			msg = verdict.Message
		}
		writeError(w, http.StatusBadGateway, "replay_failed", msg)
	}
}

func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.guard.DLQ.Discard(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "discarded"})
	case errors.Is(err, storage.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no failed operation with id %s", id))
	case errors.Is(err, guard.ErrNotPending):
		writeError(w, http.StatusConflict, "not_pending", "Only pending operations can be discarded.")
	default:
		slog.Error("dead letter discard failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not discard the operation.")
	}
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "days parameter is required")
		return
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "days must be a non-negative integer")
		return
	}

	cutoff := s.clk.Now().Add(-time.Duration(days) * 24 * time.Hour)
	purged, err := s.guard.DLQ.PurgeOlderThan(r.Context(), cutoff)
	if err != nil {
		slog.Error("dead letter purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not purge dead letters.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
