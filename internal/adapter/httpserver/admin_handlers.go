package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// ReplayHandler re-submits one dead-lettered job as a fresh job.
func (s *Server) ReplayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dlqID := chi.URLParam(r, "dlqID")
		if dlqID == "" {
			writeError(w, r, fmt.Errorf("%w: dlqID missing", domain.ErrValidation), nil)
			return
		}
		jobID, err := s.Admin.Replay(r.Context(), dlqID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("dlq entry replayed by operator",
			slog.String("dlq_id", dlqID), slog.String("job_id", jobID))
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
	}
}

// ResetJobHandler evicts the job's entity and clears its cached state so
// the next read and delivery rebuild from storage.
func (s *Server) ResetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: jobID missing", domain.ErrValidation), nil)
			return
		}
		if err := s.Admin.ResetJob(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job reset by operator", slog.String("job_id", jobID))
		w.WriteHeader(http.StatusNoContent)
	}
}

// RecoverHandler runs one recovery sweep on demand and reports how many
// jobs it re-dispatched.
func (s *Server) RecoverHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Admin.RecoverInFlight(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("recovery sweep triggered by operator", slog.Int("redispatched", n))
		writeJSON(w, http.StatusOK, map[string]int{"redispatched": n})
	}
}

// ListDLQHandler pages one tenant's dead-letter entries, newest first.
func (s *Server) ListDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant")
		if tenantID == "" {
			writeError(w, r, fmt.Errorf("%w: tenant query parameter required", domain.ErrValidation), nil)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation), nil)
				return
			}
			limit = n
		}
		entries, err := s.Admin.ListDLQ(r.Context(), tenantID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if entries == nil {
			entries = []domain.DLQEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}
