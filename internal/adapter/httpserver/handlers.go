// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST surface of the engine: job submission, status and
// cancel, the SSE progress and event streams, and the token-guarded admin
// group. The package keeps a clear separation between HTTP concerns and the
// usecase services behind them.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

const (
	// maxSubmitBytes caps a single submit body; maxBatchBytes a batch.
	maxSubmitBytes = 1 << 20
	maxBatchBytes  = 4 << 20

	// maxBatchItems bounds one batch submit.
	maxBatchItems = 100

	readyProbeTimeout = 2 * time.Second
)

// ReadyCheck is one named readiness probe run by ReadyzHandler.
type ReadyCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// TenantLimiter gates submits per tenant. The Redis Lua limiter satisfies
// it; a nil limiter disables the gate.
type TenantLimiter interface {
	Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg   config.Config
	Jobs  *usecase.JobService
	Admin *usecase.AdminService
	Limit TenantLimiter
	Ready []ReadyCheck
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs *usecase.JobService, admin *usecase.AdminService, limit TenantLimiter, ready []ReadyCheck) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Admin: admin, Limit: limit, Ready: ready}
}

// negotiateJSON rejects requests whose Accept header excludes JSON.
func negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "VALIDATION", Message: "not acceptable", Details: map[string]any{"accept": a}}})
	return false
}

// clientIP resolves the submitting address, preferring the first
// X-Forwarded-For hop when a proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{Code: "VALIDATION", Message: "payload too large", Details: map[string]any{"max_bytes": limit}}})
			return err
		}
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrValidation), nil)
		return err
	}
	return nil
}

// checkTenantBudget runs the per-tenant submit limiter. A limiter error
// fails open; a denial writes the 429 response itself.
func (s *Server) checkTenantBudget(w http.ResponseWriter, r *http.Request, tenantID string, cost int64) bool {
	if s.Limit == nil || tenantID == "" {
		return true
	}
	allowed, wait, err := s.Limit.Allow(r.Context(), "tenant:"+tenantID, cost)
	if err != nil {
		LoggerFrom(r).Warn("tenant limiter degraded", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	writeError(w, r, fmt.Errorf("%w: tenant %s over submit budget", domain.ErrRateLimited, tenantID),
		map[string]any{"retry_after_ms": wait.Milliseconds()})
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SubmitHandler accepts one job envelope and routes it.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var env domain.JobEnvelope
		if err := decodeBody(w, r, maxSubmitBytes, &env); err != nil {
			return
		}
		if !s.checkTenantBudget(w, r, env.TenantID, 1) {
			return
		}

		res, err := s.Jobs.Submit(r.Context(), env)
		if err != nil {
			if res.JobID == "" {
				writeError(w, r, err, nil)
				return
			}
			// The row is durable; the recovery sweep re-dispatches it.
			LoggerFrom(r).Warn("job accepted, delivery deferred",
				slog.String("job_id", res.JobID), slog.Any("error", err))
			writeJSON(w, http.StatusAccepted, res)
			return
		}
		LoggerFrom(r).Info("job submitted",
			slog.String("job_id", res.JobID), slog.String("tenant_id", env.TenantID),
			slog.String("type", env.Type), slog.Bool("duplicate", res.Duplicate),
			slog.String("client_ip", clientIP(r)))
		writeJSON(w, http.StatusOK, res)
	}
}

// SubmitBatchHandler accepts a batch of envelopes under one batch id.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	type batchRequest struct {
		Jobs []domain.JobEnvelope `json:"jobs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		var req batchRequest
		if err := decodeBody(w, r, maxBatchBytes, &req); err != nil {
			return
		}
		if len(req.Jobs) == 0 {
			writeError(w, r, fmt.Errorf("%w: empty batch", domain.ErrValidation), nil)
			return
		}
		if len(req.Jobs) > maxBatchItems {
			writeError(w, r, fmt.Errorf("%w: batch exceeds %d items", domain.ErrValidation, maxBatchItems), map[string]any{"max_items": maxBatchItems})
			return
		}

		perTenant := make(map[string]int64)
		for i := range req.Jobs {
			perTenant[req.Jobs[i].TenantID]++
		}
		for tenantID, cost := range perTenant {
			if !s.checkTenantBudget(w, r, tenantID, cost) {
				return
			}
		}

		results, err := s.Jobs.SubmitBatch(r.Context(), req.Jobs)
		if err != nil {
			accepted := false
			for _, res := range results {
				if res.JobID != "" {
					accepted = true
					break
				}
			}
			if !accepted {
				writeError(w, r, err, nil)
				return
			}
			LoggerFrom(r).Warn("batch partially accepted", slog.Int("items", len(req.Jobs)), slog.Any("error", err))
			writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
			return
		}
		LoggerFrom(r).Info("batch submitted",
			slog.Int("items", len(req.Jobs)), slog.String("client_ip", clientIP(r)))
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// StatusHandler returns the job's state view. Unknown ids read as a queued
// job with no history; the endpoint never 404s.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: jobID missing", domain.ErrValidation), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Jobs.Status(r.Context(), jobID))
	}
}

// CancelHandler stops a job. Finished jobs conflict, unknown ids 404.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: jobID missing", domain.ErrValidation), nil)
			return
		}
		if err := s.Jobs.Cancel(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler runs the wired readiness probes and reports per-check state.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()
		checks := make([]check, 0, len(s.Ready))
		ok := true
		for _, c := range s.Ready {
			if err := c.Probe(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, OK: false, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
