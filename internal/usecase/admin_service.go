package usecase

import (
	"fmt"
	"log/slog"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const defaultDLQPage = 50

// EntityRuntime is the manager surface admin operations need.
type EntityRuntime interface {
	Deactivate(entityID string) bool
}

// Recoverer runs one reconciliation sweep over stored work.
type Recoverer interface {
	Sweep(ctx domain.Context) (int, error)
}

// AdminServiceDeps collects the ports the admin surface needs.
type AdminServiceDeps struct {
	Jobs    domain.JobStore
	DLQ     domain.DLQStore
	Cache   domain.StateCache
	Router  *JobService
	Runtime EntityRuntime
	Recover Recoverer
}

// AdminService bundles the operator-facing maintenance operations:
// DLQ replay and listing, job resets, and on-demand recovery sweeps.
type AdminService struct {
	deps AdminServiceDeps
}

// NewAdminService wires the admin surface.
func NewAdminService(deps AdminServiceDeps) *AdminService {
	return &AdminService{deps: deps}
}

// Replay re-submits one dead-lettered job and returns the new job id.
func (s *AdminService) Replay(ctx domain.Context, dlqID string) (string, error) {
	return s.deps.Router.Replay(ctx, dlqID)
}

// ResetJob evicts the job's entity from this runner and clears its cached
// state, so the next read and delivery rebuild from Postgres. Unknown job
// ids return ErrNotFound.
func (s *AdminService) ResetJob(ctx domain.Context, jobID string) error {
	rec, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=usecase.ResetJob: %w", err)
	}
	if s.deps.Runtime != nil && s.deps.Runtime.Deactivate(rec.EntityID) {
		slog.Info("entity evicted for job reset",
			slog.String("entity_id", rec.EntityID), slog.String("job_id", jobID))
	}
	if err := s.deps.Cache.DeleteState(ctx, jobID); err != nil {
		return fmt.Errorf("op=usecase.ResetJob: %w", err)
	}
	if err := s.deps.Cache.ClearHeartbeat(ctx, jobID); err != nil {
		slog.Warn("clearing heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return nil
}

// RecoverInFlight runs one recovery sweep and reports how many jobs it
// re-dispatched.
func (s *AdminService) RecoverInFlight(ctx domain.Context) (int, error) {
	n, err := s.deps.Recover.Sweep(ctx)
	if err != nil {
		return n, fmt.Errorf("op=usecase.RecoverInFlight: %w", err)
	}
	return n, nil
}

// ListDLQ pages one tenant's dead-letter entries.
func (s *AdminService) ListDLQ(ctx domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 || limit > defaultDLQPage {
		limit = defaultDLQPage
	}
	entries, err := s.deps.DLQ.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.ListDLQ: %w", err)
	}
	return entries, nil
}
