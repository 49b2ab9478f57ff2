package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const recoveryPage = 100

// Deliverer re-dispatches a job record to its entity. The cluster
// dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx domain.Context, rec domain.JobRecord) error
}

// Locality answers whether this runner owns an entity's shard.
type Locality interface {
	IsLocal(entityID string) bool
}

// RecoveryDeps collects the ports the recovery sweep needs.
type RecoveryDeps struct {
	Jobs     domain.JobStore
	DLQ      domain.DLQStore
	Cache    domain.StateCache
	Bus      domain.EventPublisher
	Dispatch Deliverer
	Local    Locality
	IDs      domain.IDGenerator
}

// Recovery re-activates entities that still have pending work in Postgres:
// queued rows whose delivery was lost and processing rows whose runner
// died. Every runner sweeps, but each only touches entities it owns, so a
// row is re-dispatched once cluster-wide. A local row that stays stale past
// abandonAfter and still cannot be delivered is failed and dead-lettered.
type Recovery struct {
	deps         RecoveryDeps
	staleAfter   time.Duration
	abandonAfter time.Duration
	interval     time.Duration
}

// NewRecovery creates the sweeper. Non-positive durations fall back to
// 2m stale age, 30m abandon age, and a 1m sweep interval.
func NewRecovery(deps RecoveryDeps, staleAfter, abandonAfter, interval time.Duration) *Recovery {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if abandonAfter <= staleAfter {
		abandonAfter = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Recovery{deps: deps, staleAfter: staleAfter, abandonAfter: abandonAfter, interval: interval}
}

// Run sweeps once at startup and then on every tick until ctx ends.
func (r *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.Sweep(ctx); err != nil {
		slog.Error("startup recovery sweep failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery sweeper stopping")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("recovery sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one full reconciliation pass and reports how many jobs it
// re-dispatched. The oldest stuck processing rows go first, then a keyset
// poll over everything unfinished.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	tracer := otel.Tracer("app.recovery")
	ctx, span := tracer.Start(ctx, "Recovery.Sweep")
	defer span.End()

	seen := make(map[string]struct{})
	redispatched := 0

	cutoff := time.Now().Add(-r.staleAfter)
	stale, err := r.deps.Jobs.ListStaleProcessing(ctx, cutoff, recoveryPage)
	if err != nil {
		return 0, fmt.Errorf("op=app.Sweep: %w", err)
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return redispatched, ctx.Err()
		}
		if r.recoverRow(ctx, rec, seen) {
			redispatched++
		}
	}

	after := ""
	for {
		recs, err := r.deps.Jobs.ListUnfinished(ctx, after, recoveryPage)
		if err != nil {
			return redispatched, fmt.Errorf("op=app.Sweep: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return redispatched, ctx.Err()
			}
			if r.recoverRow(ctx, rec, seen) {
				redispatched++
			}
		}
		after = recs[len(recs)-1].JobID
		if len(recs) < recoveryPage {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.checked", len(seen)),
		attribute.Int("jobs.redispatched", redispatched),
	)
	if redispatched > 0 {
		slog.Info("recovery sweep re-dispatched jobs", slog.Int("count", redispatched))
	}
	return redispatched, nil
}

// recoverRow applies the per-row rules and reports whether it re-dispatched.
func (r *Recovery) recoverRow(ctx context.Context, rec domain.JobRecord, seen map[string]struct{}) bool {
	if _, done := seen[rec.JobID]; done {
		return false
	}
	seen[rec.JobID] = struct{}{}

	if !r.deps.Local.IsLocal(rec.EntityID) {
		observability.RecoverySweepTotal.WithLabelValues("skip_remote").Inc()
		return false
	}
	now := time.Now()
	if rec.Status == domain.JobQueued && rec.ScheduledAt != nil && rec.ScheduledAt.After(now) {
		// The wake sweeper owns durable sleeps.
		observability.RecoverySweepTotal.WithLabelValues("skip_scheduled").Inc()
		return false
	}
	age := now.Sub(rec.UpdatedAt)
	if age < r.staleAfter {
		observability.RecoverySweepTotal.WithLabelValues("skip_fresh").Inc()
		return false
	}
	if rec.Status == domain.JobProcessing {
		alive, err := r.deps.Cache.HeartbeatAlive(ctx, rec.JobID)
		if err != nil {
			slog.Warn("heartbeat probe failed, re-dispatching anyway",
				slog.String("job_id", rec.JobID), slog.Any("error", err))
		}
		if alive {
			observability.RecoverySweepTotal.WithLabelValues("skip_live").Inc()
			return false
		}
	}

	err := r.deps.Dispatch.Deliver(ctx, rec)
	if err == nil {
		observability.RecoverySweepTotal.WithLabelValues("redispatch").Inc()
		slog.Info("orphaned job re-dispatched",
			slog.String("job_id", rec.JobID), slog.String("entity_id", rec.EntityID),
			slog.String("status", string(rec.Status)))
		return true
	}

	if rec.Status == domain.JobProcessing && age >= r.abandonAfter {
		r.abandon(ctx, rec, err)
		observability.RecoverySweepTotal.WithLabelValues("abandon").Inc()
		return false
	}
	observability.RecoverySweepTotal.WithLabelValues("error").Inc()
	slog.Warn("re-dispatching orphaned job failed",
		slog.String("job_id", rec.JobID), slog.String("entity_id", rec.EntityID),
		slog.Any("error", err))
	return false
}

// abandon is the sweeper's compensation path for rows nothing can run
// anymore: persist failed, dead-letter, emit events. Best-effort; the next
// sweep retries whatever did not land.
func (r *Recovery) abandon(ctx context.Context, rec domain.JobRecord, cause error) {
	cctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	msg := fmt.Sprintf("runner lost and re-dispatch failed: %v", cause)
	entry := domain.HistoryEntry{Status: domain.JobFailed, Timestamp: now, Error: msg}

	applied, err := r.deps.Jobs.ApplyTransition(cctx, rec.JobID, domain.JobProcessing, domain.TransitionUpdate{
		To:        domain.JobFailed,
		Entry:     entry,
		LastError: &msg,
	})
	if err != nil || !applied {
		slog.Error("abandoning orphaned job did not apply",
			slog.String("job_id", rec.JobID), slog.Bool("applied", applied), slog.Any("error", err))
		return
	}
	rec.Status = domain.JobFailed
	rec.LastError = msg
	rec.History = append(rec.History, entry)
	rec.UpdatedAt = now

	if err := r.deps.Cache.SetState(cctx, rec.State()); err != nil {
		slog.Warn("caching abandoned job state failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
	if err := r.deps.Cache.ClearHeartbeat(cctx, rec.JobID); err != nil {
		slog.Warn("clearing heartbeat failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}

	shared := domain.JobStatusEvent{
		ID:       r.deps.IDs.Next(),
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Status:   domain.JobFailed,
		Error:    msg,
		At:       now,
	}
	if err := r.deps.Bus.PublishStatus(cctx, shared); err != nil {
		slog.Warn("publishing status event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
	lifecycle := domain.JobLifecycleEvent{
		ID:       r.deps.IDs.Next(),
		Kind:     domain.LifecycleFailed,
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Error:    msg,
		At:       now,
	}
	if err := r.deps.Bus.PublishLifecycle(cctx, lifecycle); err != nil {
		slog.Warn("publishing lifecycle event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}

	dlqEntry := domain.DLQEntry{
		ID:           domain.DLQEntryID(rec.JobID),
		TenantID:     rec.TenantID,
		Source:       domain.DLQSourceJob,
		SourceID:     rec.JobID,
		Type:         rec.Type,
		Payload:      rec.Payload,
		ErrorReason:  domain.ReasonForError(cause),
		ErrorHistory: domain.HistoryErrors(rec.History),
		CreatedAt:    now,
	}
	switch err := r.deps.DLQ.Insert(cctx, dlqEntry); {
	case err == nil:
		observability.DeadLetterJob(rec.Type)
	case errors.Is(err, domain.ErrDedupeConflict):
		slog.Info("dead-letter entry already recorded", slog.String("job_id", rec.JobID))
	default:
		slog.Error("dead-letter insert failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}

	observability.FailJob(rec.Type)
	slog.Error("orphaned job abandoned",
		slog.String("job_id", rec.JobID), slog.String("type", rec.Type),
		slog.Int("attempts", rec.Attempts), slog.String("error", msg))
}
