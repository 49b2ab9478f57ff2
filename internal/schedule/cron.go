// Package schedule hosts the cluster's time-driven work: cron dispatch,
// singleton task coordination, and the wake sweeper for scheduled jobs.
// Everything here is leader-gated through the shard map, so every runner
// can run the same daemons and exactly one acts.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

// cronLeaderKey elects the cron dispatcher through the shard map.
const cronLeaderKey = "singleton:cron"

// defaultSkipIfOlderThan bounds how stale a fire may be and still run.
const defaultSkipIfOlderThan = 5 * time.Minute

// Locality answers whether this runner owns a cluster-wide key.
// cluster.Ownership satisfies it.
type Locality interface {
	IsLocal(entityID string) bool
}

// Submitter enqueues a job. The job router satisfies it.
type Submitter interface {
	Submit(ctx domain.Context, env domain.JobEnvelope) (domain.SubmitResult, error)
}

// CronEntry is one declared schedule. Fire runs on the leader at every
// matching tick unless the tick is staler than SkipIfOlderThan.
type CronEntry struct {
	Name            string
	Spec            string
	SkipIfOlderThan time.Duration
	Fire            func(ctx context.Context) error
}

// CronRunner dispatches declared schedules on the elected leader. Ticks on
// followers are dropped; a fire delayed past its staleness bound (leader
// handover, process pause) is skipped rather than replayed late.
type CronRunner struct {
	leader Locality
	cron   *cron.Cron

	ctx  context.Context
	stop context.CancelFunc
}

// NewCronRunner creates a runner with no schedules.
func NewCronRunner(leader Locality) *CronRunner {
	return &CronRunner{leader: leader, cron: cron.New()}
}

// Add registers one schedule. Specs are standard five-field cron
// expressions plus the @every/@hourly descriptors.
func (r *CronRunner) Add(e CronEntry) error {
	if e.Name == "" || e.Spec == "" || e.Fire == nil {
		return fmt.Errorf("op=schedule.Add: %w: name, spec and fire are required", domain.ErrValidation)
	}
	if e.SkipIfOlderThan <= 0 {
		e.SkipIfOlderThan = defaultSkipIfOlderThan
	}

	// The entry id is captured so the fire can read its own scheduled
	// activation time (Prev is set before the job runs).
	var id cron.EntryID
	var err error
	id, err = r.cron.AddFunc(e.Spec, func() {
		r.fire(e, r.cron.Entry(id).Prev)
	})
	if err != nil {
		return fmt.Errorf("op=schedule.Add: %w: spec %q: %v", domain.ErrValidation, e.Spec, err)
	}
	slog.Info("cron schedule registered", slog.String("name", e.Name), slog.String("spec", e.Spec))
	return nil
}

// AddAll registers every entry, stopping at the first bad one.
func (r *CronRunner) AddAll(entries []CronEntry) error {
	for _, e := range entries {
		if err := r.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Start begins dispatching until ctx ends.
func (r *CronRunner) Start(ctx context.Context) {
	r.ctx, r.stop = context.WithCancel(ctx)
	r.cron.Start()
	go func() {
		<-r.ctx.Done()
		<-r.cron.Stop().Done()
		slog.Info("cron runner stopped")
	}()
}

// Stop halts dispatching and waits for in-flight fires.
func (r *CronRunner) Stop() {
	if r.stop != nil {
		r.stop()
	}
}

func (r *CronRunner) fire(e CronEntry, scheduled time.Time) {
	if !r.leader.IsLocal(cronLeaderKey) {
		return
	}
	if !scheduled.IsZero() && time.Since(scheduled) > e.SkipIfOlderThan {
		observability.CronDispatchTotal.WithLabelValues(e.Name, "stale").Inc()
		slog.Warn("skipping stale cron fire",
			slog.String("name", e.Name), slog.Time("scheduled", scheduled))
		return
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	tracer := otel.Tracer("schedule.cron")
	ctx, span := tracer.Start(ctx, "cron.fire")
	defer span.End()
	span.SetAttributes(attribute.String("cron.name", e.Name))

	if err := e.Fire(ctx); err != nil {
		observability.CronDispatchTotal.WithLabelValues(e.Name, "error").Inc()
		slog.Error("cron fire failed", slog.String("name", e.Name), slog.Any("error", err))
		return
	}
	observability.CronDispatchTotal.WithLabelValues(e.Name, "ok").Inc()
}
