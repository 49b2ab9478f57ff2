// Package usecase contains the application services around the entity
// runtime: the job router, the status event gateway, and the operator
// admin surface.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
)

const (
	// Delivery retry budget for transient routing failures. The row is
	// durable before the first send, so exhaustion leaves the job queued
	// for the recovery sweep rather than losing it.
	deliverRetryMax  = 3
	deliverRetryBase = 200 * time.Millisecond
	deliverRetryCap  = 5 * time.Second

	progressStreamBuf = 16
)

// Dispatcher moves deliveries and cancels to the runner that owns the
// target entity. cluster.Dispatcher satisfies it.
type Dispatcher interface {
	Deliver(ctx domain.Context, rec domain.JobRecord) error
	CancelInFlight(ctx domain.Context, entityID, jobID string) (bool, error)
}

// HandlerRegistry is the mutable side of the handler registry.
type HandlerRegistry interface {
	Register(jobType string, h domain.Handler) error
}

// JobServiceDeps collects the ports the router needs.
type JobServiceDeps struct {
	Jobs     domain.JobStore
	DLQ      domain.DLQStore
	Cache    domain.StateCache
	Bus      domain.EventPublisher
	IDs      domain.IDGenerator
	Handlers HandlerRegistry
	Dispatch Dispatcher
	Hub      *entity.ProgressHub
	Events   *EventGateway
}

// JobService is the router: the submit, cancel, status, and progress entry
// point of the engine. It creates job records and routes them to entities;
// it never mutates a record past creation, that is the owning entity's job.
type JobService struct {
	deps     JobServiceDeps
	validate *validator.Validate
	slots    map[domain.Priority]*atomic.Uint64
}

// NewJobService wires the router.
func NewJobService(deps JobServiceDeps) *JobService {
	slots := make(map[domain.Priority]*atomic.Uint64, 4)
	for _, p := range []domain.Priority{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		slots[p] = &atomic.Uint64{}
	}
	return &JobService{deps: deps, validate: validator.New(), slots: slots}
}

// Submit validates the envelope, persists the job, and delivers it to its
// entity. The returned result carries the job id even when delivery failed
// after retries: the record is durable and the recovery sweep re-dispatches
// it, so only the error signals the degraded path.
func (s *JobService) Submit(ctx domain.Context, env domain.JobEnvelope) (domain.SubmitResult, error) {
	env.Normalize()
	if err := s.validateEnvelope(env); err != nil {
		return domain.SubmitResult{}, err
	}

	if env.DedupeKey != "" {
		existing, err := s.deps.Jobs.FindActiveByDedupeKey(ctx, env.TenantID, env.DedupeKey)
		if err == nil {
			return domain.SubmitResult{JobID: existing.JobID, Duplicate: true}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.SubmitResult{}, fmt.Errorf("op=usecase.Submit: %w", err)
		}
	}

	rec := s.newRecord(env)
	if err := s.deps.Jobs.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDedupeConflict) && env.DedupeKey != "" {
			// Lost the insert race; the winner owns the key.
			if dup, derr := s.deps.Jobs.FindActiveByDedupeKey(ctx, env.TenantID, env.DedupeKey); derr == nil {
				return domain.SubmitResult{JobID: dup.JobID, Duplicate: true}, nil
			}
		}
		return domain.SubmitResult{}, fmt.Errorf("op=usecase.Submit: %w", err)
	}

	if err := s.deps.Cache.SetState(ctx, rec.State()); err != nil {
		slog.Warn("caching job state failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
	s.publishQueued(ctx, rec)
	observability.EnqueueJob(rec.Type, string(rec.Priority))

	if err := s.deliver(ctx, rec); err != nil {
		slog.Warn("delivery failed, job left queued for recovery",
			slog.String("job_id", rec.JobID), slog.String("entity_id", rec.EntityID),
			slog.Any("error", err))
		return domain.SubmitResult{JobID: rec.JobID}, fmt.Errorf("op=usecase.Submit: %w", err)
	}
	return domain.SubmitResult{JobID: rec.JobID}, nil
}

// SubmitBatch submits every envelope concurrently under one batch id.
// Envelope dedupe keys are suffixed with the item index so items dedupe
// individually across batch replays.
func (s *JobService) SubmitBatch(ctx domain.Context, envs []domain.JobEnvelope) ([]domain.SubmitResult, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("op=usecase.SubmitBatch: %w: empty batch", domain.ErrValidation)
	}
	batchID := uuid.NewString()
	results := make([]domain.SubmitResult, len(envs))
	errs := make([]error, len(envs))
	var wg sync.WaitGroup
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item := envs[i]
			item.BatchID = batchID
			if item.DedupeKey != "" {
				item.DedupeKey = fmt.Sprintf("%s:%d", item.DedupeKey, i)
			}
			results[i], errs[i] = s.Submit(ctx, item)
		}(i)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// Status returns the job's state view, cache first. It never fails: an
// unknown id reads as a queued job with no history, and a degraded backend
// degrades to the same default after logging.
func (s *JobService) Status(ctx domain.Context, jobID string) domain.JobState {
	st, ok, err := s.deps.Cache.GetState(ctx, jobID)
	if err != nil {
		slog.Warn("state cache read failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	if ok {
		observability.CacheHit("job_state")
		return st
	}
	observability.CacheMiss("job_state")

	rec, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("status read failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return domain.DefaultJobState(jobID)
	}
	st = rec.State()
	if cerr := s.deps.Cache.SetState(ctx, st); cerr != nil {
		slog.Warn("caching job state failed", slog.String("job_id", jobID), slog.Any("error", cerr))
	}
	return st
}

// Progress streams a job's progress updates: the most recent persisted
// value first, then live updates until the job goes terminal or ctx ends.
// Live updates flow on the runner that hosts the entity; elsewhere the
// stream carries the persisted snapshot only.
func (s *JobService) Progress(ctx domain.Context, jobID string) <-chan domain.Progress {
	out := make(chan domain.Progress, progressStreamBuf)

	st := s.Status(ctx, jobID)
	if st.Status == domain.JobFailed || domain.IsTerminalStatus(st.Status) {
		go func() {
			defer close(out)
			if st.Progress != nil {
				out <- *st.Progress
			}
		}()
		return out
	}

	backlog, live, cancelSub := s.deps.Hub.Subscribe(jobID)
	go func() {
		defer close(out)
		defer cancelSub()
		if len(backlog) == 0 {
			if p, ok, err := s.deps.Cache.GetLastProgress(ctx, jobID); err == nil && ok {
				backlog = []domain.Progress{p}
			}
		}
		for _, p := range backlog {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Cancel stops a job: an in-flight attempt is interrupted through its
// owner, a waiting row is cancelled in place. Finished jobs return
// ErrAlreadyCancelled, unknown ids ErrNotFound.
func (s *JobService) Cancel(ctx domain.Context, jobID string) error {
	rec, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Cancel: %w", err)
	}

	switch rec.Status {
	case domain.JobComplete, domain.JobCancelled, domain.JobFailed:
		return fmt.Errorf("op=usecase.Cancel: %w: job is %s", domain.ErrAlreadyCancelled, rec.Status)
	case domain.JobProcessing:
		interrupted, cerr := s.deps.Dispatch.CancelInFlight(ctx, rec.EntityID, rec.JobID)
		if cerr != nil {
			slog.Warn("in-flight cancel dispatch failed, cancelling row",
				slog.String("job_id", jobID), slog.Any("error", cerr))
		}
		if interrupted {
			// The owning entity persists the cancelled status itself.
			return nil
		}
	}
	return s.cancelRow(ctx, rec)
}

// cancelRow CASes a non-executing job to cancelled and performs the
// terminal effects the owning entity would have done.
func (s *JobService) cancelRow(ctx domain.Context, rec domain.JobRecord) error {
	now := time.Now().UTC()
	entry := domain.HistoryEntry{Status: domain.JobCancelled, Timestamp: now}
	applied, err := s.deps.Jobs.ApplyTransition(ctx, rec.JobID, rec.Status, domain.TransitionUpdate{
		To:          domain.JobCancelled,
		Entry:       entry,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("op=usecase.Cancel: %w", err)
	}
	if !applied {
		cur, gerr := s.deps.Jobs.Get(ctx, rec.JobID)
		if gerr != nil {
			return fmt.Errorf("op=usecase.Cancel: %w", gerr)
		}
		if cur.Status == domain.JobCancelled || cur.Status == domain.JobComplete || cur.Status == domain.JobFailed {
			return fmt.Errorf("op=usecase.Cancel: %w: job is %s", domain.ErrAlreadyCancelled, cur.Status)
		}
		return fmt.Errorf("op=usecase.Cancel: %w: job moved to %s", domain.ErrProcessing, cur.Status)
	}

	rec.Status = domain.JobCancelled
	rec.History = append(rec.History, entry)
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	if cerr := s.deps.Cache.SetState(ctx, rec.State()); cerr != nil {
		slog.Warn("caching job state failed", slog.String("job_id", rec.JobID), slog.Any("error", cerr))
	}
	if herr := s.deps.Cache.ClearHeartbeat(ctx, rec.JobID); herr != nil {
		slog.Warn("clearing heartbeat failed", slog.String("job_id", rec.JobID), slog.Any("error", herr))
	}
	s.publishCancelled(ctx, rec)
	observability.CancelJob(rec.Type, false)
	slog.Info("job cancelled", slog.String("job_id", rec.JobID), slog.String("tenant_id", rec.TenantID))
	return nil
}

// RegisterHandler binds a handler to a job type on this runner.
func (s *JobService) RegisterHandler(jobType string, h domain.Handler) error {
	return s.deps.Handlers.Register(jobType, h)
}

// Replay re-submits one dead-lettered job as a fresh normal-priority job
// and returns the new job id. The DLQ entry is marked replayed before the
// submit; a submit that failed to create the row clears the mark again so
// the watcher can retry.
func (s *JobService) Replay(ctx domain.Context, dlqID string) (string, error) {
	dlqEntry, err := s.deps.DLQ.Get(ctx, dlqID)
	if err != nil {
		return "", fmt.Errorf("op=usecase.Replay: %w", err)
	}
	if err := s.deps.DLQ.MarkReplayed(ctx, dlqID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=usecase.Replay: %w", err)
	}

	res, err := s.Submit(ctx, domain.JobEnvelope{
		Type:     dlqEntry.Type,
		Payload:  dlqEntry.Payload,
		TenantID: dlqEntry.TenantID,
		Priority: domain.PriorityNormal,
	})
	if err != nil && res.JobID == "" {
		if cerr := s.deps.DLQ.ClearReplayed(ctx, dlqID); cerr != nil {
			slog.Warn("clearing replay mark failed", slog.String("dlq_id", dlqID), slog.Any("error", cerr))
		}
		observability.ReplayDLQEntry("error")
		return "", fmt.Errorf("op=usecase.Replay: %w", err)
	}
	if err != nil {
		slog.Warn("replayed job delivery deferred to recovery",
			slog.String("dlq_id", dlqID), slog.String("job_id", res.JobID), slog.Any("error", err))
	}
	observability.ReplayDLQEntry("ok")
	slog.Info("dead-letter entry replayed",
		slog.String("dlq_id", dlqID), slog.String("job_id", res.JobID),
		slog.String("tenant_id", dlqEntry.TenantID))
	return res.JobID, nil
}

// OnStatusChange taps the engine-wide status event stream.
func (s *JobService) OnStatusChange(ctx domain.Context) (<-chan domain.JobStatusEvent, error) {
	if s.deps.Events == nil {
		return nil, fmt.Errorf("op=usecase.OnStatusChange: %w: no event stream wired", domain.ErrRunnerUnavailable)
	}
	return s.deps.Events.Subscribe(ctx), nil
}

func (s *JobService) validateEnvelope(env domain.JobEnvelope) error {
	if err := s.validate.Struct(env); err != nil {
		return fmt.Errorf("op=usecase.validate: %w: %v", domain.ErrValidation, err)
	}
	if !domain.ValidPriority(env.Priority) {
		return fmt.Errorf("op=usecase.validate: %w: unknown priority %q", domain.ErrValidation, env.Priority)
	}
	if env.MaxAttempts < 0 {
		return fmt.Errorf("op=usecase.validate: %w: negative max_attempts", domain.ErrValidation)
	}
	if env.Duration != domain.DurationShort && env.Duration != domain.DurationLong {
		return fmt.Errorf("op=usecase.validate: %w: unknown duration %q", domain.ErrValidation, env.Duration)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return fmt.Errorf("op=usecase.validate: %w: payload is not valid JSON", domain.ErrValidation)
	}
	return nil
}

func (s *JobService) newRecord(env domain.JobEnvelope) domain.JobRecord {
	now := time.Now().UTC()
	return domain.JobRecord{
		JobID:       s.deps.IDs.Next(),
		TenantID:    env.TenantID,
		Type:        env.Type,
		Status:      domain.JobQueued,
		MaxAttempts: env.MaxAttempts,
		Payload:     env.Payload,
		Priority:    env.Priority,
		EntityID:    s.nextSlot(env.Priority),
		History:     []domain.HistoryEntry{{Status: domain.JobQueued, Timestamp: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
		DedupeKey:   env.DedupeKey,
		BatchID:     env.BatchID,
		ScheduledAt: env.ScheduledAt,
		Duration:    env.Duration,
	}
}

// nextSlot spreads a priority's jobs over its entity slots round-robin.
// More slots means more parallel mailboxes for that priority.
func (s *JobService) nextSlot(p domain.Priority) string {
	n := s.slots[p].Add(1) - 1
	return fmt.Sprintf("job-%s-%d", p, n%uint64(domain.SlotsFor(p)))
}

// deliver pushes the record to its entity, retrying transient routing
// failures on a jittered exponential schedule.
func (s *JobService) deliver(ctx domain.Context, rec domain.JobRecord) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = deliverRetryBase
	expo.MaxInterval = deliverRetryCap
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, deliverRetryMax), ctx)

	return backoff.Retry(func() error {
		err := s.deps.Dispatch.Deliver(ctx, rec)
		if err == nil || isTransientDelivery(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func isTransientDelivery(err error) bool {
	return errors.Is(err, domain.ErrSendTimeout) ||
		errors.Is(err, domain.ErrRunnerUnavailable) ||
		errors.Is(err, domain.ErrMailboxFull)
}

func (s *JobService) publishQueued(ctx domain.Context, rec domain.JobRecord) {
	ev := domain.JobStatusEvent{
		ID:       s.deps.IDs.Next(),
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Status:   domain.JobQueued,
		At:       rec.CreatedAt,
	}
	if err := s.deps.Bus.PublishStatus(ctx, ev); err != nil {
		slog.Warn("publishing status event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

func (s *JobService) publishCancelled(ctx domain.Context, rec domain.JobRecord) {
	now := rec.UpdatedAt
	ev := domain.JobStatusEvent{
		ID:       s.deps.IDs.Next(),
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Status:   domain.JobCancelled,
		At:       now,
	}
	if err := s.deps.Bus.PublishStatus(ctx, ev); err != nil {
		slog.Warn("publishing status event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
	lev := domain.JobLifecycleEvent{
		ID:       s.deps.IDs.Next(),
		Kind:     domain.LifecycleCancelled,
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		At:       now,
	}
	if err := s.deps.Bus.PublishLifecycle(ctx, lev); err != nil {
		slog.Warn("publishing lifecycle event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}
