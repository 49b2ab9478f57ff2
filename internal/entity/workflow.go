package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// Handler retry backoff: doubles per attempt from retryBase, capped
	// and jittered.
	retryBase = 100 * time.Millisecond
	retryCap  = 30 * time.Second

	// Defect retry around the workflow machinery itself, for failures
	// like a database outage during a transition.
	defectRetryMax  = 5
	defectRetryBase = 500 * time.Millisecond
	defectRetryCap  = 30 * time.Second

	heartbeatEvery = 10 * time.Second

	// progressWriteTimeout bounds the persistence writes done inside the
	// handler's Report callback, which carries no context of its own.
	progressWriteTimeout = 2 * time.Second
)

// execute runs one delivered record through its durable envelope. Handler
// failures are consumed by the attempt loop's own retry budget; errors
// surfacing here come from the machinery and are retried so a flaky
// database does not strand the job.
func (e *Entity) execute(ctx context.Context, rec domain.JobRecord) {
	op := func() error {
		err := e.runJob(ctx, rec.JobID)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = defectRetryBase
	expo.MaxInterval = defectRetryCap
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, defectRetryMax), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil {
			slog.Info("job interrupted by shutdown, left for recovery",
				slog.String("job_id", rec.JobID), slog.String("entity_id", e.id))
			return
		}
		slog.Error("job abandoned after defect retries",
			slog.String("job_id", rec.JobID), slog.String("entity_id", e.id),
			slog.Any("error", err))
	}
}

func (e *Entity) runJob(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("entity")
	ctx, span := tracer.Start(ctx, "Entity.RunJob")
	defer span.End()

	wf, err := e.deps.Workflows.Ensure(ctx, jobID, jobID)
	if err != nil {
		return fmt.Errorf("op=entity.run_job: %w", err)
	}
	if wf.Finished() {
		slog.Debug("dropping delivery for finished workflow", slog.String("job_id", jobID))
		return nil
	}

	rec, err := e.deps.Store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("job row missing, closing envelope", slog.String("job_id", jobID))
			e.finishEnvelope(ctx, jobID, domain.WorkflowComplete, wf.Attempt)
			return nil
		}
		return fmt.Errorf("op=entity.run_job: %w", err)
	}
	if domain.IsTerminalStatus(rec.Status) {
		// Cancelled or completed while the message sat in the mailbox.
		e.deps.Progress.Drop(jobID)
		e.finishEnvelope(ctx, jobID, domain.WorkflowComplete, wf.Attempt)
		return nil
	}

	parked, err := e.parkUntilDue(ctx, rec, wf)
	if err != nil || parked {
		return err
	}

	return e.attemptLoop(ctx, &rec, wf)
}

// parkUntilDue parks a not-yet-due job as a sleeping envelope and frees
// the entity for its other messages. The schedule sweeper re-delivers the
// job once wake_at passes; a scheduledAt in the past runs immediately.
func (e *Entity) parkUntilDue(ctx context.Context, rec domain.JobRecord, wf domain.WorkflowExecution) (bool, error) {
	if rec.ScheduledAt == nil || !rec.ScheduledAt.After(e.deps.Clock.Now()) {
		return false, nil
	}
	if err := e.deps.Workflows.Update(ctx, rec.JobID, domain.WorkflowSleeping, wf.Attempt, rec.ScheduledAt); err != nil {
		return false, fmt.Errorf("op=entity.park: %w", err)
	}
	slog.Info("job parked until schedule",
		slog.String("job_id", rec.JobID), slog.Time("wake_at", *rec.ScheduledAt))
	return true, nil
}

// attemptLoop drives the job through its attempts until a terminal status.
// A retryable failure keeps the row in processing; the retry re-enters via
// a processing -> processing transition that carries the incremented
// attempts counter and the prior error on its history entry.
func (e *Entity) attemptLoop(ctx context.Context, rec *domain.JobRecord, wf domain.WorkflowExecution) error {
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	e.registerJob(rec.JobID, cancelJob)
	defer e.releaseJob()

	attempt := wf.Attempt
	// A processing row with a recorded attempt means a predecessor crashed
	// mid-handler. Re-run that attempt as-is instead of burning a retry.
	resume := rec.Status == domain.JobProcessing && attempt > 0
	var priorErr string

	for {
		if resume {
			resume = false
			slog.Warn("resuming attempt after crash",
				slog.String("job_id", rec.JobID), slog.Int("attempt", attempt))
			observability.StartProcessingJob(rec.Type)
		} else {
			attempt++
			ok, err := e.beginAttempt(ctx, rec, attempt, priorErr)
			if err != nil {
				return err
			}
			if !ok {
				// Lost the CAS: a cancel won while the job was queued.
				e.deps.Progress.Drop(rec.JobID)
				e.finishEnvelope(ctx, rec.JobID, domain.WorkflowComplete, attempt)
				return nil
			}
			if err := e.deps.Workflows.Update(ctx, rec.JobID, domain.WorkflowRunning, attempt, nil); err != nil {
				return fmt.Errorf("op=entity.attempt: %w", err)
			}
		}

		result, err := e.invoke(jobCtx, rec, attempt)
		if e.cancelRequested(rec.JobID) {
			return e.finishCancelled(ctx, rec, attempt)
		}
		if err == nil {
			return e.finishComplete(ctx, rec, attempt, result)
		}
		if ctx.Err() != nil {
			// Shutdown: leave the processing row for recovery.
			return fmt.Errorf("op=entity.attempt: %w", ctx.Err())
		}
		if domain.IsTerminal(err) || attempt >= rec.MaxAttempts {
			return e.compensate(ctx, rec, attempt, err)
		}

		priorErr = err.Error()
		rec.LastError = priorErr
		e.syncState(ctx, *rec)
		delay := retryDelay(attempt)
		slog.Info("retrying job after backoff",
			slog.String("job_id", rec.JobID), slog.String("type", rec.Type),
			slog.Int("attempt", attempt), slog.Duration("delay", delay),
			slog.String("error", priorErr))
		if serr := e.deps.Clock.Sleep(jobCtx, delay); serr != nil {
			if e.cancelRequested(rec.JobID) {
				return e.finishCancelled(ctx, rec, attempt)
			}
			return fmt.Errorf("op=entity.attempt: %w", serr)
		}
	}
}

// beginAttempt CASes the row into processing and mirrors the write onto
// the local record. attempt carries the new attempts value: 1 on the first
// execution, +1 per retry. priorErr rides on the retry's history entry so
// the error trail survives a crash.
func (e *Entity) beginAttempt(ctx context.Context, rec *domain.JobRecord, attempt int, priorErr string) (bool, error) {
	from := rec.Status
	now := e.deps.Clock.Now()
	entry := domain.HistoryEntry{Status: domain.JobProcessing, Timestamp: now, Error: priorErr}
	up := domain.TransitionUpdate{To: domain.JobProcessing, Entry: entry, Attempts: &attempt}
	if priorErr != "" {
		up.LastError = &priorErr
	}
	applied, err := e.deps.Store.ApplyTransition(ctx, rec.JobID, from, up)
	if err != nil {
		return false, fmt.Errorf("op=entity.begin_attempt: %w", err)
	}
	if !applied {
		fresh, gerr := e.deps.Store.Get(ctx, rec.JobID)
		if gerr != nil {
			return false, fmt.Errorf("op=entity.begin_attempt: %w", gerr)
		}
		*rec = fresh
		if domain.IsTerminalStatus(fresh.Status) {
			slog.Info("attempt start lost to concurrent transition",
				slog.String("job_id", rec.JobID), slog.String("status", string(fresh.Status)))
			return false, nil
		}
		return false, fmt.Errorf("op=entity.begin_attempt: %w: row status %s at attempt start", domain.ErrPersistence, fresh.Status)
	}
	rec.Status = domain.JobProcessing
	rec.Attempts = attempt
	rec.History = append(rec.History, entry)
	if priorErr != "" {
		rec.LastError = priorErr
	}
	rec.UpdatedAt = now
	e.syncState(ctx, *rec)
	e.publishStatus(ctx, *rec, priorErr)
	if from == domain.JobQueued {
		observability.StartProcessingJob(rec.Type)
	} else {
		observability.RetryJob(rec.Type)
		if from == domain.JobFailed {
			observability.StartProcessingJob(rec.Type)
		}
	}
	return true, nil
}

// invoke runs one handler attempt with heartbeat upkeep and panic
// containment. The context is the job scope: cancelled by requestCancel or
// by shutdown.
func (e *Entity) invoke(ctx context.Context, rec *domain.JobRecord, attempt int) (result json.RawMessage, err error) {
	hbCtx, hbStop := context.WithCancel(context.WithoutCancel(ctx))
	if herr := e.deps.Cache.SetHeartbeat(hbCtx, rec.JobID); herr != nil {
		slog.Warn("setting heartbeat failed", slog.String("job_id", rec.JobID), slog.Any("error", herr))
	}
	go e.keepHeartbeat(hbCtx, rec.JobID)
	defer func() {
		hbStop()
		if cerr := e.deps.Cache.ClearHeartbeat(context.WithoutCancel(ctx), rec.JobID); cerr != nil {
			slog.Warn("clearing heartbeat failed", slog.String("job_id", rec.JobID), slog.Any("error", cerr))
		}
	}()

	handler, ok := e.deps.Handlers.Resolve(rec.Type)
	if !ok {
		return nil, fmt.Errorf("op=entity.invoke: %w: type %q", domain.ErrHandlerMissing, rec.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked",
				slog.String("job_id", rec.JobID), slog.String("type", rec.Type),
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("op=entity.invoke: %w: handler panic: %v", domain.ErrProcessing, r)
		}
	}()

	result, err = handler(ctx, domain.HandlerJob{
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Payload:  rec.Payload,
		Attempt:  attempt,
		Report:   e.reportProgress(rec.JobID),
	})
	return result, err
}

// keepHeartbeat refreshes the liveness key while the handler runs. The
// cache owns the TTL; refreshing at a third of it keeps the key alive
// through one missed write.
func (e *Entity) keepHeartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.deps.Cache.SetHeartbeat(ctx, jobID); err != nil {
				slog.Warn("refreshing heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// reportProgress binds the handler's Report callback to one job: clamp the
// value, fan out to subscribers, persist the latest.
func (e *Entity) reportProgress(jobID string) func(pct float64, message string) {
	return func(pct float64, message string) {
		p, ok := domain.ClampProgress(pct, message)
		if !ok {
			slog.Warn("dropping non-finite progress", slog.String("job_id", jobID), slog.Float64("pct", pct))
			return
		}
		e.deps.Progress.Publish(jobID, p)
		ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
		defer cancel()
		if err := e.deps.Cache.SetLastProgress(ctx, jobID, p); err != nil {
			slog.Warn("caching progress failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		if err := e.deps.Store.SetProgress(ctx, jobID, p); err != nil {
			slog.Warn("persisting progress failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

func (e *Entity) finishComplete(ctx context.Context, rec *domain.JobRecord, attempt int, result json.RawMessage) error {
	now := e.deps.Clock.Now()
	entry := domain.HistoryEntry{Status: domain.JobComplete, Timestamp: now}
	applied, err := e.deps.Store.ApplyTransition(ctx, rec.JobID, domain.JobProcessing, domain.TransitionUpdate{
		To:          domain.JobComplete,
		Entry:       entry,
		Result:      result,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("op=entity.complete: %w", err)
	}
	if !applied {
		slog.Warn("completion lost to concurrent transition", slog.String("job_id", rec.JobID))
	}
	rec.Status = domain.JobComplete
	rec.Result = result
	rec.History = append(rec.History, entry)
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	e.syncState(ctx, *rec)
	e.publishStatus(ctx, *rec, "")
	e.publishLifecycle(ctx, *rec, domain.LifecycleCompleted, "")
	observability.CompleteJob(rec.Type, now.Sub(rec.CreatedAt))
	e.deps.Progress.Drop(rec.JobID)
	e.finishEnvelope(ctx, rec.JobID, domain.WorkflowComplete, attempt)
	slog.Info("job completed",
		slog.String("job_id", rec.JobID), slog.String("type", rec.Type),
		slog.Int("attempts", rec.Attempts))
	return nil
}

// finishCancelled persists the out-of-band cancel that interrupted the
// in-flight attempt. It runs on a non-cancellable context: the job context
// was just cancelled on purpose.
func (e *Entity) finishCancelled(ctx context.Context, rec *domain.JobRecord, attempt int) error {
	cctx := context.WithoutCancel(ctx)
	now := e.deps.Clock.Now()
	entry := domain.HistoryEntry{Status: domain.JobCancelled, Timestamp: now}
	applied, err := e.deps.Store.ApplyTransition(cctx, rec.JobID, rec.Status, domain.TransitionUpdate{
		To:    domain.JobCancelled,
		Entry: entry,
	})
	if err != nil {
		return fmt.Errorf("op=entity.cancel: %w", err)
	}
	if !applied {
		slog.Warn("cancel lost to concurrent transition", slog.String("job_id", rec.JobID))
	}
	wasProcessing := rec.Status == domain.JobProcessing
	rec.Status = domain.JobCancelled
	rec.History = append(rec.History, entry)
	rec.UpdatedAt = now
	e.syncState(cctx, *rec)
	e.publishStatus(cctx, *rec, "")
	e.publishLifecycle(cctx, *rec, domain.LifecycleCancelled, "")
	observability.CancelJob(rec.Type, wasProcessing)
	e.deps.Progress.Drop(rec.JobID)
	e.finishEnvelope(cctx, rec.JobID, domain.WorkflowComplete, attempt)
	slog.Info("job cancelled in flight", slog.String("job_id", rec.JobID))
	return nil
}

// compensate runs the terminal-failure path: persist failed, dead-letter
// the job, emit events, close the envelope. It never returns an error;
// every step is logged and the idempotent pieces are repaired by the next
// delivery if a crash cuts it short.
func (e *Entity) compensate(ctx context.Context, rec *domain.JobRecord, attempt int, cause error) error {
	cctx := context.WithoutCancel(ctx)
	reason := domain.ReasonForError(cause)
	msg := cause.Error()
	now := e.deps.Clock.Now()
	entry := domain.HistoryEntry{Status: domain.JobFailed, Timestamp: now, Error: msg}
	applied, err := e.deps.Store.ApplyTransition(cctx, rec.JobID, domain.JobProcessing, domain.TransitionUpdate{
		To:        domain.JobFailed,
		Entry:     entry,
		LastError: &msg,
	})
	if err != nil || !applied {
		slog.Error("persisting terminal failure did not apply",
			slog.String("job_id", rec.JobID), slog.Bool("applied", applied), slog.Any("error", err))
	}
	rec.Status = domain.JobFailed
	rec.LastError = msg
	rec.History = append(rec.History, entry)
	rec.UpdatedAt = now
	e.syncState(cctx, *rec)
	e.publishStatus(cctx, *rec, msg)
	e.publishLifecycle(cctx, *rec, domain.LifecycleFailed, msg)
	observability.FailJob(rec.Type)

	e.deadLetter(cctx, *rec, reason)
	e.deps.Progress.Drop(rec.JobID)
	e.finishEnvelope(cctx, rec.JobID, domain.WorkflowCompensated, attempt)
	slog.Error("job dead-lettered",
		slog.String("job_id", rec.JobID), slog.String("type", rec.Type),
		slog.String("reason", string(reason)), slog.Int("attempts", rec.Attempts),
		slog.String("error", msg))
	return nil
}

// deadLetter inserts the DLQ entry at most once: the id derives from the
// job id, so a replayed compensation lands on the primary key.
func (e *Entity) deadLetter(ctx context.Context, rec domain.JobRecord, reason domain.ErrorReason) {
	entry := domain.DLQEntry{
		ID:           domain.DLQEntryID(rec.JobID),
		TenantID:     rec.TenantID,
		Source:       domain.DLQSourceJob,
		SourceID:     rec.JobID,
		Type:         rec.Type,
		Payload:      rec.Payload,
		ErrorReason:  reason,
		ErrorHistory: domain.HistoryErrors(rec.History),
		CreatedAt:    e.deps.Clock.Now(),
	}
	err := e.deps.DLQ.Insert(ctx, entry)
	switch {
	case err == nil:
		observability.DeadLetterJob(rec.Type)
	case errors.Is(err, domain.ErrDedupeConflict):
		slog.Info("dead-letter entry already recorded", slog.String("job_id", rec.JobID))
	default:
		slog.Error("dead-letter insert failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

// finishEnvelope closes the durable envelope. Failures are logged only;
// the next delivery repairs the envelope through Ensure.
func (e *Entity) finishEnvelope(ctx context.Context, jobID string, state domain.WorkflowState, attempt int) {
	if err := e.deps.Workflows.Update(context.WithoutCancel(ctx), jobID, state, attempt, nil); err != nil {
		slog.Error("closing workflow envelope failed",
			slog.String("job_id", jobID), slog.String("state", string(state)), slog.Any("error", err))
	}
}

// syncState refreshes the cached status view. The cache is not the source
// of truth, so failures only warn.
func (e *Entity) syncState(ctx context.Context, rec domain.JobRecord) {
	if err := e.deps.Cache.SetState(ctx, rec.State()); err != nil {
		slog.Warn("caching job state failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

func (e *Entity) publishStatus(ctx context.Context, rec domain.JobRecord, errMsg string) {
	ev := domain.JobStatusEvent{
		ID:       e.deps.IDs.Next(),
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Status:   rec.Status,
		Error:    errMsg,
		At:       e.deps.Clock.Now(),
	}
	if err := e.deps.Bus.PublishStatus(ctx, ev); err != nil {
		slog.Warn("publishing status event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

func (e *Entity) publishLifecycle(ctx context.Context, rec domain.JobRecord, kind domain.LifecycleKind, errMsg string) {
	ev := domain.JobLifecycleEvent{
		ID:       e.deps.IDs.Next(),
		Kind:     kind,
		JobID:    rec.JobID,
		TenantID: rec.TenantID,
		Type:     rec.Type,
		Error:    errMsg,
		At:       e.deps.Clock.Now(),
	}
	if err := e.deps.Bus.PublishLifecycle(ctx, ev); err != nil {
		slog.Warn("publishing lifecycle event failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

// retryDelay computes the jittered exponential backoff before retry n+1:
// base 100ms doubling per attempt, capped at 30s, jittered into the
// half-to-full window.
func retryDelay(attempt int) time.Duration {
	d := retryCap
	if attempt < 20 {
		d = retryBase << uint(attempt-1)
		if d > retryCap {
			d = retryCap
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1)) //nolint:gosec // Weak random is fine for jitter.
}
