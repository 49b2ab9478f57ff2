package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
)

// CleanupService enforces data retention: finished jobs past their TTL,
// replayed dead-letter entries, and finished workflow envelopes.
type CleanupService struct {
	Pool         PgxPool
	CompletedTTL time.Duration
	FailedTTL    time.Duration
}

// NewCleanupService creates a cleanup service. FailedTTL also covers
// cancelled jobs and replayed DLQ entries.
func NewCleanupService(pool PgxPool, completedTTL, failedTTL time.Duration) *CleanupService {
	if completedTTL <= 0 {
		completedTTL = 7 * 24 * time.Hour
	}
	if failedTTL <= 0 {
		failedTTL = 30 * 24 * time.Hour
	}
	return &CleanupService{Pool: pool, CompletedTTL: completedTTL, FailedTTL: failedTTL}
}

// CleanupOldData removes rows older than their retention window. Workflow
// envelopes are deleted together with their job row so a half-purged pair
// never leaves an orphaned envelope behind.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := time.Now().UTC()
	completedCutoff := now.Add(-s.CompletedTTL)
	failedCutoff := now.Add(-s.FailedTTL)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	wfTag, err := tx.Exec(ctx, `
		DELETE FROM workflow_executions
		WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE (status = 'complete' AND updated_at < $1)
			   OR (status IN ('failed','cancelled') AND updated_at < $2)
		)
		OR (state IN ('complete','compensated') AND updated_at < $2)
	`, completedCutoff, failedCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.workflows: %w", err)
	}

	jobTag, err := tx.Exec(ctx, `
		DELETE FROM jobs
		WHERE (status = 'complete' AND updated_at < $1)
		   OR (status IN ('failed','cancelled') AND updated_at < $2)
	`, completedCutoff, failedCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	dlqTag, err := tx.Exec(ctx, `
		DELETE FROM job_dlq
		WHERE replayed_at IS NOT NULL AND replayed_at < $1
	`, failedCutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.dlq: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	observability.PurgedRowsTotal.WithLabelValues("jobs").Add(float64(jobTag.RowsAffected()))
	observability.PurgedRowsTotal.WithLabelValues("workflow_executions").Add(float64(wfTag.RowsAffected()))
	observability.PurgedRowsTotal.WithLabelValues("job_dlq").Add(float64(dlqTag.RowsAffected()))

	slog.Info("retention purge completed",
		slog.Int64("deleted_jobs", jobTag.RowsAffected()),
		slog.Int64("deleted_workflows", wfTag.RowsAffected()),
		slog.Int64("deleted_dlq", dlqTag.RowsAffected()),
		slog.Time("completed_cutoff", completedCutoff),
		slog.Time("failed_cutoff", failedCutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData on a ticker until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
