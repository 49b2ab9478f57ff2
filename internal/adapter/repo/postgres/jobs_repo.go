package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// JobRepo persists and loads job records from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `job_id, tenant_id, type, status, attempts, max_attempts, payload, priority, duration, entity_id,
	history, result, last_error, progress, created_at, updated_at, completed_at, dedupe_key, batch_id, scheduled_at`

// Create inserts a new job record in status queued.
func (r *JobRepo) Create(ctx domain.Context, rec domain.JobRecord) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = r.Pool.Exec(ctx, q,
		rec.JobID, rec.TenantID, rec.Type, rec.Status, rec.Attempts, rec.MaxAttempts,
		[]byte(rec.Payload), rec.Priority, rec.Duration, rec.EntityID,
		history, []byte(rec.Result), nullIfEmpty(rec.LastError), progressBytes(rec.Progress),
		rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt,
		nullIfEmpty(rec.DedupeKey), nullIfEmpty(rec.BatchID), rec.ScheduledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=job.create: %w", domain.ErrDedupeConflict)
		}
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job record by id.
func (r *JobRepo) Get(ctx domain.Context, jobID string) (domain.JobRecord, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=$1`
	rec, err := scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobRecord{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.JobRecord{}, fmt.Errorf("op=job.get: %w", err)
	}
	return rec, nil
}

// FindActiveByDedupeKey loads the non-terminal job owning a dedupe key.
func (r *JobRepo) FindActiveByDedupeKey(ctx domain.Context, tenantID, dedupeKey string) (domain.JobRecord, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindActiveByDedupeKey")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE tenant_id=$1 AND dedupe_key=$2 AND status IN ('queued','processing') LIMIT 1`
	rec, err := scanJob(r.Pool.QueryRow(ctx, q, tenantID, dedupeKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobRecord{}, fmt.Errorf("op=job.find_dedupe: %w", domain.ErrNotFound)
		}
		return domain.JobRecord{}, fmt.Errorf("op=job.find_dedupe: %w", err)
	}
	return rec, nil
}

// ApplyTransition performs the compare-and-swap status write. It returns
// false with a nil error when the row's status no longer matches from, which
// callers treat as a logged no-op.
func (r *JobRepo) ApplyTransition(ctx domain.Context, jobID string, from domain.JobStatus, up domain.TransitionUpdate) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ApplyTransition")
	defer span.End()

	entry, err := json.Marshal(up.Entry)
	if err != nil {
		return false, fmt.Errorf("op=job.apply_transition: %w", err)
	}
	q := `UPDATE jobs SET
			status = $3,
			history = history || $4::jsonb,
			attempts = COALESCE($5::int, attempts),
			result = COALESCE($6::jsonb, result),
			last_error = COALESCE($7::text, last_error),
			completed_at = COALESCE($8::timestamptz, completed_at),
			updated_at = $9
		WHERE job_id = $1 AND status = $2`
	tag, err := r.Pool.Exec(ctx, q,
		jobID, from, up.To, entry, up.Attempts, []byte(up.Result), up.LastError, up.CompletedAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.apply_transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProgress persists the latest reported progress value.
func (r *JobRepo) SetProgress(ctx domain.Context, jobID string, p domain.Progress) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetProgress")
	defer span.End()

	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=job.set_progress: %w", err)
	}
	q := `UPDATE jobs SET progress=$2, updated_at=$3 WHERE job_id=$1`
	if _, err := r.Pool.Exec(ctx, q, jobID, b, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.set_progress: %w", err)
	}
	return nil
}

// ListUnfinished pages non-terminal rows by job id for the recovery poll.
func (r *JobRepo) ListUnfinished(ctx domain.Context, afterJobID string, limit int) ([]domain.JobRecord, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListUnfinished")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('queued','processing') AND job_id > $1
		ORDER BY job_id LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, afterJobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_unfinished: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.list_unfinished")
}

// CountQueued reports how many rows currently wait for an entity. The
// polling alerter samples it; it is not part of the JobStore port.
func (r *JobRepo) CountQueued(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountQueued")
	defer span.End()

	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status='queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_queued: %w", err)
	}
	return n, nil
}

// ListStaleProcessing pages processing rows whose last write predates cutoff.
func (r *JobRepo) ListStaleProcessing(ctx domain.Context, cutoff time.Time, limit int) ([]domain.JobRecord, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStaleProcessing")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows, "op=job.list_stale")
}

func collectJobs(rows pgx.Rows, op string) ([]domain.JobRecord, error) {
	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.JobRecord, error) {
	var (
		rec       domain.JobRecord
		payload   []byte
		history   []byte
		result    []byte
		lastError *string
		progress  []byte
		dedupeKey *string
		batchID   *string
	)
	err := row.Scan(
		&rec.JobID, &rec.TenantID, &rec.Type, &rec.Status, &rec.Attempts, &rec.MaxAttempts,
		&payload, &rec.Priority, &rec.Duration, &rec.EntityID,
		&history, &result, &lastError, &progress,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt, &dedupeKey, &batchID, &rec.ScheduledAt)
	if err != nil {
		return domain.JobRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Result = json.RawMessage(result)
	if lastError != nil {
		rec.LastError = *lastError
	}
	if dedupeKey != nil {
		rec.DedupeKey = *dedupeKey
	}
	if batchID != nil {
		rec.BatchID = *batchID
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return domain.JobRecord{}, err
		}
	}
	if len(progress) > 0 {
		var p domain.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return domain.JobRecord{}, err
		}
		rec.Progress = &p
	}
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func progressBytes(p *domain.Progress) []byte {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}
