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

const dlqColumns = `id, tenant_id, source, source_id, type, payload, attempts, error_reason, error_history, created_at, replayed_at`

// DLQRepo persists dead-letter entries in PostgreSQL.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Insert stores a new dead-letter entry. Compensation derives the id from
// the job id, so a replayed compensation hits the primary key; that maps to
// ErrDedupeConflict and the caller treats it as already recorded.
func (r *DLQRepo) Insert(ctx domain.Context, e domain.DLQEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Insert")
	defer span.End()
	hist, err := json.Marshal(e.ErrorHistory)
	if err != nil {
		return fmt.Errorf("op=dlq.insert: marshal history: %w", err)
	}
	q := `INSERT INTO job_dlq (` + dlqColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q,
		e.ID, e.TenantID, e.Source, e.SourceID, e.Type, []byte(e.Payload),
		e.Attempts, string(e.ErrorReason), hist, e.CreatedAt.UTC(), e.ReplayedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=dlq.insert: %w", domain.ErrDedupeConflict)
		}
		return fmt.Errorf("op=dlq.insert: %w", err)
	}
	return nil
}

// Get loads one entry by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Get")
	defer span.End()
	q := `SELECT ` + dlqColumns + ` FROM job_dlq WHERE id=$1`
	e, err := scanDLQEntry(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

// ListTenants returns the distinct tenant ids that currently have entries
// eligible for replay, so the watcher can page per tenant.
func (r *DLQRepo) ListTenants(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ListTenants")
	defer span.End()
	q := `SELECT DISTINCT tenant_id FROM job_dlq WHERE replayed_at IS NULL ORDER BY tenant_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list_tenants: %w", err)
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("op=dlq.list_tenants: scan: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list_tenants: rows: %w", err)
	}
	return tenants, nil
}

// ListReplayable returns the oldest not-yet-replayed entries for a tenant.
// Entries at exactly maxAttempts are still returned once so the watcher can
// alert before the increment pushes them out of the working set.
func (r *DLQRepo) ListReplayable(ctx domain.Context, tenantID string, maxAttempts, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ListReplayable")
	defer span.End()
	q := `SELECT ` + dlqColumns + ` FROM job_dlq
	WHERE tenant_id=$1 AND replayed_at IS NULL AND attempts <= $2
	ORDER BY created_at ASC
	LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenantID, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list_replayable: %w", err)
	}
	defer rows.Close()
	return collectDLQEntries(rows, "op=dlq.list_replayable")
}

// ListByTenant returns the newest entries for a tenant regardless of replay
// state. Admin listing uses it.
func (r *DLQRepo) ListByTenant(ctx domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ListByTenant")
	defer span.End()
	q := `SELECT ` + dlqColumns + ` FROM job_dlq
	WHERE tenant_id=$1
	ORDER BY created_at DESC
	LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list_by_tenant: %w", err)
	}
	defer rows.Close()
	return collectDLQEntries(rows, "op=dlq.list_by_tenant")
}

// IncrementAttempts bumps the replay counter and returns the new value.
func (r *DLQRepo) IncrementAttempts(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.IncrementAttempts")
	defer span.End()
	q := `UPDATE job_dlq SET attempts = attempts + 1 WHERE id=$1 RETURNING attempts`
	var attempts int
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=dlq.increment: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=dlq.increment: %w", err)
	}
	return attempts, nil
}

// MarkReplayed stamps the entry so the watcher stops picking it up.
func (r *DLQRepo) MarkReplayed(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.MarkReplayed")
	defer span.End()
	q := `UPDATE job_dlq SET replayed_at=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=dlq.mark_replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.mark_replayed: %w", domain.ErrNotFound)
	}
	return nil
}

// ClearReplayed puts an entry back into the watcher's working set. Used when
// a replayed job fails again and its fresh failure maps back to this entry.
func (r *DLQRepo) ClearReplayed(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ClearReplayed")
	defer span.End()
	q := `UPDATE job_dlq SET replayed_at=NULL WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=dlq.clear_replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.clear_replayed: %w", domain.ErrNotFound)
	}
	return nil
}

// Count returns the number of entries from one source.
func (r *DLQRepo) Count(ctx domain.Context, source string) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Count")
	defer span.End()
	q := `SELECT count(*) FROM job_dlq WHERE source=$1`
	var n int64
	if err := r.Pool.QueryRow(ctx, q, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.count: %w", err)
	}
	return n, nil
}

func collectDLQEntries(rows pgx.Rows, op string) ([]domain.DLQEntry, error) {
	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

func scanDLQEntry(row pgx.Row) (domain.DLQEntry, error) {
	var (
		e        domain.DLQEntry
		reason   string
		payload  []byte
		history  []byte
		replayed *time.Time
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Source, &e.SourceID, &e.Type, &payload,
		&e.Attempts, &reason, &history, &e.CreatedAt, &replayed); err != nil {
		return domain.DLQEntry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.ErrorReason = domain.ErrorReason(reason)
	e.ReplayedAt = replayed
	if len(history) > 0 {
		if err := json.Unmarshal(history, &e.ErrorHistory); err != nil {
			return domain.DLQEntry{}, fmt.Errorf("decode error_history: %w", err)
		}
	}
	return e, nil
}
