package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const workflowColumns = `idempotency_key, job_id, state, attempt, wake_at, updated_at`

// WorkflowRepo persists durable execution envelopes in PostgreSQL.
type WorkflowRepo struct{ Pool PgxPool }

// NewWorkflowRepo constructs a WorkflowRepo with the given pool.
func NewWorkflowRepo(p PgxPool) *WorkflowRepo { return &WorkflowRepo{Pool: p} }

// Ensure inserts the execution row if absent and returns the current row
// either way. The no-op conflict update makes RETURNING yield the winning
// row, so a crashed-and-replayed job sees its previous attempt count.
func (r *WorkflowRepo) Ensure(ctx domain.Context, key, jobID string) (domain.WorkflowExecution, error) {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.Ensure")
	defer span.End()
	q := `INSERT INTO workflow_executions (` + workflowColumns + `)
	VALUES ($1,$2,$3,0,NULL,$4)
	ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
	RETURNING ` + workflowColumns
	row := r.Pool.QueryRow(ctx, q, key, jobID, string(domain.WorkflowRunning), time.Now().UTC())
	ex, err := scanWorkflow(row)
	if err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("op=workflow.ensure: %w", err)
	}
	return ex, nil
}

// Update writes the state, attempt counter and wake time for one execution.
func (r *WorkflowRepo) Update(ctx domain.Context, key string, state domain.WorkflowState, attempt int, wakeAt *time.Time) error {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.Update")
	defer span.End()
	q := `UPDATE workflow_executions SET state=$2, attempt=$3, wake_at=$4, updated_at=$5 WHERE idempotency_key=$1`
	tag, err := r.Pool.Exec(ctx, q, key, string(state), attempt, wakeAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=workflow.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workflow.update: %w", domain.ErrNotFound)
	}
	return nil
}

// ListUnfinished returns executions that never reached a terminal state,
// oldest first. Recovery uses it to re-activate entities after a crash.
func (r *WorkflowRepo) ListUnfinished(ctx domain.Context, limit int) ([]domain.WorkflowExecution, error) {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.ListUnfinished")
	defer span.End()
	q := `SELECT ` + workflowColumns + ` FROM workflow_executions
	WHERE state NOT IN ($1,$2)
	ORDER BY updated_at ASC
	LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, string(domain.WorkflowComplete), string(domain.WorkflowCompensated), limit)
	if err != nil {
		return nil, fmt.Errorf("op=workflow.list_unfinished: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows, "op=workflow.list_unfinished")
}

// ListDue returns sleeping executions whose wake time has passed.
func (r *WorkflowRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.WorkflowExecution, error) {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.ListDue")
	defer span.End()
	q := `SELECT ` + workflowColumns + ` FROM workflow_executions
	WHERE state=$1 AND wake_at IS NOT NULL AND wake_at <= $2
	ORDER BY wake_at ASC
	LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, string(domain.WorkflowSleeping), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=workflow.list_due: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows, "op=workflow.list_due")
}

func collectWorkflows(rows pgx.Rows, op string) ([]domain.WorkflowExecution, error) {
	var out []domain.WorkflowExecution
	for rows.Next() {
		ex, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

func scanWorkflow(row pgx.Row) (domain.WorkflowExecution, error) {
	var (
		ex    domain.WorkflowExecution
		state string
		wake  *time.Time
	)
	if err := row.Scan(&ex.IdempotencyKey, &ex.JobID, &state, &ex.Attempt, &wake, &ex.UpdatedAt); err != nil {
		return domain.WorkflowExecution{}, err
	}
	ex.State = domain.WorkflowState(state)
	ex.WakeAt = wake
	return ex, nil
}
