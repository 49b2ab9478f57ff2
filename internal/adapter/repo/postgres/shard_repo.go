package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const shardColumns = `shard_group, shard_id, runner_id, runner_host, runner_port, lock_token, updated_at`

// ShardRepo persists shard ownership rows. The rows are advisory-lock backed:
// writers hold the matching lock on a dedicated connection, so the table is
// only ever read as a routing hint, never as the source of truth.
type ShardRepo struct{ Pool PgxPool }

// NewShardRepo constructs a ShardRepo with the given pool.
func NewShardRepo(p PgxPool) *ShardRepo { return &ShardRepo{Pool: p} }

// Upsert records the caller as owner of one shard.
func (r *ShardRepo) Upsert(ctx domain.Context, a domain.ShardAssignment) error {
	tracer := otel.Tracer("repo.shards")
	ctx, span := tracer.Start(ctx, "shards.Upsert")
	defer span.End()
	q := `INSERT INTO cluster_shard_assignment (` + shardColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (shard_group, shard_id)
	DO UPDATE SET runner_id=EXCLUDED.runner_id, runner_host=EXCLUDED.runner_host, runner_port=EXCLUDED.runner_port, lock_token=EXCLUDED.lock_token, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, a.ShardGroup, a.ShardID, a.RunnerID, a.RunnerHost, a.RunnerPort, a.LockToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=shard.upsert: %w", err)
	}
	return nil
}

// Get loads the assignment for one shard.
func (r *ShardRepo) Get(ctx domain.Context, group, shardID int) (domain.ShardAssignment, error) {
	tracer := otel.Tracer("repo.shards")
	ctx, span := tracer.Start(ctx, "shards.Get")
	defer span.End()
	q := `SELECT ` + shardColumns + ` FROM cluster_shard_assignment WHERE shard_group=$1 AND shard_id=$2`
	var a domain.ShardAssignment
	err := r.Pool.QueryRow(ctx, q, group, shardID).
		Scan(&a.ShardGroup, &a.ShardID, &a.RunnerID, &a.RunnerHost, &a.RunnerPort, &a.LockToken, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ShardAssignment{}, fmt.Errorf("op=shard.get: %w", domain.ErrNotFound)
		}
		return domain.ShardAssignment{}, fmt.Errorf("op=shard.get: %w", err)
	}
	return a, nil
}

// ListGroup returns every assignment in one shard group.
func (r *ShardRepo) ListGroup(ctx domain.Context, group int) ([]domain.ShardAssignment, error) {
	tracer := otel.Tracer("repo.shards")
	ctx, span := tracer.Start(ctx, "shards.ListGroup")
	defer span.End()
	q := `SELECT ` + shardColumns + ` FROM cluster_shard_assignment WHERE shard_group=$1 ORDER BY shard_id`
	rows, err := r.Pool.Query(ctx, q, group)
	if err != nil {
		return nil, fmt.Errorf("op=shard.list_group: %w", err)
	}
	defer rows.Close()
	var out []domain.ShardAssignment
	for rows.Next() {
		var a domain.ShardAssignment
		if err := rows.Scan(&a.ShardGroup, &a.ShardID, &a.RunnerID, &a.RunnerHost, &a.RunnerPort, &a.LockToken, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=shard.list_group: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=shard.list_group: rows: %w", err)
	}
	return out, nil
}

// Delete removes a single assignment row. Used when a runner releases a
// shard during rebalancing so routing stops pointing at it.
func (r *ShardRepo) Delete(ctx domain.Context, group, shardID int) error {
	tracer := otel.Tracer("repo.shards")
	ctx, span := tracer.Start(ctx, "shards.Delete")
	defer span.End()
	q := `DELETE FROM cluster_shard_assignment WHERE shard_group=$1 AND shard_id=$2`
	if _, err := r.Pool.Exec(ctx, q, group, shardID); err != nil {
		return fmt.Errorf("op=shard.delete: %w", err)
	}
	return nil
}

// DeleteByRunner clears every assignment a runner wrote. Called on graceful
// shutdown after the advisory locks are released.
func (r *ShardRepo) DeleteByRunner(ctx domain.Context, runnerID string) error {
	tracer := otel.Tracer("repo.shards")
	ctx, span := tracer.Start(ctx, "shards.DeleteByRunner")
	defer span.End()
	q := `DELETE FROM cluster_shard_assignment WHERE runner_id=$1`
	if _, err := r.Pool.Exec(ctx, q, runnerID); err != nil {
		return fmt.Errorf("op=shard.delete_by_runner: %w", err)
	}
	return nil
}
