package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// SingletonRepo persists named singleton task state across leader changes.
type SingletonRepo struct{ Pool PgxPool }

// NewSingletonRepo constructs a SingletonRepo with the given pool.
func NewSingletonRepo(p PgxPool) *SingletonRepo { return &SingletonRepo{Pool: p} }

// Get loads the state row for one singleton name.
func (r *SingletonRepo) Get(ctx domain.Context, name string) (domain.SingletonState, error) {
	tracer := otel.Tracer("repo.singletons")
	ctx, span := tracer.Start(ctx, "singletons.Get")
	defer span.End()
	q := `SELECT name, schema_version, state, leader_id, updated_at FROM singleton_state WHERE name=$1`
	var (
		st    domain.SingletonState
		state []byte
	)
	err := r.Pool.QueryRow(ctx, q, name).Scan(&st.Name, &st.SchemaVersion, &state, &st.LeaderID, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SingletonState{}, fmt.Errorf("op=singleton.get: %w", domain.ErrNotFound)
		}
		return domain.SingletonState{}, fmt.Errorf("op=singleton.get: %w", err)
	}
	st.State = json.RawMessage(state)
	return st, nil
}

// Save upserts the state row keyed by name.
func (r *SingletonRepo) Save(ctx domain.Context, st domain.SingletonState) error {
	tracer := otel.Tracer("repo.singletons")
	ctx, span := tracer.Start(ctx, "singletons.Save")
	defer span.End()
	state := st.State
	if state == nil {
		state = json.RawMessage(`{}`)
	}
	q := `INSERT INTO singleton_state (name, schema_version, state, leader_id, updated_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (name)
	DO UPDATE SET schema_version=EXCLUDED.schema_version, state=EXCLUDED.state, leader_id=EXCLUDED.leader_id, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, st.Name, st.SchemaVersion, []byte(state), st.LeaderID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=singleton.save: %w", err)
	}
	return nil
}
