package domain

import (
	"encoding/json"
	"time"
)

// RunnerAddress locates the runner currently hosting an entity. It is what
// the transport layer needs to forward a message across the cluster.
type RunnerAddress struct {
	EntityType string
	EntityID   string
	ShardGroup int
	ShardID    int
	RunnerID   string
	RunnerHost string
	RunnerPort int
}

// ShardAssignment is one row of the shard ownership table. The row is only
// authoritative while the writing runner holds the matching advisory lock;
// LockToken ties the row to that lock session.
type ShardAssignment struct {
	ShardGroup int
	ShardID    int
	RunnerID   string
	RunnerHost string
	RunnerPort int
	LockToken  string
	UpdatedAt  time.Time
}

// SingletonState is the schema-versioned persisted state of a named
// singleton task. A leader loads it on election and saves it on handover.
type SingletonState struct {
	Name          string
	SchemaVersion int
	State         json.RawMessage
	LeaderID      string
	UpdatedAt     time.Time
}

//go:generate mockery --name=ShardStore --with-expecter --filename=shard_store_mock.go

// ShardStore persists shard assignments. Advisory locks are acquired
// separately on a dedicated connection; the store only records who claims to
// own what so remote runners can route.
type ShardStore interface {
	Upsert(ctx Context, a ShardAssignment) error
	Get(ctx Context, group, shardID int) (ShardAssignment, error)
	ListGroup(ctx Context, group int) ([]ShardAssignment, error)
	Delete(ctx Context, group, shardID int) error
	DeleteByRunner(ctx Context, runnerID string) error
}

// SingletonStore persists singleton task state across leader changes.
type SingletonStore interface {
	Get(ctx Context, name string) (SingletonState, error)
	Save(ctx Context, st SingletonState) error
}
