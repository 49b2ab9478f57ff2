package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jobmesh/jobmesh/internal/adapter/httpserver"
)

// Pinger is anything with a context ping. The pgx pool and the franz-go
// client both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the slice of the redis client readiness needs.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// ShardServer reports whether this runner currently serves any shards.
type ShardServer interface {
	Serving() bool
}

// BuildReadinessChecks assembles the probes behind /readyz: Postgres, the
// state cache, the event bus, and the shard map. A runner that lost its
// advisory-lock session owns no shards and reports not ready until
// re-election.
func BuildReadinessChecks(pool Pinger, rdb RedisPinger, bus Pinger, shards ShardServer) []httpserver.ReadyCheck {
	return []httpserver.ReadyCheck{
		{Name: "postgres", Probe: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("postgres not configured")
			}
			return pool.Ping(ctx)
		}},
		{Name: "redis", Probe: func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		}},
		{Name: "bus", Probe: func(ctx context.Context) error {
			if bus == nil {
				return fmt.Errorf("event bus not configured")
			}
			return bus.Ping(ctx)
		}},
		{Name: "shards", Probe: func(context.Context) error {
			if shards == nil {
				return fmt.Errorf("shard map not configured")
			}
			if !shards.Serving() {
				return fmt.Errorf("no shards owned")
			}
			return nil
		}},
	}
}
