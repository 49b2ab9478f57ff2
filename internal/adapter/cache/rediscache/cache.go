// Package rediscache keeps the hot-path copy of job state in Redis so status
// reads skip PostgreSQL. Everything here is a cache: the jobs table stays the
// source of truth and every key carries a TTL.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	stateTTL     = 7 * 24 * time.Hour
	heartbeatTTL = 30 * time.Second
)

// NewClient connects to Redis and verifies the connection.
func NewClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=cache.connect: %w", err)
	}
	return client, nil
}

// StateCache implements domain.StateCache on a go-redis client.
type StateCache struct{ client *redis.Client }

// New wraps an existing Redis client.
func New(client *redis.Client) *StateCache { return &StateCache{client: client} }

func stateKey(jobID string) string     { return "job:state:" + jobID }
func heartbeatKey(jobID string) string { return "job:heartbeat:" + jobID }
func progressKey(jobID string) string  { return "job:progress:" + jobID }

// GetState loads the cached state projection. A miss is not an error.
func (c *StateCache) GetState(ctx domain.Context, jobID string) (domain.JobState, bool, error) {
	b, err := c.client.Get(ctx, stateKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observability.CacheMiss("state")
			return domain.JobState{}, false, nil
		}
		return domain.JobState{}, false, fmt.Errorf("op=cache.get_state: %w", err)
	}
	var st domain.JobState
	if err := json.Unmarshal(b, &st); err != nil {
		return domain.JobState{}, false, fmt.Errorf("op=cache.get_state: decode: %w", err)
	}
	observability.CacheHit("state")
	return st, true, nil
}

// SetState stores the state projection with the cache TTL.
func (c *StateCache) SetState(ctx domain.Context, st domain.JobState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=cache.set_state: %w", err)
	}
	if err := c.client.Set(ctx, stateKey(st.JobID), b, stateTTL).Err(); err != nil {
		return fmt.Errorf("op=cache.set_state: %w", err)
	}
	return nil
}

// DeleteState drops the state and progress keys for a job. Used by shard
// resets so the next read refreshes from PostgreSQL.
func (c *StateCache) DeleteState(ctx domain.Context, jobID string) error {
	if err := c.client.Del(ctx, stateKey(jobID), progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=cache.delete_state: %w", err)
	}
	return nil
}

// SetHeartbeat refreshes the per-job liveness key.
func (c *StateCache) SetHeartbeat(ctx domain.Context, jobID string) error {
	if err := c.client.Set(ctx, heartbeatKey(jobID), "1", heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("op=cache.set_heartbeat: %w", err)
	}
	return nil
}

// ClearHeartbeat removes the liveness key once an attempt finishes.
func (c *StateCache) ClearHeartbeat(ctx domain.Context, jobID string) error {
	if err := c.client.Del(ctx, heartbeatKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=cache.clear_heartbeat: %w", err)
	}
	return nil
}

// HeartbeatAlive reports whether the owning runner refreshed the key within
// its TTL.
func (c *StateCache) HeartbeatAlive(ctx domain.Context, jobID string) (bool, error) {
	n, err := c.client.Exists(ctx, heartbeatKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=cache.heartbeat_alive: %w", err)
	}
	return n == 1, nil
}

// SetLastProgress stores the most recent progress report.
func (c *StateCache) SetLastProgress(ctx domain.Context, jobID string, p domain.Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=cache.set_progress: %w", err)
	}
	if err := c.client.Set(ctx, progressKey(jobID), b, stateTTL).Err(); err != nil {
		return fmt.Errorf("op=cache.set_progress: %w", err)
	}
	return nil
}

// GetLastProgress loads the most recent progress report, if any.
func (c *StateCache) GetLastProgress(ctx domain.Context, jobID string) (domain.Progress, bool, error) {
	b, err := c.client.Get(ctx, progressKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observability.CacheMiss("progress")
			return domain.Progress{}, false, nil
		}
		return domain.Progress{}, false, fmt.Errorf("op=cache.get_progress: %w", err)
	}
	var p domain.Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.Progress{}, false, fmt.Errorf("op=cache.get_progress: decode: %w", err)
	}
	observability.CacheHit("progress")
	return p, true, nil
}
