// Package cluster maps entities onto shards, elects shard owners through
// PostgreSQL advisory locks, and moves messages between runners over a
// pluggable transport.
package cluster

import (
	"hash/fnv"
	"strings"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// Layout is the static shard geometry. Every runner in a cluster must be
// configured with the same layout or entity ids hash to different shards.
type Layout struct {
	Groups         int
	ShardsPerGroup int
}

// DefaultLayout matches the documented defaults: 3 groups of 100 shards.
func DefaultLayout() Layout { return Layout{Groups: 3, ShardsPerGroup: 100} }

func (l Layout) normalize() Layout {
	if l.Groups <= 0 {
		l.Groups = 3
	}
	if l.ShardsPerGroup <= 0 {
		l.ShardsPerGroup = 100
	}
	return l
}

// GroupForPriority maps a job priority to its shard group. Critical and high
// traffic get isolated groups; normal and low share the last one.
func GroupForPriority(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical:
		return 0
	case domain.PriorityHigh:
		return 1
	default:
		return 2
	}
}

// GroupFor resolves the shard group of an entity id. Job entity ids carry
// their priority ("job-<priority>-<slot>"); everything else, singleton keys
// included, lives in the ops group alongside normal traffic.
func (l Layout) GroupFor(entityID string) int {
	l = l.normalize()
	group := l.Groups - 1
	parts := strings.SplitN(entityID, "-", 3)
	if len(parts) == 3 && parts[0] == "job" {
		group = GroupForPriority(domain.Priority(parts[1]))
	}
	if group > l.Groups-1 {
		group = l.Groups - 1
	}
	return group
}

// ShardFor hashes an entity id into its shard slot within a group.
func (l Layout) ShardFor(entityID string) int {
	l = l.normalize()
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(l.ShardsPerGroup))
}

// Locate returns the (group, shard) coordinate of an entity id.
func (l Layout) Locate(entityID string) (int, int) {
	return l.GroupFor(entityID), l.ShardFor(entityID)
}

// TotalShards is the number of lockable shards in the layout.
func (l Layout) TotalShards() int {
	l = l.normalize()
	return l.Groups * l.ShardsPerGroup
}

// LockKey derives the advisory-lock key for a shard. Group and shard each
// occupy their own 32-bit half so keys never collide across groups.
func LockKey(group, shardID int) int64 {
	return int64(group)<<32 | int64(uint32(shardID))
}
