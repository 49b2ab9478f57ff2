package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jobmesh/jobmesh/internal/cluster/transport"
	"github.com/jobmesh/jobmesh/internal/domain"
)

// OwnerMap answers which runner owns an entity id. Ownership satisfies it;
// tests substitute a fixed map.
type OwnerMap interface {
	Owner(ctx domain.Context, entityID string) (domain.RunnerAddress, bool, error)
}

// Dispatcher routes deliveries and cancels to whichever runner owns the
// target entity, short-circuiting to the local manager when the shard is
// ours. It hides the local/remote split from the router.
type Dispatcher struct {
	Shards OwnerMap
	Local  transport.LocalSink
	Remote transport.Client
	Health Prober
}

// NewDispatcher wires the routing surface. Health may be nil in embedded
// setups where every shard is local.
func NewDispatcher(shards OwnerMap, local transport.LocalSink, remote transport.Client, health Prober) *Dispatcher {
	return &Dispatcher{Shards: shards, Local: local, Remote: remote, Health: health}
}

// Deliver hands the record to the owning runner's entity mailbox. Remote
// rejections come back as the same domain errors a local offer produces.
func (d *Dispatcher) Deliver(ctx domain.Context, rec domain.JobRecord) error {
	addr, local, err := d.Shards.Owner(ctx, rec.EntityID)
	if err != nil {
		return fmt.Errorf("op=cluster.deliver: %w", err)
	}
	if local {
		return d.Local.Deliver(ctx, rec)
	}
	if d.Health != nil && !d.Health.Healthy(ctx, addr) {
		return fmt.Errorf("op=cluster.deliver: %w: peer %s not ready", domain.ErrRunnerUnavailable, addr.RunnerID)
	}
	env, err := transport.NewDeliverEnvelope(rec)
	if err != nil {
		return err
	}
	rep, err := d.Remote.Send(ctx, addr, env)
	if err != nil {
		return err
	}
	return rep.Err()
}

// CancelInFlight asks the owning runner to interrupt jobID if it is the
// entity's in-flight job. A false return means the job was not running
// there; the caller falls back to cancelling the row.
func (d *Dispatcher) CancelInFlight(ctx domain.Context, entityID, jobID string) (bool, error) {
	addr, local, err := d.Shards.Owner(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("op=cluster.cancel: %w", err)
	}
	if local {
		return d.Local.CancelInFlight(entityID, jobID), nil
	}
	env, err := transport.NewCancelEnvelope(entityID, jobID)
	if err != nil {
		return false, err
	}
	rep, err := d.Remote.Send(ctx, addr, env)
	if err != nil {
		return false, err
	}
	if err := rep.Err(); err != nil {
		return false, err
	}
	var res transport.CancelResult
	if err := json.Unmarshal(rep.Body, &res); err != nil {
		slog.Warn("malformed cancel reply", slog.String("job_id", jobID), slog.Any("error", err))
		return false, fmt.Errorf("op=cluster.cancel: %w", err)
	}
	return res.Cancelled, nil
}
