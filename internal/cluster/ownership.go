package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	tryLockSQL = `SELECT pg_try_advisory_lock($1)`
	unlockSQL  = `SELECT pg_advisory_unlock($1)`

	defaultElectInterval = 15 * time.Second

	// presenceGroup is a reserved pseudo-group in the assignment table where
	// each runner heartbeats one row. A runner that owns no shards yet is
	// still visible there, which is what lets incumbents shed down to a fair
	// share instead of starving newcomers forever.
	presenceGroup = -1
)

// LockConn is the slice of *pgx.Conn the ownership loop needs. Advisory
// locks are session scoped, so this connection is dedicated and never comes
// from a pool; losing it loses every lock at once.
type LockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens a fresh lock connection. The ownership loop re-dials through
// it after a connection drop.
type Dialer func(ctx context.Context) (LockConn, error)

// OwnershipConfig carries the runner identity and election pacing.
type OwnershipConfig struct {
	Layout        Layout
	RunnerID      string
	Host          string
	Port          int
	ElectInterval time.Duration
	// StaleAfter is how old an assignment row may be before its runner no
	// longer counts as a live peer. Defaults to three election intervals.
	StaleAfter time.Duration
}

func (c OwnershipConfig) normalize() OwnershipConfig {
	c.Layout = c.Layout.normalize()
	if c.ElectInterval <= 0 {
		c.ElectInterval = defaultElectInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.ElectInterval
	}
	return c
}

// Ownership elects this runner as owner of shards via session-scoped
// advisory locks and publishes the claims as assignment rows for routing.
// While the lock connection is down the runner serves nothing.
type Ownership struct {
	cfg    OwnershipConfig
	dial   Dialer
	shards domain.ShardStore

	mu      sync.RWMutex
	conn    LockConn
	token   string
	owned   map[int64]bool
	byGroup map[int][]int
	serving bool
}

// NewOwnership wires the ownership loop. Run must be started for the runner
// to own anything.
func NewOwnership(cfg OwnershipConfig, dial Dialer, shards domain.ShardStore) *Ownership {
	return &Ownership{
		cfg:     cfg.normalize(),
		dial:    dial,
		shards:  shards,
		owned:   make(map[int64]bool),
		byGroup: make(map[int][]int),
	}
}

// Run drives election until ctx is done, re-dialing the lock connection with
// backoff whenever it drops. It returns nil after releasing everything.
func (o *Ownership) Run(ctx context.Context) error {
	if o.lockConn() == nil {
		if err := o.redial(ctx); err != nil {
			o.release(context.WithoutCancel(ctx))
			return nil
		}
	}
	ticker := time.NewTicker(o.cfg.ElectInterval)
	defer ticker.Stop()
	for {
		if err := o.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				o.release(context.WithoutCancel(ctx))
				return nil
			}
			slog.Warn("shard ownership cycle failed, re-dialing lock connection",
				slog.String("runner_id", o.cfg.RunnerID), slog.Any("error", err))
			o.stopServing(context.WithoutCancel(ctx))
			if err := o.redial(ctx); err != nil {
				o.release(context.WithoutCancel(ctx))
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			o.release(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs one election pass: verify the session, claim what is free up to
// this runner's fair share, refresh assignment rows, shed any excess.
func (o *Ownership) cycle(ctx context.Context) error {
	tracer := otel.Tracer("cluster")
	ctx, span := tracer.Start(ctx, "Ownership.cycle")
	defer span.End()

	conn := o.lockConn()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("op=cluster.cycle: %w: lock connection down", domain.ErrRunnerUnavailable)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("op=cluster.cycle: ping: %w", err)
	}

	now := time.Now().UTC()
	if err := o.announce(ctx, now); err != nil {
		return err
	}
	budget, err := o.groupBudget(ctx, now)
	if err != nil {
		return err
	}
	for group := 0; group < o.cfg.Layout.Groups; group++ {
		if err := o.electGroup(ctx, conn, group, budget, now); err != nil {
			return err
		}
		if err := o.shedGroup(ctx, conn, group, budget); err != nil {
			return err
		}
	}

	o.mu.Lock()
	first := !o.serving
	o.serving = true
	o.mu.Unlock()
	o.exportGauges()
	if first {
		slog.Info("shard ownership serving",
			slog.String("runner_id", o.cfg.RunnerID), slog.Int("shards_owned", o.OwnedCount()))
	}
	return nil
}

// announce heartbeats this runner's presence row.
func (o *Ownership) announce(ctx context.Context, now time.Time) error {
	err := o.shards.Upsert(ctx, domain.ShardAssignment{
		ShardGroup: presenceGroup,
		ShardID:    presenceSlot(o.cfg.RunnerID),
		RunnerID:   o.cfg.RunnerID,
		RunnerHost: o.cfg.Host,
		RunnerPort: o.cfg.Port,
		LockToken:  o.token,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("op=cluster.announce: %w", err)
	}
	return nil
}

// groupBudget computes how many shards per group this runner may hold: the
// whole group when alone, an even share across the live runners otherwise.
func (o *Ownership) groupBudget(ctx context.Context, now time.Time) (int, error) {
	rows, err := o.shards.ListGroup(ctx, presenceGroup)
	if err != nil {
		return 0, fmt.Errorf("op=cluster.group_budget: %w", err)
	}
	peers := map[string]bool{o.cfg.RunnerID: true}
	for _, a := range rows {
		if now.Sub(a.UpdatedAt) <= o.cfg.StaleAfter {
			peers[a.RunnerID] = true
		}
	}
	if len(peers) <= 1 {
		return o.cfg.Layout.ShardsPerGroup, nil
	}
	per := o.cfg.Layout.ShardsPerGroup / len(peers)
	if o.cfg.Layout.ShardsPerGroup%len(peers) != 0 {
		per++
	}
	return per, nil
}

// presenceSlot hashes a runner id into the presence pseudo-group's shard-id
// column. The id only needs to be stable and distinct per runner.
func presenceSlot(runnerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runnerID))
	return int(h.Sum32() & 0x7fffffff)
}

func (o *Ownership) electGroup(ctx context.Context, conn LockConn, group, budget int, now time.Time) error {
	held := o.ownedInGroup(group)
	for shard := 0; shard < o.cfg.Layout.ShardsPerGroup; shard++ {
		key := LockKey(group, shard)
		if o.isOwned(key) {
			// Refresh the row so peers keep counting this runner as live.
			if err := o.upsert(ctx, group, shard, now); err != nil {
				return err
			}
			continue
		}
		if len(held) >= budget {
			continue
		}
		var won bool
		if err := conn.QueryRow(ctx, tryLockSQL, key).Scan(&won); err != nil {
			return fmt.Errorf("op=cluster.elect: try lock %d/%d: %w", group, shard, err)
		}
		if !won {
			continue
		}
		o.setOwned(group, shard, true)
		held = o.ownedInGroup(group)
		if err := o.upsert(ctx, group, shard, now); err != nil {
			return err
		}
	}
	return nil
}

// shedGroup releases the highest-numbered shards beyond the fair share so a
// newly started peer can pick them up.
func (o *Ownership) shedGroup(ctx context.Context, conn LockConn, group, budget int) error {
	held := o.ownedInGroup(group)
	if len(held) <= budget {
		return nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(held)))
	excess := held[:len(held)-budget]
	for _, shard := range excess {
		var released bool
		if err := conn.QueryRow(ctx, unlockSQL, LockKey(group, shard)).Scan(&released); err != nil {
			return fmt.Errorf("op=cluster.shed: unlock %d/%d: %w", group, shard, err)
		}
		o.setOwned(group, shard, false)
		if err := o.shards.Delete(ctx, group, shard); err != nil {
			slog.Warn("failed to delete shed assignment row",
				slog.Int("shard_group", group), slog.Int("shard_id", shard), slog.Any("error", err))
		}
	}
	slog.Info("shed shards for rebalancing",
		slog.String("runner_id", o.cfg.RunnerID),
		slog.Int("shard_group", group), slog.Int("released", len(excess)), slog.Int("budget", budget))
	return nil
}

func (o *Ownership) upsert(ctx context.Context, group, shard int, now time.Time) error {
	err := o.shards.Upsert(ctx, domain.ShardAssignment{
		ShardGroup: group,
		ShardID:    shard,
		RunnerID:   o.cfg.RunnerID,
		RunnerHost: o.cfg.Host,
		RunnerPort: o.cfg.Port,
		LockToken:  o.token,
		UpdatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("op=cluster.upsert: shard %d/%d: %w", group, shard, err)
	}
	return nil
}

// redial replaces the lock connection with exponential backoff. Only a
// cancelled ctx makes it give up.
func (o *Ownership) redial(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = 0
	op := func() error {
		conn, err := o.dial(ctx)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.conn = conn
		o.token = fmt.Sprintf("%s-%d", o.cfg.RunnerID, time.Now().UnixNano())
		o.mu.Unlock()
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=cluster.redial: %w", err)
	}
	slog.Info("lock connection re-established", slog.String("runner_id", o.cfg.RunnerID))
	return nil
}

// stopServing drops all claims at once: the session died, so the locks are
// already gone server-side. Routing must stop immediately.
func (o *Ownership) stopServing(ctx context.Context) {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.owned = make(map[int64]bool)
	o.byGroup = make(map[int][]int)
	o.serving = false
	o.mu.Unlock()
	if conn != nil {
		_ = conn.Close(ctx)
	}
	o.exportGauges()
}

// release is the graceful variant: close the session (dropping the locks)
// and delete the routing rows so peers re-elect without waiting for
// staleness.
func (o *Ownership) release(ctx context.Context) {
	o.stopServing(ctx)
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.shards.DeleteByRunner(dctx, o.cfg.RunnerID); err != nil {
		slog.Warn("failed to delete assignment rows on release",
			slog.String("runner_id", o.cfg.RunnerID), slog.Any("error", err))
	}
	slog.Info("shard ownership released", slog.String("runner_id", o.cfg.RunnerID))
}

// IsLocal reports whether this runner currently owns the entity's shard.
func (o *Ownership) IsLocal(entityID string) bool {
	group, shard := o.cfg.Layout.Locate(entityID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.serving && o.owned[LockKey(group, shard)]
}

// Serving reports whether the lock session is up and elections have run.
func (o *Ownership) Serving() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.serving
}

// OwnedShards returns the shard ids owned in one group, for storage polling.
func (o *Ownership) OwnedShards(group int) []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]int, len(o.byGroup[group]))
	copy(out, o.byGroup[group])
	sort.Ints(out)
	return out
}

// OwnedCount returns the total shards held across groups.
func (o *Ownership) OwnedCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.owned)
}

// Owner resolves the runner hosting an entity. The second return is true
// when the entity is local; remote lookups go through the assignment table.
func (o *Ownership) Owner(ctx domain.Context, entityID string) (domain.RunnerAddress, bool, error) {
	group, shard := o.cfg.Layout.Locate(entityID)
	if o.IsLocal(entityID) {
		return domain.RunnerAddress{
			EntityType: "job",
			EntityID:   entityID,
			ShardGroup: group,
			ShardID:    shard,
			RunnerID:   o.cfg.RunnerID,
			RunnerHost: o.cfg.Host,
			RunnerPort: o.cfg.Port,
		}, true, nil
	}
	a, err := o.shards.Get(ctx, group, shard)
	if err != nil {
		return domain.RunnerAddress{}, false,
			fmt.Errorf("op=cluster.owner: shard %d/%d unassigned: %w", group, shard, domain.ErrRunnerUnavailable)
	}
	if a.RunnerID == o.cfg.RunnerID {
		// Our own stale row: the lock is gone but the delete has not landed.
		return domain.RunnerAddress{}, false,
			fmt.Errorf("op=cluster.owner: shard %d/%d stale self-assignment: %w", group, shard, domain.ErrRunnerUnavailable)
	}
	return domain.RunnerAddress{
		EntityType: "job",
		EntityID:   entityID,
		ShardGroup: group,
		ShardID:    shard,
		RunnerID:   a.RunnerID,
		RunnerHost: a.RunnerHost,
		RunnerPort: a.RunnerPort,
	}, false, nil
}

// SetConn seeds the lock connection before the first cycle so Run does not
// need an initial redial. Wiring calls it with the freshly dialed conn.
func (o *Ownership) SetConn(conn LockConn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn = conn
	o.token = fmt.Sprintf("%s-%d", o.cfg.RunnerID, time.Now().UnixNano())
}

func (o *Ownership) lockConn() LockConn {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conn
}

func (o *Ownership) isOwned(key int64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owned[key]
}

func (o *Ownership) ownedInGroup(group int) []int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]int, len(o.byGroup[group]))
	copy(out, o.byGroup[group])
	return out
}

func (o *Ownership) setOwned(group, shard int, own bool) {
	key := LockKey(group, shard)
	o.mu.Lock()
	defer o.mu.Unlock()
	if own {
		o.owned[key] = true
		o.byGroup[group] = append(o.byGroup[group], shard)
		return
	}
	delete(o.owned, key)
	kept := o.byGroup[group][:0]
	for _, s := range o.byGroup[group] {
		if s != shard {
			kept = append(kept, s)
		}
	}
	o.byGroup[group] = kept
}

func (o *Ownership) exportGauges() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for group := 0; group < o.cfg.Layout.Groups; group++ {
		observability.ShardsOwned.WithLabelValues(strconv.Itoa(group)).Set(float64(len(o.byGroup[group])))
	}
}
