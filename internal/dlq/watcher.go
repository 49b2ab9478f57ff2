// Package dlq contains the dead-letter watcher: a leader-only daemon that
// pages stored dead letters and auto-replays them on a bounded budget.
package dlq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// watcherKey elects one watcher across the cluster through the shard map.
	watcherKey = "dlq-watcher"

	// tenantPage bounds how many entries one tenant contributes per cycle.
	tenantPage = 50

	// Per-entry backoff between failed replay attempts, doubled each miss.
	entryBackoffBase = 5 * time.Second
	entryBackoffCap  = 5 * time.Minute

	// defaultReplayRate paces replays so a deep backlog drains without
	// flooding the router.
	defaultReplayRate  = rate.Limit(2)
	defaultReplayBurst = 2
)

// Replayer re-submits one dead-lettered job. The job router satisfies it.
type Replayer interface {
	Replay(ctx domain.Context, dlqID string) (string, error)
}

// Leader answers whether this runner owns a cluster-wide singleton key.
type Leader interface {
	IsLocal(entityID string) bool
}

// WatcherDeps collects the ports the watcher needs.
type WatcherDeps struct {
	Store  domain.DLQStore
	Bus    domain.EventPublisher
	Router Replayer
	Leader Leader
	IDs    domain.IDGenerator
}

// Watcher drives bounded dead-letter auto-replay. Only the runner owning
// the watcher key acts; every other runner's cycles are no-ops, so
// leadership can move without coordination. A cycle never returns an
// error and never panics out: dead-letter handling is best-effort by
// construction and all failures are logged and retried next cycle.
type Watcher struct {
	deps       WatcherDeps
	interval   time.Duration
	maxRetries int
	limiter    *rate.Limiter

	mu    sync.Mutex
	sched map[string]entrySchedule
}

// entrySchedule is the per-entry replay backoff carried across cycles.
type entrySchedule struct {
	at    time.Time
	delay time.Duration
}

// NewWatcher creates a watcher. interval <= 0 falls back to five minutes,
// maxRetries < 0 to the domain default.
func NewWatcher(deps WatcherDeps, interval time.Duration, maxRetries int) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxRetries < 0 {
		maxRetries = domain.DefaultMaxAttempts
	}
	return &Watcher{
		deps:       deps,
		interval:   interval,
		maxRetries: maxRetries,
		limiter:    rate.NewLimiter(defaultReplayRate, defaultReplayBurst),
		sched:      make(map[string]entrySchedule),
	}
}

// Run cycles until ctx is cancelled. The start is jittered so runners that
// boot together do not contend for the first cycle.
func (w *Watcher) Run(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(w.interval/5) + 1)) //nolint:gosec // Weak random is fine for jitter.
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dlq watcher stopping")
			return
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one watcher pass: refresh the depth gauge, page tenants, and
// process each tenant's replayable entries oldest first.
func (w *Watcher) Cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dlq watcher cycle panicked", slog.Any("panic", r))
		}
	}()

	if !w.deps.Leader.IsLocal(watcherKey) {
		return
	}

	if n, err := w.deps.Store.Count(ctx, domain.DLQSourceJob); err == nil {
		observability.DLQDepth.Set(float64(n))
	} else {
		slog.Warn("dlq depth count failed", slog.Any("error", err))
	}

	tenants, err := w.deps.Store.ListTenants(ctx)
	if err != nil {
		slog.Warn("dlq tenant listing failed", slog.Any("error", err))
		return
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.sweepTenant(ctx, tenant)
	}
	w.expire()
}

func (w *Watcher) sweepTenant(ctx context.Context, tenantID string) {
	entries, err := w.deps.Store.ListReplayable(ctx, tenantID, w.maxRetries, tenantPage)
	if err != nil {
		slog.Warn("dlq page read failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, e)
	}
}

// process applies the replay budget to one entry. An entry at the budget
// gets a final alert and one last increment, which pushes it past the
// query filter for good; everything under the budget is replayed.
func (w *Watcher) process(ctx context.Context, e domain.DLQEntry) {
	switch {
	case e.Attempts > w.maxRetries:
		w.alert(ctx, e)
	case e.Attempts == w.maxRetries:
		w.alert(ctx, e)
		if _, err := w.deps.Store.IncrementAttempts(ctx, e.ID); err != nil {
			slog.Warn("dlq attempt increment failed", slog.String("dlq_id", e.ID), slog.Any("error", err))
		}
	default:
		w.replay(ctx, e)
	}
}

func (w *Watcher) replay(ctx context.Context, e domain.DLQEntry) {
	if !w.due(e.ID) {
		return
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	jobID, err := w.deps.Router.Replay(ctx, e.ID)
	if err != nil {
		slog.Warn("dlq auto-replay failed",
			slog.String("dlq_id", e.ID), slog.String("tenant_id", e.TenantID), slog.Any("error", err))
		if _, ierr := w.deps.Store.IncrementAttempts(ctx, e.ID); ierr != nil {
			slog.Warn("dlq attempt increment failed", slog.String("dlq_id", e.ID), slog.Any("error", ierr))
		}
		if cerr := w.deps.Store.ClearReplayed(ctx, e.ID); cerr != nil {
			slog.Warn("clearing replay mark failed", slog.String("dlq_id", e.ID), slog.Any("error", cerr))
		}
		w.deferEntry(e.ID)
		return
	}

	w.forget(e.ID)
	slog.Info("dead letter auto-replayed",
		slog.String("dlq_id", e.ID), slog.String("job_id", jobID),
		slog.String("tenant_id", e.TenantID), slog.Int("replay_attempts", e.Attempts))
}

func (w *Watcher) alert(ctx context.Context, e domain.DLQEntry) {
	ev := domain.DLQAlertEvent{
		ID:       w.deps.IDs.Next(),
		DLQID:    e.ID,
		TenantID: e.TenantID,
		SourceID: e.SourceID,
		Type:     e.Type,
		Attempts: e.Attempts,
		At:       time.Now().UTC(),
	}
	if err := w.deps.Bus.PublishDLQAlert(ctx, ev); err != nil {
		slog.Warn("publishing dlq alert failed", slog.String("dlq_id", e.ID), slog.Any("error", err))
	}
	observability.DLQAlertsTotal.Inc()
	slog.Warn("dead letter exhausted its replay budget",
		slog.String("dlq_id", e.ID), slog.String("tenant_id", e.TenantID),
		slog.String("job_type", e.Type), slog.Int("replay_attempts", e.Attempts))
}

// due reports whether the entry's backoff window has passed.
func (w *Watcher) due(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sched[id]
	return !ok || !time.Now().Before(s.at)
}

func (w *Watcher) deferEntry(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := entryBackoffBase
	if s, ok := w.sched[id]; ok {
		d = s.delay * 2
		if d > entryBackoffCap {
			d = entryBackoffCap
		}
	}
	w.sched[id] = entrySchedule{at: time.Now().Add(d), delay: d}
}

func (w *Watcher) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sched, id)
}

// expire drops schedules that have been due for a full backoff cap; their
// entries were replayed, purged, or pushed past the budget since.
func (w *Watcher) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-entryBackoffCap)
	for id, s := range w.sched {
		if s.at.Before(cutoff) {
			delete(w.sched, id)
		}
	}
}
