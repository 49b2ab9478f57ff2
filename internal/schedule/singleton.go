package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// singletonGrace is how long a new leader waits for the previous
	// leader's heartbeat to go stale before starting a task.
	singletonGrace = 60 * time.Second
	// singletonHeartbeat is the leader's save period into singleton_state.
	singletonHeartbeat = 30 * time.Second
	// reconcileInterval is how often ownership is re-checked.
	reconcileInterval = 15 * time.Second

	saveTimeout = 5 * time.Second
)

// Task is a long-running singleton: exactly one runner executes it at a
// time. Run blocks until ctx ends and returns the state to hand to the
// next leader. A schema version bump discards persisted state from older
// leaders.
type Task interface {
	Name() string
	SchemaVersion() int
	Run(ctx context.Context, state json.RawMessage) (json.RawMessage, error)
}

// CoordinatorDeps collects the ports the coordinator needs.
type CoordinatorDeps struct {
	Store    domain.SingletonStore
	Leader   Locality
	RunnerID string
}

// Coordinator starts and stops registered singleton tasks as shard-map
// ownership of their keys moves between runners. Tasks are keyed
// "singleton:"+name; a task starts only after the previous leader's
// heartbeat row has gone stale, so two leaders never overlap past the
// grace window.
type Coordinator struct {
	deps      CoordinatorDeps
	grace     time.Duration
	heartbeat time.Duration
	interval  time.Duration

	mu      sync.Mutex
	tasks   []Task
	running map[string]*taskRun
}

type taskRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator. Non-positive durations fall back
// to the defaults (60s grace, 30s heartbeat, 15s reconcile).
func NewCoordinator(deps CoordinatorDeps, grace, heartbeat, interval time.Duration) *Coordinator {
	if grace <= 0 {
		grace = singletonGrace
	}
	if heartbeat <= 0 {
		heartbeat = singletonHeartbeat
	}
	if interval <= 0 {
		interval = reconcileInterval
	}
	return &Coordinator{
		deps:      deps,
		grace:     grace,
		heartbeat: heartbeat,
		interval:  interval,
		running:   make(map[string]*taskRun),
	}
}

// Register adds a task. Call before Run.
func (c *Coordinator) Register(t Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
}

// Run reconciles task leadership until ctx ends, then stops every running
// task and persists its final state.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			slog.Info("singleton coordinator stopping")
			return
		case <-ticker.C:
			c.Reconcile(ctx)
		}
	}
}

// Reconcile starts tasks this runner now owns and stops tasks it lost.
func (c *Coordinator) Reconcile(ctx context.Context) {
	c.mu.Lock()
	tasks := make([]Task, len(c.tasks))
	copy(tasks, c.tasks)
	c.mu.Unlock()

	for _, t := range tasks {
		owned := c.deps.Leader.IsLocal("singleton:" + t.Name())
		c.mu.Lock()
		_, active := c.running[t.Name()]
		c.mu.Unlock()

		switch {
		case owned && !active:
			c.start(ctx, t)
		case !owned && active:
			c.stopTask(t.Name())
		}
	}
}

// start loads persisted state and launches the task, unless the previous
// leader's heartbeat is still fresh; then it returns and the next
// reconcile retries.
func (c *Coordinator) start(ctx context.Context, t Task) {
	name := t.Name()
	st, err := c.deps.Store.Get(ctx, name)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Error("singleton state load failed", slog.String("task", name), slog.Any("error", err))
		return
	}

	if st.LeaderID != "" && st.LeaderID != c.deps.RunnerID && time.Since(st.UpdatedAt) < c.grace {
		slog.Info("waiting out previous leader's grace window",
			slog.String("task", name), slog.String("previous_leader", st.LeaderID))
		return
	}

	state := st.State
	if st.SchemaVersion != 0 && st.SchemaVersion != t.SchemaVersion() {
		slog.Warn("discarding singleton state after schema change",
			slog.String("task", name),
			slog.Int("stored_version", st.SchemaVersion),
			slog.Int("task_version", t.SchemaVersion()))
		state = nil
	}

	tctx, cancel := context.WithCancel(ctx)
	run := &taskRun{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.running[name] = run
	c.mu.Unlock()

	go c.lead(tctx, t, state, run)
}

// lead owns one task's lifetime: claim the state row, heartbeat it while
// the task runs, and persist the task's final state on the way out.
func (c *Coordinator) lead(ctx context.Context, t Task, state json.RawMessage, run *taskRun) {
	name := t.Name()
	defer func() {
		c.mu.Lock()
		delete(c.running, name)
		c.mu.Unlock()
		close(run.done)
	}()

	slog.Info("singleton task starting", slog.String("task", name))
	c.save(name, t.SchemaVersion(), state)

	result := make(chan json.RawMessage, 1)
	go func() {
		final, err := t.Run(ctx, state)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("singleton task failed", slog.String("task", name), slog.Any("error", err))
		}
		result <- final
	}()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case final := <-result:
			if final != nil {
				state = final
			}
			c.save(name, t.SchemaVersion(), state)
			slog.Info("singleton task stopped", slog.String("task", name))
			return
		case <-ticker.C:
			c.save(name, t.SchemaVersion(), state)
		}
	}
}

func (c *Coordinator) stopTask(name string) {
	c.mu.Lock()
	run, ok := c.running[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	run.cancel()
	<-run.done
}

func (c *Coordinator) stopAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.running))
	for name := range c.running {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.stopTask(name)
	}
}

// save uses its own timeout so the final save still lands after the task
// context is cancelled.
func (c *Coordinator) save(name string, version int, state json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := c.deps.Store.Save(ctx, domain.SingletonState{
		Name:          name,
		SchemaVersion: version,
		State:         state,
		LeaderID:      c.deps.RunnerID,
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("singleton heartbeat save failed", slog.String("task", name), slog.Any("error", err))
	}
}
