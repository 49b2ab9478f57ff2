package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	defaultWakeInterval = 10 * time.Second
	wakePage            = 100

	// rewakeHold keeps one woken job from collecting a copy per sweep
	// while its delivery still sits in a backed-up mailbox.
	rewakeHold = 30 * time.Second
)

// Deliverer hands a job record to its entity. The cluster dispatcher
// satisfies it.
type Deliverer interface {
	Deliver(ctx domain.Context, rec domain.JobRecord) error
}

// WakeSweeperDeps collects the ports the sweeper needs.
type WakeSweeperDeps struct {
	Workflows domain.WorkflowStore
	Jobs      domain.JobStore
	Dispatch  Deliverer
	Local     Locality
}

// WakeSweeper re-delivers scheduled jobs whose durable sleep has expired.
// Every runner sweeps, but each only wakes jobs on entities it owns, so a
// due job is delivered exactly once cluster-wide.
type WakeSweeper struct {
	deps     WakeSweeperDeps
	interval time.Duration

	mu    sync.Mutex
	woken map[string]time.Time
}

// NewWakeSweeper creates a sweeper. interval <= 0 falls back to 10s.
func NewWakeSweeper(deps WakeSweeperDeps, interval time.Duration) *WakeSweeper {
	if interval <= 0 {
		interval = defaultWakeInterval
	}
	return &WakeSweeper{deps: deps, interval: interval, woken: make(map[string]time.Time)}
}

// Run sweeps on a ticker until ctx ends.
func (s *WakeSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("wake sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Warn("wake sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep delivers every due sleeping workflow owned by this runner and
// reports how many jobs it woke.
func (s *WakeSweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.deps.Workflows.ListDue(ctx, time.Now().UTC(), wakePage)
	if err != nil {
		return 0, fmt.Errorf("op=schedule.Sweep: %w", err)
	}

	woken := 0
	for _, wf := range due {
		if ctx.Err() != nil {
			break
		}
		if s.recentlyWoken(wf.JobID) {
			continue
		}

		rec, err := s.deps.Jobs.Get(ctx, wf.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// The job row was purged under the envelope; close it out.
				if uerr := s.deps.Workflows.Update(ctx, wf.IdempotencyKey, domain.WorkflowComplete, wf.Attempt, nil); uerr != nil {
					slog.Warn("finalizing orphaned envelope failed",
						slog.String("job_id", wf.JobID), slog.Any("error", uerr))
				}
				continue
			}
			slog.Warn("wake read failed", slog.String("job_id", wf.JobID), slog.Any("error", err))
			continue
		}
		if !s.deps.Local.IsLocal(rec.EntityID) {
			continue
		}

		if err := s.deps.Dispatch.Deliver(ctx, rec); err != nil {
			slog.Warn("waking scheduled job failed",
				slog.String("job_id", rec.JobID), slog.String("entity_id", rec.EntityID),
				slog.Any("error", err))
			continue
		}
		s.markWoken(rec.JobID)
		woken++
	}

	if woken > 0 {
		slog.Info("scheduled jobs woken", slog.Int("count", woken))
	}
	return woken, nil
}

func (s *WakeSweeper) recentlyWoken(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.woken[jobID]
	if !ok {
		return false
	}
	if time.Since(at) >= rewakeHold {
		delete(s.woken, jobID)
		return false
	}
	return true
}

func (s *WakeSweeper) markWoken(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.woken[jobID] = time.Now()
}
