package entity_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
)

// memStore is an in-memory JobStore with the same CAS semantics as the
// PostgreSQL repo: a from-status mismatch reports applied=false, nil.
type memStore struct {
	mu            sync.Mutex
	rows          map[string]domain.JobRecord
	transitionErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]domain.JobRecord)}
}

func (s *memStore) put(rec domain.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.JobID] = rec
}

func (s *memStore) get(jobID string) (domain.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[jobID]
	return r, ok
}

func (s *memStore) Create(_ domain.Context, rec domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.JobID]; ok {
		return fmt.Errorf("op=memstore.create: %w", domain.ErrDedupeConflict)
	}
	s.rows[rec.JobID] = rec
	return nil
}

func (s *memStore) Get(_ domain.Context, jobID string) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[jobID]
	if !ok {
		return domain.JobRecord{}, fmt.Errorf("op=memstore.get: %w", domain.ErrNotFound)
	}
	return r, nil
}

func (s *memStore) FindActiveByDedupeKey(_ domain.Context, tenantID, dedupeKey string) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.DedupeKey == dedupeKey && !domain.IsTerminalStatus(r.Status) && r.Status != domain.JobFailed {
			return r, nil
		}
	}
	return domain.JobRecord{}, fmt.Errorf("op=memstore.find: %w", domain.ErrNotFound)
}

func (s *memStore) ApplyTransition(_ domain.Context, jobID string, from domain.JobStatus, up domain.TransitionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return false, s.transitionErr
	}
	r, ok := s.rows[jobID]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = up.To
	r.History = append(append([]domain.HistoryEntry{}, r.History...), up.Entry)
	if up.Attempts != nil {
		r.Attempts = *up.Attempts
	}
	if up.Result != nil {
		r.Result = up.Result
	}
	if up.LastError != nil {
		r.LastError = *up.LastError
	}
	if up.CompletedAt != nil {
		r.CompletedAt = up.CompletedAt
	}
	r.UpdatedAt = time.Now()
	s.rows[jobID] = r
	return true, nil
}

func (s *memStore) SetProgress(_ domain.Context, jobID string, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[jobID]
	if !ok {
		return fmt.Errorf("op=memstore.progress: %w", domain.ErrNotFound)
	}
	r.Progress = &p
	s.rows[jobID] = r
	return nil
}

func (s *memStore) ListUnfinished(_ domain.Context, afterJobID string, limit int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, r := range s.rows {
		if (r.Status == domain.JobQueued || r.Status == domain.JobProcessing) && r.JobID > afterJobID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ListStaleProcessing(_ domain.Context, cutoff time.Time, limit int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, r := range s.rows {
		if r.Status == domain.JobProcessing && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memWorkflows is an in-memory WorkflowStore.
type memWorkflows struct {
	mu   sync.Mutex
	rows map[string]domain.WorkflowExecution
}

func newMemWorkflows() *memWorkflows {
	return &memWorkflows{rows: make(map[string]domain.WorkflowExecution)}
}

func (w *memWorkflows) put(ex domain.WorkflowExecution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows[ex.IdempotencyKey] = ex
}

func (w *memWorkflows) get(key string) (domain.WorkflowExecution, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ex, ok := w.rows[key]
	return ex, ok
}

func (w *memWorkflows) Ensure(_ domain.Context, key, jobID string) (domain.WorkflowExecution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ex, ok := w.rows[key]; ok {
		return ex, nil
	}
	ex := domain.WorkflowExecution{
		IdempotencyKey: key,
		JobID:          jobID,
		State:          domain.WorkflowRunning,
		UpdatedAt:      time.Now(),
	}
	w.rows[key] = ex
	return ex, nil
}

func (w *memWorkflows) Update(_ domain.Context, key string, state domain.WorkflowState, attempt int, wakeAt *time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ex, ok := w.rows[key]
	if !ok {
		return fmt.Errorf("op=memworkflows.update: %w", domain.ErrNotFound)
	}
	ex.State = state
	ex.Attempt = attempt
	ex.WakeAt = wakeAt
	ex.UpdatedAt = time.Now()
	w.rows[key] = ex
	return nil
}

func (w *memWorkflows) ListUnfinished(_ domain.Context, limit int) ([]domain.WorkflowExecution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.WorkflowExecution
	for _, ex := range w.rows {
		if !ex.Finished() {
			out = append(out, ex)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (w *memWorkflows) ListDue(_ domain.Context, now time.Time, limit int) ([]domain.WorkflowExecution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.WorkflowExecution
	for _, ex := range w.rows {
		if ex.State == domain.WorkflowSleeping && ex.WakeAt != nil && !ex.WakeAt.After(now) {
			out = append(out, ex)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memDLQ is an in-memory DLQStore. Insert enforces the primary key the
// same way the PostgreSQL repo does.
type memDLQ struct {
	mu   sync.Mutex
	rows map[string]domain.DLQEntry
}

func newMemDLQ() *memDLQ {
	return &memDLQ{rows: make(map[string]domain.DLQEntry)}
}

func (d *memDLQ) all() []domain.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DLQEntry, 0, len(d.rows))
	for _, e := range d.rows {
		out = append(out, e)
	}
	return out
}

func (d *memDLQ) Insert(_ domain.Context, e domain.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rows[e.ID]; ok {
		return fmt.Errorf("op=memdlq.insert: %w", domain.ErrDedupeConflict)
	}
	d.rows[e.ID] = e
	return nil
}

func (d *memDLQ) Get(_ domain.Context, id string) (domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rows[id]
	if !ok {
		return domain.DLQEntry{}, fmt.Errorf("op=memdlq.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

func (d *memDLQ) ListTenants(_ domain.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range d.rows {
		if e.ReplayedAt == nil && !seen[e.TenantID] {
			seen[e.TenantID] = true
			out = append(out, e.TenantID)
		}
	}
	return out, nil
}

func (d *memDLQ) ListReplayable(_ domain.Context, tenantID string, maxAttempts, limit int) ([]domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range d.rows {
		if e.TenantID == tenantID && e.ReplayedAt == nil && e.Attempts <= maxAttempts {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *memDLQ) ListByTenant(_ domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range d.rows {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *memDLQ) IncrementAttempts(_ domain.Context, id string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rows[id]
	if !ok {
		return 0, fmt.Errorf("op=memdlq.increment: %w", domain.ErrNotFound)
	}
	e.Attempts++
	d.rows[id] = e
	return e.Attempts, nil
}

func (d *memDLQ) MarkReplayed(_ domain.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rows[id]
	if !ok {
		return fmt.Errorf("op=memdlq.mark: %w", domain.ErrNotFound)
	}
	e.ReplayedAt = &at
	d.rows[id] = e
	return nil
}

func (d *memDLQ) ClearReplayed(_ domain.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rows[id]
	if !ok {
		return fmt.Errorf("op=memdlq.clear: %w", domain.ErrNotFound)
	}
	e.ReplayedAt = nil
	d.rows[id] = e
	return nil
}

func (d *memDLQ) Count(_ domain.Context, source string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, e := range d.rows {
		if e.Source == source {
			n++
		}
	}
	return n, nil
}

// memCache is an in-memory StateCache that tracks heartbeat writes.
type memCache struct {
	mu       sync.Mutex
	states   map[string]domain.JobState
	progress map[string]domain.Progress
	hb       map[string]bool
	hbSets   int
}

func newMemCache() *memCache {
	return &memCache{
		states:   make(map[string]domain.JobState),
		progress: make(map[string]domain.Progress),
		hb:       make(map[string]bool),
	}
}

func (c *memCache) state(jobID string) (domain.JobState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[jobID]
	return st, ok
}

func (c *memCache) heartbeatWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hbSets
}

func (c *memCache) GetState(_ domain.Context, jobID string) (domain.JobState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[jobID]
	return st, ok, nil
}

func (c *memCache) SetState(_ domain.Context, st domain.JobState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[st.JobID] = st
	return nil
}

func (c *memCache) DeleteState(_ domain.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, jobID)
	delete(c.progress, jobID)
	return nil
}

func (c *memCache) SetHeartbeat(_ domain.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hb[jobID] = true
	c.hbSets++
	return nil
}

func (c *memCache) ClearHeartbeat(_ domain.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hb, jobID)
	return nil
}

func (c *memCache) HeartbeatAlive(_ domain.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hb[jobID], nil
}

func (c *memCache) SetLastProgress(_ domain.Context, jobID string, p domain.Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[jobID] = p
	return nil
}

func (c *memCache) GetLastProgress(_ domain.Context, jobID string) (domain.Progress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[jobID]
	return p, ok, nil
}

// memBus records published events in order.
type memBus struct {
	mu        sync.Mutex
	status    []domain.JobStatusEvent
	lifecycle []domain.JobLifecycleEvent
	dlqAlerts []domain.DLQAlertEvent
	polling   []domain.PollingAlertEvent
}

func (b *memBus) PublishStatus(_ domain.Context, ev domain.JobStatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = append(b.status, ev)
	return nil
}

func (b *memBus) PublishLifecycle(_ domain.Context, ev domain.JobLifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycle = append(b.lifecycle, ev)
	return nil
}

func (b *memBus) PublishDLQAlert(_ domain.Context, ev domain.DLQAlertEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlqAlerts = append(b.dlqAlerts, ev)
	return nil
}

func (b *memBus) PublishPollingAlert(_ domain.Context, ev domain.PollingAlertEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polling = append(b.polling, ev)
	return nil
}

func (b *memBus) statusSeq() []domain.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.JobStatus, len(b.status))
	for i, ev := range b.status {
		out[i] = ev.Status
	}
	return out
}

func (b *memBus) lifecycleKinds() []domain.LifecycleKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.LifecycleKind, len(b.lifecycle))
	for i, ev := range b.lifecycle {
		out[i] = ev.Kind
	}
	return out
}

// fakeClock returns a fixed now and records sleeps without waiting.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx domain.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() string { return fmt.Sprintf("ev-%d", s.n.Add(1)) }

// world bundles the fakes behind one manager.
type world struct {
	store *memStore
	wfs   *memWorkflows
	dlq   *memDLQ
	cache *memCache
	bus   *memBus
	clock *fakeClock
	reg   *entity.Registry
	mgr   *entity.Manager
}

func newWorld(t *testing.T, cfg entity.Config) *world {
	t.Helper()
	w := &world{
		store: newMemStore(),
		wfs:   newMemWorkflows(),
		dlq:   newMemDLQ(),
		cache: newMemCache(),
		bus:   &memBus{},
		clock: &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		reg:   entity.NewRegistry(),
	}
	w.mgr = entity.NewManager(entity.Deps{
		Store:     w.store,
		Workflows: w.wfs,
		DLQ:       w.dlq,
		Cache:     w.cache,
		Bus:       w.bus,
		Handlers:  w.reg,
		Clock:     w.clock,
		IDs:       &seqIDs{},
		Progress:  entity.NewProgressHub(),
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.mgr.Shutdown(ctx)
	})
	return w
}

func (w *world) seedJob(id string, mut func(*domain.JobRecord)) domain.JobRecord {
	rec := domain.JobRecord{
		JobID:       id,
		TenantID:    "acme",
		Type:        "email.send",
		Status:      domain.JobQueued,
		MaxAttempts: 3,
		Payload:     json.RawMessage(`{"to":"a@b.c"}`),
		Priority:    domain.PriorityNormal,
		EntityID:    "job-normal-0",
		History:     []domain.HistoryEntry{{Status: domain.JobQueued, Timestamp: w.clock.Now()}},
		CreatedAt:   w.clock.Now(),
		UpdatedAt:   w.clock.Now(),
		Duration:    domain.DurationShort,
	}
	if mut != nil {
		mut(&rec)
	}
	w.store.put(rec)
	return rec
}

func (w *world) waitStatus(t *testing.T, jobID string, want domain.JobStatus) domain.JobRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok := w.store.get(jobID)
		return ok && r.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	r, _ := w.store.get(jobID)
	return r
}

func historyStatuses(h []domain.HistoryEntry) []domain.JobStatus {
	out := make([]domain.JobStatus, len(h))
	for i, e := range h {
		out[i] = e.Status
	}
	return out
}
