package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

// memJobs is an in-memory JobStore with the same compare-and-swap
// semantics as the Postgres repo. createErr fails the next Create once;
// findMisses forces NotFound on the next dedupe reads so tests can stage
// an insert race.
type memJobs struct {
	mu         sync.Mutex
	rows       map[string]domain.JobRecord
	gets       int
	createErr  error
	findMisses int
}

func newMemJobs() *memJobs {
	return &memJobs{rows: make(map[string]domain.JobRecord)}
}

func (s *memJobs) Create(_ domain.Context, rec domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		err := s.createErr
		s.createErr = nil
		return err
	}
	if rec.DedupeKey != "" {
		for _, r := range s.rows {
			if r.TenantID == rec.TenantID && r.DedupeKey == rec.DedupeKey &&
				(r.Status == domain.JobQueued || r.Status == domain.JobProcessing) {
				return fmt.Errorf("op=job.create: %w", domain.ErrDedupeConflict)
			}
		}
	}
	s.rows[rec.JobID] = rec
	return nil
}

func (s *memJobs) Get(_ domain.Context, jobID string) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	rec, ok := s.rows[jobID]
	if !ok {
		return domain.JobRecord{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return rec, nil
}

func (s *memJobs) FindActiveByDedupeKey(_ domain.Context, tenantID, dedupeKey string) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findMisses > 0 {
		s.findMisses--
		return domain.JobRecord{}, fmt.Errorf("op=job.find_dedupe: %w", domain.ErrNotFound)
	}
	for _, r := range s.rows {
		if r.TenantID == tenantID && r.DedupeKey == dedupeKey &&
			(r.Status == domain.JobQueued || r.Status == domain.JobProcessing) {
			return r, nil
		}
	}
	return domain.JobRecord{}, fmt.Errorf("op=job.find_dedupe: %w", domain.ErrNotFound)
}

func (s *memJobs) ApplyTransition(_ domain.Context, jobID string, from domain.JobStatus, up domain.TransitionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[jobID]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = up.To
	rec.History = append(rec.History, up.Entry)
	if up.Attempts != nil {
		rec.Attempts = *up.Attempts
	}
	if up.Result != nil {
		rec.Result = up.Result
	}
	if up.LastError != nil {
		rec.LastError = *up.LastError
	}
	if up.CompletedAt != nil {
		rec.CompletedAt = up.CompletedAt
	}
	rec.UpdatedAt = up.Entry.Timestamp
	s.rows[jobID] = rec
	return true, nil
}

func (s *memJobs) SetProgress(_ domain.Context, jobID string, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rows[jobID]; ok {
		rec.Progress = &p
		s.rows[jobID] = rec
	}
	return nil
}

func (s *memJobs) ListUnfinished(_ domain.Context, afterJobID string, limit int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, r := range s.rows {
		if r.JobID > afterJobID && (r.Status == domain.JobQueued || r.Status == domain.JobProcessing) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobs) ListStaleProcessing(_ domain.Context, cutoff time.Time, limit int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, r := range s.rows {
		if r.Status == domain.JobProcessing && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobs) row(t *testing.T, jobID string) domain.JobRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[jobID]
	if !ok {
		t.Fatalf("job %s not stored", jobID)
	}
	return rec
}

func (s *memJobs) seed(rec domain.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.JobID] = rec
}

func (s *memJobs) getCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// memDLQ is an in-memory DLQStore.
type memDLQ struct {
	mu      sync.Mutex
	entries map[string]domain.DLQEntry
}

func newMemDLQ() *memDLQ {
	return &memDLQ{entries: make(map[string]domain.DLQEntry)}
}

func (s *memDLQ) Insert(_ domain.Context, e domain.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("op=dlq.insert: %w", domain.ErrDedupeConflict)
	}
	s.entries[e.ID] = e
	return nil
}

func (s *memDLQ) Get(_ domain.Context, id string) (domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

func (s *memDLQ) ListTenants(_ domain.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range s.entries {
		if !seen[e.TenantID] {
			seen[e.TenantID] = true
			out = append(out, e.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memDLQ) ListReplayable(_ domain.Context, tenantID string, maxAttempts, limit int) ([]domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.Source == domain.DLQSourceJob && e.Attempts <= maxAttempts && e.ReplayedAt == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memDLQ) ListByTenant(_ domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memDLQ) IncrementAttempts(_ domain.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, fmt.Errorf("op=dlq.increment: %w", domain.ErrNotFound)
	}
	e.Attempts++
	s.entries[id] = e
	return e.Attempts, nil
}

func (s *memDLQ) MarkReplayed(_ domain.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("op=dlq.mark_replayed: %w", domain.ErrNotFound)
	}
	e.ReplayedAt = &at
	s.entries[id] = e
	return nil
}

func (s *memDLQ) ClearReplayed(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("op=dlq.clear_replayed: %w", domain.ErrNotFound)
	}
	e.ReplayedAt = nil
	s.entries[id] = e
	return nil
}

func (s *memDLQ) Count(_ domain.Context, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Source == source {
			n++
		}
	}
	return n, nil
}

func (s *memDLQ) entry(t *testing.T, id string) domain.DLQEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		t.Fatalf("dlq entry %s not stored", id)
	}
	return e
}

// memCache is an in-memory StateCache.
type memCache struct {
	mu        sync.Mutex
	states    map[string]domain.JobState
	progress  map[string]domain.Progress
	hb        map[string]bool
	hbCleared int
	deleted   []string
}

func newMemCache() *memCache {
	return &memCache{
		states:   make(map[string]domain.JobState),
		progress: make(map[string]domain.Progress),
		hb:       make(map[string]bool),
	}
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
	c.deleted = append(c.deleted, jobID)
	return nil
}

func (c *memCache) SetHeartbeat(_ domain.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hb[jobID] = true
	return nil
}

func (c *memCache) ClearHeartbeat(_ domain.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hb, jobID)
	c.hbCleared++
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

func (c *memCache) state(jobID string) (domain.JobState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[jobID]
	return st, ok
}

// memBus records published events.
type memBus struct {
	mu         sync.Mutex
	statuses   []domain.JobStatusEvent
	lifecycles []domain.JobLifecycleEvent
}

func (b *memBus) PublishStatus(_ domain.Context, ev domain.JobStatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, ev)
	return nil
}

func (b *memBus) PublishLifecycle(_ domain.Context, ev domain.JobLifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycles = append(b.lifecycles, ev)
	return nil
}

func (b *memBus) PublishDLQAlert(_ domain.Context, _ domain.DLQAlertEvent) error { return nil }

func (b *memBus) PublishPollingAlert(_ domain.Context, _ domain.PollingAlertEvent) error { return nil }

func (b *memBus) statusSeq() []domain.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.JobStatus, 0, len(b.statuses))
	for _, ev := range b.statuses {
		out = append(out, ev.Status)
	}
	return out
}

func (b *memBus) lifecycleKinds() []domain.LifecycleKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.LifecycleKind, 0, len(b.lifecycles))
	for _, ev := range b.lifecycles {
		out = append(out, ev.Kind)
	}
	return out
}

// fakeDispatch is a programmable Dispatcher.
type fakeDispatch struct {
	mu          sync.Mutex
	delivered   []domain.JobRecord
	deliverErrs []error
	cancelOK    bool
	cancelErr   error
	cancels     [][2]string
}

func (d *fakeDispatch) Deliver(_ domain.Context, rec domain.JobRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, rec)
	if len(d.deliverErrs) > 0 {
		err := d.deliverErrs[0]
		d.deliverErrs = d.deliverErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDispatch) CancelInFlight(_ domain.Context, entityID, jobID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, [2]string{entityID, jobID})
	return d.cancelOK, d.cancelErr
}

func (d *fakeDispatch) deliveries() []domain.JobRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.JobRecord, len(d.delivered))
	copy(out, d.delivered)
	return out
}

func (d *fakeDispatch) cancelCalls() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][2]string, len(d.cancels))
	copy(out, d.cancels)
	return out
}

// seqIDs hands out deterministic ids.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n)
}

type world struct {
	jobs  *memJobs
	dlq   *memDLQ
	cache *memCache
	bus   *memBus
	disp  *fakeDispatch
	reg   *entity.Registry
	hub   *entity.ProgressHub
	gw    *usecase.EventGateway
	svc   *usecase.JobService
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		jobs:  newMemJobs(),
		dlq:   newMemDLQ(),
		cache: newMemCache(),
		bus:   &memBus{},
		disp:  &fakeDispatch{},
		reg:   entity.NewRegistry(),
		hub:   entity.NewProgressHub(),
		gw:    usecase.NewEventGateway(),
	}
	w.svc = usecase.NewJobService(usecase.JobServiceDeps{
		Jobs:     w.jobs,
		DLQ:      w.dlq,
		Cache:    w.cache,
		Bus:      w.bus,
		IDs:      &seqIDs{},
		Handlers: w.reg,
		Dispatch: w.disp,
		Hub:      w.hub,
		Events:   w.gw,
	})
	t.Cleanup(w.gw.Close)
	return w
}

func envelope(mutate ...func(*domain.JobEnvelope)) domain.JobEnvelope {
	env := domain.JobEnvelope{
		Type:     "email.send",
		TenantID: "acme",
		Payload:  []byte(`{"to":"a@b.c"}`),
	}
	for _, fn := range mutate {
		fn(&env)
	}
	return env
}
