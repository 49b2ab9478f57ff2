package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/jobmesh/jobmesh/internal/adapter/httpserver"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

// memJobs is an in-memory JobStore with the same compare-and-swap
// semantics as the Postgres repo.
type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.JobRecord
}

func newMemJobs() *memJobs {
	return &memJobs{rows: make(map[string]domain.JobRecord)}
}

func (s *memJobs) Create(_ domain.Context, rec domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	rec, ok := s.rows[jobID]
	if !ok {
		return domain.JobRecord{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return rec, nil
}

func (s *memJobs) FindActiveByDedupeKey(_ domain.Context, tenantID, dedupeKey string) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	mu       sync.Mutex
	states   map[string]domain.JobState
	progress map[string]domain.Progress
	hb       map[string]bool
	deleted  []string
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

func (c *memCache) deletedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.deleted))
	copy(out, c.deleted)
	return out
}

// memBus records published events.
type memBus struct {
	mu       sync.Mutex
	statuses []domain.JobStatusEvent
}

func (b *memBus) PublishStatus(_ domain.Context, ev domain.JobStatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, ev)
	return nil
}

func (b *memBus) PublishLifecycle(_ domain.Context, _ domain.JobLifecycleEvent) error { return nil }

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

// fakeDispatch is a programmable Dispatcher.
type fakeDispatch struct {
	mu          sync.Mutex
	delivered   []domain.JobRecord
	deliverErrs []error
	cancelOK    bool
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

func (d *fakeDispatch) CancelInFlight(_ domain.Context, _, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelOK, nil
}

func (d *fakeDispatch) deliveries() []domain.JobRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.JobRecord, len(d.delivered))
	copy(out, d.delivered)
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

// fakeRuntime records entity evictions.
type fakeRuntime struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeRuntime) Deactivate(entityID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, entityID)
	return true
}

// fakeSweeper is a programmable Recoverer.
type fakeSweeper struct {
	n   int
	err error
}

func (f *fakeSweeper) Sweep(_ domain.Context) (int, error) { return f.n, f.err }

// stubLimiter is a programmable TenantLimiter.
type stubLimiter struct {
	mu    sync.Mutex
	allow bool
	wait  time.Duration
	err   error
	keys  []string
	costs []int64
}

func (l *stubLimiter) Allow(_ context.Context, key string, cost int64) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	l.costs = append(l.costs, cost)
	return l.allow, l.wait, l.err
}

type world struct {
	jobs    *memJobs
	dlq     *memDLQ
	cache   *memCache
	bus     *memBus
	disp    *fakeDispatch
	hub     *entity.ProgressHub
	gw      *usecase.EventGateway
	runtime *fakeRuntime
	sweep   *fakeSweeper
	srv     *httpserver.Server
}

func newWorld(t *testing.T, mutate ...func(*config.Config)) *world {
	t.Helper()
	cfg := config.Config{AppEnv: "dev", Port: 8080}
	for _, fn := range mutate {
		fn(&cfg)
	}
	w := &world{
		jobs:    newMemJobs(),
		dlq:     newMemDLQ(),
		cache:   newMemCache(),
		bus:     &memBus{},
		disp:    &fakeDispatch{},
		hub:     entity.NewProgressHub(),
		gw:      usecase.NewEventGateway(),
		runtime: &fakeRuntime{},
		sweep:   &fakeSweeper{},
	}
	jobs := usecase.NewJobService(usecase.JobServiceDeps{
		Jobs:     w.jobs,
		DLQ:      w.dlq,
		Cache:    w.cache,
		Bus:      w.bus,
		IDs:      &seqIDs{},
		Handlers: entity.NewRegistry(),
		Dispatch: w.disp,
		Hub:      w.hub,
		Events:   w.gw,
	})
	admin := usecase.NewAdminService(usecase.AdminServiceDeps{
		Jobs:    w.jobs,
		DLQ:     w.dlq,
		Cache:   w.cache,
		Router:  jobs,
		Runtime: w.runtime,
		Recover: w.sweep,
	})
	w.srv = httpserver.NewServer(cfg, jobs, admin, nil, nil)
	t.Cleanup(w.gw.Close)
	return w
}

// syncRecorder is a concurrency-safe ResponseWriter for handlers that
// stream from a goroutine while the test polls the body. It implements
// http.Flusher so the SSE setup accepts it.
type syncRecorder struct {
	mu     sync.Mutex
	code   int
	header http.Header
	body   bytes.Buffer
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{code: http.StatusOK, header: make(http.Header)}
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

// jsonRequest builds a JSON request with the Accept and Content-Type
// headers set.
func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, target, rd)
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withURLParam injects a chi route parameter the way the router would.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorEnvelope parses the error response body.
func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code, env.Error.Message
}

func submitBody(mutate ...func(map[string]any)) map[string]any {
	body := map[string]any{
		"type":      "email.send",
		"tenant_id": "acme",
		"payload":   map[string]any{"to": "a@b.c"},
	}
	for _, fn := range mutate {
		fn(body)
	}
	return body
}
