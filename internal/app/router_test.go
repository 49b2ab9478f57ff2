package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/jobmesh/jobmesh/internal/adapter/httpserver"
	"github.com/jobmesh/jobmesh/internal/app"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

// routerWorld wires a Server onto the in-memory stores from the sweep tests
// so requests exercise the full middleware stack.
type routerWorld struct {
	cfg  config.Config
	jobs *sweepJobs
	dlq  *sweepDLQ
	srv  *httpserver.Server
}

func newRouterWorld(mutate ...func(*config.Config)) *routerWorld {
	cfg := config.Config{AppEnv: "dev", Port: 8080, RateLimitPerMin: 100, CORSAllowOrigins: "*"}
	for _, m := range mutate {
		m(&cfg)
	}
	jobs := newSweepJobs()
	dlq := &sweepDLQ{}
	cache := newSweepCache()
	svc := usecase.NewJobService(usecase.JobServiceDeps{
		Jobs:     jobs,
		DLQ:      dlq,
		Cache:    cache,
		Bus:      &sweepBus{},
		IDs:      &countIDs{},
		Handlers: entity.NewRegistry(),
		Dispatch: &captureDispatch{errs: make(map[string]error)},
		Hub:      entity.NewProgressHub(),
	})
	admin := usecase.NewAdminService(usecase.AdminServiceDeps{Jobs: jobs, DLQ: dlq, Cache: cache, Router: svc})
	return &routerWorld{cfg: cfg, jobs: jobs, dlq: dlq, srv: httpserver.NewServer(cfg, svc, admin, nil, nil)}
}

func (w *routerWorld) handler() http.Handler { return app.BuildRouter(w.cfg, w.srv) }

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBuildRouter_HealthEndpoints(t *testing.T) {
	h := newRouterWorld().handler()

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_SubmitAndStatusFlow(t *testing.T) {
	w := newRouterWorld()
	h := w.handler()

	body := `{"type":"email.send","tenant_id":"acme","payload":{"to":"a@b.c"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res domain.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.JobID)
	assert.False(t, res.Duplicate)

	rec = get(t, h, "/v1/jobs/"+res.JobID)
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, res.JobID, st.JobID)
	assert.Equal(t, domain.JobQueued, st.Status)
}

func TestBuildRouter_ValidationErrorShape(t *testing.T) {
	h := newRouterWorld().handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "VALIDATION", env.Error.Code)
}

func TestBuildRouter_UnknownRoute(t *testing.T) {
	h := newRouterWorld().handler()

	rec := get(t, h, "/v1/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_AdminGuardEnforced(t *testing.T) {
	hash, err := httpserver.HashToken("swordfish", httpserver.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32})
	require.NoError(t, err)
	w := newRouterWorld(func(c *config.Config) {
		c.AppEnv = "prod"
		c.AdminTokenHash = hash
	})
	h := w.handler()

	rec := get(t, h, "/v1/admin/dlq?tenant=acme")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dlq?tenant=acme", nil)
	req.Header.Set("Authorization", "Bearer swordfish")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestBuildRouter_AdminRoutesAbsentWithoutCredentials(t *testing.T) {
	w := newRouterWorld(func(c *config.Config) { c.AppEnv = "prod" })
	h := w.handler()

	for _, target := range []string{"/v1/admin/dlq?tenant=acme", "/v1/events"} {
		rec := get(t, h, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestBuildRouter_RateLimitsSubmitsByIP(t *testing.T) {
	w := newRouterWorld(func(c *config.Config) { c.RateLimitPerMin = 2 })
	h := w.handler()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads stay outside the submit limiter.
	rec = get(t, h, "/v1/jobs/job-x")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_CORSPreflight(t *testing.T) {
	h := newRouterWorld().handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBuildRouter_ProgressStreamFlushesThroughStack(t *testing.T) {
	w := newRouterWorld()
	now := time.Now().UTC()
	w.jobs.add(domain.JobRecord{
		JobID:     "job-done",
		TenantID:  "acme",
		Type:      "email.send",
		Status:    domain.JobComplete,
		Progress:  &domain.Progress{Pct: 100, Message: "done"},
		History:   []domain.HistoryEntry{{Status: domain.JobComplete, Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}, false)
	h := w.handler()

	// The wrapped writers along the middleware chain must keep http.Flusher
	// visible or the stream degrades to a 500.
	rec := get(t, h, "/v1/jobs/job-done/progress")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, `"pct":100`)
	assert.Contains(t, body, "event: done")
}

func TestBuildOpsRouter_ServesProbes(t *testing.T) {
	h := app.BuildOpsRouter([]httpserver.ReadyCheck{
		{Name: "postgres", Probe: func(context.Context) error { return nil }},
	})

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildOpsRouter_ReadyzReportsFailure(t *testing.T) {
	h := app.BuildOpsRouter([]httpserver.ReadyCheck{
		{Name: "postgres", Probe: func(context.Context) error { return nil }},
		{Name: "redis", Probe: func(context.Context) error { return errors.New("connection refused") }},
	})

	rec := get(t, h, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"redis"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
