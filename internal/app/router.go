package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/jobmesh/jobmesh/internal/adapter/httpserver"
	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the API handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Request-deadline group. The SSE routes stay outside it because the
	// timeout handler's response writer cannot flush.
	r.Group(func(tr chi.Router) {
		tr.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		// Rate limit mutating endpoints per client IP.
		tr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/jobs", srv.SubmitHandler())
			wr.Post("/v1/jobs/batch", srv.SubmitBatchHandler())
			wr.Delete("/v1/jobs/{jobID}", srv.CancelHandler())
		})
		// Read-only endpoints
		tr.Get("/v1/jobs/{jobID}", srv.StatusHandler())

		if cfg.AdminEnabled() {
			tr.Group(func(ar chi.Router) {
				ar.Use(srv.AdminGuard())
				ar.Post("/v1/admin/dlq/{dlqID}/replay", srv.ReplayHandler())
				ar.Post("/v1/admin/jobs/{jobID}/reset", srv.ResetJobHandler())
				ar.Post("/v1/admin/recover", srv.RecoverHandler())
				ar.Get("/v1/admin/dlq", srv.ListDLQHandler())
			})
		}

		// Health and metrics
		tr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		tr.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
		tr.Get("/readyz", srv.ReadyzHandler())
	})

	// Streaming endpoints manage their own lifetime.
	r.Get("/v1/jobs/{jobID}/progress", srv.ProgressHandler())
	if cfg.AdminEnabled() {
		r.Group(func(sr chi.Router) {
			sr.Use(srv.AdminGuard())
			sr.Get("/v1/events", srv.EventsHandler())
		})
	}

	return httpserver.SecurityHeaders(r)
}

// BuildOpsRouter serves the ops listener both binaries expose: liveness,
// readiness, and the Prometheus scrape endpoint.
func BuildOpsRouter(checks []httpserver.ReadyCheck) http.Handler {
	srv := &httpserver.Server{Ready: checks}
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}
