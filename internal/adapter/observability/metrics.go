package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"type"},
	)
	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of retry attempts started",
		},
		[]string{"type"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the DLQ",
		},
		[]string{"type"},
	)
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"type"},
	)

	MailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entity_mailbox_depth",
			Help: "Pending messages per entity mailbox",
		},
		[]string{"entity_id"},
	)
	MailboxRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entity_mailbox_rejections_total",
			Help: "Messages rejected because an entity mailbox was full",
		},
		[]string{"entity_id"},
	)
	ProgressDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_updates_dropped_total",
			Help: "Progress updates dropped by sliding buffers under backpressure",
		},
	)

	ShardsOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_shards_owned",
			Help: "Shards owned by this runner per group",
		},
		[]string{"shard_group"},
	)

	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Dead-letter entries currently stored",
		},
	)
	DLQReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replays_total",
			Help: "DLQ auto-replay attempts by outcome",
		},
		[]string{"outcome"},
	)
	DLQAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_alerts_total",
			Help: "DLQ entries that exhausted their replay budget",
		},
	)

	RecoverySweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_sweep_total",
			Help: "Orphaned processing rows handled by the recovery sweep",
		},
		[]string{"action"},
	)
	PurgedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purged_rows_total",
			Help: "Rows removed by the retention purge",
		},
		[]string{"table"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published to the bus per topic",
		},
		[]string{"topic"},
	)
	CronDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cron_dispatch_total",
			Help: "Cron dispatch outcomes per schedule",
		},
		[]string{"schedule", "outcome"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_cache_hits_total",
			Help: "State cache hits per operation",
		},
		[]string{"op"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_cache_misses_total",
			Help: "State cache misses per operation",
		},
		[]string{"op"},
	)

	TransportSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_transport_sends_total",
			Help: "Cross-runner entity sends per transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queued_depth",
			Help: "Jobs currently queued and waiting for an entity",
		},
	)
)

// Shadow counters behind CacheHit/CacheMiss. Prometheus counters are
// write-only, and the polling alerter needs to read the ratio back.
var cacheHits, cacheMisses atomic.Uint64

// CacheCounts returns the process-lifetime cache hit and miss totals.
func CacheCounts() (hits, misses uint64) {
	return cacheHits.Load(), cacheMisses.Load()
}

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(MailboxRejectionsTotal)
	prometheus.MustRegister(ProgressDroppedTotal)
	prometheus.MustRegister(ShardsOwned)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQReplaysTotal)
	prometheus.MustRegister(DLQAlertsTotal)
	prometheus.MustRegister(RecoverySweepTotal)
	prometheus.MustRegister(PurgedRowsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(CronDispatchTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(TransportSendsTotal)
	prometheus.MustRegister(QueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType, priority string) {
	JobsEnqueuedTotal.WithLabelValues(jobType, priority).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, dur time.Duration) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDurationSeconds.WithLabelValues(jobType).Observe(dur.Seconds())
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

func CancelJob(jobType string, inFlight bool) {
	if inFlight {
		JobsProcessing.WithLabelValues(jobType).Dec()
	}
	JobsCancelledTotal.WithLabelValues(jobType).Inc()
}

func RetryJob(jobType string) {
	JobRetriesTotal.WithLabelValues(jobType).Inc()
}

func DeadLetterJob(jobType string) {
	JobsDeadLetteredTotal.WithLabelValues(jobType).Inc()
}

func ReplayDLQEntry(outcome string) {
	DLQReplaysTotal.WithLabelValues(outcome).Inc()
}

func PublishEvent(topic string) {
	EventsPublishedTotal.WithLabelValues(topic).Inc()
}

func CacheHit(op string) {
	cacheHits.Add(1)
	CacheHitsTotal.WithLabelValues(op).Inc()
}

func CacheMiss(op string) {
	cacheMisses.Add(1)
	CacheMissesTotal.WithLabelValues(op).Inc()
}
