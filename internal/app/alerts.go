package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	defaultAlertInterval = time.Minute
	alertHoldDown        = 15 * time.Minute

	// cacheRatioMinSample is how many cache lookups must have happened
	// before the hit ratio is meaningful enough to alert on.
	cacheRatioMinSample = 100
)

// DLQDepther counts stored dead-letter entries.
type DLQDepther interface {
	Count(ctx domain.Context, source string) (int64, error)
}

// QueueDepther counts jobs waiting for an entity.
type QueueDepther interface {
	CountQueued(ctx domain.Context) (int64, error)
}

// AlertThresholds are the breach levels. A zero value disables that check.
type AlertThresholds struct {
	DLQDepthMax      int64
	QueueDepthMax    int64
	CacheHitRatioMin float64
}

// AlerterDeps collects the sources the alerter polls.
type AlerterDeps struct {
	DLQ   DLQDepther
	Queue QueueDepther
	Bus   domain.EventPublisher
	IDs   domain.IDGenerator
}

// Alerter periodically samples operational depths and ratios and publishes
// a polling alert when one crosses its threshold. Repeat breaches of the
// same metric are held down; a metric that recovers re-arms immediately.
type Alerter struct {
	deps       AlerterDeps
	thresholds AlertThresholds
	interval   time.Duration
	holdDown   time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewAlerter creates the alerter. interval <= 0 falls back to 1m.
func NewAlerter(deps AlerterDeps, thresholds AlertThresholds, interval time.Duration) *Alerter {
	if interval <= 0 {
		interval = defaultAlertInterval
	}
	return &Alerter{
		deps:       deps,
		thresholds: thresholds,
		interval:   interval,
		holdDown:   alertHoldDown,
		lastFired:  make(map[string]time.Time),
	}
}

// Run polls on a ticker until ctx ends.
func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("polling alerter stopping")
			return
		case <-ticker.C:
			a.Cycle(ctx)
		}
	}
}

// Cycle samples every enabled metric once.
func (a *Alerter) Cycle(ctx context.Context) {
	if a.deps.DLQ != nil && a.thresholds.DLQDepthMax > 0 {
		n, err := a.deps.DLQ.Count(ctx, "")
		if err != nil {
			slog.Warn("sampling dlq depth failed", slog.Any("error", err))
		} else {
			observability.DLQDepth.Set(float64(n))
			a.evaluate(ctx, "dlq_depth", float64(n), float64(a.thresholds.DLQDepthMax),
				n > a.thresholds.DLQDepthMax)
		}
	}

	if a.deps.Queue != nil && a.thresholds.QueueDepthMax > 0 {
		n, err := a.deps.Queue.CountQueued(ctx)
		if err != nil {
			slog.Warn("sampling queue depth failed", slog.Any("error", err))
		} else {
			observability.QueueDepth.Set(float64(n))
			a.evaluate(ctx, "queue_depth", float64(n), float64(a.thresholds.QueueDepthMax),
				n > a.thresholds.QueueDepthMax)
		}
	}

	if a.thresholds.CacheHitRatioMin > 0 {
		hits, misses := observability.CacheCounts()
		if total := hits + misses; total >= cacheRatioMinSample {
			ratio := float64(hits) / float64(total)
			a.evaluate(ctx, "cache_hit_ratio", ratio, a.thresholds.CacheHitRatioMin,
				ratio < a.thresholds.CacheHitRatioMin)
		}
	}
}

func (a *Alerter) evaluate(ctx context.Context, metric string, value, threshold float64, breached bool) {
	if !breached {
		a.mu.Lock()
		delete(a.lastFired, metric)
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	last, held := a.lastFired[metric]
	a.mu.Unlock()
	if held && time.Since(last) < a.holdDown {
		return
	}

	ev := domain.PollingAlertEvent{
		ID:        a.deps.IDs.Next(),
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		At:        time.Now().UTC(),
	}
	if err := a.deps.Bus.PublishPollingAlert(ctx, ev); err != nil {
		slog.Warn("publishing polling alert failed", slog.String("metric", metric), slog.Any("error", err))
		return
	}
	a.mu.Lock()
	a.lastFired[metric] = time.Now()
	a.mu.Unlock()
	slog.Warn("operational threshold breached",
		slog.String("metric", metric),
		slog.Float64("value", value),
		slog.Float64("threshold", threshold))
}
