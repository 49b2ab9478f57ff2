// Command runner starts a JobMesh runner: the process that owns shards
// and hosts entities. It serves the cluster transport for deliveries
// from API nodes, runs the recovery, dead-letter, wake, and singleton
// daemons, and exposes probes and metrics on the ops port.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobmesh/jobmesh/internal/adapter/bus/redpanda"
	"github.com/jobmesh/jobmesh/internal/adapter/cache/rediscache"
	"github.com/jobmesh/jobmesh/internal/adapter/idgen"
	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/adapter/repo/postgres"
	"github.com/jobmesh/jobmesh/internal/app"
	"github.com/jobmesh/jobmesh/internal/cluster"
	"github.com/jobmesh/jobmesh/internal/cluster/transport"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/dlq"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
	"github.com/jobmesh/jobmesh/internal/schedule"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

// purgeTask runs the retention purge as a cluster singleton, so exactly
// one runner deletes aged rows at a time.
type purgeTask struct {
	svc      *postgres.CleanupService
	interval time.Duration
}

func (t purgeTask) Name() string       { return "retention-purge" }
func (t purgeTask) SchemaVersion() int { return 1 }

func (t purgeTask) Run(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	t.svc.RunPeriodic(ctx, t.interval)
	return nil, nil
}

// alertTask runs the polling alerter as a cluster singleton, so each
// breach alerts once instead of once per runner.
type alertTask struct {
	alerter *app.Alerter
}

func (t alertTask) Name() string       { return "polling-alerter" }
func (t alertTask) SchemaVersion() int { return 1 }

func (t alertTask) Run(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	t.alerter.Run(ctx)
	return nil, nil
}

// nodeID derives a per-process identity for snowflake seeding and shard
// assignment rows.
func nodeID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that the ops
	// /metrics endpoint exposes entity, shard, and bus instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.PostgresURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb, err := rediscache.NewClient(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	cache := rediscache.New(rdb)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	runnerID := nodeID("runner")
	ids, err := idgen.NewSnowflake(runnerID)
	if err != nil {
		slog.Error("id generator init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	shardRepo := postgres.NewShardRepo(pool)
	wfRepo := postgres.NewWorkflowRepo(pool)
	singletonRepo := postgres.NewSingletonRepo(pool)

	registry := entity.NewRegistry()
	if cfg.IsDev() {
		// Echo handler so a fresh dev stack can process jobs end to end.
		_ = registry.Register("demo.echo", func(ctx context.Context, job domain.HandlerJob) (json.RawMessage, error) {
			job.Report(100, "echoed")
			return job.Payload, nil
		})
	}

	hub := entity.NewProgressHub()
	manager := entity.NewManager(entity.Deps{
		Store:     jobRepo,
		Workflows: wfRepo,
		DLQ:       dlqRepo,
		Cache:     cache,
		Bus:       producer,
		Handlers:  registry,
		IDs:       ids,
		Progress:  hub,
	}, entity.Config{MailboxCap: cfg.MailboxCap, MaxIdle: cfg.EntityMaxIdle})

	advertise := cfg.AdvertiseHost
	if advertise == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			advertise = h
		} else {
			advertise = "localhost"
		}
	}

	layout := cluster.Layout{Groups: cfg.ShardGroups, ShardsPerGroup: cfg.ShardsPerGroup}
	ownership := cluster.NewOwnership(cluster.OwnershipConfig{
		Layout:   layout,
		RunnerID: runnerID,
		Host:     advertise,
		Port:     cfg.BindPort,
	}, func(ctx context.Context) (cluster.LockConn, error) {
		return postgres.NewLockConn(ctx, cfg.PostgresURL)
	}, shardRepo)

	tsrv := transport.NewServer(cfg.ClusterTransport, fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort), manager)
	if err := tsrv.Start(); err != nil {
		slog.Error("cluster transport listen failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("cluster transport listening", slog.String("addr", tsrv.Addr()))

	remote := transport.NewClient(cfg.ClusterTransport)
	defer func() { _ = remote.Close() }()
	prober := cluster.NewProber(cfg.ClusterHealthMode, cfg.OpsPort)
	dispatch := cluster.NewDispatcher(ownership, manager, remote, prober)

	jobs := usecase.NewJobService(usecase.JobServiceDeps{
		Jobs:     jobRepo,
		DLQ:      dlqRepo,
		Cache:    cache,
		Bus:      producer,
		IDs:      ids,
		Handlers: registry,
		Dispatch: dispatch,
		Hub:      hub,
	})

	recovery := app.NewRecovery(app.RecoveryDeps{
		Jobs:     jobRepo,
		DLQ:      dlqRepo,
		Cache:    cache,
		Bus:      producer,
		Dispatch: dispatch,
		Local:    ownership,
		IDs:      ids,
	}, cfg.RecoveryStaleAfter, cfg.RecoveryAbandonAfter, cfg.RecoverySweepInterval)

	watcher := dlq.NewWatcher(dlq.WatcherDeps{
		Store:  dlqRepo,
		Bus:    producer,
		Router: jobs,
		Leader: ownership,
		IDs:    ids,
	}, cfg.DLQCheckInterval(), cfg.DLQMaxRetries)

	wake := schedule.NewWakeSweeper(schedule.WakeSweeperDeps{
		Workflows: wfRepo,
		Jobs:      jobRepo,
		Dispatch:  dispatch,
		Local:     ownership,
	}, 0)

	coordinator := schedule.NewCoordinator(schedule.CoordinatorDeps{
		Store:    singletonRepo,
		Leader:   ownership,
		RunnerID: runnerID,
	}, 0, 0, 0)
	completedTTL := time.Duration(cfg.PurgeCompletedTTLDays) * 24 * time.Hour
	failedTTL := time.Duration(cfg.PurgeFailedTTLDays) * 24 * time.Hour
	coordinator.Register(purgeTask{
		svc:      postgres.NewCleanupService(pool, completedTTL, failedTTL),
		interval: cfg.PurgeInterval,
	})
	coordinator.Register(alertTask{
		alerter: app.NewAlerter(app.AlerterDeps{
			DLQ:   dlqRepo,
			Queue: jobRepo,
			Bus:   producer,
			IDs:   ids,
		}, app.AlertThresholds{
			DLQDepthMax:      cfg.AlertDLQDepthMax,
			QueueDepthMax:    cfg.AlertQueueDepthMax,
			CacheHitRatioMin: cfg.AlertCacheHitRatioMin,
		}, cfg.AlertInterval),
	})

	cronRunner := schedule.NewCronRunner(ownership)
	entries, err := schedule.LoadSchedules(cfg.SchedulesFile, jobs)
	if err != nil {
		slog.Error("loading schedules failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cronRunner.AddAll(entries); err != nil {
		slog.Error("registering schedules failed", slog.Any("error", err))
		os.Exit(1)
	}

	daemonCtx, stopDaemons := context.WithCancel(ctx)
	defer stopDaemons()
	go recovery.Run(daemonCtx)
	go watcher.Run(daemonCtx)
	go wake.Run(daemonCtx)
	go coordinator.Run(daemonCtx)
	cronRunner.Start(daemonCtx)

	ownCtx, stopOwnership := context.WithCancel(ctx)
	defer stopOwnership()
	ownDone := make(chan struct{})
	go func() {
		defer close(ownDone)
		_ = ownership.Run(ownCtx)
	}()

	checks := app.BuildReadinessChecks(pool, rdb, producer, ownership)
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           app.BuildOpsRouter(checks),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server starting", slog.Int("port", cfg.OpsPort))
		errCh <- opsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}

	// Stop ingress first, then schedulers, then drain entities, and only
	// after the drain release shard ownership, so another runner cannot
	// claim a shard whose entities are still running here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = opsSrv.Shutdown(shutdownCtx)
	_ = tsrv.Shutdown(shutdownCtx)
	cronRunner.Stop()
	stopDaemons()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	_ = manager.Shutdown(drainCtx)
	cancelDrain()

	stopOwnership()
	select {
	case <-ownDone:
	case <-shutdownCtx.Done():
		slog.Warn("shard release timed out")
	}
}
