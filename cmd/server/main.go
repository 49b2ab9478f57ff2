// Command server starts a JobMesh API node: the HTTP submission and
// status surface. An API node owns no shards and hosts no entities;
// every accepted job is routed over the cluster transport to the runner
// that owns its entity.
package main

import (
	"context"
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
	httpserver "github.com/jobmesh/jobmesh/internal/adapter/httpserver"
	"github.com/jobmesh/jobmesh/internal/adapter/idgen"
	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/adapter/repo/postgres"
	"github.com/jobmesh/jobmesh/internal/app"
	"github.com/jobmesh/jobmesh/internal/cluster"
	"github.com/jobmesh/jobmesh/internal/cluster/transport"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/domain"
	"github.com/jobmesh/jobmesh/internal/entity"
	"github.com/jobmesh/jobmesh/internal/service/ratelimiter"
	"github.com/jobmesh/jobmesh/internal/usecase"
)

// apiShards satisfies the shard readiness probe on a node that owns no
// shards; readiness must not gate on ownership here.
type apiShards struct{}

func (apiShards) Serving() bool { return true }

// allShards makes the operator-triggered recovery sweep inspect every
// row instead of only locally owned ones. Redispatch still goes through
// the cluster dispatcher to each job's true owner, and runners discard
// duplicate deliveries on the queued-to-processing transition.
type allShards struct{}

func (allShards) IsLocal(string) bool { return true }

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

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, entity, and bus instrumentation.
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

	runnerID := nodeID("api")
	ids, err := idgen.NewSnowflake(runnerID)
	if err != nil {
		slog.Error("id generator init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	shardRepo := postgres.NewShardRepo(pool)

	// Ownership here is only an assignment resolver. Run is never called,
	// so this node stays out of elections and every entity resolves to a
	// remote runner.
	layout := cluster.Layout{Groups: cfg.ShardGroups, ShardsPerGroup: cfg.ShardsPerGroup}
	owners := cluster.NewOwnership(cluster.OwnershipConfig{Layout: layout, RunnerID: runnerID}, nil, shardRepo)

	remote := transport.NewClient(cfg.ClusterTransport)
	defer func() { _ = remote.Close() }()
	prober := cluster.NewProber(cfg.ClusterHealthMode, cfg.OpsPort)
	dispatch := cluster.NewDispatcher(owners, nil, remote, prober)

	registry := entity.NewRegistry()
	hub := entity.NewProgressHub()
	gateway := usecase.NewEventGateway()
	defer gateway.Close()

	jobs := usecase.NewJobService(usecase.JobServiceDeps{
		Jobs:     jobRepo,
		DLQ:      dlqRepo,
		Cache:    cache,
		Bus:      producer,
		IDs:      ids,
		Handlers: registry,
		Dispatch: dispatch,
		Hub:      hub,
		Events:   gateway,
	})

	recovery := app.NewRecovery(app.RecoveryDeps{
		Jobs:     jobRepo,
		DLQ:      dlqRepo,
		Cache:    cache,
		Bus:      producer,
		Dispatch: dispatch,
		Local:    allShards{},
		IDs:      ids,
	}, cfg.RecoveryStaleAfter, cfg.RecoveryAbandonAfter, cfg.RecoverySweepInterval)

	admin := usecase.NewAdminService(usecase.AdminServiceDeps{
		Jobs:    jobRepo,
		DLQ:     dlqRepo,
		Cache:   cache,
		Router:  jobs,
		Recover: recovery,
	})

	var limiter httpserver.TenantLimiter
	if cfg.TenantRateLimitPerMin > 0 {
		rl := ratelimiter.NewRedisLuaLimiter(rdb, pool, ratelimiter.PerMinute(cfg.TenantRateLimitPerMin))
		if err := rl.WarmFromPostgres(ctx); err != nil {
			slog.Warn("tenant bucket warm-up failed", slog.Any("error", err))
		}
		limiter = rl
	}

	checks := app.BuildReadinessChecks(pool, rdb, producer, apiShards{})
	srv := httpserver.NewServer(cfg, jobs, admin, limiter, checks)
	handler := app.BuildRouter(cfg, srv)

	// Feed the event fan-out from the status topic. A terminal event also
	// ends open progress streams for the job, since the entity producing
	// progress lives in another process.
	stream, err := redpanda.NewStatusStream(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("status stream connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go func() {
		err := stream.Run(streamCtx, func(ev domain.JobStatusEvent) {
			gateway.Dispatch(ev)
			if ev.Status == domain.JobFailed || domain.IsTerminalStatus(ev.Status) {
				hub.Drop(ev.JobID)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("status stream stopped", slog.Any("error", err))
		}
	}()
	defer stream.Close()

	srvHTTP := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
		// WriteTimeout stays zero: progress and event streams hold the
		// response open far longer than any fixed deadline.
		ReadTimeout:       cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
