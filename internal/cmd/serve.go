package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/internal/server"
	"github.com/3leaps/runnerhub/internal/server/handlers"
	"github.com/3leaps/runnerhub/internal/server/middleware"
	"github.com/3leaps/runnerhub/pkg/artifact"
	"github.com/3leaps/runnerhub/pkg/auth"
	"github.com/3leaps/runnerhub/pkg/dispatch"
	"github.com/3leaps/runnerhub/pkg/importer"
	"github.com/3leaps/runnerhub/pkg/output"
	"github.com/3leaps/runnerhub/pkg/runners"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runner API server",
	Long: `Run the HTTP server runners register with, poll for jobs and report to.

The server also runs the claim-expiry sweeper and the background result
importer, and serves Prometheus metrics on a separate port when enabled.

Examples:
  runnerhub serve
  runnerhub serve --port 8081 --lock redis`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().String("lock", "", "Dispatch lock: local, redis or postgres")
	serveCmd.Flags().String("log-level", "", "Log level (overrides logging.level)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		o["server.host"] = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		o["server.port"] = v
	}
	if v, _ := cmd.Flags().GetString("lock"); v != "" {
		o["dispatch.lock"] = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		o["logging.level"] = v
	}
	return o
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return err
	}
	id := rootIdentity()
	if err := observability.InitServerLogger(id.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(ExitConfig, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	log := observability.ServerLogger

	if len(cfg.Auth.Tokens) == 0 {
		return ExitWithCode(log, ExitConfig, "No runner credentials configured; set auth.tokens", nil)
	}
	resolver, err := auth.NewStaticResolver(cfg.Auth.Tokens)
	if err != nil {
		return exitError(ExitConfig, "Invalid auth.tokens", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cl, err := openLock(ctx, cfg.Dispatch, log.Named("lock"))
	if err != nil {
		return err
	}
	defer cl.close()

	blobs, err := openBlobStore(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	metrics := observability.NewMetrics()

	queue := newQueue(db, cfg, log.Named("jobs"))
	registry, err := runners.NewRegistry(db, cfg.Runners.CacheSize)
	if err != nil {
		return exitError(ExitConfig, "Invalid runners.cache_size", err)
	}
	coordinator := dispatch.NewCoordinator(queue, cl.locker, dispatch.Config{
		LockTimeout:    cfg.Dispatch.LockTimeout,
		ClaimExpiry:    cfg.Dispatch.ClaimExpiry,
		SweepInterval:  cfg.Dispatch.SweepInterval,
		RequeueExpired: cfg.Dispatch.RequeueExpired,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
	}, dispatch.WithMetrics(metrics), dispatch.WithLogger(log.Named("dispatch")))

	runnerAPI := &handlers.RunnerAPI{
		Registry:       registry,
		Coordinator:    coordinator,
		Queue:          queue,
		Blobs:          blobs,
		Metrics:        metrics,
		MaxUploadBytes: cfg.Artifacts.MaxUploadBytes,
		Logger:         log.Named("api"),
	}

	var worker *importer.Worker
	if cfg.Importer.Enabled {
		out, err := openOutput(cfg.Importer.Output)
		if err != nil {
			return exitError(ExitIOErr, "Failed to open importer output", err)
		}
		jw := output.NewJSONLWriter(out, "", "")
		defer func() { _ = jw.Close() }()

		pipeline := importer.NewPipeline(importer.NewJSONLSink(jw),
			importer.WithScanner(artifact.Scanner{MaxEntryBytes: cfg.Artifacts.MaxEntryBytes}),
			importer.WithMetrics(metrics),
			importer.WithLogger(log.Named("importer")))
		worker = importer.NewWorker(pipeline, importer.WorkerConfig{
			QueueSize: cfg.Importer.QueueSize,
			Workers:   cfg.Workers,
		}, log.Named("importer"))
		queue.Subscribe(worker.OnJobEvent)
		runnerAPI.Importer = worker
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	health.RegisterChecker("store", storeHealthChecker{db: db})
	if cl.ping != nil {
		health.RegisterChecker("lock", handlers.HealthCheckerFunc(cl.ping))
	}

	opts := []server.Option{
		server.WithRunnerAPI(runnerAPI, resolver),
		server.WithMetrics(metrics),
		server.WithCORS(cfg.CORS.AllowedOrigins),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	}
	if cfg.Poll.Rate > 0 {
		limiter, err := middleware.NewRateLimiter(cfg.Poll.Rate, cfg.Poll.Burst, cfg.Poll.LimiterCacheSize)
		if err != nil {
			return exitError(ExitConfig, "Invalid poll rate limit", err)
		}
		opts = append(opts, server.WithPollLimiter(limiter))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	log.Info("Starting runnerhub",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("lock", string(cl.kind)),
		zap.String("artifacts", cfg.Artifacts.Provider),
		zap.Bool("importer", worker != nil),
		zap.Int("credentials", resolver.Len()),
		zap.Duration("claim_expiry", cfg.Dispatch.ClaimExpiry))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Metrics.Enabled {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port))
		g.Go(func() error {
			return server.ServeHandler(gctx, addr, metrics.Handler(), cfg.Server.ShutdownTimeout)
		})
	}
	g.Go(func() error { return coordinator.RunSweeper(gctx) })
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			worker.Close()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(ExitSoftware, "Server failed", err)
	}
	log.Info("Runnerhub stopped")
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity missing config name")
	}
	return nil
}

type storeHealthChecker struct {
	db *sql.DB
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("job store not opened")
	}
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}
	return nil
}

var (
	_ handlers.HealthChecker = identityHealthChecker{}
	_ handlers.HealthChecker = storeHealthChecker{}
)
