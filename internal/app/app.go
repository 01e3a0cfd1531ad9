// Package app wires the gateway's components from process configuration and
// runs the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bi-gateway/internal/api"
	"bi-gateway/internal/audit"
	"bi-gateway/internal/config"
	"bi-gateway/internal/db"
	"bi-gateway/internal/db/repository"
	"bi-gateway/internal/demo"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/engine"
	"bi-gateway/internal/metrics"
	"bi-gateway/internal/middleware"
	"bi-gateway/internal/service/gateway"
	"bi-gateway/internal/telemetry"
)

// App is the fully-wired gateway.
type App struct {
	Config      *config.Config
	Snapshots   *config.Holder
	Coordinator *engine.Coordinator
	Metrics     *metrics.Aggregator
	Gateway     *gateway.Service
	Handler     http.Handler

	logger  *slog.Logger
	janitor *metrics.Janitor
	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// New builds every component. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (_ *App, err error) {
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
		Version:     version,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	// === Snapshot ===
	a.Snapshots, err = config.NewHolder(cfg.PolicyPath, cfg.GlossaryPath, logger.With("component", "config"))
	if err != nil {
		return nil, err
	}
	snap := a.Snapshots.Current()

	// === Target database ===
	database, err := engine.OpenDatabase(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return database.Close() })
	if cfg.DBDSN == "" && cfg.DBDriver == "duckdb" {
		if err := demo.Seed(ctx, database.DB()); err != nil {
			return nil, err
		}
		logger.Info("seeded in-memory demo warehouse")
	}

	// === Result cache ===
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, domain.ErrConfig("env", "REDIS_URL", "%v", err)
		}
		redisClient = redis.NewClient(opts)
		a.onClose(func(context.Context) error { return redisClient.Close() })
	}
	cache := engine.NewCache(ctx, redisClient, cfg.CacheSize, cfg.CacheTTL, logger.With("component", "cache"))
	a.Coordinator = engine.NewCoordinator(database, cache, snap.Limits, logger.With("component", "engine"))

	// === Metrics and audit persistence ===
	var (
		store      *db.Store
		metricRepo domain.MetricEventRepository
		auditRepo  domain.AuditRepository
	)
	if cfg.MetricsDBPath != "" {
		store, err = db.OpenStore(ctx, cfg.MetricsDBPath)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return store.Close() })
		metricRepo = repository.NewMetricEventRepo(store.Write, store.Read)
		auditRepo = repository.NewAuditRepo(store.Write, store.Read)
		logger.Info("metrics store opened", "path", cfg.MetricsDBPath, "schema_version", store.Version)
	}

	a.Metrics = metrics.New(metrics.Options{
		Retention: cfg.MetricsRetention,
		Sink:      metricRepo,
		Logger:    logger.With("component", "metrics"),
	})
	a.onClose(a.Metrics.Close)
	if n, err := a.Metrics.Restore(ctx); err != nil {
		logger.Warn("metrics restore failed, starting empty", "error", err)
	} else if n > 0 {
		logger.Info("restored metric events", "count", n)
	}
	a.janitor, err = metrics.NewJanitor(a.Metrics, metricRepo, cfg.MetricsJanitorSchedule, logger.With("component", "janitor"))
	if err != nil {
		return nil, err
	}

	emitter, err := a.auditEmitter(ctx, auditRepo)
	if err != nil {
		return nil, err
	}

	// === Generator ===
	gen, err := newGenerator(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	if gen.close != nil {
		a.onClose(func(context.Context) error { return gen.close() })
	}

	a.Gateway = gateway.New(a.Snapshots, gen.Generator, a.Coordinator, a.Metrics, emitter, logger.With("component", "gateway"))

	// === HTTP ===
	checks := []api.Check{
		{Name: "database", Critical: true, Fn: a.Coordinator.Ping},
		{Name: "glossary", Critical: true, Fn: a.glossaryCheck},
		{Name: "generator", Fn: gen.ping},
	}
	if redisClient != nil {
		checks = append(checks, api.Check{Name: "cache", Fn: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	if store != nil {
		checks = append(checks, api.Check{Name: "metrics_store", Fn: store.Ping})
	}
	health := api.NewHealth(version, 3*time.Second, checks...)

	handler := api.NewHandler(a.Gateway, a.Metrics, a.Snapshots, auditRepo, health, logger.With("component", "api"))
	a.Handler = api.NewRouter(handler, api.RouterOptions{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		JWTSecret:          []byte(cfg.JWTSecret),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		Wrap: telemetry.HTTPMiddleware,
	})
	return a, nil
}

func (a *App) auditEmitter(ctx context.Context, repo domain.AuditRepository) (domain.AuditEmitter, error) {
	emitters := []domain.AuditEmitter{audit.NewLogEmitter(a.logger.With("component", "audit"))}
	if repo != nil {
		emitters = append(emitters, audit.NewRepoEmitter(repo, a.logger))
	}
	if a.Config.HasPubSub() {
		ps, err := audit.NewPubSubEmitter(ctx, a.Config.PubSubProject, a.Config.PubSubTopic, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return ps.Close() })
		emitters = append(emitters, ps)
		a.logger.Info("publishing audit events", "project", a.Config.PubSubProject, "topic", a.Config.PubSubTopic)
	}
	return audit.NewMultiEmitter(emitters...), nil
}

func (a *App) glossaryCheck(context.Context) error {
	snap := a.Snapshots.Current()
	if snap == nil || len(snap.Glossary.Entries()) == 0 {
		return errors.New("no glossary terms loaded")
	}
	return nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything New opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve runs the HTTP server and the metrics janitor until ctx is done, then
// shuts the server down within the configured timeout.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// generation and execution can each take a minute
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	a.janitor.Start()
	defer a.janitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertFile != "")
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
