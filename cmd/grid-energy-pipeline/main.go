package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/grid-energy-pipeline/internal/api/http"
	"github.com/i474232898/grid-energy-pipeline/internal/config"
	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/energy/providers"
	"github.com/i474232898/grid-energy-pipeline/internal/lock"
	"github.com/i474232898/grid-energy-pipeline/internal/logging"
	"github.com/i474232898/grid-energy-pipeline/internal/metrics"
	"github.com/i474232898/grid-energy-pipeline/internal/pipeline"
	"github.com/i474232898/grid-energy-pipeline/internal/scheduler"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
	"github.com/i474232898/grid-energy-pipeline/internal/store/mongo"
	"github.com/i474232898/grid-energy-pipeline/internal/store/postgres"
	"github.com/i474232898/grid-energy-pipeline/internal/store/surreal"
	"github.com/i474232898/grid-energy-pipeline/internal/syncer"
)

const serviceName = "grid-energy-pipeline"

// analyticalStore is what the syncer, the retention pass and the API share.
type analyticalStore interface {
	energy.AnalyticalStore
	httpapi.RangeReader
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.AppConfig, zl *zap.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	operational, closeOperational, err := openOperational(connectCtx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeOperational()

	analytical, closeAnalytical, err := openAnalytical(connectCtx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeAnalytical()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	provider := providers.NewElectricityMapsProvider(httpClient, cfg.APIBaseURL, cfg.APIToken, cfg.APIRateLimit)
	source := scheduler.NewRetryingSource(provider, scheduler.RetryOptions{
		MaxRetries:      cfg.FetchMaxRetries,
		InitialInterval: cfg.FetchRetryInitial,
		MaxInterval:     cfg.FetchRetryMax,
		AttemptTimeout:  cfg.FetchTimeout,
	}, zl)

	validator := energy.NewValidator(energy.DefaultRules(energy.ValidationOptions{
		MaxAge:    cfg.ValidationMaxAge,
		MaxFuture: cfg.ValidationMaxFuture,
	}), time.Now)
	enricher := energy.NewEnricher(cfg.Thresholds())
	writer := store.NewWriter(operational, cfg.StoreTimeout, zl)
	engine := syncer.New(operational, analytical, cfg.SyncBatchSize, cfg.StoreTimeout, zl)

	pipe := pipeline.New(source, validator, enricher, writer, engine, pipeline.Options{
		Zone:   cfg.Zone,
		Window: cfg.FetchWindow,
	}, zl)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched := scheduler.New(pipe, scheduler.Options{
		Interval:   cfg.RunInterval,
		RunOnStart: cfg.RunOnStart,
	}, zl).
		WithMetrics(metrics.New(registry)).
		WithRetention(&scheduler.Retention{
			Window:      cfg.RetentionWindow,
			Interval:    cfg.RetentionCheckInterval,
			Operational: operational,
			Analytical:  analytical,
		})

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(connectCtx).Err(); err != nil {
			zl.Warn("redis unreachable at startup, runs will be skipped until it recovers", zap.Error(err))
		}
		sched.WithLocker(lock.NewRedis(rdb, cfg.RunLockTTL))
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": serviceName,
			"state":   sched.Status().State,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	httpapi.RegisterRoutes(app, sched, analytical)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			zl.Warn("fiber server stopped", zap.Error(err))
		}
	}()
	zl.Info("service started",
		zap.String("port", cfg.Port),
		zap.String("zone", cfg.Zone),
		zap.String("operational", cfg.OperationalBackend),
		zap.String("analytical", cfg.AnalyticalBackend),
	)

	<-ctx.Done()
	zl.Info("shutdown requested")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zl.Warn("error during shutdown", zap.Error(err))
	}
	return nil
}

func openOperational(ctx context.Context, cfg *config.AppConfig, zl *zap.Logger) (energy.OperationalStore, func(), error) {
	switch cfg.OperationalBackend {
	case "mongo":
		s, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, zl)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { closeWithTimeout(zl, "mongo", s.Close) }, nil
	case "surrealdb":
		s, err := surreal.Connect(ctx, surreal.Config{
			URL:       cfg.SurrealURL,
			Namespace: cfg.SurrealNamespace,
			Database:  cfg.SurrealDatabase,
			Username:  cfg.SurrealUser,
			Password:  cfg.SurrealPass,
		}, zl)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { closeWithTimeout(zl, "surrealdb", s.Close) }, nil
	default:
		zl.Warn("using in-memory operational store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openAnalytical(ctx context.Context, cfg *config.AppConfig, zl *zap.Logger) (analyticalStore, func(), error) {
	if cfg.AnalyticalBackend != "postgres" {
		zl.Warn("using in-memory analytical store, data is lost on restart")
		return store.NewMemoryAnalytics(), func() {}, nil
	}
	if err := postgres.Migrate(ctx, cfg.PostgresDSN, zl); err != nil {
		return nil, nil, err
	}
	s, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func closeWithTimeout(zl *zap.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		zl.Warn("failed to close store", zap.String("store", name), zap.Error(err))
	}
}
