package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/auth"
	"github.com/dangsayz/12img.com-sub003/pkg/config"
	"github.com/dangsayz/12img.com-sub003/pkg/flags"
	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/operators"
	"github.com/dangsayz/12img.com-sub003/pkg/ratelimit"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply schema migrations and exit")
	flag.Parse()

	boot := logrus.New()
	boot.SetFormatter(&logrus.JSONFormatter{})
	boot.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		boot.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}

	db, err := postgres.Connect(ctx, postgres.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxOpenConns,
		MinConns:    cfg.Database.MaxIdleConns,
		Timeout:     cfg.Database.QueryTimeout,
		MaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		boot.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	boot.Info("Connected to PostgreSQL")

	if cfg.Database.RunMigrations || *migrateOnly {
		if err := postgres.Migrate(ctx, db, logger,
			rbac.GetMigrations(), audit.GetMigrations(), flags.GetMigrations()); err != nil {
			boot.WithError(err).Fatal("Failed to apply migrations")
		}
		boot.Info("Schema migrations applied")
	}
	if *migrateOnly {
		db.Close()
		return
	}

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:      cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			PoolSize: cfg.Cache.RedisPoolSize,
		})
		if err != nil {
			boot.WithError(err).Fatal("Failed to connect to Redis")
		}
		boot.Info("Connected to Redis")
	}

	registry := rbac.DefaultRegistry(logger)
	if cfg.Auth.CapabilitiesFile != "" {
		registry, err = rbac.LoadRegistryFile(cfg.Auth.CapabilitiesFile, logger)
		if err != nil {
			boot.WithError(err).Fatal("Failed to load capability overlay")
		}
		boot.WithField("file", cfg.Auth.CapabilitiesFile).Info("Capability overlay loaded")
	}

	var verifier auth.TokenVerifier = auth.Anonymous{}
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err = auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			boot.WithError(err).Fatal("Failed to initialize OIDC verifier")
		}
	} else {
		boot.Warn("No OIDC issuer configured; every request is anonymous")
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	users := rbac.NewStore(db)
	guard := rbac.NewGuard(rbac.NewDirectoryResolver(users), registry, logger, metrics)

	auditStore := audit.NewDBStore(db, cfg.Database.QueryTimeout, metrics)
	recorder := audit.NewRecorder(auditStore, users, logger, metrics)

	flagStore := flags.NewPostgresStore(db, flags.StoreOptions{
		QueryTimeout: cfg.Database.QueryTimeout,
		MaxRetries:   cfg.Database.MaxRetries,
	}, logger, metrics)

	cache, local, shared := buildFlagCache(cfg.Cache, redisClient, metrics)

	lookup := flags.NewSwitchingLookup(ctx, db, flags.NewDirectLookup(flagStore, cache, logger, metrics),
		cfg.Flags.ForceDirectLookup, cfg.Database.QueryTimeout, logger, metrics)
	client := flags.NewClient(lookup, logger, metrics)

	flagService := flags.NewService(flagStore, guard, recorder, cache, logger, metrics)
	flagService.SetDefaultHistoryLimit(cfg.Flags.HistoryLimit)
	operatorService := operators.NewService(users, guard, recorder, logger)

	router := mux.NewRouter()
	router.Use(observability.RecoveryMiddleware(logger))
	router.Use(audit.Middleware)
	router.Use(auth.Middleware(verifier, logger))
	router.Use(httputil.ContentTypeMiddleware)
	router.Use(httputil.MaxBytesMiddleware(1 << 20))
	if metrics != nil {
		router.Use(metrics.HTTPMiddleware(routeTemplate))
	}

	var evaluateMiddleware []func(http.Handler) http.Handler
	if cfg.Flags.EvaluateRateLimit > 0 {
		evaluateMiddleware = append(evaluateMiddleware, ratelimit.Middleware(
			buildLimiter(ctx, cfg.Flags, redisClient), "evaluate", ratelimit.ByClientIP, logger, metrics))
	}

	flags.NewHandlers(flagService, client, guard).RegisterRoutes(router, evaluateMiddleware...)
	audit.NewHandlers(auditStore, guard).RegisterRoutes(router)
	operators.NewHandlers(operatorService).RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "console"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	probes := []observability.Probe{observability.DatabaseProbe(db)}
	if redisClient != nil {
		probes = append(probes, observability.RedisProbe(redisClient))
	}
	healthRouter := mux.NewRouter()
	observability.NewHealthChecker(version, probes...).
		WithInfo("flag_lookup_path", lookup.Name).
		RegisterRoutes(healthRouter)
	if metrics != nil {
		healthRouter.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.Register("postgres", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if otelProviders != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	bgCtx, cancelBackground := context.WithCancel(ctx)
	shutdown.Register("background", func(context.Context) error {
		cancelBackground()
		return nil
	})

	if shared != nil && local != nil {
		go subscribeInvalidations(bgCtx, shared, local, logger)
	}

	if cfg.Flags.ReprobeSchedule != "" {
		scheduler, err := scheduleReprobe(bgCtx, cfg.Flags.ReprobeSchedule, lookup, logger)
		if err != nil {
			boot.WithError(err).Fatal("Failed to schedule lookup reprobe")
		}
		scheduler.Start()
		shutdown.Register("scheduler", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	serve(apiServer, "API", logger)
	serve(healthServer, "health", logger)

	boot.WithFields(logrus.Fields{
		"addr":        apiServer.Addr,
		"health_addr": healthServer.Addr,
		"lookup_path": lookup.Name(),
		"version":     version,
	}).Info("12img console started")

	if err := shutdown.WaitForSignal(ctx); err != nil {
		boot.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	boot.Info("Console stopped")
}

// buildFlagCache assembles the configured cache tiers. Either tier may be
// absent; with neither, lookups read the store every time.
func buildFlagCache(cfg config.CacheConfig, client *redis.Client, metrics *observability.Metrics) (flags.FlagCache, *flags.LRUCache, *flags.RedisCache) {
	var local *flags.LRUCache
	if cfg.LRUSize > 0 {
		local = flags.NewLRUCache(cfg.LRUSize, cfg.LRUTTL, metrics)
	}
	var shared *flags.RedisCache
	if client != nil {
		shared = flags.NewRedisCache(client, cfg.RedisTTL, metrics)
	}

	switch {
	case local != nil && shared != nil:
		return flags.NewTieredCache(local, shared), local, shared
	case local != nil:
		return local, local, nil
	case shared != nil:
		return shared, nil, shared
	default:
		return nil, nil, nil
	}
}

// buildLimiter shares counters through Redis when it is configured
func buildLimiter(ctx context.Context, cfg config.FlagsConfig, client *redis.Client) ratelimit.Limiter {
	limits := ratelimit.Config{Requests: cfg.EvaluateRateLimit, Window: cfg.EvaluateRateWindow}
	if client != nil {
		return ratelimit.NewRedisLimiter(client, limits, "console:ratelimit:evaluate")
	}
	limiter := ratelimit.NewMemoryLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}

// subscribeInvalidations evicts local entries when another instance mutates
// a flag, resubscribing after connection loss.
func subscribeInvalidations(ctx context.Context, shared *flags.RedisCache, local *flags.LRUCache, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "flag invalidation subscriber")

	for {
		err := shared.Subscribe(ctx, func(key string) {
			_ = local.Invalidate(ctx, key)
		})
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("flag invalidation subscription dropped, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// scheduleReprobe re-selects the lookup path on spec
func scheduleReprobe(ctx context.Context, spec string, lookup *flags.SwitchingLookup, logger *observability.Logger) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := scheduler.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		path := lookup.Reselect(ctx)
		logger.WithField("path", path).Debug("flag lookup path re-probed")
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

func serve(srv *http.Server, name string, logger *observability.Logger) {
	go func() {
		logger.WithField("addr", srv.Addr).Infof("Starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Errorf("%s server failed", name)
			os.Exit(1)
		}
	}()
}

// routeTemplate labels metrics with the matched route template, not the raw path
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
