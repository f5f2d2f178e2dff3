// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown for the console.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("flag_key", key).Info("flag toggled")
//
// Request-scoped loggers travel on the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx, logger).Warn("audit write failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordEvaluation(true)
//	router.Handle("/metrics", metrics.Handler())
//
// All recorder methods are safe on a nil *Metrics.
//
// # Tracing
//
//	ctx, span := observability.Tracer("flags").Start(ctx, "flags.ToggleFlag")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version,
//	    observability.DatabaseProbe(db),
//	    observability.RedisProbe(redisClient),
//	).WithInfo("flag_lookup_path", lookup.Name)
//	checker.RegisterRoutes(router)
//
// GET /health/live always returns 200. GET /health/ready returns 503 when a
// required probe (Postgres) fails and 200 (degraded) when only an optional
// one (Redis) does.
package observability
