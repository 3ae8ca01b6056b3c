// Package observability provides structured logging, Prometheus metrics,
// health checks, and shutdown coordination.
//
// # Structured Logging
//
// Loggers emit one JSON object per line via log/slog:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("project_id", id).Info("invitation accepted")
//
// Request-scoped loggers travel in the context; handlers pick them up with
// FromContext so every line carries the request ID:
//
//	log := observability.FromContext(r.Context())
//	log.WithError(err).Warn("token validation failed")
//
// # Prometheus Metrics
//
// Metrics registers the rhythm_* metric families on a caller-owned registry:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.TokenOperationsTotal.WithLabelValues("consume", "success").Inc()
//
// HTTPMetricsMiddleware instruments every request; RegisterMetricsEndpoint
// exposes /metrics for scraping.
//
// # Health Checks
//
// HealthChecker probes the database and, when configured, Redis. Redis being
// down degrades rather than fails readiness since the realtime hub falls
// back to in-process delivery:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Shutdown
//
// ShutdownManager collects the close functions of long-lived components and
// runs them concurrently, bounded by one timeout, once the process context
// is cancelled.
package observability
