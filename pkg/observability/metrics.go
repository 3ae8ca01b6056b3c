package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Sharing token metrics
	TokenOperationsTotal *prometheus.CounterVec
	TokensCleanedTotal   prometheus.Counter

	// Invitation metrics
	InvitationsTotal *prometheus.CounterVec

	// Suspicious activity metrics
	SuspiciousFlagsTotal *prometheus.CounterVec

	// Realtime metrics
	BroadcastsTotal     *prometheus.CounterVec
	BroadcastFanoutSize prometheus.Histogram
	BroadcastDuration   prometheus.Histogram
	ActiveSessions      prometheus.Gauge
	SessionsSweptTotal  prometheus.Counter

	// Permission cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhythm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhythm_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhythm_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Sharing token metrics
		TokenOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_token_operations_total",
				Help: "Total number of sharing token operations",
			},
			[]string{"operation", "outcome"},
		),
		TokensCleanedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rhythm_tokens_cleaned_total",
				Help: "Total number of expired tokens removed by cleanup",
			},
		),

		// Invitation metrics
		InvitationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_invitations_total",
				Help: "Total number of invitation outcomes",
			},
			[]string{"outcome"},
		),

		// Suspicious activity metrics
		SuspiciousFlagsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_suspicious_flags_total",
				Help: "Total number of activity entries flagged suspicious",
			},
			[]string{"risk"},
		),

		// Realtime metrics
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_broadcasts_total",
				Help: "Total number of realtime broadcasts",
			},
			[]string{"transport", "outcome"},
		),
		BroadcastFanoutSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rhythm_broadcast_fanout_size",
				Help:    "Number of recipients per broadcast",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		BroadcastDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rhythm_broadcast_duration_seconds",
				Help:    "Broadcast fan-out duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhythm_active_sessions",
				Help: "Number of live realtime sessions",
			},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rhythm_sessions_swept_total",
				Help: "Total number of idle sessions removed by the sweeper",
			},
		),

		// Permission cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhythm_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhythm_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhythm_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rhythm_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.TokenOperationsTotal,
		m.TokensCleanedTotal,
		m.InvitationsTotal,
		m.SuspiciousFlagsTotal,
		m.BroadcastsTotal,
		m.BroadcastFanoutSize,
		m.BroadcastDuration,
		m.ActiveSessions,
		m.SessionsSweptTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.RedisConnectionsActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
