package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics == nil {
		t.Fatal("Expected non-nil metrics")
	}

	// Every metric family should be registered and gatherable once touched
	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/test", "200").Inc()
	metrics.TokenOperationsTotal.WithLabelValues("generate", "success").Inc()
	metrics.InvitationsTotal.WithLabelValues("joined").Inc()
	metrics.SuspiciousFlagsTotal.WithLabelValues("high").Inc()
	metrics.BroadcastsTotal.WithLabelValues("local", "ok").Inc()
	metrics.BroadcastFanoutSize.Observe(3)
	metrics.BroadcastDuration.Observe(0.01)
	metrics.ActiveSessions.Set(2)
	metrics.SessionsSweptTotal.Add(4)
	metrics.CacheHitsTotal.WithLabelValues("permissions").Inc()
	metrics.CacheMissesTotal.WithLabelValues("permissions").Inc()
	metrics.DBConnectionsActive.Set(5)
	metrics.DBConnectionsIdle.Set(3)
	metrics.RedisConnectionsActive.Set(1)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	got := make(map[string]bool, len(families))
	for _, mf := range families {
		got[mf.GetName()] = true
	}

	expected := []string{
		"rhythm_http_requests_total",
		"rhythm_token_operations_total",
		"rhythm_invitations_total",
		"rhythm_suspicious_flags_total",
		"rhythm_broadcasts_total",
		"rhythm_broadcast_fanout_size",
		"rhythm_broadcast_duration_seconds",
		"rhythm_active_sessions",
		"rhythm_sessions_swept_total",
		"rhythm_cache_hits_total",
		"rhythm_cache_misses_total",
		"rhythm_db_connections_active",
		"rhythm_db_connections_idle",
		"rhythm_redis_connections_active",
	}
	for _, name := range expected {
		if !got[name] {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewMetrics(registry)
}

func TestCounterValues(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.TokenOperationsTotal.WithLabelValues("consume", "success").Inc()
	metrics.TokenOperationsTotal.WithLabelValues("consume", "success").Inc()
	metrics.TokenOperationsTotal.WithLabelValues("consume", "exhausted").Inc()

	success := testutil.ToFloat64(metrics.TokenOperationsTotal.WithLabelValues("consume", "success"))
	if success != 2 {
		t.Errorf("Expected 2 successful consumes, got %f", success)
	}

	exhausted := testutil.ToFloat64(metrics.TokenOperationsTotal.WithLabelValues("consume", "exhausted"))
	if exhausted != 1 {
		t.Errorf("Expected 1 exhausted consume, got %f", exhausted)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/projects/1/share", strings.NewReader(`{"role":"editor"}`))
	req.ContentLength = 17
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}

	count := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/api/projects/1/share", "201"))
	if count != 1 {
		t.Errorf("Expected 1 recorded request, got %f", count)
	}

	if n := testutil.CollectAndCount(metrics.HTTPRequestDuration); n == 0 {
		t.Error("Expected request duration to be observed")
	}
	if n := testutil.CollectAndCount(metrics.HTTPRequestSize); n == 0 {
		t.Error("Expected request size to be observed")
	}
	if n := testutil.CollectAndCount(metrics.HTTPResponseSize); n == 0 {
		t.Error("Expected response size to be observed")
	}
}

func TestHTTPMetricsMiddleware_DefaultStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	// Handler that never calls WriteHeader; middleware should report 200
	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	count := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/health", "200"))
	if count != 1 {
		t.Errorf("Expected implicit 200 to be recorded, got %f", count)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ActiveSessions.Set(7)

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "rhythm_active_sessions 7") {
		t.Errorf("Expected exposition to contain rhythm_active_sessions 7, got:\n%s", body)
	}
}
