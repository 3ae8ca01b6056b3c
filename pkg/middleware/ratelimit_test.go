package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/observability"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows up to the budget then rejects", func(t *testing.T) {
		limiter := NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 3,
			WindowDuration:    time.Minute,
			BurstSize:         0,
		})

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("key"), "request %d should pass", i+1)
		}
		assert.False(t, limiter.Allow("key"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		limiter := NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Minute,
		})

		assert.True(t, limiter.Allow("a"))
		assert.False(t, limiter.Allow("a"))
		assert.True(t, limiter.Allow("b"))
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		limiter := NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    time.Second,
		})

		for limiter.Allow("key") {
		}
		time.Sleep(50 * time.Millisecond)
		assert.True(t, limiter.Allow("key"))
	})

	t.Run("cleanup drops stale buckets", func(t *testing.T) {
		limiter := NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Millisecond,
		})

		limiter.Allow("stale")
		time.Sleep(5 * time.Millisecond)
		limiter.Cleanup()

		limiter.mu.RLock()
		defer limiter.mu.RUnlock()
		assert.Empty(t, limiter.buckets)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("authenticated users get per-user budgets", func(t *testing.T) {
		m := NewRateLimitMiddleware()
		handler := m.Handler(okHandler)

		req := httptest.NewRequest("GET", "/api/projects/1/activity", nil)
		req = req.WithContext(contextkeys.WithUserID(req.Context(), 42))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("anonymous requests are limited per IP", func(t *testing.T) {
		m := NewRateLimitMiddleware()
		m.anonymousLimiter = NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 2,
			WindowDuration:    time.Minute,
		})
		handler := m.Handler(okHandler)

		send := func() int {
			req := httptest.NewRequest("GET", "/sharing/invitations/abc", nil)
			req.RemoteAddr = "203.0.113.9:51234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, send())
		assert.Equal(t, http.StatusOK, send())
		assert.Equal(t, http.StatusTooManyRequests, send())
	})

	t.Run("429 carries retry headers", func(t *testing.T) {
		m := NewRateLimitMiddleware()
		m.anonymousLimiter = NewRateLimiter(&RateLimitConfig{
			RequestsPerWindow: 0,
			WindowDuration:    time.Minute,
		})
		handler := m.Handler(okHandler)

		req := httptest.NewRequest("GET", "/sharing/invitations/abc", nil)
		req.RemoteAddr = "203.0.113.9:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	})
}

func TestDistributedRateLimiter(t *testing.T) {
	ctx := context.Background()

	newLimiter := func(t *testing.T, config *RateLimitConfig) (*DistributedRateLimiter, *redis.Client) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewDistributedRateLimiter(client, config, "rhythm:ratelimit:test"), client
	}

	t.Run("counts against the shared window", func(t *testing.T) {
		limiter, _ := newLimiter(t, &RateLimitConfig{
			RequestsPerWindow: 2,
			WindowDuration:    time.Minute,
		})

		for i := 0; i < 2; i++ {
			allowed, err := limiter.Allow(ctx, "user:1")
			require.NoError(t, err)
			assert.True(t, allowed)
		}
		allowed, err := limiter.Allow(ctx, "user:1")
		require.NoError(t, err)
		assert.False(t, allowed)

		remaining, err := limiter.Remaining(ctx, "user:1")
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})

	t.Run("reset clears the window", func(t *testing.T) {
		limiter, _ := newLimiter(t, &RateLimitConfig{
			RequestsPerWindow: 1,
			WindowDuration:    time.Minute,
		})

		allowed, err := limiter.Allow(ctx, "user:1")
		require.NoError(t, err)
		require.True(t, allowed)

		require.NoError(t, limiter.Reset(ctx, "user:1"))

		remaining, err := limiter.Remaining(ctx, "user:1")
		require.NoError(t, err)
		assert.Equal(t, 1, remaining)
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
		m := NewDistributedRateLimitMiddleware(client, logger)
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		mr.Close()

		req := httptest.NewRequest("GET", "/api/projects/1/activity", nil)
		req = req.WithContext(contextkeys.WithUserID(req.Context(), 1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("fails closed when fallback is disabled", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
		m := NewDistributedRateLimitMiddleware(client, logger)
		m.SetFallbackEnabled(false)
		handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		mr.Close()

		req := httptest.NewRequest("GET", "/api/projects/1/activity", nil)
		req = req.WithContext(contextkeys.WithUserID(req.Context(), 1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRequestContextMiddleware(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	t.Run("assigns a request ID and client IP", func(t *testing.T) {
		var gotRequestID, gotIP string
		handler := RequestContextMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = observability.GetRequestID(r.Context())
			gotIP = contextkeys.ClientIP(r.Context())
		}))

		req := httptest.NewRequest("GET", "/api/projects/1/activity", nil)
		req.RemoteAddr = "203.0.113.9:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.NotEmpty(t, gotRequestID)
		assert.Equal(t, gotRequestID, rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "203.0.113.9", gotIP)
	})

	t.Run("honors forwarding headers and inbound request IDs", func(t *testing.T) {
		var gotRequestID, gotIP string
		handler := RequestContextMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = observability.GetRequestID(r.Context())
			gotIP = contextkeys.ClientIP(r.Context())
		}))

		req := httptest.NewRequest("GET", "/api/projects/1/activity", nil)
		req.Header.Set("X-Request-ID", "req-123")
		req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", gotRequestID)
		assert.Equal(t, "198.51.100.4", gotIP)
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr without proxy headers",
			remoteAddr: "203.0.113.9:51234",
			want:       "203.0.113.9",
		},
		{
			name:       "x-forwarded-for single entry",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.4"},
			want:       "198.51.100.4",
		},
		{
			name:       "x-forwarded-for chain keeps the first hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.2"},
			want:       "198.51.100.4",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
