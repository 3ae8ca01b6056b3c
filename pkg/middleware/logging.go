package middleware

import (
	"net/http"
	"time"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/observability"
)

// statusRecorder captures the response status for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one structured access-log line per request
func LoggingMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if t, ok := contextkeys.RequestStartTime(r.Context()); ok {
				start = t
			}

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			entry := logger.
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", recorder.status).
				WithField("duration_ms", time.Since(start).Milliseconds())
			if userID, ok := contextkeys.CurrentUserID(r.Context()); ok {
				entry = entry.WithField("user_id", userID)
			}
			if requestID := observability.GetRequestID(r.Context()); requestID != "" {
				entry = entry.WithField("request_id", requestID)
			}

			if recorder.status >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Info("request completed")
			}
		})
	}
}
