// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserIDKey contains the authenticated user's ID
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Used by: permission checks, audit trail, all user-scoped handlers
	// Type: int64
	UserIDKey Key = "user_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestContextMiddleware
	// Used by: Logger, activity trail
	// Type: string
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the remote client address
	// Set by: middleware.RequestContextMiddleware
	// Used by: activity logging, suspicious-activity heuristics
	// Type: string
	ClientIPKey Key = "client_ip"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestContextMiddleware
	// Used by: handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: middleware.RequestContextMiddleware
	// Used by: duration calculation for request logs
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithUserID stores the authenticated user ID on the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// CurrentUserID returns the authenticated user ID, if any
func CurrentUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// WithClientIP stores the remote client address on the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// ClientIP returns the remote client address recorded for this request
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

// WithRequestStartTime stores the request arrival timestamp on the context
func WithRequestStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, t)
}

// RequestStartTime returns the request arrival timestamp, if recorded
func RequestStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return t, ok
}
