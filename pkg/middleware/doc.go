// Package middleware provides HTTP middleware for request context, authentication, and rate limiting.
//
// # Overview
//
// This package implements request processing middleware: request ID and
// client IP propagation, session-based authentication, structured access
// logging, and rate limiting (in-memory and Redis-backed).
//
// # Middleware Components
//
// RequestContextMiddleware: request ID, client IP, start time
//
//	router.Use(middleware.RequestContextMiddleware(logger))
//	// Seeds context; audit entries and logs attribute requests from it
//
// AuthMiddleware: session authentication
//
//	auth := middleware.NewAuthMiddleware(sessions, true) // optional
//	router.Use(auth.Handler)
//	api.Use(middleware.RequireUser) // API subrouter rejects anonymous calls
//
// LoggingMiddleware: structured access log
//
//	router.Use(middleware.LoggingMiddleware(logger))
//
// RateLimitMiddleware: in-memory rate limiting
//
//	router.Use(middleware.NewRateLimitMiddleware().Handler)
//
// DistributedRateLimitMiddleware: Redis-backed rate limiting
//
//	m := middleware.NewDistributedRateLimitMiddleware(redisClient, logger)
//	router.Use(m.Handler)
//	// Shares budgets across instances; fails open on Redis errors
//
// # Ordering
//
// Mount RequestContextMiddleware first, then authentication, then logging
// and rate limiting, so every layer sees the resolved user and request ID.
package middleware
