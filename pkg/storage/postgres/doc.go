// Package postgres wires the shared database and Redis connections: pool
// configuration, startup health checks, and periodic pool-statistics gauges.
// Domain packages own their tables and queries; this package only hands
// them live connections.
package postgres
