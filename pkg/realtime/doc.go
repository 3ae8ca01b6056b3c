// Package realtime keeps project rooms in sync across processes: a hub with
// a per-process session registry, a pluggable fan-out transport (in-process
// or Redis pub/sub), persisted presence in active_sessions, and catch-up
// resync built by replaying the activity log.
package realtime
