// Package roles defines the fixed project role hierarchy
// (owner > admin > editor > viewer) and the permission sets attached to
// each role.
//
// The hierarchy is deliberately closed: roles are a tagged enum with
// exhaustive switches rather than data-driven permission tables, so adding
// or auditing a permission is a compile-time-checked change.
package roles
