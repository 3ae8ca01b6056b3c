package permissions

import (
	"context"
	"database/sql"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

// Evaluator answers project access questions. All methods are total: a
// missing project, missing user, or storage failure evaluates to a denial
// or an empty role, never an error. Callers are not expected to handle
// "not found" as control flow.
type Evaluator interface {
	// HasPermission checks if a user holds a specific permission on a project
	HasPermission(ctx context.Context, userID, projectID int64, perm roles.Permission) bool

	// CanAccessProject is the weakest check: true for the owner or any
	// accepted collaborator regardless of role
	CanAccessProject(ctx context.Context, userID, projectID int64) bool

	// UserRole returns the user's effective role on a project. The second
	// return is false when the user has no relationship with the project
	// (or the project does not exist).
	UserRole(ctx context.Context, userID, projectID int64) (roles.Role, bool)

	// Invalidate drops any cached role for a (user, project) pair. Must be
	// called after collaborator mutations and ownership transfers.
	Invalidate(userID, projectID int64)
}

type cacheKey struct {
	userID    int64
	projectID int64
}

type cachedRole struct {
	role  roles.Role
	found bool
}

// SQLEvaluator implements Evaluator against the projects and
// project_collaborators tables.
type SQLEvaluator struct {
	db      *sql.DB
	cache   *expirable.LRU[cacheKey, cachedRole]
	metrics *observability.Metrics
}

// Option configures a SQLEvaluator
type Option func(*SQLEvaluator)

// WithCache enables a bounded role cache with the given size and TTL.
// Entries are invalidated explicitly on collaborator mutations; the TTL
// bounds staleness across processes.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *SQLEvaluator) {
		e.cache = expirable.NewLRU[cacheKey, cachedRole](size, nil, ttl)
	}
}

// WithMetrics counts role-cache hits and misses
func WithMetrics(m *observability.Metrics) Option {
	return func(e *SQLEvaluator) {
		e.metrics = m
	}
}

// NewSQLEvaluator creates a permission evaluator backed by the database
func NewSQLEvaluator(db *sql.DB, opts ...Option) *SQLEvaluator {
	e := &SQLEvaluator{db: db}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UserRole returns "owner", the accepted collaborator's role, or ("", false)
func (e *SQLEvaluator) UserRole(ctx context.Context, userID, projectID int64) (roles.Role, bool) {
	key := cacheKey{userID: userID, projectID: projectID}
	if e.cache != nil {
		if entry, ok := e.cache.Get(key); ok {
			e.countCache(true)
			return entry.role, entry.found
		}
		e.countCache(false)
	}

	role, found := e.lookupRole(ctx, userID, projectID)

	if e.cache != nil {
		e.cache.Add(key, cachedRole{role: role, found: found})
	}
	return role, found
}

func (e *SQLEvaluator) lookupRole(ctx context.Context, userID, projectID int64) (roles.Role, bool) {
	var ownerID int64
	err := e.db.QueryRowContext(ctx,
		`SELECT owner_id FROM projects WHERE id = $1`, projectID,
	).Scan(&ownerID)
	if err != nil {
		// Missing project or storage failure both evaluate to "no role"
		return "", false
	}

	if ownerID == userID {
		return roles.RoleOwner, true
	}

	var roleStr string
	err = e.db.QueryRowContext(ctx,
		`SELECT role FROM project_collaborators
		 WHERE project_id = $1 AND user_id = $2 AND status = 'accepted'`,
		projectID, userID,
	).Scan(&roleStr)
	if err != nil {
		return "", false
	}

	role, err := roles.Parse(roleStr)
	if err != nil {
		return "", false
	}
	return role, true
}

// HasPermission checks ownership first, then the collaborator role
func (e *SQLEvaluator) HasPermission(ctx context.Context, userID, projectID int64, perm roles.Permission) bool {
	role, ok := e.UserRole(ctx, userID, projectID)
	if !ok {
		return false
	}
	return role.HasPermission(perm)
}

// CanAccessProject is true for the owner or any accepted collaborator
func (e *SQLEvaluator) CanAccessProject(ctx context.Context, userID, projectID int64) bool {
	_, ok := e.UserRole(ctx, userID, projectID)
	return ok
}

// Invalidate drops the cached role for a (user, project) pair
func (e *SQLEvaluator) Invalidate(userID, projectID int64) {
	if e.cache != nil {
		e.cache.Remove(cacheKey{userID: userID, projectID: projectID})
	}
}

func (e *SQLEvaluator) countCache(hit bool) {
	if e.metrics == nil {
		return
	}
	if hit {
		e.metrics.CacheHitsTotal.WithLabelValues("permissions").Inc()
	} else {
		e.metrics.CacheMissesTotal.WithLabelValues("permissions").Inc()
	}
}
