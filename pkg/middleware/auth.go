package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/httputil"
)

// SessionValidator resolves a bearer credential to a user ID. The web
// application's session layer provides the implementation.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (int64, error)
}

// AuthMiddleware resolves the calling user from the Authorization header
// and stores the user ID in the request context
type AuthMiddleware struct {
	sessions SessionValidator
	optional bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(sessions SessionValidator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		userID, err := m.sessions.Validate(r.Context(), parts[1])
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired session")
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects requests whose context carries no authenticated user.
// Mount it on API subrouters behind an optional AuthMiddleware so public
// invitation pages stay reachable.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := contextkeys.CurrentUserID(r.Context()); !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
