package middleware

import (
	"net/http"

	"github.com/fluxgate/streamgate/internal/auth"
)

// RequireRole returns middleware that rejects requests whose principal
// (attached by RequireAuth) does not satisfy the given role.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if !p.Authenticated {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !p.Role.Satisfies(role) {
				http.Error(w, "insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
