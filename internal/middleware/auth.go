// Package middleware provides HTTP middleware shared by the gateway's
// plain HTTP surface (health checks, metrics, admin REST helpers). The
// WebSocket handshake path has its own authentication flow in
// internal/auth, so RequireAuth and RequireRole guard only the plain HTTP
// routes; RequestID and SecurityHeaders wrap every route, socket upgrades
// included.
package middleware

import (
	"context"
	"net/http"

	"github.com/fluxgate/streamgate/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

// RequireAuth validates a bearer token via v and rejects the request if
// no authenticated principal results.
func RequireAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := v.VerifyRequest(r.Context(), r)
			if !result.Principal.Authenticated {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, result.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext retrieves the principal attached by RequireAuth.
func PrincipalFromContext(ctx context.Context) auth.Principal {
	p, ok := ctx.Value(principalContextKey).(auth.Principal)
	if !ok {
		return auth.Anonymous
	}
	return p
}
