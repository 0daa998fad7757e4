package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fluxgate/streamgate/internal/auth"
)

func withPrincipal(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, p))
}

func TestRequireRole_AllowsEqualOrHigherRole(t *testing.T) {
	h := RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleSuperadmin} {
		r := withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), auth.Principal{WalletID: "0x1", Role: role, Authenticated: true})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusOK {
			t.Errorf("role %s: expected 200, got %d", role, rec.Code)
		}
	}
}

func TestRequireRole_RejectsLowerRole(t *testing.T) {
	h := RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), auth.Principal{WalletID: "0x1", Role: auth.RoleUser, Authenticated: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestRequireRole_RejectsUnauthenticated(t *testing.T) {
	h := RequireRole(auth.RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
