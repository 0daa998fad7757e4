package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/middleware"
)

// startTime anchors the uptime field below; it is set once at process
// start, not per request.
var startTime = time.Now()

// handleAdminStatus reports live gateway counters: connection/channel
// counts plus basic Go runtime stats, gated to admins only.
func handleAdminStatus(connections *engine.Registry, chanReg *channels.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		body := map[string]any{
			"uptime_seconds":      time.Since(startTime).Seconds(),
			"connections_total":   connections.Count(),
			"connections_auth":    connections.AuthenticatedCount(),
			"channels_live":       chanReg.ChannelCount(),
			"goroutines":          runtime.NumGoroutine(),
			"heap_alloc_bytes":    mem.HeapAlloc,
			"go_version":          runtime.Version(),
			"requested_by_wallet": middleware.PrincipalFromContext(r.Context()).WalletID,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

// mountAdminStatus wires the /api/admin/status route behind
// RequireAuth+RequireRole(admin) when a verifier is configured. A harness
// with no verifier (e.g. a unit test exercising only the WebSocket mounts)
// simply doesn't get the route.
func mountAdminStatus(mux *http.ServeMux, verifier *auth.Verifier, connections *engine.Registry, chanReg *channels.Registry) {
	if verifier == nil || connections == nil || chanReg == nil {
		return
	}
	handler := middleware.RequireAuth(verifier)(
		middleware.RequireRole(auth.RoleAdmin)(handleAdminStatus(connections, chanReg)),
	)
	mux.Handle("/api/admin/status", handler)
}
