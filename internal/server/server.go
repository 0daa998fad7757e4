// Package server assembles the gateway's single HTTP surface: the
// per-endpoint WebSocket upgrade routes, the Prometheus /metrics route,
// and the /healthz and /readyz probes, wrapped in the security and
// request-ID middleware. These sit in front of, not inside,
// internal/endpoint.Base.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/metrics"
	"github.com/fluxgate/streamgate/internal/middleware"
	"github.com/fluxgate/streamgate/internal/storage"
)

// Mount is one endpoint's HTTP wiring: the path it upgrades connections
// on, the handler that serves it, and the cleanup hook run at shutdown.
type Mount struct {
	Path    string
	Handler http.Handler
	Cleanup func()
}

// Options bundles everything Server needs to assemble the mux.
type Options struct {
	Mounts      []Mount
	Connections *engine.Registry
	Metrics     *metrics.Registry
	Store       *storage.Store
	Channels    *channels.Registry
	Verifier    *auth.Verifier

	// IPRateLimit/IPRateBurst configure the admission-level per-IP token
	// bucket guarding the upgrade handshake.
	IPRateLimit float64
	IPRateBurst int

	// AllowedOrigins is the same origin allow-list internal/transport's
	// Upgrader.CheckOrigin enforces; threaded
	// through to middleware.SecurityHeaders so the CSP's connect-src
	// directive never silently diverges from what the upgrader accepts.
	AllowedOrigins []string
}

// Server owns the assembled http.Handler plus the resources that need an
// orderly shutdown.
type Server struct {
	Handler     http.Handler
	connections *engine.Registry
	metricsReg  *metrics.Registry
	mounts      []Mount
}

// New assembles the gateway's HTTP handler: every endpoint's upgrade
// route, /metrics, /healthz, /readyz, admission rate limiting, and the
// security/request-ID wrapper.
func New(opts Options) *Server {
	mux := http.NewServeMux()

	for _, m := range opts.Mounts {
		mux.Handle(m.Path, m.Handler)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(opts.Store))
	mountAdminStatus(mux, opts.Verifier, opts.Connections, opts.Channels)

	limiter := newAdmissionLimiter(rate.Limit(opts.IPRateLimit), opts.IPRateBurst)
	if opts.Metrics != nil {
		limiter.onReject = opts.Metrics.RecordAdmissionRejected
	}
	handler := admissionMiddleware(limiter, mux)
	handler = middleware.SecurityHeaders(opts.AllowedOrigins)(middleware.RequestID(handler))

	return &Server{
		Handler:     handler,
		connections: opts.Connections,
		metricsReg:  opts.Metrics,
		mounts:      opts.Mounts,
	}
}

// Shutdown drains every live connection with a going-away close, runs
// each endpoint's cleanup hook, and stops the metrics snapshot loop, in
// that order so no endpoint tears down state a still-draining connection
// might still touch.
func (s *Server) Shutdown(ctx context.Context) {
	if s.connections != nil {
		s.connections.Shutdown()
	}
	for _, m := range s.mounts {
		if m.Cleanup != nil {
			m.Cleanup()
		}
	}
	if s.metricsReg != nil {
		s.metricsReg.Stop()
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz checks the user store's connectivity; a gateway with no
// store configured (e.g. a test harness) always reports ready.
func handleReadyz(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		checks := map[string]any{}
		ready := true

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				ready = false
				checks["user_store"] = map[string]string{"status": "unhealthy", "error": err.Error()}
				slog.Warn("readyz: user store unhealthy", "error", err)
			} else {
				checks["user_store"] = map[string]string{"status": "healthy"}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ready":  ready,
			"checks": checks,
		})
	}
}
