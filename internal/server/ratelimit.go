package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminPathPrefixes are the endpoint paths that front the privileged
// admin.*/superadmin.* channel namespaces (internal/endpoints/admin and
// internal/endpoints/monitor). A handshake
// flood against one of these is worth slowing down harder than the same
// flood against a public market-data feed, so they get their own,
// stricter admission budget rather than sharing the default one.
var adminPathPrefixes = []string{"/ws/admin", "/ws/monitor"}

// adminBudgetDivisor shrinks both rate and burst for admin-class paths
// relative to the configured default budget.
const adminBudgetDivisor = 4

// pathClass classifies r's path into the admission bucket it draws from.
func pathClass(path string) string {
	for _, p := range adminPathPrefixes {
		if strings.HasPrefix(path, p) {
			return "admin"
		}
	}
	return "default"
}

// admissionLimiter tracks per-IP admission limits applied before the
// WebSocket upgrade handshake, with a separate, stricter budget for
// admin-class paths. This is distinct from the per-connection message
// budget in internal/engine: that one paces an already-accepted
// connection, this one decides whether to accept the connection at all.
//
// Rate limiting here is per-replica: each gateway instance keeps its own
// counters, so with N replicas behind a load balancer the effective limit
// per IP is N times the configured rate. That's the standard tradeoff for
// a stateless service and is acceptable for admission control.
type admissionLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	budgets  map[string]rateBurst // class -> (rate, burst)
	cleanup  time.Duration

	// onReject, if set, is called with the path class whenever a
	// handshake is turned away, so the caller can fold the rejection into
	// its own metrics without this package importing a metrics client.
	onReject func(class string)
}

type rateBurst struct {
	rate  rate.Limit
	burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAdmissionLimiter builds a limiter allowing r handshakes/sec per IP
// with burst b for ordinary paths, and a quarter of that for admin-class
// paths (see adminPathPrefixes), evicting visitors idle past the cleanup
// window.
func newAdmissionLimiter(r rate.Limit, burst int) *admissionLimiter {
	l := &admissionLimiter{
		visitors: make(map[string]*visitor),
		budgets: map[string]rateBurst{
			"default": {rate: r, burst: burst},
			"admin":   {rate: r / adminBudgetDivisor, burst: maxInt(1, burst/adminBudgetDivisor)},
		},
		cleanup: 3 * time.Minute,
	}
	go l.cleanupLoop()
	return l
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// allow reports whether a handshake from ip against path's class is
// within budget, consuming one token from that (ip, class) bucket if so.
func (l *admissionLimiter) allow(ip, path string) bool {
	class := pathClass(path)
	key := class + "|" + ip

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		b := l.budgets[class]
		v = &visitor{limiter: rate.NewLimiter(b.rate, b.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	if v.limiter.Allow() {
		return true
	}
	if l.onReject != nil {
		l.onReject(class)
	}
	return false
}

func (l *admissionLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > l.cleanup {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}

// clientIP extracts the caller's IP, preferring X-Forwarded-For / X-Real-Ip
// over RemoteAddr since the gateway is expected to sit behind a load
// balancer in production.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// admissionMiddleware rejects the upgrade handshake with 429 once an IP
// exceeds its path class's admission budget, before any connection
// resource is spent.
func admissionMiddleware(limiter *admissionLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r), r.URL.Path) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
