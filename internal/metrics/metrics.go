// Package metrics implements the gateway's observability surface:
// process counters, per-channel subscriber gauges, handler latency
// sampling, and a periodic self-report onto the internal event bus. This
// package is the one place in the module that registers anything against
// prometheus/client_golang.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxgate/streamgate/internal/eventbus"
)

// Registry bundles every metric the gateway exposes, registered against a
// private prometheus registry so tests can construct one without
// colliding with the global default registry.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsTotal       prometheus.Counter
	ConnectionsCurrent     prometheus.Gauge
	AuthenticatedCurrent   prometheus.Gauge
	AnonymousCurrent       prometheus.Gauge
	MessagesIn             prometheus.Counter
	MessagesOut            prometheus.Counter
	Errors                 *prometheus.CounterVec
	RateLimitBreaches      prometheus.Counter
	VeryShortLivedConns    prometheus.Counter
	AuthInterruptedConns   prometheus.Counter
	AbnormalCloses         prometheus.Counter
	ChannelSubscribers     *prometheus.GaugeVec
	AdmissionRejected      *prometheus.CounterVec

	latencies   *latencyRing
	connCurrent int64
	bus         *eventbus.Bus

	stop chan struct{}
}

// veryShortLived is the connection-duration threshold below which a close
// increments VeryShortLivedConns, read as a signal of failed
// handshakes/flapping clients.
const veryShortLived = 2 * time.Second

// New builds a Registry and registers every metric against its own
// private prometheus.Registry. bus is optional; when non-nil, Start
// publishes a periodic service:status:update snapshot onto it.
func New(bus *eventbus.Bus) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total", Help: "Total accepted connections.",
		}),
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_current", Help: "Currently open connections.",
		}),
		AuthenticatedCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_authenticated", Help: "Currently open authenticated connections.",
		}),
		AnonymousCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_anonymous", Help: "Currently open anonymous connections.",
		}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_in_total", Help: "Inbound frames processed.",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_out_total", Help: "Outbound frames sent.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total", Help: "Errors by taxonomy kind.",
		}, []string{"kind"}),
		RateLimitBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_breaches_total", Help: "Connections closed for exceeding their rate limit.",
		}),
		VeryShortLivedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_very_short_lived_connections_total", Help: "Connections that closed within 2s of accept.",
		}),
		AuthInterruptedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_interrupted_total", Help: "Connections that disconnected mid-handshake.",
		}),
		AbnormalCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_abnormal_closes_total", Help: "Closes with a non-1000/1001 code.",
		}),
		ChannelSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_channel_subscribers", Help: "Current subscriber count per channel.",
		}, []string{"channel"}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_rejected_total", Help: "Upgrade handshakes rejected by the per-IP admission limiter, by path class.",
		}, []string{"class"}),
		latencies: newLatencyRing(100),
		bus:       bus,
		stop:      make(chan struct{}),
	}

	reg.MustRegister(
		r.ConnectionsTotal, r.ConnectionsCurrent, r.AuthenticatedCurrent, r.AnonymousCurrent,
		r.MessagesIn, r.MessagesOut, r.Errors, r.RateLimitBreaches, r.VeryShortLivedConns,
		r.AuthInterruptedConns, r.AbnormalCloses, r.ChannelSubscribers, r.AdmissionRejected,
	)
	return r
}

// Gatherer exposes the private registry for mounting at /metrics.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordConnect accounts for a newly accepted connection.
func (r *Registry) RecordConnect(authenticated bool) {
	r.ConnectionsTotal.Inc()
	r.ConnectionsCurrent.Inc()
	atomic.AddInt64(&r.connCurrent, 1)
	if authenticated {
		r.AuthenticatedCurrent.Inc()
	} else {
		r.AnonymousCurrent.Inc()
	}
}

// RecordAdmissionRejected counts one upgrade handshake turned away by the
// per-IP admission limiter before any connection resource was spent,
// labeled by the path class ("default" or "admin") that rejected it.
func (r *Registry) RecordAdmissionRejected(class string) {
	r.AdmissionRejected.WithLabelValues(class).Inc()
}

// RecordClose updates the duration-sensitive close counters for a
// connection that lived for d, closed with the given code, carrying
// authenticated as it was at close time.
func (r *Registry) RecordClose(d time.Duration, code int, authenticated bool) {
	r.ConnectionsCurrent.Dec()
	atomic.AddInt64(&r.connCurrent, -1)
	if authenticated {
		r.AuthenticatedCurrent.Dec()
	} else {
		r.AnonymousCurrent.Dec()
	}
	if d < veryShortLived {
		r.VeryShortLivedConns.Inc()
	}
	if code != 1000 && code != 1001 {
		r.AbnormalCloses.Inc()
	}
}

// ObserveLatency records one handler duration into the rolling sample.
func (r *Registry) ObserveLatency(d time.Duration) {
	r.latencies.add(d)
}

// AverageLatency returns the mean of the last up-to-100 observations, or
// zero if none have been recorded yet.
func (r *Registry) AverageLatency() time.Duration {
	return r.latencies.average()
}

// snapshotInterval is how often Start publishes a status snapshot onto
// the bus.
const snapshotInterval = 15 * time.Second

// Start launches the periodic bus self-report. Call Stop to end it.
func (r *Registry) Start() {
	if r.bus == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.bus.Publish(eventbus.Event{
					Name: eventbus.ServiceStatusUpdate,
					Payload: map[string]any{
						"connections_current": atomic.LoadInt64(&r.connCurrent),
						"avg_latency_ms":       float64(r.AverageLatency().Microseconds()) / 1000.0,
					},
				})
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop ends the periodic snapshot loop.
func (r *Registry) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}
