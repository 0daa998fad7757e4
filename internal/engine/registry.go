package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fluxgate/streamgate/internal/channels"
)

// CloseHook is invoked once per connection cleanup, after it has been
// removed from every channel and from the registry.
type CloseHook func(*Connection)

// sweepInterval is how often the heartbeat loop walks the live connection
// set looking for idle sockets. It must be no coarser than the smallest
// heartbeat_interval configured by any endpoint, since it is the only
// place that decides a connection is due a ping.
const sweepInterval = time.Second

// Registry is the process-wide client registry; it and the channel
// registry are singletons shared by every endpoint.
// It also runs the rate-limit reset ticker and the heartbeat sweep; both
// read each connection's own Timing rather than a single global value,
// since EndpointConfig allows different endpoints different timings.
type Registry struct {
	channelRegistry *channels.Registry

	mu    sync.RWMutex
	conns map[string]*Connection

	onClose CloseHook

	stopOnce sync.Once
	stop     chan struct{}
}

// Options configures a Registry.
type Options struct {
	ChannelRegistry *channels.Registry
	OnClose         CloseHook
}

// NewRegistry creates a Registry and starts its rate-limit and heartbeat
// loops. Call Shutdown to stop them and close every connection.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		channelRegistry: opts.ChannelRegistry,
		conns:           make(map[string]*Connection),
		onClose:         opts.OnClose,
		stop:            make(chan struct{}),
	}
	go r.rateLimitResetLoop()
	go r.heartbeatLoop()
	return r
}

// Register adds conn to the registry and starts its write pump.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
	conn.Start()
}

// Get looks up a live connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedCount returns how many registered connections carry an
// authenticated principal, for the C9 gauge split.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.Principal().Authenticated {
			n++
		}
	}
	return n
}

// Unregister runs the full cleanup path for conn: removes it from the
// rate-limit/heartbeat sweep, drops it from every channel it had joined,
// closes the transport, and invokes the close hook. Safe to call more than
// once.
func (r *Registry) Unregister(conn *Connection, code int, reason string) {
	r.mu.Lock()
	_, existed := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	r.mu.Unlock()
	if !existed {
		return
	}

	subs := conn.Subscriptions()
	if r.channelRegistry != nil && len(subs) > 0 {
		r.channelRegistry.UnsubscribeAll(conn.ID(), subs)
	}

	conn.Close(code, reason)

	slog.Info("engine: connection closed",
		"connection_id", conn.ID(),
		"request_id", conn.RequestID(),
		"code", code,
		"reason", reason,
		"duration", time.Since(conn.ConnectedAt()),
	)

	if r.onClose != nil {
		r.onClose(conn)
	}
	conn.fireCloseHook()
}

// rateLimitResetLoop fires once a minute, resetting every connection's
// budget to its endpoint's configured per-minute limit: a single timer
// per window, no token-bucket refill between resets.
func (r *Registry) rateLimitResetLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			for _, c := range r.conns {
				c.ResetBudget()
			}
			r.mu.RUnlock()
		case <-r.stop:
			return
		}
	}
}

// heartbeatLoop walks live connections every sweepInterval; a connection
// idle longer than its own heartbeat interval gets a ping.
func (r *Registry) heartbeatLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepHeartbeats()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweepHeartbeats() {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !c.DuePing() {
			continue
		}
		if err := c.Ping(); err != nil {
			c.ClearPingOutstanding()
			continue
		}
		go r.awaitPong(c)
	}
}

// awaitPong gives conn its configured heartbeat_timeout to answer the
// ping it was just sent. A late or missing pong increments the strike
// counter; at the connection's heartbeat strike max, consecutive strikes
// close it. The graded tolerance avoids cycling connections on transient
// network blips. Resolving the ping cycle (via
// ClearPingOutstanding) is what lets sweepHeartbeats consider conn for
// its next ping only once a full interval has passed, rather than on
// every sweep tick.
func (r *Registry) awaitPong(conn *Connection) {
	before := conn.LastActivity()
	time.Sleep(conn.HeartbeatTimeout())
	defer conn.ClearPingOutstanding()

	if conn.State() == StateClosed {
		return
	}
	if conn.LastActivity().After(before) {
		return
	}

	strikes := conn.RecordMissedPong()
	if strikes < conn.HeartbeatStrikeMax() {
		return
	}
	conn.SetState(StateClosing)
	r.Unregister(conn, 1008, "heartbeat timeout")
}

// Shutdown stops the timers and closes every live connection with
// going_away.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		r.Unregister(c, 1001, "going_away")
	}
}
