// Package engine implements the client registry, rate limiter, heartbeat
// sweep, and per-connection state machine shared by every endpoint
// specialization.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/transport"
)

// State is a connection's position in its lifecycle.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateEstablished    State = "established"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// AuthPhase tracks handshake progress so a disconnect mid-handshake can be
// distinguished from a completed session.
type AuthPhase string

const (
	AuthNotStarted AuthPhase = "not_started"
	AuthInProgress AuthPhase = "in_progress"
	AuthCompleted  AuthPhase = "completed"
)

// outboxSize bounds the per-connection outbound queue. The router never
// blocks on a slow subscriber: a full outbox means the next Send is
// dropped rather than queued indefinitely, so this stays small.
const outboxSize = 8

// Connection is one accepted socket, tracked for its entire lifetime by
// the Registry. All mutable fields are guarded by mu except those noted.
type Connection struct {
	id   string
	conn *transport.Conn

	mu               sync.Mutex
	principal        auth.Principal
	state            State
	authPhase        AuthPhase
	subscriptions    map[string]struct{}
	messageBudget    int
	rateLimitFull    int
	heartbeatStrikes int
	connectedAt      time.Time
	lastActivityAt   time.Time
	pendingClose     int

	// pingOutstanding and lastPingAt let the heartbeat sweep (which ticks
	// far more often than any realistic heartbeat_interval) send at most
	// one ping per interval and wait for its own timeout to resolve before
	// considering conn due for another, rather than re-pinging on every
	// sweep tick while a connection sits idle.
	pingOutstanding bool
	lastPingAt      time.Time

	// Per-connection copies of its owning endpoint's timing config. Every
	// endpoint shares one process-wide Registry, but endpoints may configure
	// different heartbeat/rate-limit timings, so each connection carries its
	// own rather than the Registry enforcing one global value.
	heartbeatInterval  time.Duration
	heartbeatTimeout   time.Duration
	heartbeatStrikeMax int

	outbox      chan transport.Envelope
	done        chan struct{}
	closeErr    error
	onCloseHook CloseHook
	onWrite     func()

	// requestID carries the HTTP-layer request id (internal/middleware's
	// RequestID) that the upgrade handshake arrived under, so every log
	// line this connection produces for the rest of its lifetime can be
	// correlated back to the reverse proxy's access log for that
	// handshake. Immutable after SetRequestID is called once in accept().
	requestID string
}

// Timing bundles the per-endpoint rate-limit and heartbeat settings a
// connection is created with.
type Timing struct {
	RateLimitPerMinute int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatStrikeMax int
}

// NewConnection wraps an accepted transport connection. The caller owns
// running writePump (via Registry.Register) and reading frames.
func NewConnection(conn *transport.Conn, timing Timing) *Connection {
	now := time.Now()
	return &Connection{
		id:                 uuid.New().String(),
		conn:               conn,
		state:              StateConnecting,
		authPhase:          AuthNotStarted,
		subscriptions:      make(map[string]struct{}),
		messageBudget:      timing.RateLimitPerMinute,
		rateLimitFull:      timing.RateLimitPerMinute,
		connectedAt:        now,
		lastActivityAt:     now,
		heartbeatInterval:  timing.HeartbeatInterval,
		heartbeatTimeout:   timing.HeartbeatTimeout,
		heartbeatStrikeMax: timing.HeartbeatStrikeMax,
		outbox:             make(chan transport.Envelope, outboxSize),
		done:               make(chan struct{}),
	}
}

// ID returns the connection's globally unique identifier, satisfying
// channels.Subscriber.
func (c *Connection) ID() string {
	return c.id
}

// SetRequestID stamps conn with the HTTP-layer request id its handshake
// arrived under. Call once, before Register.
func (c *Connection) SetRequestID(id string) {
	c.mu.Lock()
	c.requestID = id
	c.mu.Unlock()
}

// RequestID returns the handshake's HTTP-layer request id, or "" if none
// was set.
func (c *Connection) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// Send satisfies channels.Subscriber: it is non-blocking and drops the
// frame if the outbox is full.
func (c *Connection) Send(env transport.Envelope) bool {
	select {
	case c.outbox <- env:
		return true
	default:
		return false
	}
}

// SetWriteObserver installs fn to run after every frame successfully
// written to the socket, for outbound-message accounting. Call once,
// before Start.
func (c *Connection) SetWriteObserver(fn func()) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

// writePump drains the outbox to the socket. It owns the only writer of
// the underlying connection, since gorilla/websocket forbids concurrent
// writes. Runs until Close is called.
func (c *Connection) writePump() {
	c.mu.Lock()
	observe := c.onWrite
	c.mu.Unlock()
	for {
		select {
		case env := <-c.outbox:
			if err := c.conn.WriteEnvelope(env); err != nil {
				slog.Debug("engine: write failed, closing connection", "connection_id", c.id, "error", err)
				c.Close(transport.CloseInternalErr, "write failed")
				return
			}
			if observe != nil {
				observe()
			}
		case <-c.done:
			return
		}
	}
}

// SetState transitions the connection to state. Callers are responsible
// for only requesting valid transitions; SetState itself does not
// validate.
func (c *Connection) SetState(state State) {
	c.mu.Lock()
	from := c.state
	c.state = state
	c.mu.Unlock()
	slog.Debug("engine: state transition", "connection_id", c.id, "from", from, "to", state)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetAuthPhase records handshake progress.
func (c *Connection) SetAuthPhase(phase AuthPhase) {
	c.mu.Lock()
	c.authPhase = phase
	c.mu.Unlock()
}

// AuthPhase returns the current handshake phase.
func (c *Connection) AuthPhase() AuthPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authPhase
}

// SetPrincipal attaches the resolved principal. The principal never
// changes once the connection reaches established; callers must only call
// this once, during authenticating.
func (c *Connection) SetPrincipal(p auth.Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// Principal returns the attached principal (auth.Anonymous if none).
func (c *Connection) Principal() auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Touch records activity. Any activity, pong or client frame, resets the
// heartbeat strike count to zero.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.heartbeatStrikes = 0
	c.pingOutstanding = false
	c.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

// RecordMissedPong increments the heartbeat strike counter and returns the
// new count.
func (c *Connection) RecordMissedPong() int {
	c.mu.Lock()
	c.heartbeatStrikes++
	n := c.heartbeatStrikes
	c.mu.Unlock()
	return n
}

// DuePing reports whether conn is due another heartbeat ping: no ping is
// currently outstanding, and conn has been idle (by activity or by its
// own last ping attempt, whichever is more recent) for at least its
// configured interval. A true result marks a ping outstanding, so the
// caller is the only sweep tick that will act on this connection until
// the cycle resolves via ClearPingOutstanding: one ping per interval, not
// one per sweep tick.
func (c *Connection) DuePing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingOutstanding {
		return false
	}
	if c.heartbeatInterval <= 0 {
		return false
	}
	since := c.lastActivityAt
	if c.lastPingAt.After(since) {
		since = c.lastPingAt
	}
	if time.Since(since) < c.heartbeatInterval {
		return false
	}
	c.pingOutstanding = true
	c.lastPingAt = time.Now()
	return true
}

// ClearPingOutstanding resolves the current ping cycle (pong received,
// strike recorded, or ping send failed), letting the next sweep tick
// consider conn for another ping once it has been idle a full interval.
func (c *Connection) ClearPingOutstanding() {
	c.mu.Lock()
	c.pingOutstanding = false
	c.mu.Unlock()
}

// ConsumeBudget decrements the message budget for one inbound frame and
// reports whether the connection is still within its rate limit.
func (c *Connection) ConsumeBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messageBudget <= 0 {
		return false
	}
	c.messageBudget--
	return true
}

// ResetBudget restores the message budget to its configured per-window
// value. Called by the process-wide rate-limit ticker; a single timer
// resets every budget each window, with no token-bucket refill between
// resets.
func (c *Connection) ResetBudget() {
	c.mu.Lock()
	c.messageBudget = c.rateLimitFull
	c.mu.Unlock()
}

// HeartbeatInterval returns this connection's configured heartbeat
// interval.
func (c *Connection) HeartbeatInterval() time.Duration {
	return c.heartbeatInterval
}

// HeartbeatTimeout returns this connection's configured heartbeat timeout.
func (c *Connection) HeartbeatTimeout() time.Duration {
	return c.heartbeatTimeout
}

// HeartbeatStrikeMax returns how many consecutive missed pongs close the
// connection.
func (c *Connection) HeartbeatStrikeMax() int {
	return c.heartbeatStrikeMax
}

// AddSubscription records channel name in this connection's subscription
// set.
func (c *Connection) AddSubscription(name string) {
	c.mu.Lock()
	c.subscriptions[name] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes channel name from this connection's
// subscription set.
func (c *Connection) RemoveSubscription(name string) {
	c.mu.Lock()
	delete(c.subscriptions, name)
	c.mu.Unlock()
}

// Subscriptions returns a snapshot of the current subscription set.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		out = append(out, name)
	}
	return out
}

// ConnectedAt returns the accept time, used for connection-duration
// logging on close.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Close marks the connection closing, stops the write pump, and closes the
// transport with the given code/reason. Safe to call more than once; only
// the first call takes effect.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.pendingClose = code
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.closeErr = c.conn.Close(code, reason)
}

// CloseCode returns the close code passed to Close, or 0 if the
// connection hasn't been closed yet.
func (c *Connection) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingClose
}

// SetCloseHook installs the endpoint-specific cleanup callback invoked by
// Registry.Unregister once the connection has been fully torn down. One
// process-wide Registry serves every endpoint, so the hook lives on the
// connection itself rather than on the shared Registry.
func (c *Connection) SetCloseHook(hook CloseHook) {
	c.mu.Lock()
	c.onCloseHook = hook
	c.mu.Unlock()
}

func (c *Connection) fireCloseHook() {
	c.mu.Lock()
	hook := c.onCloseHook
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

// Drain blocks until the outbox has emptied or timeout elapses. Used to
// give a just-queued final frame (an error envelope sent right before a
// deliberate close) a chance to reach the write pump before the socket is
// torn down.
func (c *Connection) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(c.outbox) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// Ping sends a low-level ping frame.
func (c *Connection) Ping() error {
	return c.conn.Ping()
}

// SetPongHandler installs the transport-level pong callback.
func (c *Connection) SetPongHandler(fn func(string) error) {
	c.conn.SetPongHandler(fn)
}

// ReadEnvelope reads the next frame (blocking); only the owning engine
// goroutine should call this, preserving per-connection serial
// processing.
func (c *Connection) ReadEnvelope() (transport.Envelope, error) {
	return c.conn.ReadEnvelope()
}

// Start launches the write pump. Call once, after the connection is
// registered.
func (c *Connection) Start() {
	go c.writePump()
}
