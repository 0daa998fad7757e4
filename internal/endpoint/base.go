package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/metrics"
	"github.com/fluxgate/streamgate/internal/middleware"
	"github.com/fluxgate/streamgate/internal/transport"
)

// drainTimeout bounds how long Drain waits for a just-queued error frame
// to reach the socket before the connection is torn down.
const drainTimeout = 50 * time.Millisecond

// Hooks are the per-endpoint overrides. Every field is optional; a nil
// hook is simply skipped. These, plus Config, are the entirety of what a
// concrete endpoint specialization supplies on top of Base.
type Hooks struct {
	// OnInit runs once, synchronously, when the endpoint is constructed.
	OnInit func(*Base)
	// OnConnection runs after a connection reaches established, before it
	// starts reading application frames.
	OnConnection func(*engine.Connection)
	// OnMessage handles every message type the base doesn't itself own
	// (anything other than heartbeat/subscribe/unsubscribe).
	OnMessage func(*engine.Connection, transport.Envelope) error
	// OnClose runs once, after the connection has been fully torn down:
	// removed from every channel and from the client registry.
	OnClose func(*engine.Connection)
	// OnSubscribe runs after the base's access-predicate check passes but
	// before the subscription is recorded, letting an endpoint do extra
	// validation (e.g. the market endpoint checking a symbol exists).
	OnSubscribe func(*engine.Connection, string) error
	// OnUnsubscribe runs after a channel membership is dropped.
	OnUnsubscribe func(*engine.Connection, string)
	// OnCleanup quiesces any per-endpoint scheduler.
	OnCleanup func()
}

// Deps bundles the process-wide collaborators every endpoint shares: the
// client registry, channel registry, and metrics are singletons; only
// configuration and hooks vary per endpoint.
type Deps struct {
	Upgrader    *transport.Upgrader
	Verifier    *auth.Verifier
	Connections *engine.Registry
	Channels    *channels.Registry
	Metrics     *metrics.Registry
}

// Base is the connection-and-subscription engine shared by every
// endpoint; each concrete endpoint is a thin specialization over it. It
// owns the handshake, the built-in heartbeat/subscribe/unsubscribe
// message types, and dispatch of everything else to Hooks.
type Base struct {
	cfg   Config
	deps  Deps
	hooks Hooks
}

// New builds a Base for cfg using deps and hooks, then runs hooks.OnInit.
func New(cfg Config, deps Deps, hooks Hooks) *Base {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.HeartbeatStrikeMax <= 0 {
		cfg.HeartbeatStrikeMax = 3
	}
	b := &Base{cfg: cfg, deps: deps, hooks: hooks}
	if hooks.OnInit != nil {
		hooks.OnInit(b)
	}
	return b
}

// Config returns the endpoint's static configuration.
func (b *Base) Config() Config { return b.cfg }

// Channels exposes the shared channel registry, for endpoints that need to
// broadcast outside of a client-initiated request (e.g. reacting to an
// event-bus message).
func (b *Base) Channels() *channels.Registry { return b.deps.Channels }

// Metrics exposes the shared metrics registry, or nil if none was wired.
func (b *Base) Metrics() *metrics.Registry { return b.deps.Metrics }

// Cleanup runs hooks.OnCleanup, quiescing any per-endpoint scheduler.
func (b *Base) Cleanup() {
	if b.hooks.OnCleanup != nil {
		b.hooks.OnCleanup()
	}
}

// ServeHTTP performs the handshake (connecting -> authenticating ->
// established|closing) and then blocks, serving frames until the
// connection closes. Mount it directly on an *http.ServeMux at the
// endpoint's configured path.
func (b *Base) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, ok := b.accept(w, r)
	if !ok {
		return
	}
	b.serve(conn)
}

// accept performs the upgrade and the synchronous authentication phase:
// auth completes before any subscribe or data frame is accepted. It
// returns ok=false once the connection has already been fully handled
// (rejected, or the client vanished mid-handshake).
func (b *Base) accept(w http.ResponseWriter, r *http.Request) (*engine.Connection, bool) {
	raw, err := b.deps.Upgrader.Accept(w, r, b.cfg.MaxPayloadBytes, b.cfg.Subprotocols)
	if err != nil {
		slog.Debug("endpoint: upgrade failed", "endpoint", b.cfg.Name, "error", err)
		return nil, false
	}

	timing := engine.Timing{
		RateLimitPerMinute: b.cfg.RateLimitPerMinute,
		HeartbeatInterval:  b.cfg.HeartbeatInterval,
		HeartbeatTimeout:   b.cfg.HeartbeatTimeout,
		HeartbeatStrikeMax: b.cfg.HeartbeatStrikeMax,
	}
	conn := engine.NewConnection(raw, timing)
	conn.SetPongHandler(func(string) error { conn.Touch(); return nil })
	if b.deps.Metrics != nil {
		conn.SetWriteObserver(b.deps.Metrics.MessagesOut.Inc)
	}
	conn.SetRequestID(middleware.GetRequestID(r.Context()))
	conn.SetState(engine.StateAuthenticating)
	conn.SetAuthPhase(engine.AuthInProgress)

	principal := auth.Anonymous
	interrupted := false
	if b.deps.Verifier != nil {
		result := b.deps.Verifier.VerifyRequestMode(r.Context(), r, b.cfg.AuthMode)
		principal = result.Principal
		if result.Reason == auth.ReasonAuthInterrupted {
			interrupted = true
		} else if result.Reason != "" && !principal.Authenticated {
			slog.Debug("endpoint: auth did not resolve a principal", "endpoint", b.cfg.Name, "reason", result.Reason)
		}
	}
	conn.SetPrincipal(principal)
	conn.SetAuthPhase(engine.AuthCompleted)

	if interrupted {
		// Counted separately from a completed, failed handshake: the
		// client disconnected while verification was still in flight, so
		// no session ever really started.
		if b.deps.Metrics != nil {
			b.deps.Metrics.AuthInterruptedConns.Inc()
		}
		conn.SetState(engine.StateClosed)
		raw.Close(transport.CloseGoingAway, "client disconnected during authentication")
		return nil, false
	}

	if b.cfg.AuthRequired && !principal.Authenticated && len(b.cfg.PublicChannels) == 0 {
		conn.SetState(engine.StateClosing)
		b.deps.Connections.Register(conn)
		conn.Send(transport.NewError(transport.ErrUnauthorized, "authentication required"))
		conn.Drain(drainTimeout)
		b.deps.Connections.Unregister(conn, transport.CloseUnauthorized, "unauthorized")
		return nil, false
	}

	conn.SetState(engine.StateEstablished)
	conn.SetCloseHook(func(c *engine.Connection) { b.onConnClose(c) })
	b.deps.Connections.Register(conn)

	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordConnect(principal.Authenticated)
	}

	conn.Send(welcomeEnvelope(b.cfg, conn.ID()))
	conn.Send(establishedEnvelope(principal, conn.ID()))

	if b.hooks.OnConnection != nil {
		b.hooks.OnConnection(conn)
	}
	return conn, true
}

func (b *Base) onConnClose(conn *engine.Connection) {
	if b.hooks.OnClose != nil {
		b.hooks.OnClose(conn)
	}
	if b.deps.Metrics != nil {
		code := conn.CloseCode()
		if code == 0 {
			code = transport.CloseNormal
		}
		b.deps.Metrics.RecordClose(time.Since(conn.ConnectedAt()), code, conn.Principal().Authenticated)
	}
}

// serve is the per-connection read loop: inbound frames are processed in
// arrival order, strictly serial per socket. It runs on the goroutine
// ServeHTTP was called on and returns once the connection is gone.
func (b *Base) serve(conn *engine.Connection) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			b.handleReadError(conn, err)
			return
		}

		conn.Touch()
		if b.deps.Metrics != nil {
			b.deps.Metrics.MessagesIn.Inc()
		}

		if !conn.ConsumeBudget() {
			conn.Send(transport.NewError(transport.ErrRateLimitExceeded, "rate limit exceeded"))
			if b.deps.Metrics != nil {
				b.deps.Metrics.RateLimitBreaches.Inc()
			}
			conn.Drain(drainTimeout)
			b.deps.Connections.Unregister(conn, transport.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		b.dispatch(conn, env)
	}
}

func (b *Base) handleReadError(conn *engine.Connection, err error) {
	switch {
	case errors.Is(err, transport.ErrMessageTooBig):
		conn.Send(transport.NewError(transport.ErrInvalidMessage, "frame exceeds the maximum payload size"))
		conn.Drain(drainTimeout)
		b.deps.Connections.Unregister(conn, transport.CloseUnsupportedData, "message too big")
	case isDecodeError(err):
		conn.Send(transport.NewError(transport.ErrInvalidMessage, "malformed frame"))
		conn.Drain(drainTimeout)
		b.deps.Connections.Unregister(conn, transport.CloseUnsupportedData, "invalid message")
	default:
		b.deps.Connections.Unregister(conn, transport.CloseNormal, "client closed")
	}
}

func isDecodeError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "decode frame")
}

// dispatch handles the three built-in message types directly, never
// delegating them to specializations, and routes everything else to
// hooks.OnMessage.
func (b *Base) dispatch(conn *engine.Connection, env transport.Envelope) {
	switch env.Type {
	case "heartbeat":
		conn.Send(transport.Envelope{Type: "heartbeat_ack"})
	case "subscribe":
		b.handleSubscribe(conn, env)
	case "unsubscribe":
		b.handleUnsubscribe(conn, env)
	default:
		if b.hooks.OnMessage == nil {
			conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
			return
		}
		start := time.Now()
		err := b.callOnMessage(conn, env)
		if b.deps.Metrics != nil {
			b.deps.Metrics.ObserveLatency(time.Since(start))
		}
		b.handleHookError(conn, err)
	}
}

// callOnMessage recovers a handler panic into a FatalError (report
// server_error, close with 1011), distinguishing it from a handler
// returning an ordinary error value, which never closes the connection on
// its own.
func (b *Base) callOnMessage(conn *engine.Connection, env transport.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gatewayerr.Fatal("handler panicked", fmt.Errorf("%v", r))
		}
	}()
	return b.hooks.OnMessage(conn, env)
}

type channelPayload struct {
	Channel string `json:"channel"`
}

// extractChannel reads the channel name from either the envelope's
// top-level Channel field or a {"channel": "..."} data payload; clients
// send both shapes.
func extractChannel(env transport.Envelope) string {
	if env.Channel != "" {
		return env.Channel
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return ""
	}
	var p channelPayload
	_ = json.Unmarshal(raw, &p)
	return p.Channel
}

func (b *Base) handleSubscribe(conn *engine.Connection, env transport.Envelope) {
	name := extractChannel(env)
	if name == "" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, "subscribe requires a channel"))
		return
	}
	if !b.channelAllowed(conn, name) {
		conn.Send(transport.NewError(transport.ErrSubscriptionDenied, "you do not have access to this channel"))
		return
	}
	if b.hooks.OnSubscribe != nil {
		if err := b.hooks.OnSubscribe(conn, name); err != nil {
			b.handleHookError(conn, err)
			return
		}
	}
	b.deps.Channels.Subscribe(name, conn)
	conn.AddSubscription(name)
	b.reportSubscriberCount(name)
	conn.Send(transport.Envelope{Type: "subscription_confirmed", Channel: name})
}

func (b *Base) handleUnsubscribe(conn *engine.Connection, env transport.Envelope) {
	name := extractChannel(env)
	if name == "" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, "unsubscribe requires a channel"))
		return
	}
	b.deps.Channels.Unsubscribe(name, conn.ID())
	conn.RemoveSubscription(name)
	if b.hooks.OnUnsubscribe != nil {
		b.hooks.OnUnsubscribe(conn, name)
	}
	b.reportSubscriberCount(name)
	conn.Send(transport.Envelope{Type: "unsubscription_confirmed", Channel: name})
}

func (b *Base) reportSubscriberCount(name string) {
	if b.deps.Metrics == nil {
		return
	}
	b.deps.Metrics.ChannelSubscribers.WithLabelValues(name).Set(float64(b.deps.Channels.SubscriberCount(name)))
}

// channelAllowed applies the prefix-based access predicate, plus the
// endpoint's own PublicChannels override for channels that don't
// happen to carry a "public." prefix.
func (b *Base) channelAllowed(conn *engine.Connection, name string) bool {
	if b.cfg.isPublicChannel(name) {
		return true
	}
	return channels.AccessPredicate(name, conn.Principal(), b.cfg.AuthRequired)
}

// handleHookError translates a hook error into a client-visible frame
// and, for taxonomy errors marked Close, tears the connection down.
func (b *Base) handleHookError(conn *engine.Connection, err error) {
	if err == nil {
		return
	}
	var gerr *gatewayerr.Error
	if errors.As(err, &gerr) {
		conn.Send(transport.NewError(gerr.Code, gerr.Message))
		if b.deps.Metrics != nil {
			b.deps.Metrics.Errors.WithLabelValues(string(gerr.Kind)).Inc()
		}
		if gerr.Close {
			conn.Drain(drainTimeout)
			b.deps.Connections.Unregister(conn, gerr.CloseCode, gerr.Message)
		}
		return
	}
	slog.Error("endpoint: handler error", "endpoint", b.cfg.Name, "error", err)
	conn.Send(transport.NewError(transport.ErrServerError, "internal error"))
	if b.deps.Metrics != nil {
		b.deps.Metrics.Errors.WithLabelValues("unknown").Inc()
	}
}

func welcomeEnvelope(cfg Config, connectionID string) transport.Envelope {
	caps := append([]string{"subscribe", "unsubscribe", "heartbeat"}, cfg.Capabilities...)
	e := transport.Envelope{Type: "welcome", Data: map[string]any{
		"capabilities": caps,
		"connectionId": connectionID,
	}}
	e.Stamp()
	return e
}

func establishedEnvelope(p auth.Principal, connectionID string) transport.Envelope {
	data := map[string]any{
		"connectionId":  connectionID,
		"authenticated": p.Authenticated,
	}
	if p.Authenticated {
		data["user"] = map[string]any{"walletId": p.WalletID, "role": string(p.Role)}
	}
	e := transport.Envelope{Type: "connection_established", Data: data}
	e.Stamp()
	return e
}
