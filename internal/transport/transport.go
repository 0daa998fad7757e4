// Package transport accepts upgraded socket connections and turns them into
// a frame-oriented, JSON-envelope interface for the engine above it.
// Compression negotiation is never enabled: a subset of real clients
// mishandle the RSV1 reserved bit when the server negotiates a compression
// extension, so the upgrader simply never offers one.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
)

// OriginChecker decides whether a handshake request's Origin header is
// acceptable. A nil checker allows every origin (development default).
type OriginChecker func(r *http.Request) bool

// Upgrader builds gorilla/websocket upgraders bound to a fixed origin
// policy and max payload size. One Upgrader is shared by every endpoint;
// per-endpoint max payload is passed at Accept time.
type Upgrader struct {
	checkOrigin OriginChecker
}

// NewUpgrader creates an Upgrader. If checkOrigin is nil, all origins are
// allowed (suitable only for local development).
func NewUpgrader(checkOrigin OriginChecker) *Upgrader {
	return &Upgrader{checkOrigin: checkOrigin}
}

// Accept performs the upgrade handshake and returns a Conn bound to
// maxPayloadBytes. Compression is never negotiated: EnableCompression is
// left false and no Sec-WebSocket-Extensions are offered.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request, maxPayloadBytes int64, subprotocols []string) (*Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		Subprotocols:    subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			if u.checkOrigin == nil {
				return true
			}
			return u.checkOrigin(r)
		},
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade failed: %w", err)
	}
	raw.SetReadLimit(maxPayloadBytes)
	return &Conn{raw: raw}, nil
}

// Conn is a single accepted, upgraded connection. It exposes a frame-level
// interface: JSON-decoded Envelopes in, JSON-encoded Envelopes or raw
// control frames out.
type Conn struct {
	raw *websocket.Conn
}

// ErrMessageTooBig is returned by ReadEnvelope when the peer sent a frame
// larger than the negotiated read limit.
var ErrMessageTooBig = errors.New("transport: message too big")

// ReadEnvelope blocks for the next text/binary frame and decodes it as an
// Envelope. A frame exceeding the read limit surfaces as ErrMessageTooBig
// so callers can map it to close code 1003 before touching the payload
// further. Malformed JSON is returned as a decode error so callers can map
// it to invalid_message.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.raw.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return Envelope{}, ErrMessageTooBig
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return env, nil
}

// WriteEnvelope serializes env to UTF-8 JSON and sends it as a text frame.
func (c *Conn) WriteEnvelope(env Envelope) error {
	env.Stamp()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a low-level ping control frame.
func (c *Conn) Ping() error {
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// SetPongHandler installs fn to run whenever a pong control frame arrives.
func (c *Conn) SetPongHandler(fn func(appData string) error) {
	c.raw.SetPongHandler(fn)
}

// Close sends a close frame with code and reason, then closes the socket.
// Errors writing the close frame are logged, not returned: by the time a
// caller wants to close, the connection is usually already going away.
func (c *Conn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.raw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slog.Debug("transport: close frame write failed", "error", err)
	}
	return c.raw.Close()
}

// RemoteAddr returns the underlying socket's remote address string.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
