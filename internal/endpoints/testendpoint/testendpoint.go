// Package testendpoint implements the test/diagnostic endpoint: a
// minimal override layer with no backend collaborators, used to exercise
// the connection lifecycle and transport in isolation. It echoes the data
// of each echo frame back to the sender as echo_result; any other message
// type gets an invalid_message error.
package testendpoint

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/transport"
)

// NewConfig builds the test endpoint's static configuration.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "test",
		Path:               "/ws/test",
		AuthRequired:       false,
		PublicChannels:     []string{"public.test"},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"echo"},
	}
}

// Endpoint is the test/diagnostic specialization.
type Endpoint struct {
	base *endpoint.Base
}

// New builds the test endpoint.
func New(cfg endpoint.Config, deps endpoint.Deps) *Endpoint {
	ep := &Endpoint{}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{OnMessage: ep.onMessage})
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { e.base.ServeHTTP(w, r) }

// Cleanup quiesces the base.
func (e *Endpoint) Cleanup() { e.base.Cleanup() }

func (e *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	if env.Type != "echo" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
	conn.Send(transport.Envelope{Type: "echo_result", RequestID: env.RequestID, Data: env.Data})
	return nil
}
