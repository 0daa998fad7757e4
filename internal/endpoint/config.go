// Package endpoint implements the single abstract base every concrete
// endpoint specializes: handshake, authentication,
// the built-in subscribe/unsubscribe/heartbeat message types, and
// delegation of everything else to the owning endpoint's hooks. Concrete
// endpoints (internal/endpoints/...) are thin configuration-plus-hooks
// layers on top of Base.
package endpoint

import (
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
)

// Config is an endpoint's static configuration.
type Config struct {
	// Name identifies the endpoint for logging and metrics labels.
	Name string
	// Path is the HTTP path the upgrade handshake is served on.
	Path string
	// AuthRequired, when true and PublicChannels is empty, closes an
	// unauthenticated connection with 4001 during the handshake. When
	// PublicChannels is set, an unauthenticated connection is admitted and
	// may subscribe to those channels; other channels go through the
	// channel-prefix access predicate.
	AuthRequired bool
	// PublicChannels lists channel names this endpoint lets unauthenticated
	// principals subscribe to even when AuthRequired is true.
	PublicChannels []string
	// MaxPayloadBytes bounds one inbound frame (default 1 MiB).
	MaxPayloadBytes int64
	// RateLimitPerMinute is the per-connection message budget.
	RateLimitPerMinute int
	// HeartbeatInterval and HeartbeatTimeout configure the ping/pong
	// liveness check.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HeartbeatStrikeMax is the number of consecutive missed pongs that
	// close the connection; defaults to 3.
	HeartbeatStrikeMax int
	// AuthMode selects where the bearer token may be presented.
	AuthMode auth.Mode
	// Subprotocols is the list the upgrader will negotiate, if any.
	Subprotocols []string
	// Capabilities lists the endpoint-specific message types advertised in
	// the welcome frame, in addition to the base subscribe/unsubscribe/
	// heartbeat types every endpoint accepts. Nil means advertise only the
	// base set.
	Capabilities []string
}

// isPublicChannel reports whether name is one of the endpoint's configured
// public sub-channels, independent of the channel-prefix predicate in
// internal/channels (an endpoint may list a channel that doesn't start
// with "public." here to make it public).
func (c Config) isPublicChannel(name string) bool {
	for _, p := range c.PublicChannels {
		if p == name {
			return true
		}
	}
	return false
}
