// Package skyduel implements the skyduel endpoint: public per-duel
// status on duel.<id> channels, looked up on demand, following the same
// per-topic-channel pattern as market and contest.
package skyduel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/cache"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/transport"
)

// duelCacheTTL bounds how long a looked-up duel status is trusted before
// the next lookup re-queries the provider.
const duelCacheTTL = 5 * time.Second

// NewConfig builds the skyduel endpoint's static configuration. It is
// public: duel status carries no principal-scoped information.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "skyduel",
		Path:               "/ws/skyduel",
		AuthRequired:       false,
		PublicChannels:     []string{"public.skyduel"},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"get_duel_status"},
	}
}

// Endpoint is the skyduel specialization.
type Endpoint struct {
	base     *endpoint.Base
	provider backend.DuelProvider
	cache    *cache.TTL[string, backend.DuelStatus]
}

// New builds the skyduel endpoint.
func New(cfg endpoint.Config, deps endpoint.Deps, provider backend.DuelProvider) *Endpoint {
	ep := &Endpoint{
		provider: provider,
		cache:    cache.New[string, backend.DuelStatus](duelCacheTTL),
	}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{
		OnMessage:   ep.onMessage,
		OnSubscribe: ep.onSubscribe,
	})
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { e.base.ServeHTTP(w, r) }

// Cleanup quiesces the base.
func (e *Endpoint) Cleanup() { e.base.Cleanup() }

func duelChannel(id string) string { return "duel." + id }

// onSubscribe validates a duel exists before a direct subscribe to
// duel.<id> auto-creates the channel.
func (e *Endpoint) onSubscribe(_ *engine.Connection, channel string) error {
	id := strings.TrimPrefix(channel, "duel.")
	if id == channel {
		return nil
	}
	_, found, err := e.lookup(context.Background(), id)
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.Resource(fmt.Sprintf("unknown duel %q", id))
	}
	return nil
}

type duelIDPayload struct {
	DuelID string `json:"duel_id"`
}

func (e *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	if env.Type != "get_duel_status" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return gatewayerr.Protocol("malformed get_duel_status payload", 0)
	}
	var payload duelIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.DuelID == "" {
		return gatewayerr.Protocol("get_duel_status requires a duel_id", 0)
	}
	status, found, err := e.lookup(context.Background(), payload.DuelID)
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.Resource(fmt.Sprintf("unknown duel %q", payload.DuelID))
	}
	conn.Send(transport.Envelope{Type: "duel_status_update", RequestID: env.RequestID, Data: status})
	return nil
}

func (e *Endpoint) lookup(ctx context.Context, duelID string) (backend.DuelStatus, bool, error) {
	if s, ok := e.cache.Get(duelID); ok {
		return s, true, nil
	}
	if e.provider == nil {
		return backend.DuelStatus{}, false, gatewayerr.Upstream("duel provider unavailable", nil)
	}
	status, found, err := e.provider.GetDuelStatus(ctx, duelID)
	if err != nil {
		return backend.DuelStatus{}, false, gatewayerr.Upstream("failed to load duel status", err)
	}
	if !found {
		return backend.DuelStatus{}, false, nil
	}
	e.cache.Set(duelID, status)
	return status, true, nil
}

// PublishUpdate re-caches a freshly computed duel status and fans it out
// to its duel channel. Like contest, duel updates have no entry on the
// shared event bus; callers invoke this directly when state changes.
func (e *Endpoint) PublishUpdate(status backend.DuelStatus) {
	e.cache.Set(status.DuelID, status)
	e.base.Channels().Broadcast(duelChannel(status.DuelID), transport.Envelope{Type: "duel_status_update", Data: status})
}
