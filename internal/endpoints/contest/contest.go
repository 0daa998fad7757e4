// Package contest implements the contest endpoint: public per-contest
// leaderboards on contest.<id> channels, looked up on demand and
// validated the same way market validates a symbol before letting a
// direct subscribe auto-create the channel.
package contest

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

// leaderboardCacheTTL bounds how long a looked-up leaderboard is trusted
// before the next lookup re-queries the provider.
const leaderboardCacheTTL = 5 * time.Second

// NewConfig builds the contest endpoint's static configuration. It is
// public: leaderboards carry no principal-scoped information.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "contest",
		Path:               "/ws/contest",
		AuthRequired:       false,
		PublicChannels:     []string{"public.contests"},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"get_leaderboard"},
	}
}

// Endpoint is the contest specialization.
type Endpoint struct {
	base     *endpoint.Base
	provider backend.ContestProvider
	cache    *cache.TTL[string, backend.Leaderboard]
}

// New builds the contest endpoint.
func New(cfg endpoint.Config, deps endpoint.Deps, provider backend.ContestProvider) *Endpoint {
	ep := &Endpoint{
		provider: provider,
		cache:    cache.New[string, backend.Leaderboard](leaderboardCacheTTL),
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

func contestChannel(id string) string { return "contest." + id }

// onSubscribe validates a contest exists before a direct subscribe to
// contest.<id> auto-creates the channel, mirroring market's per-symbol
// validation.
func (e *Endpoint) onSubscribe(_ *engine.Connection, channel string) error {
	id := strings.TrimPrefix(channel, "contest.")
	if id == channel {
		return nil
	}
	_, found, err := e.lookup(context.Background(), id)
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.Resource(fmt.Sprintf("unknown contest %q", id))
	}
	return nil
}

type contestIDPayload struct {
	ContestID string `json:"contest_id"`
}

func (e *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	if env.Type != "get_leaderboard" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return gatewayerr.Protocol("malformed get_leaderboard payload", 0)
	}
	var payload contestIDPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ContestID == "" {
		return gatewayerr.Protocol("get_leaderboard requires a contest_id", 0)
	}
	board, found, err := e.lookup(context.Background(), payload.ContestID)
	if err != nil {
		return err
	}
	if !found {
		return gatewayerr.Resource(fmt.Sprintf("unknown contest %q", payload.ContestID))
	}
	conn.Send(transport.Envelope{Type: "leaderboard_update", RequestID: env.RequestID, Data: board})
	return nil
}

func (e *Endpoint) lookup(ctx context.Context, contestID string) (backend.Leaderboard, bool, error) {
	if b, ok := e.cache.Get(contestID); ok {
		return b, true, nil
	}
	if e.provider == nil {
		return backend.Leaderboard{}, false, gatewayerr.Upstream("contest provider unavailable", nil)
	}
	board, found, err := e.provider.GetLeaderboard(ctx, contestID)
	if err != nil {
		return backend.Leaderboard{}, false, gatewayerr.Upstream("failed to load leaderboard", err)
	}
	if !found {
		return backend.Leaderboard{}, false, nil
	}
	e.cache.Set(contestID, board)
	return board, true, nil
}

// PublishUpdate re-caches a freshly computed leaderboard and fans it out
// to its contest channel. Contest updates are not carried on the shared
// event bus (the closed event-name set has no contest entry); callers
// that compute leaderboards out of band invoke this directly.
func (e *Endpoint) PublishUpdate(board backend.Leaderboard) {
	e.cache.Set(board.ContestID, board)
	e.base.Channels().Broadcast(contestChannel(board.ContestID), transport.Envelope{Type: "leaderboard_update", Data: board})
}
