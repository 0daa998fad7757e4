// Package terminal implements the terminal content endpoint: a
// pre-computed content bundle cached and re-fetched on a 5-minute TTL,
// re-cached and fanned out whenever the backend publishes
// terminal:broadcast, and sent to every new connection as its first
// application frame.
package terminal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/cache"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/transport"
)

// bundleCacheTTL is the content bundle's re-fetch window.
const bundleCacheTTL = 5 * time.Minute

const bundleCacheKey = "bundle"

const channelContent = "public.terminal"

// NewConfig builds the terminal endpoint's static configuration. It is
// public: content bundles carry no principal-scoped information.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "terminal",
		Path:               "/ws/terminal",
		AuthRequired:       false,
		PublicChannels:     []string{channelContent},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"get_content"},
	}
}

// Endpoint is the terminal specialization.
type Endpoint struct {
	base     *endpoint.Base
	provider backend.ContentProvider
	cache    *cache.TTL[string, backend.ContentBundle]
	sub      eventbus.Subscription
}

// New builds the terminal endpoint and subscribes it to terminal:broadcast.
func New(cfg endpoint.Config, deps endpoint.Deps, provider backend.ContentProvider, bus *eventbus.Bus) *Endpoint {
	ep := &Endpoint{
		provider: provider,
		cache:    cache.New[string, backend.ContentBundle](bundleCacheTTL),
	}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{
		OnConnection: ep.onConnection,
		OnMessage:    ep.onMessage,
	})
	if bus != nil {
		ep.sub = bus.Subscribe(eventbus.TerminalBroadcast, ep.onTerminalBroadcast)
	}
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { ep.base.ServeHTTP(w, r) }

// Cleanup unsubscribes from the bus and quiesces the base.
func (ep *Endpoint) Cleanup() {
	ep.sub.Unsubscribe()
	ep.base.Cleanup()
}

// onConnection sends the cached bundle as the connection's first
// application frame.
func (ep *Endpoint) onConnection(conn *engine.Connection) {
	bundle, err := ep.lookup(context.Background())
	if err != nil {
		return
	}
	conn.Send(transport.Envelope{Type: "content_bundle", Channel: channelContent, Data: bundle})
}

func (ep *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	if env.Type != "get_content" {
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
	bundle, err := ep.lookup(context.Background())
	if err != nil {
		return err
	}
	conn.Send(transport.Envelope{Type: "content_bundle", RequestID: env.RequestID, Data: bundle})
	return nil
}

func (ep *Endpoint) lookup(ctx context.Context) (backend.ContentBundle, error) {
	if b, ok := ep.cache.Get(bundleCacheKey); ok {
		return b, nil
	}
	if ep.provider == nil {
		return backend.ContentBundle{}, gatewayerr.Upstream("content provider unavailable", nil)
	}
	bundle, err := ep.provider.GetContentBundle(ctx)
	if err != nil {
		if stale, ok := ep.cache.GetStale(bundleCacheKey); ok {
			return stale, nil
		}
		return backend.ContentBundle{}, gatewayerr.Upstream("failed to load content bundle", err)
	}
	ep.cache.Set(bundleCacheKey, bundle)
	return bundle, nil
}

// onTerminalBroadcast re-caches and fans out a freshly published bundle.
func (ep *Endpoint) onTerminalBroadcast(event eventbus.Event) {
	bundle, ok := event.Payload.(backend.ContentBundle)
	if !ok {
		return
	}
	ep.cache.Set(bundleCacheKey, bundle)
	ep.base.Channels().Broadcast(channelContent, transport.Envelope{Type: "content_bundle", Data: bundle})
}
