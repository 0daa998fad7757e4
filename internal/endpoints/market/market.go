// Package market implements the market/token endpoint: public
// price broadcasts fanned out to public.tokens/public.market plus
// per-symbol token.<symbol> channels, and the client commands
// subscribe_tokens/unsubscribe_tokens/get_token/get_all_tokens.
package market

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
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/gatewayerr"
	"github.com/fluxgate/streamgate/internal/transport"
)

// tokenCacheTTL bounds how long a looked-up token is trusted before the
// next get_token/subscribe_tokens call re-queries the catalog.
const tokenCacheTTL = 10 * time.Second

// MarketBroadcastPayload is the event-bus payload published under
// eventbus.MarketBroadcast.
type MarketBroadcastPayload struct {
	Data []backend.Token `json:"data"`
}

// NewConfig builds the market endpoint's static configuration. It is
// public (no auth required) since price data carries no principal-scoped
// information.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "market",
		Path:               "/ws/market",
		AuthRequired:       false,
		PublicChannels:     []string{"public.tokens", "public.market"},
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"subscribe_tokens", "unsubscribe_tokens", "get_token", "get_all_tokens"},
	}
}

// Endpoint is the thin specialization layer over endpoint.Base.
type Endpoint struct {
	base     *endpoint.Base
	catalog  backend.TokenCatalog
	cache    *cache.TTL[string, backend.Token]
	allCache *cache.TTL[string, []backend.Token]
	sub      eventbus.Subscription
}

// New builds the market endpoint and subscribes it to market:broadcast.
func New(cfg endpoint.Config, deps endpoint.Deps, catalog backend.TokenCatalog, bus *eventbus.Bus) *Endpoint {
	ep := &Endpoint{
		catalog:  catalog,
		cache:    cache.New[string, backend.Token](tokenCacheTTL),
		allCache: cache.New[string, []backend.Token](tokenCacheTTL),
	}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{
		OnMessage:   ep.onMessage,
		OnSubscribe: ep.onSubscribe,
	})
	if bus != nil {
		ep.sub = bus.Subscribe(eventbus.MarketBroadcast, ep.onMarketBroadcast)
	}
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { e.base.ServeHTTP(w, r) }

// Cleanup unsubscribes from the bus and quiesces the base.
func (e *Endpoint) Cleanup() {
	e.sub.Unsubscribe()
	e.base.Cleanup()
}

// onSubscribe validates a symbol exists against the catalog before
// letting a direct subscribe to token.<symbol> auto-create that channel.
func (e *Endpoint) onSubscribe(_ *engine.Connection, channel string) error {
	symbol := strings.TrimPrefix(channel, "token.")
	if symbol == channel {
		return nil
	}
	if _, ok := e.lookup(context.Background(), symbol); !ok {
		return gatewayerr.Resource(fmt.Sprintf("unknown token %q", symbol))
	}
	return nil
}

func (e *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	switch env.Type {
	case "subscribe_tokens":
		return e.handleSubscribeTokens(conn, env)
	case "unsubscribe_tokens":
		return e.handleUnsubscribeTokens(conn, env)
	case "get_token":
		return e.handleGetToken(conn, env)
	case "get_all_tokens":
		return e.handleGetAllTokens(conn, env)
	default:
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
}

type symbolsPayload struct {
	Symbols []string `json:"symbols"`
}

type symbolPayload struct {
	Symbol string `json:"symbol"`
}

func decodeData[T any](data any) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

func (e *Endpoint) handleSubscribeTokens(conn *engine.Connection, env transport.Envelope) error {
	payload, err := decodeData[symbolsPayload](env.Data)
	if err != nil || len(payload.Symbols) == 0 {
		return gatewayerr.Protocol("subscribe_tokens requires a non-empty symbols array", 0)
	}
	ctx := context.Background()
	var subscribed, invalid []string
	for _, sym := range payload.Symbols {
		if _, ok := e.lookup(ctx, sym); !ok {
			invalid = append(invalid, sym)
			continue
		}
		channel := "token." + sym
		e.base.Channels().Subscribe(channel, conn)
		conn.AddSubscription(channel)
		subscribed = append(subscribed, sym)
	}
	conn.Send(transport.Envelope{
		Type:      "subscribe_tokens_result",
		RequestID: env.RequestID,
		Data:      map[string]any{"subscribed": subscribed, "invalid": invalid},
	})
	return nil
}

func (e *Endpoint) handleUnsubscribeTokens(conn *engine.Connection, env transport.Envelope) error {
	payload, err := decodeData[symbolsPayload](env.Data)
	if err != nil || len(payload.Symbols) == 0 {
		return gatewayerr.Protocol("unsubscribe_tokens requires a non-empty symbols array", 0)
	}
	for _, sym := range payload.Symbols {
		channel := "token." + sym
		e.base.Channels().Unsubscribe(channel, conn.ID())
		conn.RemoveSubscription(channel)
	}
	conn.Send(transport.Envelope{
		Type:      "unsubscribe_tokens_result",
		RequestID: env.RequestID,
		Data:      map[string]any{"unsubscribed": payload.Symbols},
	})
	return nil
}

func (e *Endpoint) handleGetToken(conn *engine.Connection, env transport.Envelope) error {
	payload, err := decodeData[symbolPayload](env.Data)
	if err != nil || payload.Symbol == "" {
		return gatewayerr.Protocol("get_token requires a symbol", 0)
	}
	t, ok := e.lookup(context.Background(), payload.Symbol)
	if !ok {
		return gatewayerr.Resource(fmt.Sprintf("unknown token %q", payload.Symbol))
	}
	conn.Send(transport.Envelope{Type: "token_update", RequestID: env.RequestID, Data: t})
	return nil
}

func (e *Endpoint) handleGetAllTokens(conn *engine.Connection, env transport.Envelope) error {
	if cached, ok := e.allCache.Get("all"); ok {
		conn.Send(transport.Envelope{Type: "token_update", RequestID: env.RequestID, Data: cached})
		return nil
	}
	tokens, err := e.catalog.GetAllTokens(context.Background())
	if err != nil {
		if stale, ok := e.allCache.GetStale("all"); ok {
			conn.Send(transport.Envelope{Type: "token_update", RequestID: env.RequestID, Data: stale})
			return nil
		}
		return gatewayerr.Upstream("failed to load tokens", err)
	}
	e.allCache.Set("all", tokens)
	conn.Send(transport.Envelope{Type: "token_update", RequestID: env.RequestID, Data: tokens})
	return nil
}

func (e *Endpoint) lookup(ctx context.Context, symbol string) (backend.Token, bool) {
	if t, ok := e.cache.Get(symbol); ok {
		return t, true
	}
	t, found, err := e.catalog.GetToken(ctx, symbol)
	if err != nil {
		// Upstream unavailable: fall back to a stale cached quote rather
		// than reporting the token unknown.
		if stale, ok := e.cache.GetStale(symbol); ok {
			return stale, true
		}
		return backend.Token{}, false
	}
	if !found {
		return backend.Token{}, false
	}
	e.cache.Set(symbol, t)
	return t, true
}

// onMarketBroadcast fans a price update out to the public channels and any
// per-symbol channel that currently has subscribers.
func (e *Endpoint) onMarketBroadcast(event eventbus.Event) {
	payload, ok := event.Payload.(MarketBroadcastPayload)
	if !ok {
		return
	}
	for _, t := range payload.Data {
		e.cache.Set(t.Symbol, t)
	}
	e.allCache.Invalidate("all")

	env := transport.Envelope{Type: "token_update", Data: payload.Data}
	e.base.Channels().Broadcast("public.tokens", env)
	e.base.Channels().Broadcast("public.market", env)

	for _, t := range payload.Data {
		channelName := "token." + t.Symbol
		if e.base.Channels().SubscriberCount(channelName) == 0 {
			continue
		}
		e.base.Channels().Broadcast(channelName, transport.Envelope{Type: "token_update", Data: t})
	}
}
