package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/transport"
)

type fakeCatalog struct {
	tokens map[string]backend.Token
}

func (f *fakeCatalog) GetAllTokens(context.Context) ([]backend.Token, error) {
	out := make([]backend.Token, 0, len(f.tokens))
	for _, t := range f.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeCatalog) GetToken(_ context.Context, symbol string) (backend.Token, bool, error) {
	t, ok := f.tokens[symbol]
	return t, ok, nil
}

func (f *fakeCatalog) GetTokenByAddress(context.Context, string) (backend.Token, bool, error) {
	return backend.Token{}, false, nil
}

func newHarness(t *testing.T, catalog backend.TokenCatalog) (*Endpoint, *websocket.Conn) {
	t.Helper()
	chanReg := channels.NewRegistry()
	connReg := engine.NewRegistry(engine.Options{ChannelRegistry: chanReg})
	t.Cleanup(connReg.Shutdown)

	bus := eventbus.New()
	cfg := NewConfig(100, time.Hour, time.Minute)
	ep := New(cfg, endpoint.Deps{
		Upgrader:    transport.NewUpgrader(nil),
		Connections: connReg,
		Channels:    chanReg,
	}, catalog, bus)
	t.Cleanup(ep.Cleanup)

	srv := httptest.NewServer(http.HandlerFunc(ep.ServeHTTP))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return ep, client
}

func readUntilType(t *testing.T, client *websocket.Conn, typ string) transport.Envelope {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		var env transport.Envelope
		if err := client.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("never saw message type %q", typ)
	return transport.Envelope{}
}

func TestMarket_PublicSubscribeAndBroadcast(t *testing.T) {
	catalog := &fakeCatalog{tokens: map[string]backend.Token{
		"SOL": {Symbol: "SOL", Price: 145.23},
	}}
	ep, client := newHarness(t, catalog)

	readUntilType(t, client, "welcome")
	established := readUntilType(t, client, "connection_established")
	data, ok := established.Data.(map[string]any)
	if !ok || data["authenticated"] != false {
		t.Fatalf("expected unauthenticated connection_established, got %+v", established.Data)
	}

	if err := client.WriteJSON(transport.Envelope{Type: "subscribe", Channel: "public.tokens"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	confirmed := readUntilType(t, client, "subscription_confirmed")
	if confirmed.Channel != "public.tokens" {
		t.Fatalf("confirmed channel = %q, want public.tokens", confirmed.Channel)
	}

	// Give the subscribe a moment to land before the broadcast, since the
	// handshake and subscribe traverse the WS client asynchronously.
	for i := 0; i < 50 && ep.base.Channels().SubscriberCount("public.tokens") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	ep.onMarketBroadcast(eventbus.Event{
		Name:    eventbus.MarketBroadcast,
		Payload: MarketBroadcastPayload{Data: []backend.Token{{Symbol: "SOL", Price: 145.23}}},
	})

	update := readUntilType(t, client, "token_update")
	if update.Channel != "public.tokens" {
		t.Errorf("token_update channel = %q, want public.tokens", update.Channel)
	}
}

func TestMarket_SubscribeTokensValidatesSymbol(t *testing.T) {
	catalog := &fakeCatalog{tokens: map[string]backend.Token{"SOL": {Symbol: "SOL"}}}
	_, client := newHarness(t, catalog)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "subscribe_tokens", Data: map[string]any{"symbols": []string{"SOL", "GHOST"}}})
	result := readUntilType(t, client, "subscribe_tokens_result")
	data := result.Data.(map[string]any)
	subscribed, _ := data["subscribed"].([]any)
	invalid, _ := data["invalid"].([]any)
	if len(subscribed) != 1 || subscribed[0] != "SOL" {
		t.Errorf("subscribed = %v, want [SOL]", subscribed)
	}
	if len(invalid) != 1 || invalid[0] != "GHOST" {
		t.Errorf("invalid = %v, want [GHOST]", invalid)
	}
}

func TestMarket_GetTokenNotFound(t *testing.T) {
	catalog := &fakeCatalog{tokens: map[string]backend.Token{}}
	_, client := newHarness(t, catalog)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "get_token", Data: map[string]any{"symbol": "GHOST"}})
	errEnv := readUntilType(t, client, "error")
	errData := errEnv.Data.(map[string]any)
	if errData["code"] != "not_found" {
		t.Errorf("error code = %v, want not_found", errData["code"])
	}
}
