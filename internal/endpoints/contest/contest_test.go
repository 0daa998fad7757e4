package contest

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
	"github.com/fluxgate/streamgate/internal/transport"
)

type fakeProvider struct {
	boards map[string]backend.Leaderboard
}

func (f *fakeProvider) GetLeaderboard(_ context.Context, contestID string) (backend.Leaderboard, bool, error) {
	b, ok := f.boards[contestID]
	return b, ok, nil
}

func newHarness(t *testing.T, provider backend.ContestProvider) *Endpoint {
	t.Helper()
	chanReg := channels.NewRegistry()
	connReg := engine.NewRegistry(engine.Options{ChannelRegistry: chanReg})
	t.Cleanup(connReg.Shutdown)

	cfg := NewConfig(1000, time.Hour, time.Minute)
	ep := New(cfg, endpoint.Deps{
		Upgrader:    transport.NewUpgrader(nil),
		Connections: connReg,
		Channels:    chanReg,
	}, provider)
	t.Cleanup(ep.Cleanup)
	return ep
}

func dial(t *testing.T, ep *Endpoint) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(ep.ServeHTTP))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
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

func TestContest_GetLeaderboard(t *testing.T) {
	provider := &fakeProvider{boards: map[string]backend.Leaderboard{
		"c1": {ContestID: "c1", Entries: []backend.ContestEntry{{WalletID: "W1", Rank: 1, Score: 100}}},
	}}
	ep := newHarness(t, provider)
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "get_leaderboard", Data: map[string]any{"contest_id": "c1"}})
	result := readUntilType(t, client, "leaderboard_update")
	data := result.Data.(map[string]any)
	if data["contest_id"] != "c1" {
		t.Errorf("contest_id = %v, want c1", data["contest_id"])
	}
}

func TestContest_UnknownContestSubscribeDenied(t *testing.T) {
	provider := &fakeProvider{boards: map[string]backend.Leaderboard{}}
	ep := newHarness(t, provider)
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "subscribe", Channel: "contest.ghost"})
	errEnv := readUntilType(t, client, "error")
	data := errEnv.Data.(map[string]any)
	if data["code"] != "not_found" {
		t.Errorf("code = %v, want not_found", data["code"])
	}
}

func TestContest_PublishUpdateBroadcasts(t *testing.T) {
	provider := &fakeProvider{boards: map[string]backend.Leaderboard{
		"c1": {ContestID: "c1"},
	}}
	ep := newHarness(t, provider)
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "subscribe", Channel: "contest.c1"})
	readUntilType(t, client, "subscription_confirmed")

	ep.PublishUpdate(backend.Leaderboard{ContestID: "c1", Entries: []backend.ContestEntry{{WalletID: "W2", Rank: 1}}})
	update := readUntilType(t, client, "leaderboard_update")
	data := update.Data.(map[string]any)
	entries := data["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want 1", entries)
	}
}
