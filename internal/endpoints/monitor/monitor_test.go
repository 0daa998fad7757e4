package monitor

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

type fakeStore struct {
	settings backend.Settings
}

func (s *fakeStore) GetHoldings(context.Context, string) ([]backend.Holding, error) { return nil, nil }
func (s *fakeStore) GetTrades(context.Context, string, int) ([]backend.Trade, error) {
	return nil, nil
}
func (s *fakeStore) GetSnapshot(context.Context, string) (backend.Snapshot, error) {
	return backend.Snapshot{}, nil
}
func (s *fakeStore) GetSettings(context.Context) (backend.Settings, error) { return s.settings, nil }
func (s *fakeStore) GetServiceConfigs(context.Context) ([]backend.ServiceConfig, error) {
	return nil, nil
}

func newHarness(t *testing.T, store backend.Store) (*Endpoint, *channels.Registry) {
	t.Helper()
	chanReg := channels.NewRegistry()
	connReg := engine.NewRegistry(engine.Options{ChannelRegistry: chanReg})
	t.Cleanup(connReg.Shutdown)

	bus := eventbus.New()
	cfg := NewConfig(1000, time.Hour, time.Minute)
	ep := New(cfg, endpoint.Deps{
		Upgrader:    transport.NewUpgrader(nil),
		Connections: connReg,
		Channels:    chanReg,
	}, store, nil, bus)
	t.Cleanup(ep.Cleanup)
	return ep, chanReg
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

func TestMonitor_AnonymousAutoSubscribesBackgroundScene(t *testing.T) {
	ep, chanReg := newHarness(t, &fakeStore{})
	_ = dial(t, ep)

	for i := 0; i < 50 && chanReg.SubscriberCount(channelScene) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if chanReg.SubscriberCount(channelScene) != 1 {
		t.Errorf("subscriber count = %d, want 1", chanReg.SubscriberCount(channelScene))
	}
}

func TestMonitor_AdminChannelDeniedToAnonymous(t *testing.T) {
	ep, _ := newHarness(t, &fakeStore{})
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "subscribe", Channel: "admin.services"})
	errEnv := readUntilType(t, client, "error")
	data := errEnv.Data.(map[string]any)
	if data["code"] != "subscription_denied" {
		t.Errorf("code = %v, want subscription_denied", data["code"])
	}
}

func TestMonitor_ServiceErrorFeedsRecentRing(t *testing.T) {
	ep, _ := newHarness(t, &fakeStore{})
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	ep.onServiceError(eventbus.Event{
		Name:    eventbus.ServiceError,
		Payload: ServiceErrorPayload{ServiceName: "market_data_service", Message: "timeout"},
	})

	client.WriteJSON(transport.Envelope{Type: "get_errors_recent"})
	result := readUntilType(t, client, "errors_recent")
	records, ok := result.Data.([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("errors_recent data = %+v, want one record", result.Data)
	}
}

func TestMonitor_GetSettingsReturnsCached(t *testing.T) {
	ep, _ := newHarness(t, &fakeStore{settings: backend.Settings{MaintenanceMode: true}})
	client := dial(t, ep)
	readUntilType(t, client, "welcome")
	readUntilType(t, client, "connection_established")

	client.WriteJSON(transport.Envelope{Type: "get_settings"})
	result := readUntilType(t, client, "system_settings_update")
	data := result.Data.(map[string]any)
	if data["maintenance_mode"] != true {
		t.Errorf("maintenance_mode = %v, want true", data["maintenance_mode"])
	}
}
