package e2e

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/endpoints/market"
	"github.com/fluxgate/streamgate/internal/endpoints/wallet"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/transport"
)

var _ = Describe("public subscribe and price update", func() {
	var h *harness
	var conn *websocket.Conn

	BeforeEach(func() {
		h = newHarness()
		conn = h.dial("/ws/market", "")
	})
	AfterEach(func() {
		conn.Close()
		h.close()
	})

	It("delivers an established frame and a broadcast price update", func() {
		welcome := recvEnvelope(conn)
		Expect(welcome.Type).To(Equal("welcome"))

		established := recvEnvelope(conn)
		Expect(established.Type).To(Equal("connection_established"))
		data := established.Data.(map[string]any)
		Expect(data["authenticated"]).To(Equal(false))

		sendEnvelope(conn, transport.Envelope{Type: "subscribe", Channel: "public.tokens"})
		confirmed := recvEnvelopeOfType(conn, "subscription_confirmed")
		Expect(confirmed.Channel).To(Equal("public.tokens"))

		h.bus.Publish(eventbus.Event{
			Name: eventbus.MarketBroadcast,
			Payload: market.MarketBroadcastPayload{
				Data: []backend.Token{{Symbol: "SOL", Price: 145.23}},
			},
		})

		update := recvEnvelopeOfType(conn, "token_update")
		Expect(update.Channel).To(Equal("public.tokens"))
		tokens := update.Data.([]any)
		Expect(tokens).To(HaveLen(1))
		first := tokens[0].(map[string]any)
		Expect(first["symbol"]).To(Equal("SOL"))
		Expect(first["price"]).To(Equal(145.23))
	})
})

var _ = Describe("denied admin channel", func() {
	var h *harness
	var conn *websocket.Conn

	BeforeEach(func() {
		h = newHarness()
		token := signToken("wallet-user-1", "user", time.Hour)
		conn = h.dial("/ws/monitor", token)
		recvEnvelopeOfType(conn, "connection_established")
	})
	AfterEach(func() {
		conn.Close()
		h.close()
	})

	It("refuses subscription to an admin-only channel without mutating state", func() {
		sendEnvelope(conn, transport.Envelope{Type: "subscribe", Channel: "admin.services"})
		errEnv := recvEnvelopeOfType(conn, "error")
		data := errEnv.Data.(map[string]any)
		Expect(data["code"]).To(Equal("subscription_denied"))
	})
})

// Heartbeat exhaustion uses its own short-timing harness rather than the
// shared one, since every other scenario needs heartbeats pushed out of
// the way. The engine's sweep tick is a fixed one second
// (internal/engine.sweepInterval), so three strikes take on the order of
// three seconds regardless of how tight the configured interval and
// timeout are.
var _ = Describe("heartbeat exhaustion", func() {
	It("closes the connection with policy_violation after three missed pongs", func() {
		h := newHarnessWithTiming(5, time.Millisecond, 20*time.Millisecond)
		defer h.close()

		conn := h.dial("/ws/market", "")
		// Swallow incoming pings instead of letting gorilla/websocket's
		// default handler answer them, simulating an idle client that
		// never pongs back.
		conn.SetPingHandler(func(string) error { return nil })
		recvEnvelopeOfType(conn, "connection_established")

		conn.SetReadDeadline(time.Now().Add(6 * time.Second))
		_, _, err := conn.ReadMessage()
		Expect(err).To(HaveOccurred())

		closeErr, ok := err.(*websocket.CloseError)
		Expect(ok).To(BeTrue(), "expected a close error, got %v", err)
		Expect(closeErr.Code).To(Equal(1008))
		Expect(closeErr.Text).To(Equal("heartbeat timeout"))
	})
})

var _ = Describe("rate limit breach", func() {
	It("closes with policy_violation on the (N+1)th frame in a window", func() {
		h := newHarnessWithTiming(2, time.Hour, time.Minute)
		defer h.close()

		conn := h.dial("/ws/market", "")
		recvEnvelopeOfType(conn, "connection_established")

		// The budget is 2; heartbeat frames consume it like any inbound
		// frame.
		sendEnvelope(conn, transport.Envelope{Type: "heartbeat"})
		recvEnvelopeOfType(conn, "heartbeat_ack")
		sendEnvelope(conn, transport.Envelope{Type: "heartbeat"})
		recvEnvelopeOfType(conn, "heartbeat_ack")

		sendEnvelope(conn, transport.Envelope{Type: "heartbeat"})
		errEnv := recvEnvelopeOfType(conn, "error")
		data := errEnv.Data.(map[string]any)
		Expect(data["code"]).To(Equal("rate_limit_exceeded"))

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()
		closeErr, ok := err.(*websocket.CloseError)
		Expect(ok).To(BeTrue())
		Expect(closeErr.Code).To(Equal(1008))
	})
})

// A trade causes dependent broadcasts, routed only to the channels each
// event actually names.
var _ = Describe("trade causes dependent broadcasts", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.close() })

	It("fans trade_executed and portfolio_update to their own channels only", func() {
		token := signToken("wallet-user-1", "user", time.Hour)
		conn := h.dial("/ws/wallet", token)
		defer conn.Close()

		recvEnvelopeOfType(conn, "connection_established")
		// onConnection auto-subscribes wallet./portfolio./trades./balance.
		// directly through the channel registry, not through
		// the client-initiated subscribe path, so no confirmation frame
		// is sent for them.

		h.store.SetHoldings("wallet-user-1", []backend.Holding{{Symbol: "SOL", Quantity: 2, CostBasis: 100}})

		h.bus.Publish(eventbus.Event{
			Name: eventbus.TradeExecuted,
			Payload: wallet.TradeExecutedPayload{
				WalletID: "wallet-user-1",
				Trade:    backend.Trade{ID: "t1", WalletID: "wallet-user-1", Symbol: "SOL", Side: "buy"},
			},
		})

		tradeFrame := recvEnvelopeOfType(conn, "trade_executed")
		Expect(tradeFrame.Channel).To(Equal("trades.wallet-user-1"))

		portfolioFrame := recvEnvelopeOfType(conn, "portfolio_update")
		Expect(portfolioFrame.Channel).To(Equal("portfolio.wallet-user-1"))
	})
})

var _ = Describe("admin service command", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.close() })

	It("executes the command, replies, and broadcasts the resulting status", func() {
		adminToken := signToken("wallet-admin-1", "admin", time.Hour)
		adminConn := h.dial("/ws/admin", adminToken)
		defer adminConn.Close()
		recvEnvelopeOfType(adminConn, "connection_established")

		sendEnvelope(adminConn, transport.Envelope{Type: "subscribe", Channel: "service.market_data_service"})
		recvEnvelopeOfType(adminConn, "subscription_confirmed")

		sendEnvelope(adminConn, transport.Envelope{
			Type: "service_command",
			Data: map[string]any{"serviceName": "market_data_service", "command": "restart"},
		})

		result := recvEnvelopeOfType(adminConn, "service_command_result")
		data := result.Data.(map[string]any)
		Expect(data["serviceName"]).To(Equal("market_data_service"))
		Expect(data["command"]).To(Equal("restart"))

		status := recvEnvelopeOfType(adminConn, "service_status")
		Expect(status.Channel).To(Equal("service.market_data_service"))
		statusData := status.Data.(map[string]any)
		Expect(statusData["state"]).To(Equal("running"))

		Expect(h.control.services["market_data_service"].status.State).To(Equal("running"))
	})

	It("rejects the command for a non-admin principal", func() {
		userToken := signToken("wallet-user-1", "user", time.Hour)
		conn := h.dial("/ws/admin", userToken)
		defer conn.Close()
		recvEnvelopeOfType(conn, "connection_established")

		sendEnvelope(conn, transport.Envelope{
			Type: "service_command",
			Data: map[string]any{"serviceName": "market_data_service", "command": "restart"},
		})
		errEnv := recvEnvelopeOfType(conn, "error")
		data := errEnv.Data.(map[string]any)
		Expect(data["code"]).To(Equal("forbidden"))
	})
})

// The admin status REST surface exercises the RequireAuth/RequireRole-
// guarded /api/admin/status route end to end.
var _ = Describe("admin status endpoint", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.close() })

	doGet := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/admin/status", nil)
		Expect(err).NotTo(HaveOccurred())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("rejects an unauthenticated request", func() {
		resp := doGet("")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a non-admin principal", func() {
		resp := doGet(signToken("wallet-user-1", "user", time.Hour))
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	It("reports live counters for an admin principal", func() {
		conn := h.dial("/ws/market", "")
		defer conn.Close()
		recvEnvelopeOfType(conn, "connection_established")

		resp := doGet(signToken("wallet-admin-1", "admin", time.Hour))
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["connections_total"]).To(BeNumerically(">=", 1))
	})
})
