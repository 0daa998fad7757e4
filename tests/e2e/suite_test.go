// Package e2e drives the gateway scenario-by-scenario over real
// WebSocket connections against an in-process httptest.Server, with a
// ginkgo/gomega harness assembled the same way cmd/gateway assembles the
// production mux.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/backend/memory"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/endpoints/admin"
	"github.com/fluxgate/streamgate/internal/endpoints/market"
	"github.com/fluxgate/streamgate/internal/endpoints/monitor"
	"github.com/fluxgate/streamgate/internal/endpoints/wallet"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/metrics"
	"github.com/fluxgate/streamgate/internal/server"
	"github.com/fluxgate/streamgate/internal/transport"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Gateway E2E Suite")
}

// testSecret signs every token this suite mints. It is long enough to
// satisfy auth.NewVerifier's minimum-length check but has no relation to
// any real deployment secret.
const testSecret = "e2e-suite-signing-secret-at-least-32-bytes-long"

// roleStore is a fixed-membership auth.UserStore: wallets not listed are
// reported unknown.
type roleStore struct {
	roles map[string]auth.Role
}

func (s *roleStore) RoleForWallet(_ context.Context, wallet string) (auth.Role, bool, error) {
	r, ok := s.roles[wallet]
	return r, ok, nil
}

// fakeService is a backend.Service whose Start/Stop/Restart/
// ResetCircuitBreaker just flip an in-memory status, standing in for the
// real servicecontrol.Control (k8s.io/client-go). This suite only needs
// to exercise the admin endpoint's dispatch and broadcast, not a real
// cluster.
type fakeService struct {
	name   string
	status backend.ServiceStatus
}

func (s *fakeService) Name() string { return s.name }
func (s *fakeService) Status(context.Context) (backend.ServiceStatus, error) {
	return s.status, nil
}
func (s *fakeService) Start(context.Context) (backend.ServiceStatus, error) {
	s.status.State = "running"
	s.status.LastUpdated = time.Now().UTC()
	return s.status, nil
}
func (s *fakeService) Stop(context.Context) (backend.ServiceStatus, error) {
	s.status.State = "stopped"
	s.status.LastUpdated = time.Now().UTC()
	return s.status, nil
}
func (s *fakeService) Restart(context.Context) (backend.ServiceStatus, error) {
	s.status.State = "running"
	s.status.LastUpdated = time.Now().UTC()
	return s.status, nil
}
func (s *fakeService) ResetCircuitBreaker(context.Context) (backend.ServiceStatus, error) {
	s.status.CircuitBreaker = "closed"
	s.status.LastUpdated = time.Now().UTC()
	return s.status, nil
}

// fakeControl is a backend.ServiceControl over a fixed set of
// fakeServices.
type fakeControl struct {
	services map[string]*fakeService
}

func (c *fakeControl) GetAllServices(context.Context) ([]backend.Service, error) {
	out := make([]backend.Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	return out, nil
}

func (c *fakeControl) GetService(_ context.Context, name string) (backend.Service, bool, error) {
	s, ok := c.services[name]
	if !ok {
		return nil, false, nil
	}
	return s, true, nil
}

// harness bundles the live server and the shared collaborators a
// scenario needs to reach in from the backend side (the bus, the
// stores) while driving the gateway from the client side over
// WebSocket.
type harness struct {
	srv      *httptest.Server
	bus      *eventbus.Bus
	store    *memory.Store
	balances *memory.Balances
	catalog  *memory.Catalog
	control  *fakeControl
}

// fastTiming is shared by every endpoint in this suite: heartbeats and
// rate limits are pushed far out of the way so scenario assertions never
// race the engine's own timers, except the scenarios (heartbeat
// exhaustion, rate-limit breach) that deliberately configure a tight
// timing of their own through newHarnessWithTiming.
var fastTiming = struct {
	rate int
	hbI  time.Duration
	hbT  time.Duration
}{rate: 10000, hbI: time.Hour, hbT: time.Minute}

func newHarness() *harness {
	return newHarnessWithTiming(fastTiming.rate, fastTiming.hbI, fastTiming.hbT)
}

// newHarnessWithTiming builds a harness whose endpoints share one
// rate-limit/heartbeat timing, for the scenarios (S3, S4) that need to
// force a breach rather than avoid one.
func newHarnessWithTiming(rateLimit int, hbInterval, hbTimeout time.Duration) *harness {
	bus := eventbus.New()
	metricsReg := metrics.New(bus)
	chanReg := channels.NewRegistry()
	connReg := engine.NewRegistry(engine.Options{ChannelRegistry: chanReg})

	verifier, err := auth.NewVerifier([]byte(testSecret), &roleStore{roles: map[string]auth.Role{
		"wallet-user-1":  auth.RoleUser,
		"wallet-admin-1": auth.RoleAdmin,
	}}, auth.ModeAuto)
	Expect(err).NotTo(HaveOccurred())

	deps := endpoint.Deps{
		Upgrader:    transport.NewUpgrader(nil),
		Verifier:    verifier,
		Connections: connReg,
		Channels:    chanReg,
		Metrics:     metricsReg,
	}

	catalog := memory.NewCatalog([]backend.Token{
		{Symbol: "SOL", Address: "So1111", Name: "Solana", Price: 100},
	})
	balances := memory.NewBalances()
	store := memory.NewStore(backend.Settings{}, []backend.ServiceConfig{
		{Name: "market_data_service", DisplayName: "Market Data"},
	})
	control := &fakeControl{services: map[string]*fakeService{
		"market_data_service": {name: "market_data_service", status: backend.ServiceStatus{
			Name: "market_data_service", State: "stopped", CircuitBreaker: "closed",
		}},
	}}

	marketEP := market.New(market.NewConfig(rateLimit, hbInterval, hbTimeout), deps, catalog, bus)
	walletEP := wallet.New(wallet.NewConfig(rateLimit, hbInterval, hbTimeout), deps, store, balances, bus)
	monitorEP := monitor.New(monitor.NewConfig(rateLimit, hbInterval, hbTimeout), deps, store, control, bus)
	adminEP := admin.New(admin.NewConfig(rateLimit, hbInterval, hbTimeout), deps, control)

	mounts := []server.Mount{
		{Path: "/ws/market", Handler: http.HandlerFunc(marketEP.ServeHTTP), Cleanup: marketEP.Cleanup},
		{Path: "/ws/wallet", Handler: http.HandlerFunc(walletEP.ServeHTTP), Cleanup: walletEP.Cleanup},
		{Path: "/ws/monitor", Handler: http.HandlerFunc(monitorEP.ServeHTTP), Cleanup: monitorEP.Cleanup},
		{Path: "/ws/admin", Handler: http.HandlerFunc(adminEP.ServeHTTP), Cleanup: adminEP.Cleanup},
	}

	srv := server.New(server.Options{
		Mounts:      mounts,
		Connections: connReg,
		Metrics:     metricsReg,
		Channels:    chanReg,
		Verifier:    verifier,
		IPRateLimit: 1000,
		IPRateBurst: 1000,
	})

	h := &harness{
		srv:      httptest.NewServer(srv.Handler),
		bus:      bus,
		store:    store,
		balances: balances,
		catalog:  catalog,
		control:  control,
	}
	return h
}

func (h *harness) close() {
	h.srv.Close()
	h.bus.Shutdown()
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

// dial opens a WebSocket connection to path, optionally presenting token
// as an Authorization bearer header.
func (h *harness) dial(path, token string) *websocket.Conn {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(path), header)
	Expect(err).NotTo(HaveOccurred())
	return conn
}

// signToken mints a JWT shaped the way auth.Verifier expects: a flat
// {wallet_address, role, exp, iat} claim set, HMAC-signed with
// testSecret.
func signToken(walletAddress, role string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"wallet_address": walletAddress,
		"role":           role,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(ttl).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return tok
}

// recvEnvelope reads the next frame within a short deadline, failing if
// none arrives; every scenario below expects a specific frame within
// well under a second against an in-process server.
func recvEnvelope(conn *websocket.Conn) transport.Envelope {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env transport.Envelope
	Expect(conn.ReadJSON(&env)).To(Succeed())
	return env
}

// recvEnvelopeOfType drains frames until one of the given types arrives,
// skipping any interleaved frame a scenario doesn't care about (e.g. a
// subscription_confirmed arriving between welcome and a data frame).
func recvEnvelopeOfType(conn *websocket.Conn, want string) transport.Envelope {
	for i := 0; i < 10; i++ {
		env := recvEnvelope(conn)
		if env.Type == want {
			return env
		}
	}
	Fail("did not receive a " + want + " frame")
	return transport.Envelope{}
}

func sendEnvelope(conn *websocket.Conn, env transport.Envelope) {
	Expect(conn.WriteJSON(env)).To(Succeed())
}
