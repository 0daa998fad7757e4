// Command gateway is the real-time publish/subscribe gateway process: it
// wires the shared engine (transport, auth, channel registry, event bus,
// metrics) to the eight endpoint specializations and serves them over a
// single HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/fluxgate/streamgate/internal/auth"
	"github.com/fluxgate/streamgate/internal/backend"
	"github.com/fluxgate/streamgate/internal/backend/memory"
	"github.com/fluxgate/streamgate/internal/channels"
	"github.com/fluxgate/streamgate/internal/config"
	"github.com/fluxgate/streamgate/internal/endpoint"
	"github.com/fluxgate/streamgate/internal/endpoints/admin"
	"github.com/fluxgate/streamgate/internal/endpoints/contest"
	"github.com/fluxgate/streamgate/internal/endpoints/market"
	"github.com/fluxgate/streamgate/internal/endpoints/monitor"
	"github.com/fluxgate/streamgate/internal/endpoints/skyduel"
	"github.com/fluxgate/streamgate/internal/endpoints/terminal"
	"github.com/fluxgate/streamgate/internal/endpoints/testendpoint"
	"github.com/fluxgate/streamgate/internal/endpoints/wallet"
	"github.com/fluxgate/streamgate/internal/engine"
	"github.com/fluxgate/streamgate/internal/eventbus"
	"github.com/fluxgate/streamgate/internal/metrics"
	"github.com/fluxgate/streamgate/internal/server"
	"github.com/fluxgate/streamgate/internal/servicecontrol"
	"github.com/fluxgate/streamgate/internal/storage"
	"github.com/fluxgate/streamgate/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := config.MustLoad()

	store, err := storage.Open(cfg.UserStoreDSN)
	if err != nil {
		slog.Error("failed to open user store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), store, auth.ModeAuto)
	if err != nil {
		slog.Error("failed to build auth verifier", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	metricsReg := metrics.New(bus)
	metricsReg.Start()

	chanReg := channels.NewRegistry()
	connReg := engine.NewRegistry(engine.Options{ChannelRegistry: chanReg})

	upgrader := transport.NewUpgrader(originChecker(cfg.AllowedOrigins))

	control := servicecontrol.NewControl(
		servicecontrol.NewClient(cfg.ServiceNamespace, cfg.Kubeconfig),
		cfg.ServiceNames,
	)

	catalog, balances, dataStore, content, contests, duels := demoBackends()

	deps := endpoint.Deps{
		Upgrader:    upgrader,
		Verifier:    verifier,
		Connections: connReg,
		Channels:    chanReg,
		Metrics:     metricsReg,
	}

	rl, hi, ht := cfg.DefaultRateLimitPerMinute, cfg.HeartbeatInterval, cfg.HeartbeatTimeout

	// Each NewConfig carries the endpoint's own defaults; the process-wide
	// payload cap and strike threshold come from the environment.
	tuned := func(c endpoint.Config) endpoint.Config {
		c.MaxPayloadBytes = cfg.DefaultMaxPayloadBytes
		c.HeartbeatStrikeMax = cfg.HeartbeatStrikes
		return c
	}

	marketEP := market.New(tuned(market.NewConfig(rl, hi, ht)), deps, catalog, bus)
	walletEP := wallet.New(tuned(wallet.NewConfig(rl, hi, ht)), deps, dataStore, balances, bus)
	contestEP := contest.New(tuned(contest.NewConfig(rl, hi, ht)), deps, contests)
	monitorEP := monitor.New(tuned(monitor.NewConfig(rl, hi, ht)), deps, dataStore, control, bus)
	adminEP := admin.New(tuned(admin.NewConfig(rl, hi, ht)), deps, control)
	terminalEP := terminal.New(tuned(terminal.NewConfig(rl, hi, ht)), deps, content, bus)
	skyduelEP := skyduel.New(tuned(skyduel.NewConfig(rl, hi, ht)), deps, duels)
	testEP := testendpoint.New(tuned(testendpoint.NewConfig(rl, hi, ht)), deps)

	mounts := []server.Mount{
		{Path: "/ws/market", Handler: http.HandlerFunc(marketEP.ServeHTTP), Cleanup: marketEP.Cleanup},
		{Path: "/ws/wallet", Handler: http.HandlerFunc(walletEP.ServeHTTP), Cleanup: walletEP.Cleanup},
		{Path: "/ws/contest", Handler: http.HandlerFunc(contestEP.ServeHTTP), Cleanup: contestEP.Cleanup},
		{Path: "/ws/monitor", Handler: http.HandlerFunc(monitorEP.ServeHTTP), Cleanup: monitorEP.Cleanup},
		{Path: "/ws/admin", Handler: http.HandlerFunc(adminEP.ServeHTTP), Cleanup: adminEP.Cleanup},
		{Path: "/ws/terminal", Handler: http.HandlerFunc(terminalEP.ServeHTTP), Cleanup: terminalEP.Cleanup},
		{Path: "/ws/skyduel", Handler: http.HandlerFunc(skyduelEP.ServeHTTP), Cleanup: skyduelEP.Cleanup},
		{Path: "/ws/test", Handler: http.HandlerFunc(testEP.ServeHTTP), Cleanup: testEP.Cleanup},
	}

	srv := server.New(server.Options{
		Mounts:         mounts,
		Connections:    connReg,
		Metrics:        metricsReg,
		Store:          store,
		Channels:       chanReg,
		Verifier:       verifier,
		IPRateLimit:    cfg.IPRateLimit,
		IPRateBurst:    cfg.IPRateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler,
	}

	go func() {
		slog.Info("gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Shutdown(ctx)
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
}

// originChecker builds a transport.OriginChecker from a configured
// allow-list. An empty list allows every origin (local development).
func originChecker(allowed []string) transport.OriginChecker {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// demoBackends builds the in-memory backend stand-ins cmd/gateway wires
// by default (internal/backend/memory): the real domain services are
// owned by other processes.
func demoBackends() (backend.TokenCatalog, backend.BalanceProvider, backend.Store, backend.ContentProvider, backend.ContestProvider, backend.DuelProvider) {
	catalog := memory.NewCatalog([]backend.Token{
		{Symbol: "SOL", Address: "So11111111111111111111111111111111111111112", Name: "Solana", Price: 145.23},
		{Symbol: "USDC", Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Name: "USD Coin", Price: 1.0},
	})
	balances := memory.NewBalances()
	dataStore := memory.NewStore(
		backend.Settings{MaintenanceMode: false, Values: map[string]any{}},
		[]backend.ServiceConfig{
			{Name: "market_data_service", DisplayName: "Market Data"},
			{Name: "balance_service", DisplayName: "Balances"},
			{Name: "contest_service", DisplayName: "Contests"},
		},
	)
	content := memory.NewContentProvider(backend.ContentBundle{
		Version:   "1",
		Content:   map[string]any{"announcements": []string{}},
		UpdatedAt: time.Now().UTC(),
	})
	contests := memory.NewContestProvider()
	duels := memory.NewDuelProvider()
	return catalog, balances, dataStore, content, contests, duels
}
