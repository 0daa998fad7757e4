// Package wallet implements the joint wallet/portfolio endpoint:
// per-principal channels wallet.<id>, portfolio.<id>, trades.<id>, and
// balance.<id>, kept current by bus events and a periodic sweep.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
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

// snapshotCacheTTL and balanceCacheTTL are short since positions and
// balances both move quickly relative to this endpoint's sweep interval.
const (
	snapshotCacheTTL = 10 * time.Second
	balanceCacheTTL  = 10 * time.Second
	sweepInterval    = 15 * time.Second
)

// NewConfig builds the wallet/portfolio endpoint's static configuration.
// It requires authentication: every channel here is scoped to a single
// wallet and carries no public variant.
func NewConfig(rateLimit int, heartbeatInterval, heartbeatTimeout time.Duration) endpoint.Config {
	return endpoint.Config{
		Name:               "wallet",
		Path:               "/ws/wallet",
		AuthRequired:       true,
		RateLimitPerMinute: rateLimit,
		HeartbeatInterval:  heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		HeartbeatStrikeMax: 3,
		AuthMode:           auth.ModeAuto,
		Capabilities:       []string{"get_portfolio", "get_balance", "get_trades"},
	}
}

// Endpoint is the wallet/portfolio specialization.
type Endpoint struct {
	base     *endpoint.Base
	store    backend.Store
	balances backend.BalanceProvider

	snapshots *cache.TTL[string, backend.Snapshot]
	balCache  *cache.TTL[string, []backend.Balance]

	mu         sync.Mutex
	activeSubs map[string]int // walletID -> count of live subscriptions across its four channels

	subs   []eventbus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds the wallet/portfolio endpoint and wires its bus subscriptions
// and sweep scheduler.
func New(cfg endpoint.Config, deps endpoint.Deps, store backend.Store, balances backend.BalanceProvider, bus *eventbus.Bus) *Endpoint {
	ep := &Endpoint{
		store:      store,
		balances:   balances,
		snapshots:  cache.New[string, backend.Snapshot](snapshotCacheTTL),
		balCache:   cache.New[string, []backend.Balance](balanceCacheTTL),
		activeSubs: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	ep.base = endpoint.New(cfg, deps, endpoint.Hooks{
		OnConnection:  ep.onConnection,
		OnMessage:     ep.onMessage,
		OnSubscribe:   ep.onSubscribe,
		OnUnsubscribe: ep.onUnsubscribe,
		OnClose:       ep.onClose,
		OnCleanup:     ep.onCleanup,
	})
	if bus != nil {
		ep.subs = append(ep.subs,
			bus.Subscribe(eventbus.TradeExecuted, ep.onTradeExecuted),
			bus.Subscribe(eventbus.BalanceUpdated, ep.onBalanceUpdated),
			bus.Subscribe(eventbus.PortfolioUpdated, ep.onPortfolioUpdated),
			bus.Subscribe(eventbus.TransactionConfirmed, ep.onTransactionConfirmed),
		)
	}
	ep.wg.Add(1)
	go ep.sweepLoop()
	return ep
}

// ServeHTTP mounts the endpoint on an http.ServeMux.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) { e.base.ServeHTTP(w, r) }

// Cleanup quiesces the sweep scheduler and bus subscriptions.
func (e *Endpoint) Cleanup() { e.base.Cleanup() }

// onCleanup quiesces the sweep scheduler and bus subscriptions.
func (e *Endpoint) onCleanup() {
	close(e.stopCh)
	e.wg.Wait()
	for _, s := range e.subs {
		s.Unsubscribe()
	}
}

func channelsFor(walletID string) (wallet, portfolio, trades, balance string) {
	return "wallet." + walletID, "portfolio." + walletID, "trades." + walletID, "balance." + walletID
}

// walletIDFromChannel extracts the wallet id from any of this endpoint's
// four channel name shapes, or "" if name doesn't match one.
func walletIDFromChannel(name string) string {
	for _, prefix := range []string{"wallet.", "portfolio.", "trades.", "balance."} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return ""
}

// onConnection auto-subscribes an authenticated principal to its own
// four channels.
func (e *Endpoint) onConnection(conn *engine.Connection) {
	p := conn.Principal()
	if !p.Authenticated {
		return
	}
	w, pf, tr, bal := channelsFor(p.WalletID)
	for _, ch := range []string{w, pf, tr, bal} {
		e.base.Channels().Subscribe(ch, conn)
		conn.AddSubscription(ch)
		e.markActive(p.WalletID, 1)
	}
}

// onSubscribe restricts wallet/portfolio/trades/balance channels to their
// owning principal: the generic access predicate's default case would
// otherwise let any authenticated principal join any other wallet's
// channel, since these prefixes aren't among the reserved ones in
// internal/channels.
func (e *Endpoint) onSubscribe(conn *engine.Connection, channel string) error {
	owner := walletIDFromChannel(channel)
	if owner == "" {
		return nil
	}
	p := conn.Principal()
	if !p.Authenticated || p.WalletID != owner {
		return gatewayerr.Authorization("subscription_denied", "you do not have access to this channel")
	}
	e.markActive(owner, 1)
	return nil
}

func (e *Endpoint) onUnsubscribe(conn *engine.Connection, channel string) {
	owner := walletIDFromChannel(channel)
	if owner == "" {
		return
	}
	e.markActive(owner, -1)
}

// onClose releases a closed connection's wallet-scoped subscriptions from
// activeSubs, so the sweep stops refreshing wallets nobody is watching.
func (e *Endpoint) onClose(conn *engine.Connection) {
	for _, ch := range conn.Subscriptions() {
		if owner := walletIDFromChannel(ch); owner != "" {
			e.markActive(owner, -1)
		}
	}
}

func (e *Endpoint) markActive(walletID string, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.activeSubs[walletID] + delta
	if n <= 0 {
		delete(e.activeSubs, walletID)
		return
	}
	e.activeSubs[walletID] = n
}

func (e *Endpoint) activeWallets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.activeSubs))
	for id := range e.activeSubs {
		out = append(out, id)
	}
	return out
}

// sweepLoop refreshes each actively-subscribed principal's cached
// snapshot every sweepInterval.
func (e *Endpoint) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, walletID := range e.activeWallets() {
				e.refreshSnapshot(context.Background(), walletID, true)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Endpoint) onMessage(conn *engine.Connection, env transport.Envelope) error {
	p := conn.Principal()
	switch env.Type {
	case "get_portfolio":
		snap, err := e.lookupSnapshot(context.Background(), p.WalletID)
		if err != nil {
			return err
		}
		conn.Send(transport.Envelope{Type: "portfolio_update", RequestID: env.RequestID, Data: snap})
		return nil
	case "get_balance":
		bals, err := e.lookupBalances(context.Background(), p.WalletID)
		if err != nil {
			return err
		}
		conn.Send(transport.Envelope{Type: "balance_update", RequestID: env.RequestID, Data: bals})
		return nil
	case "get_trades":
		trades, err := e.store.GetTrades(context.Background(), p.WalletID, 50)
		if err != nil {
			return gatewayerr.Upstream("failed to load trades", err)
		}
		conn.Send(transport.Envelope{Type: "trade_history", RequestID: env.RequestID, Data: trades})
		return nil
	default:
		conn.Send(transport.NewError(transport.ErrInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type)))
		return nil
	}
}

func (e *Endpoint) lookupSnapshot(ctx context.Context, walletID string) (backend.Snapshot, error) {
	if s, ok := e.snapshots.Get(walletID); ok {
		return s, nil
	}
	return e.refreshSnapshot(ctx, walletID, false)
}

func (e *Endpoint) refreshSnapshot(ctx context.Context, walletID string, broadcast bool) (backend.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, walletID)
	if err != nil {
		if stale, ok := e.snapshots.GetStale(walletID); ok {
			return stale, nil
		}
		return backend.Snapshot{}, gatewayerr.Upstream("failed to load portfolio snapshot", err)
	}
	e.snapshots.Set(walletID, snap)
	if broadcast {
		_, portfolioChannel, _, _ := channelsFor(walletID)
		e.base.Channels().Broadcast(portfolioChannel, transport.Envelope{Type: "portfolio_update", Data: snap})
	}
	return snap, nil
}

func (e *Endpoint) lookupBalances(ctx context.Context, walletID string) ([]backend.Balance, error) {
	if b, ok := e.balCache.Get(walletID); ok {
		return b, nil
	}
	if e.balances == nil {
		return nil, gatewayerr.Upstream("balance provider unavailable", nil)
	}
	bals, err := e.balances.GetBalances(ctx, walletID)
	if err != nil {
		if stale, ok := e.balCache.GetStale(walletID); ok {
			return stale, nil
		}
		return nil, gatewayerr.Upstream("failed to load balances", err)
	}
	e.balCache.Set(walletID, bals)
	return bals, nil
}

// TradeExecutedPayload is the bus payload for eventbus.TradeExecuted.
type TradeExecutedPayload struct {
	WalletID string
	Trade    backend.Trade
}

func (e *Endpoint) onTradeExecuted(event eventbus.Event) {
	payload, ok := event.Payload.(TradeExecutedPayload)
	if !ok {
		return
	}
	_, _, tradesChannel, _ := channelsFor(payload.WalletID)
	e.base.Channels().Broadcast(tradesChannel, transport.Envelope{Type: "trade_executed", Data: payload.Trade})
	e.snapshots.Invalidate(payload.WalletID)
	e.refreshSnapshot(context.Background(), payload.WalletID, true)
}

// BalanceUpdatedPayload is the bus payload for eventbus.BalanceUpdated.
type BalanceUpdatedPayload struct {
	WalletID string
	Balances []backend.Balance
}

func (e *Endpoint) onBalanceUpdated(event eventbus.Event) {
	payload, ok := event.Payload.(BalanceUpdatedPayload)
	if !ok {
		return
	}
	e.balCache.Set(payload.WalletID, payload.Balances)
	walletChannel, _, _, _ := channelsFor(payload.WalletID)
	e.base.Channels().Broadcast(walletChannel, transport.Envelope{Type: "balance_update", Data: payload.Balances})
}

// PortfolioUpdatedPayload is the bus payload for eventbus.PortfolioUpdated.
type PortfolioUpdatedPayload struct {
	WalletID string
	Snapshot backend.Snapshot
}

func (e *Endpoint) onPortfolioUpdated(event eventbus.Event) {
	payload, ok := event.Payload.(PortfolioUpdatedPayload)
	if !ok {
		return
	}
	e.snapshots.Set(payload.WalletID, payload.Snapshot)
	_, portfolioChannel, _, _ := channelsFor(payload.WalletID)
	e.base.Channels().Broadcast(portfolioChannel, transport.Envelope{Type: "portfolio_update", Data: payload.Snapshot})
}

// TransactionConfirmedPayload is the bus payload for
// eventbus.TransactionConfirmed.
type TransactionConfirmedPayload struct {
	WalletID      string
	TransactionID string
}

func (e *Endpoint) onTransactionConfirmed(event eventbus.Event) {
	payload, ok := event.Payload.(TransactionConfirmedPayload)
	if !ok {
		return
	}
	walletChannel, _, _, _ := channelsFor(payload.WalletID)
	e.base.Channels().Broadcast(walletChannel, transport.Envelope{
		Type: "transaction_confirmed",
		Data: map[string]any{"transaction_id": payload.TransactionID},
	})
}
