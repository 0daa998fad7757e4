// Package memory provides in-process, seeded stand-ins for the backend
// domain services the core treats as external collaborators. cmd/gateway
// wires these in by default so the gateway is runnable end-to-end
// without a real market-data aggregator, balance tracker, or contest
// engine sitting behind it; a production deployment swaps them for real
// adapters without touching internal/endpoints, since both sides only
// ever talk through the internal/backend interfaces.
//
// Each type is a small in-memory map seeded at construction, guarded by
// a mutex, with no persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fluxgate/streamgate/internal/backend"
)

// Catalog is an in-memory backend.TokenCatalog seeded with a fixed token
// set.
type Catalog struct {
	mu     sync.RWMutex
	tokens map[string]backend.Token
	byAddr map[string]string
}

var _ backend.TokenCatalog = (*Catalog)(nil)

// NewCatalog builds a Catalog seeded with tokens.
func NewCatalog(tokens []backend.Token) *Catalog {
	c := &Catalog{
		tokens: make(map[string]backend.Token, len(tokens)),
		byAddr: make(map[string]string, len(tokens)),
	}
	for _, t := range tokens {
		c.tokens[t.Symbol] = t
		if t.Address != "" {
			c.byAddr[t.Address] = t.Symbol
		}
	}
	return c
}

// Update replaces the cached record for one token.
func (c *Catalog) Update(t backend.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[t.Symbol] = t
	if t.Address != "" {
		c.byAddr[t.Address] = t.Symbol
	}
}

func (c *Catalog) GetAllTokens(context.Context) ([]backend.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]backend.Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (c *Catalog) GetToken(_ context.Context, symbol string) (backend.Token, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[symbol]
	return t, ok, nil
}

func (c *Catalog) GetTokenByAddress(_ context.Context, address string) (backend.Token, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbol, ok := c.byAddr[address]
	if !ok {
		return backend.Token{}, false, nil
	}
	t := c.tokens[symbol]
	return t, true, nil
}

// Balances is an in-memory backend.BalanceProvider. A wallet with no
// seeded entry reports an empty (not nil-error) balance list.
type Balances struct {
	mu   sync.RWMutex
	data map[string][]backend.Balance
}

var _ backend.BalanceProvider = (*Balances)(nil)

// NewBalances builds an empty Balances store.
func NewBalances() *Balances {
	return &Balances{data: make(map[string][]backend.Balance)}
}

// Set replaces the balance snapshot for walletID.
func (b *Balances) Set(walletID string, balances []backend.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[walletID] = balances
}

func (b *Balances) GetBalances(_ context.Context, walletID string) ([]backend.Balance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[walletID], nil
}

// Store is an in-memory backend.Store: holdings, trades, snapshots,
// settings, and service configuration, all seeded or accumulated at
// runtime rather than read from a database.
type Store struct {
	mu       sync.RWMutex
	holdings map[string][]backend.Holding
	trades   map[string][]backend.Trade
	settings backend.Settings
	services []backend.ServiceConfig
}

var _ backend.Store = (*Store)(nil)

// NewStore builds a Store seeded with settings and service configs; per-
// wallet holdings start empty until SetHoldings, and trades start empty
// and accumulate via RecordTrade.
func NewStore(settings backend.Settings, services []backend.ServiceConfig) *Store {
	return &Store{
		holdings: make(map[string][]backend.Holding),
		trades:   make(map[string][]backend.Trade),
		settings: settings,
		services: services,
	}
}

// SetHoldings replaces walletID's holdings.
func (s *Store) SetHoldings(walletID string, holdings []backend.Holding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdings[walletID] = holdings
}

// RecordTrade appends t to walletID's trade history, most recent last.
func (s *Store) RecordTrade(walletID string, t backend.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[walletID] = append(s.trades[walletID], t)
}

// SetMaintenanceMode flips the cached maintenance flag, as the admin
// UI's side channel would.
func (s *Store) SetMaintenanceMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.MaintenanceMode = on
}

func (s *Store) GetHoldings(_ context.Context, walletID string) ([]backend.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdings[walletID], nil
}

func (s *Store) GetTrades(_ context.Context, walletID string, limit int) ([]backend.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trades := s.trades[walletID]
	if limit <= 0 || limit >= len(trades) {
		return trades, nil
	}
	return trades[len(trades)-limit:], nil
}

func (s *Store) GetSnapshot(ctx context.Context, walletID string) (backend.Snapshot, error) {
	holdings, _ := s.GetHoldings(ctx, walletID)
	var total float64
	for _, h := range holdings {
		total += h.Quantity * h.CostBasis
	}
	return backend.Snapshot{
		WalletID:   walletID,
		TotalValue: total,
		Holdings:   holdings,
		AsOf:       time.Now().UTC(),
	}, nil
}

func (s *Store) GetSettings(context.Context) (backend.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) GetServiceConfigs(context.Context) ([]backend.ServiceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.ServiceConfig, len(s.services))
	copy(out, s.services)
	return out, nil
}

// ContentProvider is an in-memory backend.ContentProvider serving a
// fixed, mutable content bundle.
type ContentProvider struct {
	mu     sync.RWMutex
	bundle backend.ContentBundle
}

var _ backend.ContentProvider = (*ContentProvider)(nil)

// NewContentProvider builds a ContentProvider seeded with bundle.
func NewContentProvider(bundle backend.ContentBundle) *ContentProvider {
	return &ContentProvider{bundle: bundle}
}

// Set replaces the cached bundle.
func (p *ContentProvider) Set(bundle backend.ContentBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundle = bundle
}

func (p *ContentProvider) GetContentBundle(context.Context) (backend.ContentBundle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bundle, nil
}

// ContestProvider is an in-memory backend.ContestProvider.
type ContestProvider struct {
	mu    sync.RWMutex
	boards map[string]backend.Leaderboard
}

var _ backend.ContestProvider = (*ContestProvider)(nil)

// NewContestProvider builds an empty ContestProvider.
func NewContestProvider() *ContestProvider {
	return &ContestProvider{boards: make(map[string]backend.Leaderboard)}
}

// Set replaces the cached leaderboard for contestID.
func (p *ContestProvider) Set(contestID string, board backend.Leaderboard) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boards[contestID] = board
}

func (p *ContestProvider) GetLeaderboard(_ context.Context, contestID string) (backend.Leaderboard, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.boards[contestID]
	return b, ok, nil
}

// DuelProvider is an in-memory backend.DuelProvider.
type DuelProvider struct {
	mu    sync.RWMutex
	duels map[string]backend.DuelStatus
}

var _ backend.DuelProvider = (*DuelProvider)(nil)

// NewDuelProvider builds an empty DuelProvider.
func NewDuelProvider() *DuelProvider {
	return &DuelProvider{duels: make(map[string]backend.DuelStatus)}
}

// Set replaces the cached status for duelID.
func (p *DuelProvider) Set(duelID string, status backend.DuelStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duels[duelID] = status
}

func (p *DuelProvider) GetDuelStatus(_ context.Context, duelID string) (backend.DuelStatus, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.duels[duelID]
	return d, ok, nil
}
