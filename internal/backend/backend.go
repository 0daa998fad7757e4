// Package backend declares the external collaborator contracts the core
// consumes: the token catalog, balance provider, persistent store, and
// service control plane. The core only ever talks to these interfaces;
// the concrete backend domain services they front live in other
// processes and are wired by cmd/gateway.
package backend

import (
	"context"
	"time"
)

// Token is a normalized token record as returned by the token catalog.
type Token struct {
	Symbol  string  `json:"symbol"`
	Address string  `json:"address"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
	Change  float64 `json:"change_24h"`
}

// TokenCatalog resolves token metadata and pricing for the market
// endpoint.
type TokenCatalog interface {
	GetAllTokens(ctx context.Context) ([]Token, error)
	GetToken(ctx context.Context, symbol string) (Token, bool, error)
	GetTokenByAddress(ctx context.Context, address string) (Token, bool, error)
}

// Balance is an on-chain balance snapshot for one wallet. A nil result
// from BalanceProvider means the lookup is currently unavailable, which
// callers must tolerate without failing the request.
type Balance struct {
	WalletID string  `json:"wallet_id"`
	Asset    string  `json:"asset"`
	Amount   float64 `json:"amount"`
}

// BalanceProvider looks up on-chain balances. Implementations may return
// (nil, nil) when the chain is temporarily unreachable.
type BalanceProvider interface {
	GetBalances(ctx context.Context, walletID string) ([]Balance, error)
}

// Holding is one position in a wallet's portfolio.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

// Trade is a single executed trade record.
type Trade struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Snapshot is a computed portfolio snapshot for one wallet.
type Snapshot struct {
	WalletID   string    `json:"wallet_id"`
	TotalValue float64   `json:"total_value"`
	Holdings   []Holding `json:"holdings"`
	AsOf       time.Time `json:"as_of"`
}

// Settings is the system-wide settings document the monitor endpoint
// caches and re-broadcasts on system:settings:update.
type Settings struct {
	MaintenanceMode bool           `json:"maintenance_mode"`
	Values          map[string]any `json:"values"`
}

// ServiceConfig is the static configuration record for one backend
// service, as returned by the persistent store.
type ServiceConfig struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Store is the read-only persistent-store contract: user
// records, holdings, trades, snapshots, settings, and service
// configuration. The core never writes through this interface.
type Store interface {
	GetHoldings(ctx context.Context, walletID string) ([]Holding, error)
	GetTrades(ctx context.Context, walletID string, limit int) ([]Trade, error)
	GetSnapshot(ctx context.Context, walletID string) (Snapshot, error)
	GetSettings(ctx context.Context) (Settings, error)
	GetServiceConfigs(ctx context.Context) ([]ServiceConfig, error)
}

// ContentBundle is the terminal endpoint's pre-computed content payload:
// announcements, feature flags, and other slow-moving display content.
type ContentBundle struct {
	Version   string         `json:"version"`
	Content   map[string]any `json:"content"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ContentProvider supplies the terminal endpoint's content bundle.
type ContentProvider interface {
	GetContentBundle(ctx context.Context) (ContentBundle, error)
}

// ContestEntry is one participant's standing within a contest leaderboard.
type ContestEntry struct {
	WalletID string  `json:"wallet_id"`
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
}

// Leaderboard is a contest's current standings.
type Leaderboard struct {
	ContestID string         `json:"contest_id"`
	Entries   []ContestEntry `json:"entries"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ContestProvider resolves contest leaderboards for the contest endpoint.
type ContestProvider interface {
	GetLeaderboard(ctx context.Context, contestID string) (Leaderboard, bool, error)
}

// DuelStatus is a single head-to-head duel's current state, as tracked by
// the skyduel endpoint.
type DuelStatus struct {
	DuelID    string    `json:"duel_id"`
	State     string    `json:"state"` // pending, active, complete
	ScoreA    float64   `json:"score_a"`
	ScoreB    float64   `json:"score_b"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DuelProvider resolves duel state for the skyduel endpoint.
type DuelProvider interface {
	GetDuelStatus(ctx context.Context, duelID string) (DuelStatus, bool, error)
}

// ServiceStatus is the live health/status record for one backend
// service, carried in status snapshots and admin command responses.
type ServiceStatus struct {
	Name           string    `json:"name"`
	State          string    `json:"state"` // running, stopped, restarting, degraded
	CircuitBreaker string    `json:"circuit_breaker"` // closed, open, half_open
	LastUpdated    time.Time `json:"last_updated"`
	Message        string    `json:"message,omitempty"`
}

// Service is one controllable backend service:
// start/stop/restart/reset_circuit_breaker plus a status accessor.
type Service interface {
	Name() string
	Status(ctx context.Context) (ServiceStatus, error)
	Start(ctx context.Context) (ServiceStatus, error)
	Stop(ctx context.Context) (ServiceStatus, error)
	Restart(ctx context.Context) (ServiceStatus, error)
	ResetCircuitBreaker(ctx context.Context) (ServiceStatus, error)
}

// ServiceControl is the admin/service-control plane contract: enumerate
// services and look one up by name.
type ServiceControl interface {
	GetAllServices(ctx context.Context) ([]Service, error)
	GetService(ctx context.Context, name string) (Service, bool, error)
}
