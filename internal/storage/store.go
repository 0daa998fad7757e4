// Package storage backs the auth verifier's user store with a
// SQLite-backed lookup from wallet address to role of record, plus a
// CreateLocalUser helper that seeds rows for local test/dev use.
// The schema is owned by cmd/migrate, not this package.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fluxgate/streamgate/internal/auth"
)

// Store implements auth.UserStore against a SQLite users table.
type Store struct {
	db *sql.DB
}

var _ auth.UserStore = (*Store)(nil)

// Open creates a Store from a DSN understood by modernc.org/sqlite (e.g.
// "file:gateway.db?cache=shared"). The caller owns Close.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", dsn, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the underlying connection, backing the /readyz probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RoleForWallet implements auth.UserStore: it is the store of record for
// a wallet's role.
func (s *Store) RoleForWallet(ctx context.Context, walletAddress string) (auth.Role, bool, error) {
	var roleStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM users WHERE wallet_address = ?", walletAddress,
	).Scan(&roleStr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: lookup role for %s: %w", walletAddress, err)
	}
	return auth.Role(roleStr), true, nil
}

// UserRecord is a row from the users table, used by endpoint
// specializations that need more than just the role (e.g. display name
// for connection_established's `user` field).
type UserRecord struct {
	WalletAddress string
	Role          auth.Role
	DisplayName   string
}

// GetUser returns the full user record for a wallet address.
func (s *Store) GetUser(ctx context.Context, walletAddress string) (UserRecord, bool, error) {
	var rec UserRecord
	rec.WalletAddress = walletAddress
	var roleStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT role, display_name FROM users WHERE wallet_address = ?", walletAddress,
	).Scan(&roleStr, &rec.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("storage: lookup user %s: %w", walletAddress, err)
	}
	rec.Role = auth.Role(roleStr)
	return rec, true, nil
}
