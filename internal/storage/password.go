package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by VerifyPassword when the wallet is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("storage: invalid credentials")

// CreateLocalUser seeds a row for the local test/dev user store: the
// password is bcrypt-hashed before it touches the database, never stored
// in clear.
func (s *Store) CreateLocalUser(ctx context.Context, walletAddress, password, displayName string, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("storage: hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (wallet_address, role, display_name, password_hash) VALUES (?, ?, ?, ?)",
		walletAddress, role, displayName, string(hash),
	)
	if err != nil {
		return fmt.Errorf("storage: create local user %s: %w", walletAddress, err)
	}
	return nil
}

// VerifyPassword checks password against the stored bcrypt hash for
// walletAddress, used only by the local dev login helper that issues
// test tokens outside the core.
func (s *Store) VerifyPassword(ctx context.Context, walletAddress, password string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT password_hash FROM users WHERE wallet_address = ?", walletAddress,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("storage: lookup password hash for %s: %w", walletAddress, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}
