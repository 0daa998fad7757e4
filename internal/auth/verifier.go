package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ReasonAuthInterrupted is Result.Reason when the client disconnected
// while a user-store lookup was still in flight: a disconnect during
// authentication is counted separately, not as a successful session.
const ReasonAuthInterrupted = "auth_interrupted"

// UserStore resolves a wallet address to its role of record. The signing
// secret only proves the token wasn't forged; the store is the source of
// truth for the role. A role mismatch between token and store is logged,
// but the store wins.
type UserStore interface {
	RoleForWallet(ctx context.Context, walletAddress string) (Role, bool, error)
}

// claims are the JWT claims a Verifier expects a token to carry.
type claims struct {
	jwt.RegisteredClaims
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
}

// Verifier validates bearer tokens and resolves principals. It never
// issues tokens; issuance is external.
type Verifier struct {
	secret []byte
	store  UserStore
	mode   Mode
}

// NewVerifier builds a Verifier against a static HMAC signing secret and a
// user store used to resolve the role of record for a verified wallet.
func NewVerifier(secret []byte, store UserStore, mode Mode) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth: signing secret must be at least 32 bytes")
	}
	if store == nil {
		return nil, fmt.Errorf("auth: user store is required")
	}
	return &Verifier{secret: secret, store: store, mode: mode}, nil
}

// VerifyRequest extracts a token from r per the verifier's mode and
// verifies it. A missing token is not an error: it is reported as an
// unauthenticated Result so callers can route to a public channel.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request) Result {
	return v.VerifyRequestMode(ctx, r, v.mode)
}

// VerifyRequestMode is VerifyRequest with the extraction mode overridden,
// for endpoints whose auth_mode differs from the verifier's default. An
// empty mode falls back to the verifier's own.
func (v *Verifier) VerifyRequestMode(ctx context.Context, r *http.Request, mode Mode) Result {
	if mode == "" {
		mode = v.mode
	}
	token := ExtractToken(r, mode)
	if token == "" {
		return Result{Principal: Anonymous, Reason: "no token presented"}
	}
	return v.Verify(ctx, token)
}

// Verify validates a raw token string and resolves its principal.
func (v *Verifier) Verify(ctx context.Context, token string) Result {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Principal: Anonymous, Reason: "token expired"}
		}
		return Result{Principal: Anonymous, Reason: "invalid token"}
	}
	if parsed.WalletAddress == "" {
		return Result{Principal: Anonymous, Reason: "token missing wallet_address claim"}
	}

	role, known, err := v.store.RoleForWallet(ctx, parsed.WalletAddress)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The client vanished mid-handshake, while the store lookup was
			// still in flight. Reported distinctly so callers can count it
			// as auth_interrupted rather than a failed/unauthenticated
			// session.
			return Result{Principal: Anonymous, Reason: ReasonAuthInterrupted}
		}
		slog.Error("auth: user store lookup failed", "wallet", parsed.WalletAddress, "error", err)
		return Result{Principal: Anonymous, Reason: "user store unavailable"}
	}
	if !known {
		// A signature can be valid for a wallet the store no longer knows
		// (e.g. a deleted account). Treated as unauthenticated.
		return Result{Principal: Anonymous, Reason: "unknown principal"}
	}
	if claimedRole := Role(parsed.Role); claimedRole != "" && claimedRole != role {
		slog.Warn("auth: role mismatch between token and user store; store wins",
			"wallet", parsed.WalletAddress, "token_role", claimedRole, "store_role", role)
	}

	var expiresAt time.Time
	if parsed.ExpiresAt != nil {
		expiresAt = parsed.ExpiresAt.Time
	}
	return Result{
		Principal: Principal{WalletID: parsed.WalletAddress, Role: role, Authenticated: true},
		ExpiresAt: expiresAt,
	}
}
