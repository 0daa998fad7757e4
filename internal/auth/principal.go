// Package auth implements the Auth Verifier: bearer token extraction from
// handshake requests, JWT signature verification, and principal resolution
// against the user store. It never issues tokens, only verifies them.
package auth

import "time"

// Role is the access level carried by an authenticated principal.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// rank gives a total order over roles so higher-privilege roles satisfy
// lower-privilege requirements without listing every combination.
var rank = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperadmin: 3,
}

// Satisfies reports whether this role meets or exceeds the required role.
func (r Role) Satisfies(required Role) bool {
	return rank[r] >= rank[required]
}

// Principal identifies the entity behind a connection. The zero value is
// the anonymous principal: Authenticated is false and WalletID is empty.
type Principal struct {
	WalletID      string
	Role          Role
	Authenticated bool
}

// Anonymous is the principal attached to a connection that never completed
// authentication (or never attempted it, on a public endpoint).
var Anonymous = Principal{}

// Mode selects where a handshake request is allowed to carry its token.
type Mode string

const (
	// ModeHeader accepts only Authorization: Bearer <token>.
	ModeHeader Mode = "header"
	// ModeQuery accepts only the "token" query parameter.
	ModeQuery Mode = "query"
	// ModeAuto tries header, then subprotocol, then cookie, then query.
	ModeAuto Mode = "auto"
)

// Result is the outcome of verifying a token extracted from a request.
type Result struct {
	Principal Principal
	ExpiresAt time.Time
	// Reason explains a failed verification for logging; empty on success.
	Reason string
}
