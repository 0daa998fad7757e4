package auth

import (
	"net/http"
	"regexp"
	"strings"
)

// SessionCookieName is the cookie carrying a bearer token for browser
// clients that cannot set a custom header during the WebSocket handshake.
const SessionCookieName = "session"

// jwtShaped matches a value that looks like a JWT: three dot-separated
// base64url segments. Used to recognize a bearer token offered via the
// Sec-WebSocket-Protocol header, since browsers cannot set Authorization
// on the upgrade request.
var jwtShaped = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

// ExtractToken pulls a bearer token from r according to mode. It never
// itself decides whether the token is valid; that's Verifier's job.
func ExtractToken(r *http.Request, mode Mode) string {
	switch mode {
	case ModeQuery:
		return r.URL.Query().Get("token")
	case ModeHeader:
		return bearerFromHeader(r)
	default: // ModeAuto
		if t := bearerFromHeader(r); t != "" {
			return t
		}
		if t := jwtFromSubprotocol(r); t != "" {
			return t
		}
		if t := tokenFromCookie(r); t != "" {
			return t
		}
		return r.URL.Query().Get("token")
	}
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// jwtFromSubprotocol scans the Sec-WebSocket-Protocol offer list for a
// value shaped like a JWT, as real clients smuggle the token this way
// when they cannot set Authorization on the handshake request.
func jwtFromSubprotocol(r *http.Request) string {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return ""
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if jwtShaped.MatchString(candidate) {
			return candidate
		}
	}
	return ""
}

func tokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
