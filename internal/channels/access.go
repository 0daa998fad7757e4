package channels

import (
	"strings"

	"github.com/fluxgate/streamgate/internal/auth"
)

// AccessPredicate reports whether principal may subscribe to (or receive
// broadcasts on) channel, by name prefix. endpointAuth is the owning
// endpoint's auth-required setting, which governs access to any channel
// that matches none of the reserved prefixes.
func AccessPredicate(channel string, principal auth.Principal, endpointAuth bool) bool {
	switch {
	case strings.HasPrefix(channel, "public."):
		return true
	case strings.HasPrefix(channel, "user."):
		id := strings.TrimPrefix(channel, "user.")
		return principal.Authenticated && principal.WalletID == id
	case strings.HasPrefix(channel, "superadmin."):
		return principal.Authenticated && principal.Role == auth.RoleSuperadmin
	case strings.HasPrefix(channel, "admin."):
		return principal.Authenticated && principal.Role.Satisfies(auth.RoleAdmin)
	default:
		if endpointAuth {
			return principal.Authenticated
		}
		return true
	}
}
