// SPDX-License-Identifier: MIT

// Package auth authenticates staff/admin callers against the operator
// panel API. It only covers the human-facing admin surface; the
// kiosk-facing routes carry no authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lockergw/gateway/internal/log"
)

// ExtractToken retrieves the admin API token from the request.
// 1. Authorization: Bearer <token>
// 2. Cookie: locker_session
// 3. Header: X-API-Token (legacy)
// 4. Query: ?token= (deprecated, off by default)
func ExtractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	if c, err := r.Cookie("locker_session"); err == nil && c.Value != "" {
		return c.Value
	}

	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}

	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			log.L().Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("query parameter authentication is deprecated; use the Authorization header instead")
			return t
		}
	}

	return ""
}

// AuthorizeToken returns true if got matches expected using constant-time
// comparison. Empty tokens are always unauthorized.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it against
// expectedToken.
func AuthorizeRequest(r *http.Request, expectedToken string, allowQuery bool) bool {
	if r == nil {
		return false
	}
	return AuthorizeToken(ExtractToken(r, allowQuery), expectedToken)
}
