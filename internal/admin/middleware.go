package admin

import (
	"net"
	"net/http"
	"strings"

	"github.com/wirepool/tokengate/internal/account"
)

// AuthMode selects how the admin surface authenticates requests.
type AuthMode string

const (
	// AuthModeToken validates the Authorization header against a bearer
	// token, the default.
	AuthModeToken AuthMode = "token"
	// AuthModeLocal bypasses auth for requests originating from loopback
	// addresses and otherwise falls back to token validation — useful when
	// the admin surface is only reachable through an SSH tunnel or a
	// sidecar on the same host.
	AuthModeLocal AuthMode = "local"
	// AuthModeOff disables admin auth entirely. Only appropriate behind a
	// trusted reverse proxy.
	AuthModeOff AuthMode = "off"
)

// Auth validates admin requests according to mode, falling back to token
// comparison (or pass-through when token is empty) for AuthModeToken and for
// AuthModeLocal requests that aren't from loopback.
func Auth(mode AuthMode, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == AuthModeOff {
				next.ServeHTTP(w, r)
				return
			}
			if mode == AuthModeLocal && isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			candidate := strings.TrimPrefix(header, "Bearer ")
			if header == "" || candidate == header || !account.ConstantTimeEquals(candidate, token) {
				writeEnvelope(w, http.StatusUnauthorized, nil, "invalid or missing admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isLoopback reports whether remoteAddr (an http.Request.RemoteAddr,
// typically "host:port") resolves to a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
