package account

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTRemaining decodes the exp claim of an access token without verifying
// its signature — this gateway never holds the upstream's signing key, only
// the token it issued — and reports how long remains until expiry. A token
// that fails to parse or carries no exp claim is treated as already
// expired, matching the "401/403 with JWT-expiry signal (remaining < 0)"
// auth_expired trigger.
func JWTRemaining(token string) time.Duration {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return -1
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return -1
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return -1
	}
	return time.Until(exp.Time)
}

// JWTExpired reports whether token's exp claim has already elapsed.
func JWTExpired(token string) bool {
	return JWTRemaining(token) < 0
}
