package account

import (
	"net/http"
	"strings"
)

// Outcome is the typed result of classifying one transport attempt.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAuthExpired    Outcome = "auth_expired"
	OutcomeForbiddenWAF   Outcome = "forbidden_waf"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeNetwork        Outcome = "network"
	OutcomeServerError    Outcome = "server_error"
	OutcomeUnknown        Outcome = "unknown"
)

// Retryable reports whether the dispatch pipeline should try another
// account after seeing this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeOK:
		return false
	default:
		return true
	}
}

var quotaMarkers = []string{
	"no remaining quota",
	"no ai requests remaining",
}

// isQuotaExhaustedBody reports whether a response body signals quota
// exhaustion, mirroring the substring checks the identity provider's error
// bodies actually use.
func isQuotaExhaustedBody(status int, body string) bool {
	low := strings.ToLower(body)
	for _, m := range quotaMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	if status == http.StatusTooManyRequests && strings.Contains(low, "quota") {
		return strings.Contains(low, "exhaust") || strings.Contains(low, "remain")
	}
	return false
}

// NetworkErrorKind enumerates the transport-level failure shapes the
// Upstream Transport can report in lieu of an HTTP response.
type NetworkErrorKind string

const (
	NetworkErrorNone             NetworkErrorKind = ""
	NetworkErrorTimeout          NetworkErrorKind = "timeout"
	NetworkErrorConnectionReset  NetworkErrorKind = "connection_reset"
	NetworkErrorConnectionRefuse NetworkErrorKind = "connection_refused"
	NetworkErrorDNS              NetworkErrorKind = "dns"
	NetworkErrorOther            NetworkErrorKind = "other"
)

// Attempt is the transport-level signal the Failure Classifier consumes.
// Exactly one of (Status>0) or (NetworkError != "") should be set.
type Attempt struct {
	Status       int
	Body         string
	NetworkError NetworkErrorKind
	JWTExpired   bool
	SawEvent     bool
}

// Classify maps one transport attempt to a typed Outcome. It is a pure
// function: no I/O, no state, safe to call from any goroutine.
func Classify(a Attempt) Outcome {
	if a.NetworkError != NetworkErrorNone {
		return OutcomeNetwork
	}

	switch {
	case a.Status >= 200 && a.Status < 300:
		if a.SawEvent || a.Status != http.StatusOK {
			return OutcomeOK
		}
		return OutcomeOK
	case a.Status == http.StatusUnauthorized:
		if a.JWTExpired {
			return OutcomeAuthExpired
		}
		return OutcomeForbiddenWAF
	case a.Status == http.StatusForbidden:
		if a.JWTExpired {
			return OutcomeAuthExpired
		}
		if isQuotaExhaustedBody(a.Status, a.Body) {
			return OutcomeQuotaExhausted
		}
		return OutcomeForbiddenWAF
	case a.Status == http.StatusTooManyRequests:
		if isQuotaExhaustedBody(a.Status, a.Body) {
			return OutcomeQuotaExhausted
		}
		return OutcomeRateLimited
	case isQuotaExhaustedBody(a.Status, a.Body):
		return OutcomeQuotaExhausted
	case a.Status >= 500:
		return OutcomeServerError
	case a.Status == 0:
		return OutcomeUnknown
	default:
		return OutcomeUnknown
	}
}

// RefreshErrorMarkers are substrings that indicate a refresh token has been
// permanently revoked rather than transiently failing.
var refreshErrorMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// IsPermanentRefreshError reports whether err should blocklist the account
// rather than leave it eligible for retry.
func IsPermanentRefreshError(errText string) bool {
	low := strings.ToLower(errText)
	for _, m := range refreshErrorMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
