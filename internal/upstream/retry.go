package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// rateLimitBody mirrors the flat error envelope the identity/API surface
// returns on 429/403, the same shape account.refreshResponseBody parses for
// refresh failures: a top-level error/error_description pair plus an
// optional explicit retry hint rather than Google's nested details array.
type rateLimitBody struct {
	Error            string  `json:"error,omitempty"`
	ErrorDescription string  `json:"error_description,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// ParseRetryDelay extracts a retry duration from a non-200 response: the
// standard Retry-After header first, then the JSON body's
// retry_after_seconds field. body is the already-read response body (the
// Dispatch Pipeline reads it once via StreamResult.Body); the response's own
// resp.Body has already been closed by the time this is called. Returns 0
// when no retry information is found, letting the caller fall back to its
// own default backoff.
func ParseRetryDelay(resp *http.Response, body []byte) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if len(body) == 0 {
		return 0
	}

	var parsed rateLimitBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0
	}
	if parsed.RetryAfterSeconds > 0 {
		return time.Duration(parsed.RetryAfterSeconds * float64(time.Second))
	}
	return 0
}
