package dispatch

import "errors"

// ErrUnavailable means no eligible account exists (pool empty or all
// accounts in cooldown/blocked/quota-exhausted/disabled).
var ErrUnavailable = errors.New("dispatch: no ready account")

// ErrAuthFailed means every account tried failed to refresh.
var ErrAuthFailed = errors.New("dispatch: every attempted account failed to authenticate")

// ErrUpstreamRejected means every account tried received a terminal 4xx.
var ErrUpstreamRejected = errors.New("dispatch: upstream rejected every attempt")

// ErrUpstreamUnreachable means every account tried failed on network/5xx.
var ErrUpstreamUnreachable = errors.New("dispatch: upstream unreachable on every attempt")
