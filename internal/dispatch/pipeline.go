// Package dispatch orchestrates the single-flight path from a normalized
// request to an upstream event stream: select an account, refresh it if
// needed, send, classify the outcome, update pool state, and retry on the
// next account when the outcome calls for it.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wirepool/tokengate/internal/account"
	"github.com/wirepool/tokengate/internal/codec"
	"github.com/wirepool/tokengate/internal/metrics"
	"github.com/wirepool/tokengate/internal/upstream"
)

// Config tunes the pipeline's retry budget and cooldown durations. New
// replaces any zero field with a default (4 accounts, threshold 5, 2m, 30m,
// 1m lead time); cmd/gateway fills the first four from config.Load and sets
// RefreshLeadTime itself.
type Config struct {
	MaxAccountsPerRequest int
	FThreshold            int64
	CoolShort             time.Duration
	CoolLong              time.Duration
	RefreshLeadTime       time.Duration
}

// Pipeline is the single channel through which every adapter reaches the
// upstream service.
type Pipeline struct {
	store     *account.Store
	selector  *account.Selector
	refresher *account.Refresher
	transport *upstream.Client
	codec     codec.Codec
	metrics   *metrics.Metrics
	cfg       Config
}

// New builds a Pipeline. metrics may be nil, in which case observations are
// silently dropped.
func New(store *account.Store, selector *account.Selector, refresher *account.Refresher, transport *upstream.Client, cdc codec.Codec, m *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.MaxAccountsPerRequest <= 0 {
		cfg.MaxAccountsPerRequest = 4
	}
	if cfg.FThreshold <= 0 {
		cfg.FThreshold = 5
	}
	if cfg.CoolShort <= 0 {
		cfg.CoolShort = 2 * time.Minute
	}
	if cfg.CoolLong <= 0 {
		cfg.CoolLong = 30 * time.Minute
	}
	if cfg.RefreshLeadTime <= 0 {
		cfg.RefreshLeadTime = time.Minute
	}
	return &Pipeline{store: store, selector: selector, refresher: refresher, transport: transport, codec: cdc, metrics: m, cfg: cfg}
}

// Result is what a successful Dispatch call hands back to the adapter.
type Result struct {
	AccountID int64
	Response  *upstream.StreamResult
}

// Dispatch routes one request through the pool, trying up to
// cfg.MaxAccountsPerRequest distinct accounts.
func (p *Pipeline) Dispatch(ctx context.Context, model string, payload map[string]any) (*Result, error) {
	excluded := make(map[int64]bool)

	var lastOutcome account.Outcome
	var sawAuthFailure, sawUpstreamRejected, sawUnreachable bool

	for attempt := 0; attempt < p.cfg.MaxAccountsPerRequest; attempt++ {
		acct, release, err := p.selector.Next(ctx, excluded)
		if err != nil {
			break
		}

		var timer *prometheus.Timer
		if p.metrics != nil {
			timer = p.metrics.Timer()
		}
		res, outcome, dispatchErr := p.tryOne(ctx, acct, model, payload)
		if timer != nil {
			timer.ObserveDuration()
		}
		release()

		if outcome == account.OutcomeOK {
			if p.metrics != nil {
				p.metrics.ObserveDispatch(string(outcome), true)
			}
			return &Result{AccountID: acct.ID, Response: res}, nil
		}

		excluded[acct.ID] = true
		lastOutcome = outcome
		if p.metrics != nil {
			p.metrics.ObserveDispatch(string(outcome), false)
		}

		switch outcome {
		case account.OutcomeAuthExpired, account.OutcomeForbiddenWAF:
			sawAuthFailure = true
		case account.OutcomeRateLimited, account.OutcomeQuotaExhausted:
			sawUpstreamRejected = true
		case account.OutcomeNetwork, account.OutcomeServerError:
			sawUnreachable = true
		}

		if dispatchErr != nil {
			log.Printf("dispatch: account %d attempt failed: %v", acct.ID, dispatchErr)
		}
	}

	switch {
	case sawAuthFailure && !sawUpstreamRejected && !sawUnreachable:
		return nil, ErrAuthFailed
	case sawUpstreamRejected && !sawUnreachable:
		return nil, ErrUpstreamRejected
	case sawUnreachable:
		return nil, ErrUpstreamUnreachable
	case lastOutcome == "":
		return nil, ErrUnavailable
	default:
		return nil, fmt.Errorf("dispatch: exhausted retry budget, last outcome %q", lastOutcome)
	}
}

// tryOne sends one request on acct, refreshing its access token first if it
// is missing or expiring soon, and updates pool state from the outcome. A
// 401/403 carrying a JWT-expiry signal on the access token this call itself
// sent is treated as auth_expired: the account gets one refresh-and-retry on
// itself before falling through to the normal outcome recording, matching
// the "retry the SAME account once" auth_expired row rather than excluding
// the account outright.
func (p *Pipeline) tryOne(ctx context.Context, acct account.Account, model string, payload map[string]any) (*upstream.StreamResult, account.Outcome, error) {
	accessToken := acct.AccessToken
	if account.IsExpiringSoon(acct.AccessTokenExpiry, p.cfg.RefreshLeadTime) {
		refreshed, outcome, err := p.refreshAccount(ctx, acct)
		if outcome != account.OutcomeOK {
			return nil, outcome, err
		}
		accessToken = refreshed
	}

	res, outcome, err := p.send(ctx, accessToken, model, payload)
	if err != nil {
		p.recordFailure(acct, outcome, err.Error())
		return nil, outcome, err
	}

	if outcome == account.OutcomeAuthExpired {
		refreshed, refreshOutcome, refreshErr := p.refreshAccount(ctx, acct)
		if refreshOutcome != account.OutcomeOK {
			return nil, refreshOutcome, refreshErr
		}
		res, outcome, err = p.send(ctx, refreshed, model, payload)
		if err != nil {
			p.recordFailure(acct, outcome, err.Error())
			return nil, outcome, err
		}
	}

	if outcome == account.OutcomeOK {
		// The connection is open and the status was 200: consider the
		// attempt successful and hand the still-open event stream to the
		// caller. A mid-stream error event does not trigger a retry — the
		// adapter has already started forwarding bytes to its own client —
		// and the pipeline does not watch the stream, so such an event
		// leaves the account's counters and status unchanged.
		p.recordSuccess(acct)
		return res, outcome, nil
	}

	retry := upstream.ParseRetryDelay(res.Response, res.Body)
	p.recordOutcome(acct, outcome, fmt.Sprintf("status=%d", statusOf(res)), retry)
	return res, outcome, nil
}

// send issues one request on accessToken and classifies the result. It
// performs no store writes — tryOne decides what to do with the outcome,
// including the auth_expired refresh-and-retry loop, before recording
// anything.
func (p *Pipeline) send(ctx context.Context, accessToken, model string, payload map[string]any) (*upstream.StreamResult, account.Outcome, error) {
	body, err := p.codec.Encode(model, payload)
	if err != nil {
		return nil, account.OutcomeUnknown, fmt.Errorf("dispatch: encode request: %w", err)
	}

	res, err := p.transport.Send(ctx, accessToken, body, p.codec)
	if err != nil {
		return nil, account.OutcomeNetwork, err
	}

	status := statusOf(res)
	if status != 0 && status != 200 {
		outcome := account.Classify(account.Attempt{
			Status:     status,
			Body:       string(res.Body),
			JWTExpired: account.JWTExpired(accessToken),
		})
		return res, outcome, nil
	}

	return res, account.OutcomeOK, nil
}

func statusOf(res *upstream.StreamResult) int {
	if res == nil || res.Response == nil {
		return 0
	}
	return res.Response.StatusCode
}

func (p *Pipeline) refreshAccount(ctx context.Context, acct account.Account) (string, account.Outcome, error) {
	plain, err := p.store.DecryptRefreshToken(&acct)
	if err != nil {
		return "", account.OutcomeUnknown, err
	}

	result, outcome, err := p.refresher.Refresh(ctx, plain)
	if outcome != account.OutcomeOK {
		p.recordRefreshFailure(acct, outcome, err)
		return "", outcome, err
	}

	_ = p.store.Update(acct.ID, account.Patch{
		Status:            ptrStatus(account.StatusActive),
		AccessToken:       &result.AccessToken,
		AccessTokenExpiry: &result.ExpiresAt,
		Quota:             &result.Quota,
	}, account.ActorRuntime, "refresh", "ok")

	return result.AccessToken, account.OutcomeOK, nil
}

func (p *Pipeline) recordRefreshFailure(acct account.Account, outcome account.Outcome, err error) {
	status := account.StatusCooldown
	cooldown := time.Now().Add(p.cfg.CoolShort)
	if outcome == account.OutcomeForbiddenWAF {
		status = account.StatusBlocked
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	patch := account.Patch{
		Status:              ptrStatus(status),
		ErrorCountIncrement: true,
		LastErrorCode:       ptrOutcomeCode(outcome),
		LastErrorMessage:    &msg,
		LastCheckAt:         ptrNow(),
	}
	if status == account.StatusCooldown {
		patch.CooldownUntil = &cooldown
	}
	_ = p.store.Update(acct.ID, patch, account.ActorRuntime, "refresh", "failed")
}

func (p *Pipeline) recordSuccess(acct account.Account) {
	now := time.Now()
	zero := int64(0)
	_ = p.store.Update(acct.ID, account.Patch{
		Status:             ptrStatus(account.StatusActive),
		UseCountIncrement:  true,
		ErrorCount:         &zero,
		LastErrorCode:      ptrStr(""),
		LastErrorMessage:   ptrStr(""),
		LastSuccessAt:      &now,
		LastCheckAt:        &now,
		CooldownUntilClear: true,
	}, account.ActorRuntime, "send", "ok")
}

func (p *Pipeline) recordFailure(acct account.Account, outcome account.Outcome, detail string) {
	p.recordOutcome(acct, outcome, detail, 0)
}

func (p *Pipeline) recordOutcome(acct account.Account, outcome account.Outcome, detail string, retryAfter time.Duration) {
	now := time.Now()
	patch := account.Patch{
		ErrorCountIncrement: true,
		LastErrorCode:       ptrOutcomeCode(outcome),
		LastErrorMessage:    ptrStr(detail),
		LastCheckAt:         &now,
	}

	nextErrorCount := acct.ErrorCount + 1

	switch outcome {
	case account.OutcomeQuotaExhausted:
		patch.Status = ptrStatus(account.StatusQuotaExhausted)
		cooldown := now.Add(p.cfg.CoolLong)
		patch.CooldownUntil = &cooldown
	case account.OutcomeRateLimited:
		patch.Status = ptrStatus(account.StatusCooldown)
		delay := p.cfg.CoolShort
		if retryAfter > delay {
			delay = retryAfter
		}
		cooldown := now.Add(delay)
		patch.CooldownUntil = &cooldown
	case account.OutcomeForbiddenWAF, account.OutcomeUnknown:
		if nextErrorCount >= p.cfg.FThreshold {
			patch.Status = ptrStatus(account.StatusCooldown)
			cooldown := now.Add(p.cfg.CoolShort)
			patch.CooldownUntil = &cooldown
		}
	}

	_ = p.store.Update(acct.ID, patch, account.ActorRuntime, "send", string(outcome))
}

func ptrStatus(s account.Status) *account.Status { return &s }
func ptrStr(s string) *string                     { return &s }
func ptrNow() *time.Time                          { t := time.Now(); return &t }

func ptrOutcomeCode(o account.Outcome) *string {
	s := string(o)
	return &s
}
