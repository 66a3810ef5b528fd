package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshResult carries the fresh access token and quota snapshot produced
// by a successful refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
	Quota       Quota
}

// Refresher exchanges a stored refresh token for a new access token. The
// response is carried through golang.org/x/oauth2's Token type even though
// the identity endpoint here is a bespoke token exchange rather than a
// registered OAuth provider; oauth2.Config is not used.
type Refresher struct {
	httpClient *http.Client
	endpoint   string
}

// NewRefresher builds a Refresher that POSTs refresh requests to endpoint.
func NewRefresher(endpoint string, timeout time.Duration) *Refresher {
	return &Refresher{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

type refreshRequestBody struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponseBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Quota        *struct {
		Limit          int64 `json:"limit"`
		Used           int64 `json:"used"`
		IsUnlimited    bool  `json:"is_unlimited"`
		RefreshSeconds int64 `json:"refresh_seconds"`
	} `json:"quota,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Refresh performs one token exchange. The returned Outcome always reflects
// what happened even when err is non-nil, so the Dispatch Pipeline and the
// Health Monitor can drive state transitions off outcome alone.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (RefreshResult, Outcome, error) {
	body, _ := json.Marshal(refreshRequestBody{GrantType: "refresh_token", RefreshToken: refreshToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return RefreshResult{}, OutcomeUnknown, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return RefreshResult{}, OutcomeNetwork, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RefreshResult{}, OutcomeNetwork, err
	}

	if resp.StatusCode != http.StatusOK {
		var parsed refreshResponseBody
		_ = json.Unmarshal(raw, &parsed)
		errText := parsed.Error + " " + parsed.ErrorDescription
		if errText == " " {
			errText = string(raw)
		}
		if IsPermanentRefreshError(errText) {
			return RefreshResult{}, OutcomeForbiddenWAF, fmt.Errorf("account: refresh rejected: %s", strings.TrimSpace(errText))
		}
		if isQuotaExhaustedBody(resp.StatusCode, string(raw)) {
			return RefreshResult{}, OutcomeQuotaExhausted, fmt.Errorf("account: refresh reports quota exhausted")
		}
		return RefreshResult{}, Classify(Attempt{Status: resp.StatusCode, Body: string(raw)}),
			fmt.Errorf("account: refresh failed with status %d: %s", resp.StatusCode, strings.TrimSpace(errText))
	}

	var parsed refreshResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return RefreshResult{}, OutcomeUnknown, fmt.Errorf("account: decode refresh response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}

	result := RefreshResult{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if parsed.Quota != nil {
		result.Quota = Quota{
			Limit:          parsed.Quota.Limit,
			Used:           parsed.Quota.Used,
			IsUnlimited:    parsed.Quota.IsUnlimited,
			RefreshSeconds: parsed.Quota.RefreshSeconds,
		}
		if parsed.Quota.RefreshSeconds > 0 {
			result.Quota.NextRefreshAt = time.Now().Add(time.Duration(parsed.Quota.RefreshSeconds) * time.Second)
		}
	}

	outcome := OutcomeOK
	if result.Quota.Limit > 0 && !result.Quota.IsUnlimited && result.Quota.Remaining() <= 0 {
		outcome = OutcomeQuotaExhausted
	}
	return result, outcome, nil
}

// IsExpiringSoon reports whether an access token needs a refresh within the
// given lead time.
func IsExpiringSoon(expiresAt time.Time, lead time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return time.Until(expiresAt) < lead
}
