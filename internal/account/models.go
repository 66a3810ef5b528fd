// Package account owns the token-pool account state machine: persistence,
// encryption, selection, classification, and locking.
package account

import "time"

// Status is the lifecycle state of a pool account.
type Status string

const (
	StatusActive         Status = "active"
	StatusCooldown       Status = "cooldown"
	StatusBlocked        Status = "blocked"
	StatusQuotaExhausted Status = "quota_exhausted"
	StatusDisabled       Status = "disabled"
)

// Valid reports whether s is one of the five lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCooldown, StatusBlocked, StatusQuotaExhausted, StatusDisabled:
		return true
	default:
		return false
	}
}

// Account is one upstream credential in the pool. RefreshTokenEnc holds the
// AEAD ciphertext produced by Box.Encrypt; the plaintext refresh token never
// touches a log line or an admin response.
type Account struct {
	ID                int64  `gorm:"primaryKey" json:"id"`
	Label             string `json:"label"`
	Email             string `json:"email,omitempty"`
	TokenHash         string `gorm:"uniqueIndex" json:"-"`
	RefreshTokenEnc   []byte `json:"-"`
	AccessToken       string `json:"-"`
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitempty"`

	Status Status `gorm:"index;default:active" json:"status"`

	QuotaLimit          int64     `json:"quota_limit,omitempty"`
	QuotaUsed           int64     `json:"quota_used,omitempty"`
	QuotaIsUnlimited    bool      `json:"quota_unlimited,omitempty"`
	QuotaNextRefreshAt  time.Time `json:"quota_next_refresh_at,omitempty"`
	QuotaRefreshSeconds int64     `json:"quota_refresh_seconds,omitempty"`

	UseCount   int64 `json:"use_count"`
	ErrorCount int64 `json:"error_count"`

	LastErrorCode    string    `json:"last_error_code,omitempty"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	LastSuccessAt    time.Time `json:"last_success_at,omitempty"`
	LastCheckAt      time.Time `json:"last_check_at,omitempty"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenPreview renders a masked form of the refresh token fingerprint for
// admin display, never the token itself.
func (a Account) TokenPreview() string {
	return Preview(a.TokenHash)
}

// InCooldown reports whether the account's cooldown has not yet elapsed.
func (a Account) InCooldown(now time.Time) bool {
	return !a.CooldownUntil.IsZero() && a.CooldownUntil.After(now)
}

// HealthSnapshot is the Health Monitor's last-known-good view of an account.
// Owned exclusively by the monitor; readers never write it.
type HealthSnapshot struct {
	AccountID          int64     `gorm:"primaryKey" json:"account_id"`
	TokenPreview        string    `json:"token_preview"`
	Healthy             bool      `json:"healthy"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LatencyMS           int64     `json:"latency_ms,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Actor identifies who performed a mutation, for audit purposes.
type Actor string

const (
	ActorAdmin   Actor = "admin"
	ActorRuntime Actor = "runtime"
	ActorMonitor Actor = "monitor"
)

// AuditEvent is an append-only record of a state transition or admin action.
type AuditEvent struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	AccountID int64     `gorm:"index" json:"account_id,omitempty"`
	Actor     Actor     `json:"actor"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppState is a small opaque string→bytes row with an optional expiry,
// reserved for migration checkpoints and ephemeral process-wide markers — not
// for live scheduler state, which the Account Selector derives entirely from
// account fields instead.
type AppState struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// ModelRoute maps a client-facing model name to an upstream model tag.
type ModelRoute struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	ClientModel   string `gorm:"uniqueIndex:idx_route_model;not null" json:"client_model"`
	Provider      string `gorm:"uniqueIndex:idx_route_model;not null;default:'default'" json:"provider"`
	UpstreamModel string `gorm:"not null" json:"upstream_model"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Quota mirrors the upstream quota snapshot returned alongside a refresh.
type Quota struct {
	Limit          int64
	Used           int64
	IsUnlimited    bool
	NextRefreshAt  time.Time
	RefreshSeconds int64
}

// Remaining reports the quota headroom; unlimited quotas never run out.
func (q Quota) Remaining() int64 {
	if q.IsUnlimited {
		return 1
	}
	return q.Limit - q.Used
}
