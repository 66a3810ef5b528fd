// Package readiness projects the account pool into a single ready/not-ready
// snapshot for client-facing back-off decisions.
package readiness

import (
	"time"

	"github.com/wirepool/tokengate/internal/account"
)

// Snapshot is the aggregate view returned by Reporter.Readiness.
type Snapshot struct {
	Total          int        `json:"total"`
	Available      int        `json:"available"`
	Cooldown       int        `json:"cooldown"`
	Blocked        int        `json:"blocked"`
	QuotaExhausted int        `json:"quota_exhausted"`
	Disabled       int        `json:"disabled"`
	Ready          bool       `json:"ready"`
	NextRecoveryAt *time.Time `json:"next_recovery_at,omitempty"`
}

// Reporter computes Snapshot on demand; it is a pure projection over the
// Store and holds no state of its own.
type Reporter struct {
	store *account.Store
}

// NewReporter builds a Reporter over store.
func NewReporter(store *account.Store) *Reporter {
	return &Reporter{store: store}
}

// Readiness walks every account and computes the aggregate snapshot.
func (r *Reporter) Readiness() (Snapshot, error) {
	accounts, err := r.store.List()
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	var snap Snapshot
	var soonest *time.Time

	for _, a := range accounts {
		snap.Total++
		switch a.Status {
		case account.StatusActive:
			if a.InCooldown(now) {
				snap.Cooldown++
				soonest = earliest(soonest, a.CooldownUntil)
			} else {
				snap.Available++
			}
		case account.StatusCooldown:
			snap.Cooldown++
			soonest = earliest(soonest, a.CooldownUntil)
		case account.StatusBlocked:
			snap.Blocked++
		case account.StatusQuotaExhausted:
			snap.QuotaExhausted++
			if !a.QuotaNextRefreshAt.IsZero() {
				soonest = earliest(soonest, a.QuotaNextRefreshAt)
			} else {
				soonest = earliest(soonest, a.CooldownUntil)
			}
		case account.StatusDisabled:
			snap.Disabled++
		}
	}

	snap.Ready = snap.Available > 0
	snap.NextRecoveryAt = soonest
	return snap, nil
}

func earliest(current *time.Time, candidate time.Time) *time.Time {
	if candidate.IsZero() {
		return current
	}
	if current == nil || candidate.Before(*current) {
		c := candidate
		return &c
	}
	return current
}
