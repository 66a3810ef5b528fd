package account

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnavailable is returned by Selector.Next when no account is eligible.
var ErrUnavailable = errors.New("account: no eligible account available")

// HFailThreshold is the number of consecutive health-monitor failures past
// which an account is excluded from selection even while nominally active.
// A package-level var rather than a const so main can set it from
// config.Config.HFailThreshold at startup.
var HFailThreshold = 3

// Selector chooses accounts for the Dispatch Pipeline under a deterministic
// ordering, honoring per-account exclusivity via a shared LockTable.
type Selector struct {
	store *Store
	locks *LockTable
}

// NewSelector builds a Selector over store that uses the given lock table.
func NewSelector(store *Store, locks *LockTable) *Selector {
	return &Selector{store: store, locks: locks}
}

func eligible(a Account, now time.Time, excluded map[int64]bool, consecutiveFailures int) bool {
	if excluded[a.ID] {
		return false
	}
	if a.Status != StatusActive {
		return false
	}
	if a.InCooldown(now) {
		return false
	}
	if consecutiveFailures >= HFailThreshold {
		return false
	}
	if len(a.RefreshTokenEnc) == 0 {
		return false
	}
	return true
}

func rankLess(a, b Account) bool {
	if a.ErrorCount != b.ErrorCount {
		return a.ErrorCount < b.ErrorCount
	}
	if !a.LastSuccessAt.Equal(b.LastSuccessAt) {
		return a.LastSuccessAt.Before(b.LastSuccessAt)
	}
	if a.UseCount != b.UseCount {
		return a.UseCount < b.UseCount
	}
	return a.ID < b.ID
}

// candidates returns every eligible account, ranked by (error_count asc,
// last_success_at asc, use_count asc, id asc). No rotation marker is kept
// between calls: once an account is used, its refreshed last_success_at
// naturally sends it to the back of the ranking, which is what produces
// round-robin behavior — the ranking itself is the only state.
func (sel *Selector) candidates(excluded map[int64]bool) ([]Account, error) {
	all, err := sel.store.List()
	if err != nil {
		return nil, err
	}

	snaps, err := sel.store.ListHealth()
	if err != nil {
		return nil, err
	}
	failures := make(map[int64]int, len(snaps))
	for _, s := range snaps {
		failures[s.AccountID] = s.ConsecutiveFailures
	}

	now := time.Now()
	var ranked []Account
	for _, a := range all {
		if eligible(a, now, excluded, failures[a.ID]) {
			ranked = append(ranked, a)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })
	return ranked, nil
}

// Next returns the highest-ranked eligible account whose lock can be
// acquired without blocking, skipping any id in excluded. The caller must
// call release when done with the account.
func (sel *Selector) Next(ctx context.Context, excluded map[int64]bool) (acct Account, release func(), err error) {
	ranked, err := sel.candidates(excluded)
	if err != nil {
		return Account{}, nil, err
	}
	if len(ranked) == 0 {
		return Account{}, nil, ErrUnavailable
	}

	for _, a := range ranked {
		if rel, ok := sel.locks.TryAcquire(a.ID); ok {
			return a, rel, nil
		}
	}

	// every eligible account is momentarily busy: wait briefly on the first
	// one rather than fail the whole dispatch outright.
	first := ranked[0]
	rel, ok := sel.locks.Acquire(ctx, first.ID, 2*time.Second)
	if !ok {
		return Account{}, nil, ErrUnavailable
	}
	return first, rel, nil
}
