// Package health runs the background probe loop that keeps each account's
// health snapshot current independently of live traffic.
package health

import (
	"context"
	"log"
	"time"

	"github.com/wirepool/tokengate/internal/account"
	"github.com/wirepool/tokengate/internal/metrics"
)

// DefaultInterval matches the pool's default health-check period.
const DefaultInterval = 1 * time.Hour

// MinInterval is the floor enforced on a configured interval.
const MinInterval = 15 * time.Second

// Monitor periodically probes every active or cooling-down account by
// forcing a refresh and recording the outcome, demoting active accounts whose
// consecutive failures reach account.HFailThreshold and returning
// cooling-down accounts to active after a successful probe.
type Monitor struct {
	store     *account.Store
	refresher *account.Refresher
	locks     *account.LockTable
	metrics   *metrics.Metrics
	interval  time.Duration

	running chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor builds a Monitor. interval below MinInterval is clamped up.
func NewMonitor(store *account.Store, refresher *account.Refresher, locks *account.LockTable, m *metrics.Metrics, interval time.Duration) *Monitor {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Monitor{
		store:     store,
		refresher: refresher,
		locks:     locks,
		metrics:   m,
		interval:  interval,
		running:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to shut it down.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop requests cooperative shutdown and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.runPass(ctx)
		}
	}
}

// runPass is serialized against concurrent invocation via m.running.
func (m *Monitor) runPass(ctx context.Context) {
	select {
	case m.running <- struct{}{}:
		defer func() { <-m.running }()
	default:
		return
	}

	accounts, err := m.store.List()
	if err != nil {
		log.Printf("health: list accounts: %v", err)
		return
	}

	healthy, unhealthy := 0, 0
	for _, a := range accounts {
		if a.Status != account.StatusActive && a.Status != account.StatusCooldown {
			continue
		}
		release, ok := m.locks.TryAcquire(a.ID)
		if !ok {
			continue
		}
		ok2 := m.checkOne(ctx, a)
		release()
		if ok2 {
			healthy++
		} else {
			unhealthy++
		}
	}

	if m.metrics != nil {
		m.metrics.SetPoolGauges(accounts)
	}
	log.Printf("health: pass complete healthy=%d unhealthy=%d", healthy, unhealthy)
}

func (m *Monitor) checkOne(ctx context.Context, a account.Account) bool {
	plain, err := m.store.DecryptRefreshToken(&a)
	if err != nil {
		m.snapshot(a, false, err.Error(), 0)
		return false
	}

	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	result, outcome, err := m.refresher.Refresh(checkCtx, plain)
	latency := time.Since(start)

	if outcome != account.OutcomeOK && !(outcome == account.OutcomeQuotaExhausted && err == nil) {
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		m.snapshot(a, false, errText, latency)
		m.demote(a, outcome, errText)
		return false
	}

	m.snapshot(a, true, "", latency)
	now := time.Now()
	patch := account.Patch{
		AccessToken:       &result.AccessToken,
		AccessTokenExpiry: &result.ExpiresAt,
		Quota:             &result.Quota,
		LastSuccessAt:     &now,
		LastCheckAt:       &now,
		ErrorCount:        zeroPtr(),
	}
	if a.Status == account.StatusCooldown {
		// The selector still skips the account until CooldownUntil passes.
		active := account.StatusActive
		patch.Status = &active
	}
	_ = m.store.Update(a.ID, patch, account.ActorMonitor, "health_check", "ok")

	if result.Quota.Limit > 0 && !result.Quota.IsUnlimited && result.Quota.Remaining() <= 0 {
		status := account.StatusQuotaExhausted
		cooldown := now.Add(30 * time.Minute)
		_ = m.store.Update(a.ID, account.Patch{Status: &status, CooldownUntil: &cooldown}, account.ActorMonitor, "health_check", "quota_exhausted")
	}

	return true
}

func (m *Monitor) demote(a account.Account, outcome account.Outcome, errText string) {
	prev, err := m.store.ReadHealth(a.ID)
	// checkOne has already written this failure's snapshot.
	consecutive := 1
	if err == nil && prev != nil {
		consecutive = prev.ConsecutiveFailures
	}

	if consecutive < account.HFailThreshold || a.Status != account.StatusActive {
		return
	}

	status := account.StatusCooldown
	cooldown := time.Now().Add(5 * time.Minute)
	errCode := string(outcome)
	_ = m.store.Update(a.ID, account.Patch{
		Status:           &status,
		CooldownUntil:    &cooldown,
		LastErrorCode:    &errCode,
		LastErrorMessage: &errText,
	}, account.ActorMonitor, "health_check", "demoted")
}

func (m *Monitor) snapshot(a account.Account, healthy bool, lastError string, latency time.Duration) {
	prev, err := m.store.ReadHealth(a.ID)
	consecutive := 0
	if err == nil && prev != nil {
		consecutive = prev.ConsecutiveFailures
	}
	if healthy {
		consecutive = 0
	} else {
		consecutive++
	}

	now := time.Now()
	snap := account.HealthSnapshot{
		AccountID:           a.ID,
		TokenPreview:        a.TokenPreview(),
		Healthy:             healthy,
		LastCheckedAt:       now,
		LastError:           lastError,
		ConsecutiveFailures: consecutive,
		LatencyMS:           latency.Milliseconds(),
	}
	if healthy {
		snap.LastSuccessAt = now
	} else if prev != nil {
		snap.LastSuccessAt = prev.LastSuccessAt
	}

	if err := m.store.SnapshotHealth(snap); err != nil {
		log.Printf("health: snapshot account %d: %v", a.ID, err)
	}
}

func zeroPtr() *int64 { z := int64(0); return &z }
