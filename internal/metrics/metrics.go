// Package metrics wires the pool's Prometheus counters and gauges, in the
// promauto style used elsewhere in the retrieval pack for HTTP-service
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wirepool/tokengate/internal/account"
)

// Metrics groups every collector the gateway registers. A zero-value
// Metrics is unsafe to use; construct with New.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	poolByStatus     *prometheus.GaugeVec
}

// New registers all collectors against the default registry and returns the
// handle used to record observations.
func New() *Metrics {
	return &Metrics{
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tokengate_dispatch_attempts_total",
			Help: "Dispatch attempts, labeled by classified outcome and whether they succeeded",
		}, []string{"outcome", "ok"}),

		dispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokengate_dispatch_duration_seconds",
			Help:    "Wall-clock latency of a single dispatch attempt",
			Buckets: prometheus.DefBuckets,
		}),

		poolByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokengate_pool_accounts",
			Help: "Number of pool accounts, labeled by lifecycle status",
		}, []string{"status"}),
	}
}

// ObserveDispatch records one dispatch attempt's outcome.
func (m *Metrics) ObserveDispatch(outcome string, ok bool) {
	m.dispatchTotal.WithLabelValues(outcome, boolLabel(ok)).Inc()
}

// Timer returns a prometheus.Timer that records into dispatchDuration when
// stopped, matching the retrieval pack's request-timer pattern.
func (m *Metrics) Timer() *prometheus.Timer {
	return prometheus.NewTimer(m.dispatchDuration)
}

// SetPoolGauges refreshes the per-status account gauges after a health pass.
func (m *Metrics) SetPoolGauges(accounts []account.Account) {
	counts := map[account.Status]float64{}
	for _, a := range accounts {
		counts[a.Status]++
	}
	for _, s := range []account.Status{
		account.StatusActive, account.StatusCooldown, account.StatusBlocked,
		account.StatusQuotaExhausted, account.StatusDisabled,
	} {
		m.poolByStatus.WithLabelValues(string(s)).Set(counts[s])
	}
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
