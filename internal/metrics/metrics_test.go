package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wirepool/tokengate/internal/account"
)

func gaugeValue(t *testing.T, m *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := m.WithLabelValues(labels...).(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}

// New registers every collector against the global Prometheus registry, so
// the test suite shares one instance rather than calling New per test.
var testMetrics = New()

func TestSetPoolGauges(t *testing.T) {
	m := testMetrics
	accounts := []account.Account{
		{ID: 1, Status: account.StatusActive},
		{ID: 2, Status: account.StatusActive},
		{ID: 3, Status: account.StatusCooldown},
	}
	m.SetPoolGauges(accounts)

	if got := gaugeValue(t, m.poolByStatus, "active"); got != 2 {
		t.Fatalf("active gauge = %v, want 2", got)
	}
	if got := gaugeValue(t, m.poolByStatus, "cooldown"); got != 1 {
		t.Fatalf("cooldown gauge = %v, want 1", got)
	}
	if got := gaugeValue(t, m.poolByStatus, "blocked"); got != 0 {
		t.Fatalf("blocked gauge = %v, want 0", got)
	}
}

func TestObserveDispatchDoesNotPanic(t *testing.T) {
	testMetrics.ObserveDispatch("ok", true)
	testMetrics.ObserveDispatch("rate_limited", false)
}

func TestTimerObservesDuration(t *testing.T) {
	timer := testMetrics.Timer()
	timer.ObserveDuration()
}
