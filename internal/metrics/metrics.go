// Package metrics holds the Prometheus collectors of the sync daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Metrics is a set of collectors registered on one registry. A nil
// *Metrics records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	accountState  *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	published     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_cycles_total",
				Help: "Sync cycles by account and result.",
			},
			[]string{
				"account",
				"result", // ok, or an error kind
			},
		),
		cycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_cycle_duration_seconds",
				Help:    "Duration of sync cycles in seconds.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"account"},
		),
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_operations_total",
				Help: "Queued operations by final outcome of an attempt.",
			},
			[]string{
				"account",
				"outcome", // applied, noop, failed, dead
			},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_conflicts_total",
				Help: "Overlaps between queued operations and remote changes, by resolution.",
			},
			[]string{"account", "resolution"},
		),
		accountState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsync_account_state",
				Help: "1 for the current scheduler state of each account.",
			},
			[]string{"account", "state"},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsync_queue_operations",
				Help: "Operations in the offline queue by status.",
			},
			[]string{"account", "status"},
		),
		published: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_events_published_total",
				Help: "Outbox events handed to publishers.",
			},
			[]string{"result"},
		),
	}
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(res model.CycleResult) {
	if m == nil {
		return
	}
	result := "ok"
	if res.Err != nil {
		result = string(model.KindOf(res.Err))
	}
	m.cycles.WithLabelValues(res.AccountID, result).Inc()
	m.cycleDuration.WithLabelValues(res.AccountID).Observe(res.Elapsed.Seconds())

	add := func(outcome string, n int) {
		if n > 0 {
			m.operations.WithLabelValues(res.AccountID, outcome).Add(float64(n))
		}
	}
	add("applied", res.Applied)
	add("noop", res.NoOps)
	add("failed", res.Failed)
	add("dead", res.Dead+res.Conflicted)

	for _, c := range res.Conflicts {
		m.conflicts.WithLabelValues(res.AccountID, string(c.Resolution)).Inc()
	}
}

// SetAccountState marks state as the current state of an account.
func (m *Metrics) SetAccountState(accountID, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.accountState.WithLabelValues(accountID, s).Set(v)
	}
}

// SetQueueStatus records queue depth.
func (m *Metrics) SetQueueStatus(st model.QueueStatus) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(st.AccountID, "pending").Set(float64(st.Pending))
	m.queueDepth.WithLabelValues(st.AccountID, "dead").Set(float64(st.Dead))
}

// ObservePublish counts one publish attempt.
func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

// ForgetAccount drops the series of a removed account.
func (m *Metrics) ForgetAccount(accountID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"account": accountID}
	m.cycles.DeletePartialMatch(labels)
	m.cycleDuration.DeletePartialMatch(labels)
	m.operations.DeletePartialMatch(labels)
	m.conflicts.DeletePartialMatch(labels)
	m.accountState.DeletePartialMatch(labels)
	m.queueDepth.DeletePartialMatch(labels)
}
