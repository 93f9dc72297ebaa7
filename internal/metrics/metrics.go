package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use through a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	decisions     *prometheus.CounterVec
	ledgerCalls   *prometheus.CounterVec
	taskStatus    *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	sweepItems    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskblitz",
			Name:      "submission_decisions_total",
			Help:      "Submission decisions by outcome.",
		}, []string{"outcome"}),
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskblitz",
			Name:      "ledger_calls_total",
			Help:      "Ledger calls by operation and result.",
		}, []string{"op", "result"}),
		taskStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskblitz",
			Name:      "task_transitions_total",
			Help:      "Task status transitions by target status.",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskblitz",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskblitz",
			Name:      "sweep_items_total",
			Help:      "Tasks or submissions acted on by sweeps.",
		}, []string{"sweep"}),
	}

	reg.MustRegister(m.decisions, m.ledgerCalls, m.taskStatus, m.sweepDuration, m.sweepItems)
	return m
}

func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) Sweep(name string, started time.Time, items int) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	m.sweepItems.WithLabelValues(name).Add(float64(items))
}
