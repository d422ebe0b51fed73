package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flow names used as the "flow" label.
const (
	FlowLogin       = "login"
	FlowRegister    = "register"
	FlowLogout      = "logout"
	FlowBootstrap   = "cross_signing_bootstrap"
	FlowRestore     = "cross_signing_restore"
	FlowRevalidate  = "revalidate"
	FlowCompanion   = "companion_notify"
	FlowRestoreKeys = "key_backup_restore"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// Metrics counts flow outcomes. A nil *Metrics records nothing.
type Metrics struct {
	flows     *prometheus.CounterVec
	evictions prometheus.Counter
}

// NewMetrics registers the crossguard counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		flows: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossguard_flows_total",
				Help: "Session flows run, by flow and outcome",
			},
			[]string{"flow", "outcome"},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "crossguard_secret_evictions_total",
				Help: "Cached secret-storage keys evicted after a bad-key restore",
			},
		),
	}
}

// RecordFlow counts one run of flow.
func (m *Metrics) RecordFlow(flow, outcome string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(flow, outcome).Inc()
}

// RecordResult counts one run of flow as success or failure depending on err.
func (m *Metrics) RecordResult(flow string, err error) {
	if err != nil {
		m.RecordFlow(flow, OutcomeFailure)
		return
	}
	m.RecordFlow(flow, OutcomeSuccess)
}

// RecordEviction counts one evicted secret-storage key.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
