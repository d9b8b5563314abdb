// Package metrics exposes Prometheus instrumentation for license decisions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	validationsTotal *prometheus.CounterVec
	keyImportsTotal  *prometheus.CounterVec
	checksTotal      *prometheus.CounterVec
	admissionsTotal  *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	recoveryTotal    *prometheus.CounterVec
	downgradesTotal  prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance, registering it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "license",
				Name:      "validations_total",
				Help:      "License token verifications by result",
			},
			[]string{"result"},
		),
		keyImportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "license",
				Name:      "key_imports_total",
				Help:      "Verification key imports by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "entitlement",
				Name:      "checks_total",
				Help:      "Feature and tool entitlement checks by result",
			},
			[]string{"kind", "result"},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "skillgate",
				Subsystem: "admission",
				Name:      "queue_depth",
				Help:      "Requests currently waiting in admission queues",
			},
		),
		recoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "recovery",
				Name:      "attempts_total",
				Help:      "Recovery action attempts by action and result",
			},
			[]string{"action", "result"},
		),
		downgradesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "skillgate",
				Subsystem: "license",
				Name:      "tier_downgrades_total",
				Help:      "Refreshed licenses that resolved to a lower tier than the cached one",
			},
		),
	}

	prometheus.MustRegister(
		m.validationsTotal,
		m.keyImportsTotal,
		m.checksTotal,
		m.admissionsTotal,
		m.queueDepth,
		m.recoveryTotal,
		m.downgradesTotal,
	)

	return m
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// RecordValidation records a verification result ("ok" or a failure kind).
func (m *Metrics) RecordValidation(result string) {
	m.validationsTotal.WithLabelValues(orUnknown(result)).Inc()
}

// RecordKeyImport records a key import. trigger is "cache_miss" or "reload".
func (m *Metrics) RecordKeyImport(trigger string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.keyImportsTotal.WithLabelValues(orUnknown(trigger), result).Inc()
}

// RecordCheck records an entitlement check. kind is "feature" or "tool".
func (m *Metrics) RecordCheck(kind string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.checksTotal.WithLabelValues(orUnknown(kind), result).Inc()
}

// RecordAdmission records an admission decision. reason is empty for admits.
func (m *Metrics) RecordAdmission(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.admissionsTotal.WithLabelValues(orUnknown(outcome), reason).Inc()
}

// QueueEntered increments the queued request gauge.
func (m *Metrics) QueueEntered() {
	m.queueDepth.Inc()
}

// QueueLeft decrements the queued request gauge.
func (m *Metrics) QueueLeft() {
	m.queueDepth.Dec()
}

// RecordRecovery records one recovery action attempt.
func (m *Metrics) RecordRecovery(action string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.recoveryTotal.WithLabelValues(orUnknown(action), result).Inc()
}

// RecordDowngrade counts a detected tier downgrade.
func (m *Metrics) RecordDowngrade() {
	m.downgradesTotal.Inc()
}
