// Package metrics defines the Prometheus collectors shared by the mirror,
// the auditor and the HTTP surface.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mirror"

// Metrics holds every collector the process exports.
type Metrics struct {
	mutations          *prometheus.CounterVec
	ancestors          *prometheus.CounterVec
	attemptsExhausted  prometheus.Counter
	skippedEvents      *prometheus.CounterVec
	auditChecked       *prometheus.CounterVec
	auditDiscrepancies *prometheus.CounterVec
	auditRepairs       *prometheus.CounterVec
	cleanupDeleted     *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "mutations_total",
			Help:      "Mutations handled by the tree maintainer by kind and outcome",
		}, []string{"kind", "outcome"}),
		ancestors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "ancestor_actions_total",
			Help:      "Prefix documents created, repointed or tombstoned",
		}, []string{"action"}),
		attemptsExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "attempts_exhausted_total",
			Help:      "Mutations abandoned after exhausting transaction attempts",
		}),
		skippedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "skipped_total",
			Help:      "Notifications discarded before reaching the tree",
		}, []string{"reason"}),
		auditChecked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "checked_total",
			Help:      "Items and prefixes checked by each auditor pass",
		}, []string{"pass", "type"}),
		auditDiscrepancies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "discrepancies_total",
			Help:      "Discrepancies found by the auditor",
		}, []string{"kind"}),
		auditRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "repairs_total",
			Help:      "Repairs attempted by the auditor by result",
		}, []string{"result"}),
		cleanupDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "deleted_total",
			Help:      "Records removed by bulk cleanup",
		}, []string{"target"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Mutation counts one tree mutation.
func (m *Metrics) Mutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

// Ancestor counts one prefix maintenance action.
func (m *Metrics) Ancestor(action string) {
	if m == nil {
		return
	}
	m.ancestors.WithLabelValues(action).Inc()
}

// AttemptsExhausted counts one abandoned mutation.
func (m *Metrics) AttemptsExhausted() {
	if m == nil {
		return
	}
	m.attemptsExhausted.Inc()
}

// Skipped counts a notification dropped before reaching the tree.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skippedEvents.WithLabelValues(reason).Inc()
}

// Checked counts one document or object examined by an auditor pass.
func (m *Metrics) Checked(pass, typ string) {
	if m == nil {
		return
	}
	m.auditChecked.WithLabelValues(pass, typ).Inc()
}

// Discrepancy counts one auditor finding.
func (m *Metrics) Discrepancy(kind string) {
	if m == nil {
		return
	}
	m.auditDiscrepancies.WithLabelValues(kind).Inc()
}

// Repair counts one auditor repair attempt.
func (m *Metrics) Repair(result string) {
	if m == nil {
		return
	}
	m.auditRepairs.WithLabelValues(result).Inc()
}

// Deleted counts records removed by cleanup.
func (m *Metrics) Deleted(target string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.WithLabelValues(target).Add(float64(n))
}

// Request counts one HTTP request.
func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
