// Package metrics holds the domain Prometheus collectors. HTTP request
// metrics live with the handlers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	anchorTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idanchor_anchor_transitions_total",
		Help: "Anchoring transaction state transitions.",
	}, []string{"from", "to"})

	anchorSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idanchor_anchor_submissions_total",
		Help: "Anchoring requests by outcome (created, existing, superseding).",
	}, []string{"outcome"})

	ledgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idanchor_ledger_calls_total",
		Help: "Ledger calls by method and outcome.",
	}, []string{"method", "outcome"})

	ledgerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idanchor_ledger_call_duration_seconds",
		Help:    "Ledger call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	reconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idanchor_reconciliations_total",
		Help: "Reconciliation results.",
	}, []string{"result"})

	discrepanciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idanchor_discrepancies_total",
		Help: "New discrepancies between audit entries and the ledger.",
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idanchor_events_published_total",
		Help: "Published domain events by sink and status.",
	}, []string{"sink", "status"})

	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "idanchor_dependency_up",
		Help: "1 when the dependency passed its last health probe.",
	}, []string{"dependency"})

	workerBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idanchor_worker_batch_size",
		Help:    "Items claimed per background worker poll.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	}, []string{"worker"})
)

// RecordTransition counts an anchoring state change.
func RecordTransition(from, to string) {
	anchorTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSubmission counts an anchoring request outcome.
func RecordSubmission(outcome string) {
	anchorSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLedgerCall records one ledger call.
func ObserveLedgerCall(method, outcome string, seconds float64) {
	ledgerCallsTotal.WithLabelValues(method, outcome).Inc()
	ledgerCallDuration.WithLabelValues(method).Observe(seconds)
}

// RecordReconciliation counts a reconciliation result.
func RecordReconciliation(result string) {
	reconciliationsTotal.WithLabelValues(result).Inc()
}

// RecordDiscrepancy counts a newly detected discrepancy.
func RecordDiscrepancy() {
	discrepanciesTotal.Inc()
}

// RecordPublish counts an event publish attempt.
func RecordPublish(sink string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	eventsPublishedTotal.WithLabelValues(sink, status).Inc()
}

// SetDependencyUp records the last probe result of a dependency.
func SetDependencyUp(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	dependencyUp.WithLabelValues(name).Set(v)
}

// ObserveBatch records how many items a worker claimed.
func ObserveBatch(worker string, n int) {
	workerBatchSize.WithLabelValues(worker).Observe(float64(n))
}
