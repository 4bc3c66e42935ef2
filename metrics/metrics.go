// Package metrics holds the Prometheus collectors of the resource engine.
// Collectors register on the default registry and are served by /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "resource_engine"

// AllocationDecisions counts admission outcomes per kind and operation.
// outcome is "admitted" or the rejection category.
var AllocationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "allocation",
	Name:      "decisions_total",
	Help:      "Admission decisions by resource kind, operation and outcome.",
}, []string{"kind", "operation", "outcome"})

// LedgerTransactions counts appended ledger transactions by type.
var LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Ledger transactions appended, by transaction type.",
}, []string{"type"})

// LockWait observes how long callers waited for a resource lock.
var LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "lock",
	Name:      "wait_seconds",
	Help:      "Time spent waiting to acquire a per-resource lock.",
	Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
})

// BalanceDrift counts reconciliations that found the cached stock wrong.
var BalanceDrift = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "balance_drift_total",
	Help:      "Reconciliations where the cached stock differed from the ledger.",
})

// HistoricalShortages is the number of negative-balance points found by the
// last shortage audit, per resource.
var HistoricalShortages = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "historical_shortages",
	Help:      "Negative running-balance points found by the last audit.",
}, []string{"resource_id"})

// NotificationsDropped counts notifications discarded because the publish
// queue was full or the broker write failed.
var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "dropped_total",
	Help:      "Allocation notifications that were not delivered.",
})
