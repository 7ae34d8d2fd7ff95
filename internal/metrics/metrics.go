// Package metrics holds the Prometheus collectors for the allocation
// workflow and the capacity ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostel"

var (
	// Allocations counts allocate calls by outcome.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocations_total",
		Help:      "Allocate calls by result.",
	}, []string{"result"})

	// Vacates counts vacate calls by outcome.
	Vacates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vacates_total",
		Help:      "Vacate calls by result.",
	}, []string{"result"})

	// Compensations counts compensating bed releases by outcome.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensations_total",
		Help:      "Compensating bed releases by result.",
	}, []string{"result"})

	// InconsistentStates counts invariant violations left behind by a failed
	// compensation or release.
	InconsistentStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inconsistent_states_total",
		Help:      "Workflow steps that left occupancy out of step with allocations.",
	}, []string{"step"})

	// LedgerRetries counts conditional updates retried after losing a race.
	LedgerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_retries_total",
		Help:      "Conditional room updates retried after a concurrent change.",
	}, []string{"op"})

	// Notifications counts web push deliveries by outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_notifications_total",
		Help:      "Web push notifications by result.",
	}, []string{"result"})

	// DriftRepairs counts rooms whose occupancy was rewritten by the reconciler.
	DriftRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_repairs_total",
		Help:      "Rooms repaired by the occupancy reconciler.",
	})

	// DriftObserved reports the number of drifting rooms seen by the last audit.
	DriftObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "drift_rooms",
		Help:      "Rooms whose occupancy differed from active allocations at the last audit.",
	})
)

// Result labels shared by the counters above.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
	ResultDropped  = "dropped"
	ResultExpired  = "expired"
)
