package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOutcomes counts write-path results: stored, pending, gated,
	// invalid, error.
	StoreOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "service",
			Name:      "store_outcomes_total",
			Help:      "Write-path outcomes by gate and storage result",
		},
		[]string{"outcome"},
	)

	// RecallOutcomes counts read-path results: ok, degraded, error.
	RecallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "service",
			Name:      "recall_outcomes_total",
			Help:      "Recall outcomes including degraded answers",
		},
		[]string{"outcome"},
	)

	// ForcedSweeps counts operator-triggered lifecycle passes.
	ForcedSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "service",
			Name:      "forced_sweeps_total",
			Help:      "Operator-triggered lifecycle passes",
		},
	)
)
