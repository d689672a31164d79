package tiers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sweeps counts sweep passes by result.
	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "sweeps_total",
			Help:      "Sweep passes by result",
		},
		[]string{"result"},
	)

	// SweepDuration observes how long sweep passes take.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep pass duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SweptRows counts rows evaluated by the sweeper.
	SweptRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "swept_rows_total",
			Help:      "Rows evaluated by the sweeper",
		},
	)

	// Migrations counts tier transitions per edge.
	Migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "migrations_total",
			Help:      "Tier transitions by edge",
		},
		[]string{"edge"},
	)

	// Evictions counts low-value working rows deleted.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "evictions_total",
			Help:      "Working rows evicted for low importance",
		},
	)

	// Merges counts duplicate rows absorbed, by detection kind.
	Merges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "merges_total",
			Help:      "Duplicate rows merged away, by detection kind",
		},
		[]string{"kind"},
	)

	// Quarantines counts rows flagged after repeated sweep failures.
	Quarantines = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "quarantines_total",
			Help:      "Rows quarantined after repeated sweep failures",
		},
	)

	// RowErrors counts per-row sweep failures.
	RowErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "tiers",
			Name:      "row_errors_total",
			Help:      "Per-row sweep failures",
		},
	)
)
