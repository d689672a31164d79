package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TouchQueueDepth reports buffered access bumps awaiting a flush.
	TouchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "touch_queue_depth",
			Help:      "Buffered touch events awaiting a flush",
		},
	)

	// TouchesDropped counts touch events lost to queue overflow.
	TouchesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "touches_dropped_total",
			Help:      "Touch events dropped because the queue was full",
		},
	)

	// TouchesFlushed counts coalesced touch rows written to the
	// relational store.
	TouchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "touches_flushed_total",
			Help:      "Coalesced touch updates written to the relational store",
		},
	)

	// PendingWrites counts memories stored without a vector.
	PendingWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "pending_writes_total",
			Help:      "Writes that fell back to pending_embedding",
		},
	)

	// RepairRuns counts repair passes by result.
	RepairRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "repair_runs_total",
			Help:      "Repair passes by result",
		},
		[]string{"result"},
	)

	// RepairedEmbeddings counts pending rows given a vector by repair.
	RepairedEmbeddings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "repaired_embeddings_total",
			Help:      "Pending rows re-embedded by the repair worker",
		},
	)

	// ReapedShadows counts vectors deleted because the relational store
	// no longer references them.
	ReapedShadows = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "reaped_shadows_total",
			Help:      "Shadow vectors reaped from the vector store",
		},
	)

	// QuarantinedPending counts pending rows quarantined because the
	// embedder permanently rejects their content.
	QuarantinedPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "quarantined_pending_total",
			Help:      "Pending rows quarantined after a permanent embed failure",
		},
	)

	// SearchOrphans counts vector hits discarded because the row was
	// already gone.
	SearchOrphans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "repository",
			Name:      "search_orphans_total",
			Help:      "Vector hits with no backing row, discarded and cleaned",
		},
	)
)
