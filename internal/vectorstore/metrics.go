package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpDuration tracks vector store operation latency.
	// Labels: provider (chromem, qdrant), op (add, search, ...)
	OpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "op_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	// OpErrors counts failed vector store operations.
	OpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "op_errors_total",
			Help:      "Total number of failed vector store operations",
		},
		[]string{"provider", "op"},
	)

	// CollectionSize reports the vector count per collection.
	CollectionSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "vectorstore",
			Name:      "collection_size",
			Help:      "Number of vectors per collection",
		},
		[]string{"collection"},
	)
)

// observeOp records duration and, when err is set, an error count.
func observeOp(provider, op string, start time.Time, err error) {
	OpDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
	if err != nil {
		OpErrors.WithLabelValues(provider, op).Inc()
	}
}
