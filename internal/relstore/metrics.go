package relstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

var (
	// QueryDuration tracks relational query latency by operation.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "relstore",
			Name:      "query_duration_seconds",
			Help:      "Duration of relational store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// QueryErrors counts failed operations by kind.
	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "relstore",
			Name:      "query_errors_total",
			Help:      "Total relational store errors by operation and error kind",
		},
		[]string{"op", "kind"},
	)

	// RowsByTier reports the current row count per tier, refreshed on
	// every Stats call.
	RowsByTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "recalld",
			Subsystem: "relstore",
			Name:      "rows",
			Help:      "Memory rows per tier as of the last stats query",
		},
		[]string{"tier"},
	)
)

// observe records duration and error metrics for one operation and
// returns err unchanged.
func observe(op string, start time.Time, err error) error {
	QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		QueryErrors.WithLabelValues(op, errorKind(err)).Inc()
	}
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return "not_found"
	case errors.Is(err, memory.ErrConflict):
		return "conflict"
	case errors.Is(err, memory.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, memory.ErrTimeout):
		return "timeout"
	case errors.Is(err, memory.ErrInvalid):
		return "invalid"
	default:
		return "other"
	}
}
