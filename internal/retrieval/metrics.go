package retrieval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Searches counts search operations by mode and outcome.
	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retrieval",
		Name:      "searches_total",
		Help:      "Search operations by mode and outcome.",
	}, []string{"mode", "result"})

	// SearchDuration observes search latency by mode.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recalld",
		Subsystem: "retrieval",
		Name:      "search_duration_seconds",
		Help:      "Search latency by mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	// DegradedSearches counts searches that fell back to exact-only
	// because the semantic leg was unavailable.
	DegradedSearches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recalld",
		Subsystem: "retrieval",
		Name:      "degraded_searches_total",
		Help:      "Searches answered exact-only due to semantic unavailability.",
	})
)

// observeSearch records duration and outcome for one search call.
func observeSearch(mode string, start time.Time, err error) {
	SearchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	Searches.WithLabelValues(mode, result).Inc()
}
