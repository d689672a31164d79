package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests counts HTTP requests by method, route, and status. The
	// route label is the registered pattern, so cardinality stays fixed.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recalld",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration observes request latency per route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recalld",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			Requests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
