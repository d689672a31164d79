// Package httpapi exposes the service over HTTP for operators and the
// CLI client.
//
// The surface is small: store, recall, the two search modes, stats,
// health, and a forced sweep for admins, plus Prometheus metrics.
// Degraded result sets pass through with status 200 and the Degraded
// flag set; only operations that returned no answer map onto error
// statuses.
package httpapi
