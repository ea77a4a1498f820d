package tracksync

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_sync_attempts_total",
			Help: "Sync attempts by entity kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracksync_sync_duration_seconds",
			Help:    "Sync attempt latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	trackerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_tracker_requests_total",
			Help: "Tracker API calls by operation and result class.",
		},
		[]string{"operation", "class"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracksync_token_refresh_total",
			Help: "OAuth token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers the engine's collectors in the default
// registry. Safe to call more than once.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(syncAttemptsTotal, syncDuration, trackerRequestsTotal, refreshTotal)
	})
}
