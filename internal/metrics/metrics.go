// Package metrics registers the Prometheus metrics exported by the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts routed requests labelled by strategy
	// ("navigation", "api", "static", "passthrough") and the source that
	// produced the response ("network", "cache", "offline-page", "fallback",
	// "bypass", "bad-gateway").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_requests_total",
			Help: "Total number of requests handled by the offline router.",
		},
		[]string{"strategy", "source"},
	)

	// FetchDuration observes network fetch latency in seconds, labelled by
	// outcome ("ok", "not_ok", "error").
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline0_fetch_duration_seconds",
			Help:    "Network fetch duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// CacheStoreErrors counts failed cache store operations by op
	// ("match", "put", "open", "drop").
	CacheStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_cache_store_errors_total",
			Help: "Total cache store operation failures.",
		},
		[]string{"op"},
	)

	// PrecachedEntries is the number of entries written by the last install.
	PrecachedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline0_precached_entries",
			Help: "Entries stored by the most recent precache run.",
		},
	)

	// GenerationsPurged counts caches dropped on activation.
	GenerationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_generations_purged_total",
			Help: "Total stale cache generations deleted on activation.",
		},
	)

	// SyncUpdates counts entries replaced by content sync.
	SyncUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_sync_updated_entries_total",
			Help: "Total cache entries refreshed by content sync.",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
