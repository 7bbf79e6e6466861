package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_ratelimit_rejections_total",
			Help: "Requests rejected by the per-user sliding window.",
		},
	)

	fetchCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_fetch_cache_lookups_total",
			Help: "Content cache lookups by result.",
		},
		[]string{"result"},
	)

	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_fetch_failures_total",
			Help: "Content fetch failures by source.",
		},
		[]string{"source"},
	)

	streamFragments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_stream_fragments_total",
			Help: "Text fragments forwarded to callers.",
		},
		[]string{"agent"},
	)

	streamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_stream_outcomes_total",
			Help: "Finished streams by agent and outcome.",
		},
		[]string{"agent", "outcome"},
	)

	streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agenthub_stream_duration_seconds",
			Help:    "Time from stream open to completion.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	realtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_realtime_reconnects_total",
			Help: "Scheduled reconnect attempts per connection.",
		},
		[]string{"connection"},
	)

	realtimeOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_realtime_connections_open",
			Help: "Realtime connections currently open.",
		},
	)

	archiveJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_archive_jobs_total",
			Help: "Archive jobs by terminal status.",
		},
		[]string{"status"},
	)
)

// RateLimited counts one limiter rejection.
func RateLimited() { rateLimitRejections.Inc() }

// CacheLookup records a content cache hit or miss.
func CacheLookup(hit bool) {
	if hit {
		fetchCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	fetchCacheLookups.WithLabelValues("miss").Inc()
}

// FetchFailed records a failed fetch attempt from primary or fallback.
func FetchFailed(source string) { fetchFailures.WithLabelValues(source).Inc() }

// StreamFragment counts one forwarded fragment.
func StreamFragment(agent string) { streamFragments.WithLabelValues(agent).Inc() }

// StreamFinished records how a stream ended and how long it ran.
func StreamFinished(agent, outcome string, seconds float64) {
	streamOutcomes.WithLabelValues(agent, outcome).Inc()
	streamDuration.WithLabelValues(agent).Observe(seconds)
}

// RealtimeReconnect counts a scheduled reconnect attempt.
func RealtimeReconnect(connection string) { realtimeReconnects.WithLabelValues(connection).Inc() }

// RealtimeOpened and RealtimeClosed track the number of open connections.
func RealtimeOpened() { realtimeOpen.Inc() }

func RealtimeClosed() { realtimeOpen.Dec() }

// ArchiveJob records the terminal status of an archive job.
func ArchiveJob(status string) { archiveJobs.WithLabelValues(status).Inc() }
