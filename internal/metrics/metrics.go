// Package metrics exposes the Prometheus collectors shared by the backend and
// the client engine. Both binaries register into the same private Registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "productshot"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	generationsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "generations_accepted_total",
			Help:      "Generation submissions accepted, split by first acceptance vs idempotent replay.",
		},
		[]string{"replay"},
	)

	generationsSettled = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "generation_duration_seconds",
			Help:      "Time from processing start to a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	favoriteConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "favorite_conflicts_total",
			Help:      "Duplicate favorite creations rejected by the uniqueness constraint.",
		},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sync_runs_total",
			Help:      "Cache reconciliation passes.",
		},
		[]string{"mode", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sync_duration_seconds",
			Help:      "Duration of cache reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"mode"},
	)

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "task_outcomes_total",
			Help:      "Generation tasks reaching a final client-side state.",
		},
		[]string{"state"},
	)

	pollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "poll_attempts_total",
			Help:      "Generation status polls issued.",
		},
		[]string{"outcome"},
	)

	storageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "local_store_errors_total",
			Help:      "Durable local store failures; the engine degrades to cache-less mode.",
		},
		[]string{"op"},
	)

	quotaRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "quota_refreshes_total",
			Help:      "Quota snapshot refreshes.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		generationsAccepted,
		generationsSettled,
		favoriteConflicts,
		syncRuns,
		syncDuration,
		taskOutcomes,
		pollAttempts,
		storageErrors,
		quotaRefreshes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latency per matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if route == "/metrics" {
			return
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// RecordGenerationAccepted counts a generation submission; replay marks an
// idempotent resubmission of a known task id.
func RecordGenerationAccepted(replay bool) {
	generationsAccepted.WithLabelValues(strconv.FormatBool(replay)).Inc()
}

// RecordGenerationSettled observes how long a generation took to settle.
func RecordGenerationSettled(status string, duration time.Duration) {
	generationsSettled.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordFavoriteConflict() {
	favoriteConflicts.Inc()
}

// RecordSync records one reconciliation pass. mode is "full" or
// "incremental"; outcome is "ok" or "error".
func RecordSync(mode, outcome string, duration time.Duration) {
	syncRuns.WithLabelValues(mode, outcome).Inc()
	syncDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordTaskOutcome(state string) {
	taskOutcomes.WithLabelValues(state).Inc()
}

func RecordPollAttempt(outcome string) {
	pollAttempts.WithLabelValues(outcome).Inc()
}

func RecordStorageError(op string) {
	storageErrors.WithLabelValues(op).Inc()
}

func RecordQuotaRefresh(outcome string) {
	quotaRefreshes.WithLabelValues(outcome).Inc()
}
