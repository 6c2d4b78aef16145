// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesScrapedTotal     *prometheus.CounterVec
	revisionsAddedTotal   prometheus.Counter
	filesDownloadedTotal  prometheus.Counter
	fetchRetriesTotal     prometheus.Counter
	fetchFailuresTotal    *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	rateLimitDelaySeconds prometheus.Histogram
	activeWorkers         prometheus.Gauge
	runState              *prometheus.GaugeVec
	httpRequestsTotal     *prometheus.CounterVec
	httpDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call this
// function multiple times.
func Init() {
	once.Do(func() {
		pagesScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_scraped_total",
				Help: "Total pages processed, labeled by namespace and task status.",
			},
			[]string{"namespace", "status"},
		)

		revisionsAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_revisions_added_total",
				Help: "Total new revisions persisted.",
			},
		)

		filesDownloadedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_files_downloaded_total",
				Help: "Total media files stored.",
			},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_fetch_retries_total",
				Help: "Total fetch attempts retried after a transient failure.",
			},
		)

		fetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetch_failures_total",
				Help: "Total tasks that ended in failure, labeled by error kind.",
			},
			[]string{"kind"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_fetch_duration_seconds",
				Help:    "Wall time per task including retries, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Histogram of waits on the global rate-limit token bucket.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		runState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_run_state",
				Help: "Set to 1 for the current run state, 0 otherwise.",
			},
			[]string{"state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_http_requests_total",
				Help: "Total HTTP requests served, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_http_request_duration_seconds",
				Help:    "HTTP request latency, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a finished page task.
func ObservePage(namespace, status string) {
	Init()
	pagesScrapedTotal.WithLabelValues(namespace, status).Inc()
}

// IncRevisionsAdded counts one stored revision.
func IncRevisionsAdded() {
	Init()
	revisionsAddedTotal.Inc()
}

// IncFilesDownloaded counts one stored media file.
func IncFilesDownloaded() {
	Init()
	filesDownloadedTotal.Inc()
}

// IncFetchRetry counts one retried attempt.
func IncFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// IncFetchFailure counts one failed task by error kind.
func IncFetchFailure(kind string) {
	Init()
	fetchFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records the total task duration.
func ObserveFetch(d time.Duration, ok bool) {
	Init()
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	fetchDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRateLimitDelay records a wait on the token bucket.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetRunState marks the current orchestrator state.
func SetRunState(state string) {
	Init()
	runState.Reset()
	runState.WithLabelValues(state).Set(1)
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
