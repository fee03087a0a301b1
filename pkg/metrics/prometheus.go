// Package metrics provides Prometheus metrics for the HLM fitting service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the fitting service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Fit lifecycle metrics
	fitsStarted   prometheus.Counter
	fitsCompleted prometheus.Counter
	fitsFailed    *prometheus.CounterVec
	fitsCached    prometheus.Counter
	fitDuration   *prometheus.HistogramVec
	fitsDegenerate prometheus.Counter

	// Sampler metrics
	samplerIterations prometheus.Counter
	samplerAccepts    prometheus.Counter

	// Queue metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Worker metrics
	workerActiveCount prometheus.Gauge
	workerErrors      prometheus.Counter

	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheWrites prometheus.Counter

	// Store metrics
	storeModels prometheus.Gauge

	// Duplicate job suppression
	jobsDuplicate prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "hlm",
		subsystem:        "fits",
		histogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.fitsStarted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "started_total",
		Help:      "Total number of model fits started",
	})

	m.fitsCompleted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "completed_total",
		Help:      "Total number of model fits completed successfully",
	})

	m.fitsFailed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "failed_total",
		Help:      "Total number of model fits that failed, by failure kind",
	}, []string{"kind"})

	m.fitsCached = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_served_total",
		Help:      "Total number of fit requests served from the durable cache",
	})

	m.fitsDegenerate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "degenerate_total",
		Help:      "Total number of fits flagged with a degenerate group-level variance",
	})

	m.fitDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "duration_seconds",
		Help:      "Histogram of wall-clock fit duration in seconds, by strategy",
		Buckets:   m.histogramBuckets,
	}, []string{"strategy"})

	m.samplerIterations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sampler",
		Name:      "iterations_total",
		Help:      "Total posterior sampler sweeps across all chains",
	})

	m.samplerAccepts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sampler",
		Name:      "mh_accepts_total",
		Help:      "Total accepted Metropolis-Hastings proposals for variance parameters",
	})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "size",
		Help:      "Current number of queued fit jobs",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "capacity",
		Help:      "Configured fit-job queue capacity",
	})

	m.queueUtilization = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "utilization",
		Help:      "Queue fill ratio in [0, 1]",
	})

	m.queueEnqueueRate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total fit jobs enqueued",
	})

	m.queueDequeueRate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Total fit jobs dequeued by workers",
	})

	m.queueEnqueueErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "enqueue_errors_total",
		Help:      "Total rejected enqueue attempts (full or closed queue)",
	})

	m.workerActiveCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "active_count",
		Help:      "Number of workers in the fitting pool",
	})

	m.workerErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "errors_total",
		Help:      "Total worker-level processing errors",
	})

	m.cacheHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total durable-cache hits",
	})

	m.cacheMisses = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total durable-cache misses",
	})

	m.cacheWrites = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "writes_total",
		Help:      "Total fit results written to the durable cache",
	})

	m.storeModels = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "store",
		Name:      "models",
		Help:      "Number of fitted models held in the ranking store",
	})

	m.jobsDuplicate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "duplicate_jobs_total",
		Help:      "Total fit jobs suppressed as duplicates of in-flight work",
	})

	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by endpoint, method and status",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: "http",
			Name:      "request_duration_milliseconds",
			Help:      "HTTP request duration in milliseconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)
}

// Package-level recording helpers backed by the global manager.

func RecordFitStarted()   { globalManager.fitsStarted.Inc() }
func RecordFitCompleted() { globalManager.fitsCompleted.Inc() }

// RecordFitFailed increments the failure counter for the given kind,
// e.g. "non_convergence", "invalid_input".
func RecordFitFailed(kind string) { globalManager.fitsFailed.WithLabelValues(kind).Inc() }

func RecordFitCached()     { globalManager.fitsCached.Inc() }
func RecordFitDegenerate() { globalManager.fitsDegenerate.Inc() }

func RecordFitDuration(strategy string, seconds float64) {
	globalManager.fitDuration.WithLabelValues(strategy).Observe(seconds)
}

func RecordSamplerIterations(n int) { globalManager.samplerIterations.Add(float64(n)) }
func RecordSamplerAccept()          { globalManager.samplerAccepts.Inc() }

func UpdateQueueSize(size int)                 { globalManager.queueSize.Set(float64(size)) }
func UpdateQueueCapacity(capacity int)         { globalManager.queueCapacity.Set(float64(capacity)) }
func UpdateQueueUtilization(u float64)         { globalManager.queueUtilization.Set(u) }
func RecordQueueEnqueue()                      { globalManager.queueEnqueueRate.Inc() }
func RecordQueueDequeue()                      { globalManager.queueDequeueRate.Inc() }
func RecordQueueEnqueueError()                 { globalManager.queueEnqueueErrors.Inc() }
func UpdateWorkerActiveCount(count int)        { globalManager.workerActiveCount.Set(float64(count)) }
func RecordWorkerError()                       { globalManager.workerErrors.Inc() }
func RecordCacheHit()                          { globalManager.cacheHits.Inc() }
func RecordCacheMiss()                         { globalManager.cacheMisses.Inc() }
func RecordCacheWrite()                        { globalManager.cacheWrites.Inc() }
func UpdateStoreModels(count int)              { globalManager.storeModels.Set(float64(count)) }
func RecordDuplicateJob()                      { globalManager.jobsDuplicate.Inc() }

func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// GetRegistry returns the custom registry serving /metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
