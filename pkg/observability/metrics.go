package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleOperationsTotal  *prometheus.CounterVec
	LifecycleOperationSeconds *prometheus.HistogramVec
	DeploymentsTotal          *prometheus.CounterVec

	// Search indexing metrics
	IndexDispatchTotal *prometheus.CounterVec
	IndexFailuresTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Business metrics
	ApisTotal        prometheus.Gauge
	ApisStartedTotal prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"operation", "backend"},
		),
		LifecycleOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_lifecycle_operations_total",
				Help: "Total number of API lifecycle operations",
			},
			[]string{"operation", "status"},
		),
		LifecycleOperationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_lifecycle_operation_duration_seconds",
				Help:    "API lifecycle operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DeploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_deployments_total",
				Help: "Total number of deployment events by type",
			},
			[]string{"event_type"},
		),
		IndexDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_index_dispatch_total",
				Help: "Total number of search index dispatches",
			},
			[]string{"action", "mode"},
		),
		IndexFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_index_failures_total",
				Help: "Total number of swallowed search index failures",
			},
			[]string{"action"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"layer"},
		),
		ApisTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_apis_total",
				Help: "Number of API records",
			},
		),
		ApisStartedTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_apis_started_total",
				Help: "Number of APIs in STARTED state",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.StorageErrorsTotal,
		m.LifecycleOperationsTotal,
		m.LifecycleOperationSeconds,
		m.DeploymentsTotal,
		m.IndexDispatchTotal,
		m.IndexFailuresTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ApisTotal,
		m.ApisStartedTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLifecycle records one lifecycle operation outcome.
func (m *Metrics) ObserveLifecycle(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LifecycleOperationsTotal.WithLabelValues(operation, status).Inc()
	m.LifecycleOperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one handled request.
func (m *Metrics) ObserveHTTP(method, path string, status int, start time.Time) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}
