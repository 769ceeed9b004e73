package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Run metrics
	ScanRunsTotal   *prometheus.CounterVec
	ScanRunDuration *prometheus.HistogramVec
	JobExecutions   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobProgress     *prometheus.GaugeVec
	FindingsTotal   *prometheus.CounterVec

	// Suppression metrics
	SuppressionsExpiring prometheus.Gauge
	SuppressionsUnused   prometheus.Gauge

	// Storage metrics
	SnapshotOperationDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace      string `json:"namespace"`
	Subsystem      string `json:"subsystem"`
	Enabled        bool   `json:"enabled"`
	RuntimeMetrics bool   `json:"runtime_metrics"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "ash",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them on a private registry.
// A disabled config yields a Metrics whose recording methods are no-ops.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{registry: prometheus.NewRegistry()}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		ScanRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "scan_runs_total",
				Help:      "Total number of orchestrated scan runs",
			},
			[]string{"status"},
		),
		ScanRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "scan_run_duration_seconds",
				Help:      "Scan run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		JobExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "scanner_jobs_total",
				Help:      "Total number of scanner jobs by terminal state",
			},
			[]string{"scanner", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "scanner_job_duration_seconds",
				Help:      "Scanner job duration in seconds",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"scanner", "status"},
		),
		JobProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "scanner_jobs",
				Help:      "Jobs in the current run by counter (total, completed, failed)",
			},
			[]string{"counter"},
		),
		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "findings_total",
				Help:      "Total number of aggregated findings",
			},
			[]string{"severity", "scanner", "suppressed"},
		),

		SuppressionsExpiring: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "suppressions_expiring",
				Help:      "Suppression rules expiring within the warning window",
			},
		),
		SuppressionsUnused: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "suppressions_unused",
				Help:      "Suppression rules that matched no finding in the last run",
			},
		),

		SnapshotOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "snapshot_operation_duration_seconds",
				Help:      "Snapshot store operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ScanRunsTotal,
		m.ScanRunDuration,
		m.JobExecutions,
		m.JobDuration,
		m.JobProgress,
		m.FindingsTotal,
		m.SuppressionsExpiring,
		m.SuppressionsUnused,
		m.SnapshotOperationDuration,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	if config.RuntimeMetrics {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordScanRun records a finished orchestrated run
func (m *Metrics) RecordScanRun(status string, duration time.Duration) {
	if m == nil || m.ScanRunsTotal == nil {
		return
	}

	m.ScanRunsTotal.WithLabelValues(status).Inc()
	m.ScanRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJob records a scanner job reaching a terminal state
func (m *Metrics) RecordJob(scanner, status string, duration time.Duration) {
	if m == nil || m.JobExecutions == nil {
		return
	}

	m.JobExecutions.WithLabelValues(scanner, status).Inc()
	m.JobDuration.WithLabelValues(scanner, status).Observe(duration.Seconds())
}

// UpdateProgress publishes the engine's progress counters
func (m *Metrics) UpdateProgress(total, completed, failed int) {
	if m == nil || m.JobProgress == nil {
		return
	}

	m.JobProgress.WithLabelValues("total").Set(float64(total))
	m.JobProgress.WithLabelValues("completed").Set(float64(completed))
	m.JobProgress.WithLabelValues("failed").Set(float64(failed))
}

// RecordFinding records one aggregated finding
func (m *Metrics) RecordFinding(severity, scanner string, suppressed bool) {
	if m == nil || m.FindingsTotal == nil {
		return
	}

	m.FindingsTotal.WithLabelValues(severity, scanner, strconv.FormatBool(suppressed)).Inc()
}

// UpdateSuppressions publishes suppression housekeeping counts
func (m *Metrics) UpdateSuppressions(expiring, unused int) {
	if m == nil || m.SuppressionsExpiring == nil {
		return
	}

	m.SuppressionsExpiring.Set(float64(expiring))
	m.SuppressionsUnused.Set(float64(unused))
}

// RecordSnapshotOperation records a snapshot store call
func (m *Metrics) RecordSnapshotOperation(operation, backend string, duration time.Duration) {
	if m == nil || m.SnapshotOperationDuration == nil {
		return
	}

	m.SnapshotOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m == nil || m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
