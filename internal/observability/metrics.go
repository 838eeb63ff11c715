package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for repoprobe.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Clone cache metrics.
	CacheOpsTotal   *prometheus.CounterVec
	CacheOpDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxSessionsTotal   *prometheus.CounterVec
	SandboxSessionDuration prometheus.Histogram

	// Job metrics.
	JobsTotal  *prometheus.CounterVec
	JobsActive prometheus.Gauge

	// Validation metrics.
	ValidationRejectionsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CacheOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoprobe",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total clone cache operations.",
		}, []string{"operation", "status"}),

		CacheOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repoprobe",
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Clone cache operation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"operation"}),

		SandboxSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoprobe",
			Subsystem: "sandbox",
			Name:      "sessions_total",
			Help:      "Total sandbox bisect sessions.",
		}, []string{"status"}),

		SandboxSessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repoprobe",
			Subsystem: "sandbox",
			Name:      "session_duration_seconds",
			Help:      "Sandbox bisect session duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoprobe",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total bisection jobs by terminal status.",
		}, []string{"status"}),

		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoprobe",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of jobs currently cloning or bisecting.",
		}),

		ValidationRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoprobe",
			Subsystem: "validation",
			Name:      "rejections_total",
			Help:      "Total inputs rejected by validation.",
		}, []string{"check"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repoprobe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repoprobe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "repoprobe",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.CacheOpsTotal,
		m.CacheOpDuration,
		m.SandboxSessionsTotal,
		m.SandboxSessionDuration,
		m.JobsTotal,
		m.JobsActive,
		m.ValidationRejectionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
