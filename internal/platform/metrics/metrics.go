// Package metrics exposes the engine's Prometheus instrumentation. All
// vectors register on a dedicated registry so tests and embedders never
// collide with the default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution metrics
	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionsFailed    *prometheus.CounterVec
	ExecutionsSuspended *prometheus.CounterVec
	ExecutionsResumed   *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec

	// Node execution metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec
	NodeRetriesTotal      *prometheus.CounterVec

	// Runner metrics
	QueueDepth      prometheus.Gauge
	WebhookHits     *prometheus.CounterVec
	ActiveWaitArms  prometheus.Gauge
}

// New creates and registers all collectors under the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ExecutionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Workflow executions started",
			},
			[]string{"trigger_type"},
		),
		ExecutionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Workflow executions finished successfully",
			},
			[]string{"workflow_id"},
		),
		ExecutionsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_failed_total",
				Help:      "Workflow executions finished with a node failure",
			},
			[]string{"workflow_id"},
		),
		ExecutionsSuspended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_suspended_total",
				Help:      "Workflow executions paused on a suspension",
			},
			[]string{"suspension_type"},
		),
		ExecutionsResumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_resumed_total",
				Help:      "Suspended workflow executions resumed",
			},
			[]string{"suspension_type"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from execution start to completion",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"workflow_id", "status"},
		),

		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Node attempts by action type and outcome",
			},
			[]string{"action_type", "status"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_seconds",
				Help:      "Single node attempt duration",
				Buckets:   []float64{.001, .005, .025, .1, .5, 1, 5, 30, 120},
			},
			[]string{"action_type"},
		),
		NodeRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_retries_total",
				Help:      "Node failures converted into retry suspensions",
			},
			[]string{"action_type"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting in the execution queue",
			},
		),
		WebhookHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_hits_total",
				Help:      "Webhook endpoint hits by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		ActiveWaitArms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_wait_arms",
				Help:      "Timers and cron entries currently armed for suspended executions",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsStarted,
		m.ExecutionsCompleted,
		m.ExecutionsFailed,
		m.ExecutionsSuspended,
		m.ExecutionsResumed,
		m.ExecutionDuration,
		m.NodeExecutionsTotal,
		m.NodeExecutionDuration,
		m.NodeRetriesTotal,
		m.QueueDepth,
		m.WebhookHits,
		m.ActiveWaitArms,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and latencies around next.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
