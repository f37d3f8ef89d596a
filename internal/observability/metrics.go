// Package observability exposes gateway runtime metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsManager owns the process metrics registry.
type MetricsManager struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	UpstreamsAttached prometheus.Gauge
	PooledConnectors  prometheus.Gauge

	ToolCalls        *prometheus.CounterVec
	ListRequests     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	UpstreamFailures *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	AuthFailures     prometheus.Counter
}

// NewMetricsManager builds the registry with process and Go collectors.
func NewMetricsManager(namespace string) *MetricsManager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &MetricsManager{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active gateway sessions.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions created, by termination reason once closed.",
		}, []string{"reason"}),
		UpstreamsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstreams_attached",
			Help:      "Upstream connectors currently attached across sessions.",
		}),
		PooledConnectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pooled_connectors",
			Help:      "Stateless connectors held in the shared pool.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls routed to upstreams.",
		}, []string{"namespace", "status"}),
		ListRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_requests_total",
			Help:      "Aggregate list requests served.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of downstream MCP operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream calls that failed.",
		}, []string{"namespace"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_forwarded_total",
			Help:      "Debounced list_changed notifications forwarded downstream.",
		}, []string{"kind"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected bundle token presentations.",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.UpstreamsAttached,
		m.PooledConnectors,
		m.ToolCalls,
		m.ListRequests,
		m.RequestDuration,
		m.UpstreamFailures,
		m.Notifications,
		m.AuthFailures,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}
