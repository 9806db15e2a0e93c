// ABOUTME: Prometheus collectors for the query gateway on a private registry
// ABOUTME: Implements the registry load and tool call observer hooks

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "query_gateway"

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     prometheus.Histogram
	RegistryReloads   *prometheus.CounterVec
	RegistryTools     prometheus.Gauge
	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	ServerStartTime   prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections.",
		}),

		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of queries by terminal status.",
		}, []string{"status"}),

		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query duration from admission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		RegistryReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Total number of tool registry loads by result.",
		}, []string{"result"}),

		RegistryTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_tools",
			Help:      "Number of tools in the current registry snapshot.",
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by tool and result.",
		}, []string{"tool", "result"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_start_time_seconds",
			Help:      "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.QueriesTotal,
		m.QueryDuration,
		m.RegistryReloads,
		m.RegistryTools,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// ObserveQuery records a query that reached a terminal state.
func (m *Metrics) ObserveQuery(status string, elapsed time.Duration) {
	m.QueriesTotal.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(elapsed.Seconds())
}

// ObserveRegistryLoad records one registry load attempt.
func (m *Metrics) ObserveRegistryLoad(ok bool, tools int) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.RegistryReloads.WithLabelValues(result).Inc()
	m.RegistryTools.Set(float64(tools))
}

// ObserveToolCall records one dispatched tool call.
func (m *Metrics) ObserveToolCall(tool, result string, elapsed time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, result).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}
