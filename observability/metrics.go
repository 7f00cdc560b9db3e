package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FlowMetrics records transaction-flow operation activity segmented by flow
// and operation name.
type FlowMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// GatewayMetrics tracks HTTP gateway activity.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sessions prometheus.Gauge
}

var (
	flowMetricsOnce sync.Once
	flowRegistry    *FlowMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Flows returns the lazily-initialised flow metrics registry.
func Flows() *FlowMetrics {
	flowMetricsOnce.Do(func() {
		flowRegistry = &FlowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namemarket",
				Subsystem: "flow",
				Name:      "operations_total",
				Help:      "Total flow operations segmented by flow, operation, and outcome.",
			}, []string{"flow", "operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namemarket",
				Subsystem: "flow",
				Name:      "errors_total",
				Help:      "Total flow operation failures segmented by flow and operation.",
			}, []string{"flow", "operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "namemarket",
				Subsystem: "flow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for flow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"flow", "operation"}),
		}
		prometheus.MustRegister(flowRegistry.requests, flowRegistry.errors, flowRegistry.latency)
	})
	return flowRegistry
}

// Observe records a single flow operation outcome.
func (m *FlowMetrics) Observe(flow, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(flow, operation).Inc()
	}
	m.requests.WithLabelValues(flow, operation, outcome).Inc()
	m.latency.WithLabelValues(flow, operation).Observe(duration.Seconds())
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "namemarket",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "namemarket",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "namemarket",
				Subsystem: "gateway",
				Name:      "active_sessions",
				Help:      "Number of live flow sessions.",
			}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.latency, gatewayRegistry.sessions)
	})
	return gatewayRegistry
}

// ObserveRequest records a completed gateway request.
func (m *GatewayMetrics) ObserveRequest(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, status).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// SetActiveSessions updates the live session gauge.
func (m *GatewayMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
