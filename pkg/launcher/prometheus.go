package launcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	// Message metrics
	messages    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	connections prometheus.Counter

	// Task metrics
	tasksStarted *prometheus.CounterVec
	tasksExited  prometheus.Counter

	// Fan-out metrics
	fanoutDuration *prometheus.HistogramVec
	fanoutNodes    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "steplaunch"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by type",
		},
		[]string{"type"},
	)

	pmc.rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of inbound messages dropped",
		},
		[]string{"reason"},
	)

	pmc.connections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_connections_total",
			Help:      "Total number of accepted inbound connections",
		},
	)

	pmc.tasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of task start results",
		},
		[]string{"result"},
	)

	pmc.tasksExited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_exited_total",
			Help:      "Total number of task exits",
		},
	)

	pmc.fanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Duration of launch request fan-outs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	pmc.fanoutNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_nodes_total",
			Help:      "Total number of nodes addressed by fan-outs",
		},
		[]string{"result"},
	)

	pmc.registry.MustRegister(
		pmc.messages,
		pmc.rejected,
		pmc.connections,
		pmc.tasksStarted,
		pmc.tasksExited,
		pmc.fanoutDuration,
		pmc.fanoutNodes,
	)

	return pmc
}

// MessageReceived records an inbound message by type
func (pmc *PrometheusMetricsCollector) MessageReceived(t protocol.MsgType) {
	pmc.messages.WithLabelValues(t.String()).Inc()
}

// MessageRejected records a dropped inbound message
func (pmc *PrometheusMetricsCollector) MessageRejected(reason string) {
	pmc.rejected.WithLabelValues(reason).Inc()
}

// TasksStarted records launch responses
func (pmc *PrometheusMetricsCollector) TasksStarted(success, failure int) {
	pmc.tasksStarted.WithLabelValues("success").Add(float64(success))
	pmc.tasksStarted.WithLabelValues("failure").Add(float64(failure))
}

// TasksExited records task exit reports
func (pmc *PrometheusMetricsCollector) TasksExited(n int) {
	pmc.tasksExited.Add(float64(n))
}

// FanoutCompleted records one launch fan-out
func (pmc *PrometheusMetricsCollector) FanoutCompleted(nodes, failedNodes int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.fanoutDuration.WithLabelValues(status).Observe(duration.Seconds())
	pmc.fanoutNodes.WithLabelValues("ok").Add(float64(nodes - failedNodes))
	pmc.fanoutNodes.WithLabelValues("failed").Add(float64(failedNodes))
}

// ListenerConnection records an accepted inbound connection
func (pmc *PrometheusMetricsCollector) ListenerConnection() {
	pmc.connections.Inc()
}

// Registry returns the Prometheus registry for exposing metrics
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Ensure PrometheusMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
