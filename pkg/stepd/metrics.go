package stepd

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus metrics of a node daemon
type Metrics struct {
	launches      *prometheus.CounterVec
	tasksStarted  *prometheus.CounterVec
	tasksExited   *prometheus.CounterVec
	relayDuration prometheus.Histogram
	reportsFailed prometheus.Counter
	exitsSkipped  prometheus.Counter
}

// NewMetrics creates the daemon metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepd",
				Name:      "launch_requests_total",
				Help:      "Total number of launch requests by local return code",
			},
			[]string{"rc"},
		),
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepd",
				Name:      "tasks_started_total",
				Help:      "Total number of local task start attempts",
			},
			[]string{"result"},
		),
		tasksExited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stepd",
				Name:      "tasks_exited_total",
				Help:      "Total number of local task exits",
			},
			[]string{"status"},
		),
		relayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "stepd",
				Name:      "relay_duration_seconds",
				Help:      "Time to relay a launch request to the forwarded subtree",
				Buckets:   prometheus.DefBuckets,
			},
		),
		reportsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stepd",
				Name:      "reports_failed_total",
				Help:      "Total number of reports to the launching host given up after retries",
			},
		),
		exitsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stepd",
				Name:      "exit_reports_skipped_total",
				Help:      "Total number of task exits not reported because their start was never delivered",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.launches, m.tasksStarted, m.tasksExited, m.relayDuration, m.reportsFailed, m.exitsSkipped)
	}
	return m
}

func (m *Metrics) launch(rc int32) {
	m.launches.WithLabelValues(strconv.Itoa(int(rc))).Inc()
}

func (m *Metrics) taskStarted(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tasksStarted.WithLabelValues(result).Inc()
}

func (m *Metrics) taskExited(code int) {
	status := "success"
	if code != 0 {
		status = "failure"
	}
	m.tasksExited.WithLabelValues(status).Inc()
}

func (m *Metrics) relay(d time.Duration) {
	m.relayDuration.Observe(d.Seconds())
}

func (m *Metrics) reportFailed() {
	m.reportsFailed.Inc()
}

func (m *Metrics) exitUnreported() {
	m.exitsSkipped.Inc()
}
