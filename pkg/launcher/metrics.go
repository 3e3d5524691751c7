package launcher

import (
	"time"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// MetricsCollector defines the interface for collecting step launch metrics
type MetricsCollector interface {
	// MessageReceived records an inbound message by type
	MessageReceived(t protocol.MsgType)

	// MessageRejected records a dropped inbound message
	// (reason: unauthorized, spurious, receive_error)
	MessageRejected(reason string)

	// TasksStarted records launch responses
	TasksStarted(success, failure int)

	// TasksExited records task exit reports
	TasksExited(n int)

	// FanoutCompleted records one launch fan-out
	FanoutCompleted(nodes, failedNodes int, duration time.Duration, err error)

	// ListenerConnection records an accepted inbound connection
	ListenerConnection()
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) MessageReceived(t protocol.MsgType) {}
func (n *noopMetricsCollector) MessageRejected(reason string)      {}
func (n *noopMetricsCollector) TasksStarted(success, failure int)  {}
func (n *noopMetricsCollector) TasksExited(count int)              {}
func (n *noopMetricsCollector) FanoutCompleted(nodes, failedNodes int, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) ListenerConnection() {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
