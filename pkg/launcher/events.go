package launcher

import "context"

// Lifecycle event types reported by a Session.
const (
	EventLaunching    = "launching"
	EventLaunched     = "launched"
	EventLaunchFailed = "launch_failed"
	EventAllStarted   = "all_started"
	EventFinished     = "finished"
)

// EventPublisher receives step lifecycle events. Metadata carries job_id,
// step_id, session and event specific details such as node counts or task
// counters.
type EventPublisher interface {
	// ReportLifecycleEvent publishes one event. Delivery failures are logged
	// by the session and never fail a launch.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher is a no-op implementation for standalone mode
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing in standalone mode
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}
