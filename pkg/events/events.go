// Package events publishes step lifecycle and task events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shizhuolin/slurm/pkg/launcher"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

const (
	EventTaskStart = "task_start"
	EventTaskExit  = "task_exit"

	// DefaultSubjectPrefix is prepended to every event subject.
	DefaultSubjectPrefix = "steplaunch.events"
)

// Bus carries encoded events. *nats.Conn from pkg/drivers/nats satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON document published for every event.
type Event struct {
	Type     string            `json:"type"`
	Message  string            `json:"message,omitempty"`
	Time     time.Time         `json:"time"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Publisher reports events on "<prefix>.<event type>" subjects.
type Publisher struct {
	bus    Bus
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ launcher.EventPublisher = (*Publisher)(nil)

// NewPublisher returns a publisher writing to bus. An empty prefix selects
// DefaultSubjectPrefix.
func NewPublisher(bus Bus, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "events"),
		now:    time.Now,
	}
}

// Subject is the subject events of eventType are published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// ReportLifecycleEvent implements launcher.EventPublisher.
func (p *Publisher) ReportLifecycleEvent(_ context.Context, eventType, message string, metadata map[string]string) error {
	data, err := json.Marshal(Event{
		Type:     eventType,
		Message:  message,
		Time:     p.now().UTC(),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return p.bus.Publish(p.Subject(eventType), data)
}

// Hooks turn task start and exit reports of one step into events.
type Hooks struct {
	pub    *Publisher
	jobID  uint32
	stepID uint32
}

// NewHooks returns hooks tagging events with the job and step id.
func NewHooks(pub *Publisher, jobID, stepID uint32) *Hooks {
	return &Hooks{pub: pub, jobID: jobID, stepID: stepID}
}

func (h *Hooks) metadata() map[string]string {
	return map[string]string{
		"job_id":  strconv.FormatUint(uint64(h.jobID), 10),
		"step_id": strconv.FormatUint(uint64(h.stepID), 10),
	}
}

// TaskStart publishes one event per launch response.
func (h *Hooks) TaskStart(resp *protocol.LaunchTasksResponse) {
	md := h.metadata()
	md["node"] = resp.NodeName
	md["rc"] = strconv.Itoa(int(resp.ReturnCode))
	md["tasks"] = joinIDs(resp.TaskIDs)
	if err := h.pub.ReportLifecycleEvent(context.Background(), EventTaskStart, "tasks launched", md); err != nil {
		h.pub.logger.Warn("task start event not published", "node", resp.NodeName, "error", err)
	}
}

// TaskFinish publishes one event per task exit message.
func (h *Hooks) TaskFinish(msg *protocol.TaskExitMsg) {
	md := h.metadata()
	md["rc"] = strconv.Itoa(int(msg.ReturnCode))
	md["tasks"] = joinIDs(msg.TaskIDs)
	if err := h.pub.ReportLifecycleEvent(context.Background(), EventTaskExit, "tasks exited", md); err != nil {
		h.pub.logger.Warn("task exit event not published", "error", err)
	}
}

// Wrap chains the hooks after existing callbacks, either of which may be nil.
func (h *Hooks) Wrap(start launcher.TaskStartFunc, finish launcher.TaskFinishFunc) (launcher.TaskStartFunc, launcher.TaskFinishFunc) {
	return func(resp *protocol.LaunchTasksResponse) {
			if start != nil {
				start(resp)
			}
			h.TaskStart(resp)
		}, func(msg *protocol.TaskExitMsg) {
			if finish != nil {
				finish(msg)
			}
			h.TaskFinish(msg)
		}
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
