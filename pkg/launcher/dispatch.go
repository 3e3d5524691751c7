package launcher

import (
	"context"
	"log/slog"
	"slices"

	"github.com/shizhuolin/slurm/pkg/auth"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

// KVS is the PMI key-value collaborator answering task put and get requests.
type KVS interface {
	Put(ctx context.Context, set *protocol.KVSCommSet) int32
	Get(ctx context.Context, req *protocol.KVSGetMsg) int32
}

// Replier answers a message on the connection it arrived on.
type Replier interface {
	SendRC(req *protocol.Message, rc int32, rets ...protocol.RetData) error
}

// Dispatcher authenticates inbound messages and applies them to the launch
// state or the key-value collaborator.
type Dispatcher struct {
	state    *State
	kvs      KVS
	verifier auth.Verifier
	replier  Replier
	// allowed holds the sender identities accepted besides root.
	allowed []uint32
	logger  *slog.Logger
	metrics MetricsCollector
}

func (d *Dispatcher) authorized(msg *protocol.Message) bool {
	uid, err := d.verifier.ResolveUID(msg.Auth)
	if err != nil {
		d.logger.Error("security violation: unverifiable credential",
			"type", msg.Type.String(), "error", err)
		return false
	}
	if uid == 0 || slices.Contains(d.allowed, uid) {
		return true
	}
	d.logger.Error("security violation: message from unauthorized user",
		"type", msg.Type.String(), "uid", uid)
	return false
}

// Handle processes one inbound message. Unauthorized messages are dropped
// without a reply.
func (d *Dispatcher) Handle(ctx context.Context, msg *protocol.Message) {
	if !d.authorized(msg) {
		d.metrics.MessageRejected("unauthorized")
		return
	}
	d.metrics.MessageReceived(msg.Type)

	switch data := msg.Data.(type) {
	case *protocol.LaunchTasksResponse:
		d.logger.Debug("launch response", "node", data.NodeName, "rc", data.ReturnCode, "tasks", data.CountOfPIDs())
		d.state.recordStart(data)
		if data.ReturnCode == protocol.RCSuccess {
			d.metrics.TasksStarted(data.CountOfPIDs(), 0)
		} else {
			d.metrics.TasksStarted(0, data.CountOfPIDs())
		}

	case *protocol.TaskExitMsg:
		d.logger.Debug("task exit", "rc", data.ReturnCode, "tasks", data.NumTasks())
		d.state.recordExit(data)
		d.metrics.TasksExited(data.NumTasks())

	case *protocol.NodeFailMsg:
		// Failed nodes are acknowledged and waiters re-check their
		// predicates; the counters of their tasks stay as they are.
		d.logger.Warn("node failure reported", "nodes", data.NodeList)
		d.state.signal()
		d.reply(msg, protocol.RCSuccess)

	case *protocol.KVSCommSet:
		d.reply(msg, d.kvs.Put(ctx, data))

	case *protocol.KVSGetMsg:
		d.reply(msg, d.kvs.Get(ctx, data))

	default:
		d.logger.Warn("received spurious message", "type", msg.Type.String())
		d.metrics.MessageRejected("spurious")
	}
}

func (d *Dispatcher) reply(msg *protocol.Message, rc int32) {
	if err := d.replier.SendRC(msg, rc); err != nil {
		d.logger.Warn("reply failed", "type", msg.Type.String(), "rc", rc, "error", err)
	}
}
