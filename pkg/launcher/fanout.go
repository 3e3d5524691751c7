package launcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shizhuolin/slurm/pkg/forward"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

// buildRequest assembles the launch request. Every node answers on the
// session listener; I/O ports are spread round-robin over the client I/O
// listeners.
func (s *Session) buildRequest(ioPorts []uint16) *protocol.LaunchTasksRequest {
	step, p := s.step, s.params
	n := step.NumNodes()

	req := &protocol.LaunchTasksRequest{
		JobID:          step.JobID,
		StepID:         step.StepID,
		UID:            step.UserID,
		GID:            p.GID,
		NumNodes:       uint32(n),
		NumTasks:       uint32(step.NumTasks()),
		Argv:           p.Argv,
		Env:            p.Env,
		Cwd:            p.Cwd,
		Cred:           step.Credential,
		NodeList:       step.NodeList,
		TasksToLaunch:  step.Layout.Tasks,
		CPUsAllocated:  step.Layout.CPUs,
		GlobalTaskIDs:  step.Layout.TIDs,
		RespPorts:      make([]uint16, n),
		IOPorts:        make([]uint16, n),
		SlurmdDebug:    p.SlurmdDebug,
		MultiProg:      p.MultiProg,
		BufferedStdio:  p.BufferedStdio,
		OutputFilename: p.RemoteOutputFilename,
		ErrorFilename:  p.RemoteErrorFilename,
		InputFilename:  p.RemoteInputFilename,
	}
	if p.ParallelDebug {
		req.TaskFlags |= protocol.TaskParallelDebug
	}
	for i := 0; i < n; i++ {
		req.RespPorts[i] = s.listener.Port()
		req.IOPorts[i] = ioPorts[i%len(ioPorts)]
	}
	return req
}

// launchTasks sends req to the root of the forwarding tree and returns the
// per-node return codes. The request is packed once for the whole tree.
func (s *Session) launchTasks(ctx context.Context, req *protocol.LaunchTasksRequest) ([]protocol.RetData, error) {
	nodes := s.step.Nodes()
	ctx, span := s.cfg.tracer.Start(ctx, "launcher.fanout",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("job_id", int64(req.JobID)),
			attribute.Int64("step_id", int64(req.StepID)),
			attribute.Int("nodes", len(nodes)),
			attribute.Int("tasks", int(req.NumTasks)),
		))
	defer span.End()

	start := time.Now()
	rets, err := s.sendLaunch(ctx, nodes, req)
	failedNodes := len(nodes)
	if err == nil {
		failedNodes = 0
		for _, r := range rets {
			if r.ReturnCode != protocol.RCSuccess {
				failedNodes++
				s.logger.Warn("node rejected launch request", "node", r.NodeName, "rc", r.ReturnCode)
			}
		}
	}
	s.cfg.metrics.FanoutCompleted(len(nodes), failedNodes, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("failed_nodes", failedNodes))
	return rets, nil
}

func (s *Session) sendLaunch(ctx context.Context, nodes []protocol.Node, req *protocol.LaunchTasksRequest) ([]protocol.RetData, error) {
	plan, err := forward.NewPlan(nodes, s.cfg.treeWidth, s.cfg.timeout)
	if err != nil {
		return nil, err
	}
	msg := &protocol.Message{
		Type:    protocol.RequestLaunchTasks,
		Data:    req,
		Forward: plan.Forward,
	}
	if err := msg.Pack(); err != nil {
		return nil, err
	}
	s.logger.Debug("sending launch request", "root", plan.Root.Name, "forwarded", len(plan.Forward.Nodes), "depth", plan.Depth())
	return s.transport.SendRecvRC(ctx, plan.Root, msg, plan.ReplyTimeout())
}
