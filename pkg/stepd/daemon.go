// Package stepd is a node daemon for the step launch protocol.
//
// A Daemon accepts launch requests, relays them to the part of the
// forwarding tree it is responsible for, answers with its own return code
// plus those of its subtree, and then runs its share of the step's tasks.
// Task start results and exits are reported to the launching host, and task
// output is streamed to the host's client I/O ports.
package stepd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/shizhuolin/slurm/pkg/forward"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

// ErrClosed is returned by Serve after Shutdown.
var ErrClosed = errors.New("stepd: daemon closed")

// Daemon serves launch requests for one node.
type Daemon struct {
	name       string
	auth       Authenticator
	listenAddr string
	timeout    time.Duration
	serviceUID *uint32
	retry      RetryPolicy
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	transport *protocol.Transport
	ln        net.Listener
	health    *health.Server
	grpc      *grpc.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	stepsRun int
}

// New creates the daemon of node name.
func New(name string, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		name:       name,
		listenAddr: ":0",
		timeout:    protocol.DefaultTimeout,
		retry:      DefaultRetryPolicy,
		logger:     slog.Default(),
		tracer:     defaultTracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if name == "" {
		return nil, errors.New("stepd: node name is required")
	}
	if d.auth == nil {
		return nil, errors.New("stepd: an authenticator is required")
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	d.logger = d.logger.With("component", "stepd", "node", name)
	d.transport = protocol.NewTransport(d.auth, d.timeout)
	d.health = health.NewServer()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Name is the node name.
func (d *Daemon) Name() string { return d.name }

// Listen binds the daemon's message port.
func (d *Daemon) Listen() error {
	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return fmt.Errorf("stepd: listen %s: %w", d.listenAddr, err)
	}
	d.ln = ln
	d.health.SetServingStatus(HealthService, healthServing)
	d.logger.Info("node daemon listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound message address.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// StepsRun is the number of steps whose tasks this daemon started.
func (d *Daemon) StepsRun() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepsRun
}

// Serve accepts connections until Shutdown. Each connection is served on
// its own goroutine since relaying blocks on the subtree.
func (d *Daemon) Serve() error {
	if d.ln == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if d.isClosed() {
				return ErrClosed
			}
			if protocol.IsTimeout(err) {
				continue
			}
			return err
		}
		if !d.track() {
			conn.Close()
			return ErrClosed
		}
		go func() {
			defer d.wg.Done()
			d.serve(conn)
		}()
	}
}

func (d *Daemon) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// track registers a goroutine with the daemon unless it is shutting down.
func (d *Daemon) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Shutdown stops accepting requests, kills running tasks and waits for all
// daemon goroutines or ctx.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	gs := d.grpc
	d.mu.Unlock()
	if !already {
		d.health.Shutdown()
		if gs != nil {
			gs.Stop()
		}
		if d.ln != nil {
			d.ln.Close()
		}
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) serve(conn net.Conn) {
	defer conn.Close()

	msg, err := d.transport.Receive(conn, d.timeout)
	if err != nil {
		d.logger.Warn("receive failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	switch msg.Data.(type) {
	case *protocol.LaunchTasksRequest:
		d.launch(msg)
	default:
		d.logger.Warn("unexpected message", "type", msg.Type.String())
		if err := d.transport.SendRC(msg, protocol.RCInvalidRequest); err != nil {
			d.logger.Debug("reply failed", "error", err)
		}
	}
}

// launch relays msg to the subtree, replies, and starts the local tasks if
// the request is valid for this node.
func (d *Daemon) launch(msg *protocol.Message) {
	req := msg.Data.(*protocol.LaunchTasksRequest)
	origin := msg.OrigAddr
	if origin == "" {
		origin = remoteHost(msg.Conn)
	}
	ctx, span := d.tracer.Start(d.ctx, "stepd.launch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("job_id", int64(req.JobID)),
			attribute.Int64("step_id", int64(req.StepID)),
			attribute.Int("forwarded", len(msg.Forward.Nodes)),
		))
	defer span.End()

	logger := d.logger.With("job_id", req.JobID, "step_id", req.StepID)

	// The sender is verified before relaying since relayed copies are
	// signed with this daemon's own credential.
	authorized := d.authorize(msg, req, logger)

	var rets []protocol.RetData
	switch {
	case msg.Forward.Empty():
	case !authorized:
		for _, n := range msg.Forward.Nodes {
			rets = append(rets, protocol.RetData{NodeName: n.Name, Type: protocol.ResponseSlurmRC, ReturnCode: protocol.RCForwardFailed})
		}
	default:
		start := time.Now()
		rets = forward.Relay(ctx, msg.Forward, protocol.RCForwardFailed,
			func(ctx context.Context, head protocol.Node, fwd protocol.Forward) ([]protocol.RetData, error) {
				relayed := &protocol.Message{Type: msg.Type, Body: msg.Body, Forward: fwd, OrigAddr: origin}
				return d.transport.SendRecvRC(ctx, head, relayed, forward.ReplyTimeout(fwd))
			})
		d.metrics.relay(time.Since(start))
		for _, r := range rets {
			if r.ReturnCode != protocol.RCSuccess {
				logger.Warn("relay target failed", "target", r.NodeName, "rc", r.ReturnCode)
			}
		}
	}

	idx := req.NodeIndex(d.name)
	rc := protocol.RCAuthFailure
	if authorized {
		rc = d.check(req, idx, logger)
	}
	span.SetAttributes(attribute.Int("rc", int(rc)))
	d.metrics.launch(rc)

	if err := d.transport.SendRC(msg, rc, rets...); err != nil {
		logger.Warn("launch reply failed", "error", err)
	}

	switch {
	case rc == protocol.RCSuccess:
		d.startStep(req, idx, origin, logger)
	case rc == protocol.RCInvalidRequest && idx >= 0 && idx < len(req.RespPorts) && req.RespPorts[idx] != 0:
		// a verified but unusable request still accounts for its tasks
		d.reportLaunchFailure(req, idx, origin, rc, logger)
	}
}

// authorize verifies the message sender and the step credential. Senders
// other than root and the service account may only launch their own steps.
func (d *Daemon) authorize(msg *protocol.Message, req *protocol.LaunchTasksRequest, logger *slog.Logger) bool {
	uid, err := d.auth.ResolveUID(msg.Auth)
	if err != nil {
		logger.Error("security violation: unverifiable launch request", "error", err)
		return false
	}
	if uid != 0 && uid != req.UID && (d.serviceUID == nil || uid != *d.serviceUID) {
		logger.Error("security violation: launch request from unauthorized user", "uid", uid, "step_uid", req.UID)
		return false
	}
	if req.Cred == nil {
		logger.Error("launch request without step credential")
		return false
	}
	if err := d.auth.VerifyStep(req.Cred, d.name); err != nil {
		logger.Error("step credential rejected", "error", err)
		return false
	}
	if req.Cred.JobID != req.JobID || req.Cred.StepID != req.StepID || req.Cred.UID != req.UID {
		logger.Error("step credential does not match request",
			"cred_job", req.Cred.JobID, "cred_step", req.Cred.StepID, "cred_uid", req.Cred.UID)
		return false
	}
	return true
}

// check validates an authorized request for the node at idx.
func (d *Daemon) check(req *protocol.LaunchTasksRequest, idx int, logger *slog.Logger) int32 {
	if idx < 0 {
		logger.Error("node not part of step", "nodes", req.NodeList)
		return protocol.RCInvalidRequest
	}
	if len(req.Argv) == 0 || idx >= len(req.GlobalTaskIDs) || idx >= len(req.RespPorts) ||
		slices.Contains(req.RespPorts, 0) {
		logger.Error("malformed launch request")
		return protocol.RCInvalidRequest
	}
	return protocol.RCSuccess
}

func (d *Daemon) reportLaunchFailure(req *protocol.LaunchTasksRequest, idx int, origin string, rc int32, logger *slog.Logger) {
	var tids []uint32
	if idx < len(req.GlobalTaskIDs) {
		tids = req.GlobalTaskIDs[idx]
	}
	if len(tids) == 0 || !d.track() {
		return
	}
	go func() {
		defer d.wg.Done()
		r := newReporter(d, net.JoinHostPort(origin, fmt.Sprint(req.RespPorts[idx])), logger)
		r.send(&protocol.Message{
			Type: protocol.ResponseLaunchTasks,
			Data: &protocol.LaunchTasksResponse{
				ReturnCode: rc,
				NodeName:   d.name,
				SrunNodeID: uint32(idx),
				TaskIDs:    tids,
			},
		})
	}()
}

func remoteHost(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
