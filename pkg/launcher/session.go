package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/shizhuolin/slurm/pkg/clientio"
	"github.com/shizhuolin/slurm/pkg/drivers/memstore"
	"github.com/shizhuolin/slurm/pkg/kvs"
	"github.com/shizhuolin/slurm/pkg/protocol"
	"github.com/shizhuolin/slurm/pkg/stepctx"
)

// Session is one launched job step.
type Session struct {
	id        string
	step      *stepctx.Context
	params    *Params
	cfg       *config
	logger    *slog.Logger
	transport *protocol.Transport

	state        *State
	listener     *Listener
	listenerDone chan struct{}
	clientIO     ClientIO

	ownedKVS   *kvs.Service
	ownedStore *memstore.MemStore

	results      []protocol.RetData
	shutdownOnce sync.Once
}

// Launch starts the tasks of step on its nodes. It returns once every node
// has acknowledged the launch request; task start and exit reports arrive
// asynchronously and are observed through WaitStart, WaitFinish and the
// params callbacks.
func Launch(ctx context.Context, step *stepctx.Context, params *Params, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if params == nil {
		params = DefaultParams()
	}
	if err := validate(step, params, cfg); err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		step:      step,
		params:    params,
		cfg:       cfg,
		transport: protocol.NewTransport(cfg.auth, cfg.timeout),
	}
	s.logger = cfg.logger.With("component", "launcher", "session", s.id,
		"job_id", step.JobID, "step_id", step.StepID)
	s.state = newState(step.NumTasks(), params.TaskStart, params.TaskFinish)

	kv := cfg.kvs
	if kv == nil {
		s.ownedStore = memstore.New(memstore.Config{CleanupPeriod: cfg.kvsTTL})
		if cfg.kvsTTL > 0 {
			// stopped in teardown
			s.ownedStore.Start(context.Background())
		}
		s.ownedKVS = kvs.New(s.ownedStore,
			kvs.WithPusher(s.transport),
			kvs.WithLogger(s.logger),
			kvs.WithTTL(cfg.kvsTTL))
		kv = s.ownedKVS
	}

	allowed := []uint32{uint32(os.Geteuid())}
	if cfg.serviceUID != nil {
		allowed = append(allowed, *cfg.serviceUID)
	}
	dispatcher := &Dispatcher{
		state:    s.state,
		kvs:      kv,
		verifier: cfg.auth,
		replier:  s.transport,
		allowed:  allowed,
		logger:   s.logger,
		metrics:  cfg.metrics,
	}

	ln, err := Listen(cfg.listenAddr, s.transport, dispatcher, cfg.timeout, s.logger, cfg.metrics)
	if err != nil {
		s.teardown(false)
		if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
			return nil, ErrResourceExhausted("file descriptors", err)
		}
		return nil, ErrListenFailed(cfg.listenAddr, err)
	}
	s.listener = ln
	s.listenerDone = make(chan struct{})
	go func() {
		defer close(s.listenerDone)
		ln.Run()
	}()

	cio, err := cfg.clientIO(clientio.Config{
		ListenAddr: cfg.ioAddr,
		FDs:        params.LocalFDs,
		NumTasks:   step.NumTasks(),
		NumNodes:   step.NumNodes(),
		Signature:  step.CredentialSignature(),
		Label:      params.LabelIO,
		Logger:     s.logger,
	})
	if err != nil {
		s.teardown(false)
		return nil, ErrClientIOFailed("create", err)
	}
	if err := cio.Start(); err != nil {
		cio.Destroy()
		s.teardown(false)
		return nil, ErrClientIOFailed("start", err)
	}
	s.clientIO = cio
	ioPorts := cio.ListenPorts()
	if len(ioPorts) == 0 {
		s.teardown(false)
		return nil, ErrClientIOFailed("start", errors.New("no listen ports"))
	}

	req := s.buildRequest(ioPorts)
	s.event(ctx, EventLaunching, "launching step", map[string]string{
		"nodes": strconv.Itoa(step.NumNodes()),
		"tasks": strconv.Itoa(step.NumTasks()),
	})
	s.logger.Info("launching step", "nodes", step.NumNodes(), "tasks", step.NumTasks(),
		"msg_port", ln.Port(), "io_ports", ioPorts)

	rets, err := s.launchTasks(ctx, req)
	if err != nil {
		s.teardown(false)
		s.event(ctx, EventLaunchFailed, err.Error(), nil)
		return nil, ErrLaunchFailed(step.NodeList[0], step.NumNodes(), err)
	}
	s.results = rets
	s.event(ctx, EventLaunched, "launch request acknowledged", nil)
	return s, nil
}

func validate(step *stepctx.Context, params *Params, cfg *config) error {
	if step == nil {
		return ErrInvalidArgument("step", nil, "step context is required")
	}
	if err := step.Validate(); err != nil {
		return ErrInvalidArgument("step", step.JobID, "step context is incomplete").WithCause(err)
	}
	if len(params.Argv) == 0 {
		return ErrInvalidArgument("argv", params.Argv, "a command to run is required")
	}
	if cfg.auth == nil {
		return ErrInvalidArgument("auth", nil, "an authenticator is required")
	}
	if cfg.timeout <= 0 {
		return ErrInvalidArgument("timeout", cfg.timeout, "timeout must be positive")
	}
	return nil
}

// ID is the session identifier used in logs and events.
func (s *Session) ID() string { return s.id }

// MsgPort is the port node daemons and tasks report to.
func (s *Session) MsgPort() uint16 { return s.listener.Port() }

// Counts returns a snapshot of the task counters.
func (s *Session) Counts() Counts { return s.state.Counts() }

// Results returns the per-node return codes of the launch request. They are
// independent of the task counters: a node that rejected the request may
// still report its tasks later, or never.
func (s *Session) Results() []protocol.RetData {
	return append([]protocol.RetData(nil), s.results...)
}

// WaitStart blocks until every task has reported a start result.
func (s *Session) WaitStart(ctx context.Context) error {
	if err := s.state.WaitAllStarted(ctx); err != nil {
		return err
	}
	c := s.state.Counts()
	s.event(ctx, EventAllStarted, "all tasks reported", map[string]string{
		"started": strconv.Itoa(c.StartSuccess),
		"failed":  strconv.Itoa(c.StartFailure),
	})
	return nil
}

// WaitFinish blocks until every started task has exited, then shuts the
// session down. If ctx ends first the session stays up; call Shutdown to
// abandon it.
func (s *Session) WaitFinish(ctx context.Context) error {
	if err := s.state.WaitAllFinished(ctx); err != nil {
		return err
	}
	s.shutdown(true)
	c := s.state.Counts()
	s.event(ctx, EventFinished, "all tasks exited", map[string]string{
		"started": strconv.Itoa(c.StartSuccess),
		"failed":  strconv.Itoa(c.StartFailure),
		"exited":  strconv.Itoa(c.Exited),
	})
	return nil
}

// Shutdown stops the listener and client I/O without waiting for task
// output to drain. It is safe to call more than once and after WaitFinish.
func (s *Session) Shutdown() {
	s.shutdown(false)
}

func (s *Session) shutdown(drain bool) {
	s.shutdownOnce.Do(func() { s.teardown(drain) })
}

// teardown stops the listener and joins it before touching client I/O.
func (s *Session) teardown(drain bool) {
	if s.listener != nil {
		s.listener.Shutdown()
		<-s.listenerDone
	}
	if s.clientIO != nil {
		if drain {
			s.clientIO.Finish()
		}
		s.clientIO.Destroy()
	}
	if s.ownedKVS != nil {
		s.ownedKVS.Close()
		s.ownedStore.Stop()
	}
	s.logger.Debug("session shut down", "drained", drain)
}

func (s *Session) event(ctx context.Context, eventType, message string, metadata map[string]string) {
	md := map[string]string{
		"session": s.id,
		"job_id":  strconv.FormatUint(uint64(s.step.JobID), 10),
		"step_id": strconv.FormatUint(uint64(s.step.StepID), 10),
	}
	for k, v := range metadata {
		md[k] = v
	}
	if err := s.cfg.events.ReportLifecycleEvent(ctx, eventType, message, md); err != nil {
		s.logger.Warn("lifecycle event not delivered", "event", eventType, "error", err)
	}
}
