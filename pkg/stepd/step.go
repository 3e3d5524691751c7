package stepd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/shizhuolin/slurm/pkg/clientio"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

// reporter sends the launch responses and task exits of one node to the
// launching host. Messages go out one at a time so a node's responses are
// always seen before its exits.
type reporter struct {
	d      *Daemon
	addr   string
	logger *slog.Logger
}

func newReporter(d *Daemon, addr string, logger *slog.Logger) *reporter {
	return &reporter{d: d, addr: addr, logger: logger}
}

// send delivers m, retrying per the daemon's policy. Reports outlive
// Shutdown so the launcher still learns about killed tasks.
func (r *reporter) send(m *protocol.Message) bool {
	ctx := context.WithoutCancel(r.d.ctx)
	err := r.d.retry.retry(ctx, func() error {
		return r.d.transport.SendOnly(ctx, r.addr, m)
	})
	if err != nil {
		r.d.metrics.reportFailed()
		r.logger.Warn("report to launching host failed", "addr", r.addr, "type", m.Type.String(), "error", err)
		return false
	}
	return true
}

// task is one local process of a step.
type task struct {
	info    taskInfo
	cmd     *exec.Cmd
	closers []io.Closer
}

func (t *task) close() {
	for _, c := range t.closers {
		c.Close()
	}
	t.closers = nil
}

func (d *Daemon) startStep(req *protocol.LaunchTasksRequest, idx int, origin string, logger *slog.Logger) {
	if !d.track() {
		return
	}
	d.mu.Lock()
	d.stepsRun++
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.runStep(req, idx, origin, logger)
	}()
}

// runStep starts the node's tasks, reports their start results, waits for
// them and reports their exits.
func (d *Daemon) runStep(req *protocol.LaunchTasksRequest, idx int, origin string, logger *slog.Logger) {
	rep := newReporter(d, net.JoinHostPort(origin, strconv.Itoa(int(req.RespPorts[idx]))), logger)

	var ioc *clientio.Conn
	if idx < len(req.IOPorts) && req.IOPorts[idx] != 0 {
		addr := net.JoinHostPort(origin, strconv.Itoa(int(req.IOPorts[idx])))
		conn, err := clientio.Dial(d.ctx, addr, uint32(idx), d.name, req.Cred.Signature)
		if err != nil {
			logger.Warn("client I/O connect failed, task output discarded", "addr", addr, "error", err)
		} else {
			ioc = conn
			defer ioc.Close()
		}
	}

	var multiProg string
	if req.MultiProg {
		b, err := os.ReadFile(req.Argv[0])
		if err != nil {
			logger.Error("read multi-prog configuration", "path", req.Argv[0], "error", err)
		}
		multiProg = string(b)
	}

	var (
		started []*task
		pids    []uint32
		okIDs   []uint32
		failIDs []uint32
	)
	for local, gid := range req.GlobalTaskIDs[idx] {
		t := &task{info: taskInfo{
			GlobalID: gid,
			LocalID:  local,
			NodeID:   idx,
			NodeName: d.name,
			JobID:    req.JobID,
			StepID:   req.StepID,
			UID:      req.UID,
		}}
		if err := d.startTask(req, t, origin, multiProg, ioc); err != nil {
			logger.Warn("task start failed", "task", gid, "error", err)
			d.metrics.taskStarted(false)
			t.close()
			failIDs = append(failIDs, gid)
			continue
		}
		d.metrics.taskStarted(true)
		started = append(started, t)
		pids = append(pids, uint32(t.cmd.Process.Pid))
		okIDs = append(okIDs, gid)
	}
	logger.Info("tasks started", "started", len(okIDs), "failed", len(failIDs))

	// Exits of tasks the launching host never learned were started would
	// account for more exits than starts there.
	startReported := true
	if len(okIDs) > 0 {
		startReported = rep.send(&protocol.Message{Type: protocol.ResponseLaunchTasks, Data: &protocol.LaunchTasksResponse{
			ReturnCode: protocol.RCSuccess,
			NodeName:   d.name,
			SrunNodeID: uint32(idx),
			LocalPIDs:  pids,
			TaskIDs:    okIDs,
		}})
	}
	if len(failIDs) > 0 {
		rep.send(&protocol.Message{Type: protocol.ResponseLaunchTasks, Data: &protocol.LaunchTasksResponse{
			ReturnCode: protocol.RCError,
			NodeName:   d.name,
			SrunNodeID: uint32(idx),
			TaskIDs:    failIDs,
		}})
	}

	type exit struct {
		id   uint32
		code int
	}
	exits := make(chan exit, len(started))
	for _, t := range started {
		go func() {
			err := t.cmd.Wait()
			t.close()
			code := t.cmd.ProcessState.ExitCode()
			if err != nil && code == 0 {
				code = 1
			}
			exits <- exit{id: t.info.GlobalID, code: code}
		}()
	}
	for range started {
		e := <-exits
		d.metrics.taskExited(e.code)
		logger.Debug("task exited", "task", e.id, "status", e.code)
		if !startReported {
			d.metrics.exitUnreported()
			logger.Warn("exit not reported, task start was never delivered", "task", e.id, "status", e.code)
			continue
		}
		rep.send(&protocol.Message{Type: protocol.MessageTaskExit, Data: &protocol.TaskExitMsg{
			JobID:      req.JobID,
			StepID:     req.StepID,
			ReturnCode: int32(e.code),
			TaskIDs:    []uint32{e.id},
		}})
	}
}

// startTask prepares and starts the process of t. Output goes to the remote
// files named by the request, otherwise to the client I/O connection.
func (d *Daemon) startTask(req *protocol.LaunchTasksRequest, t *task, origin, multiProg string, ioc *clientio.Conn) error {
	argv := req.Argv
	if req.MultiProg {
		var err error
		if argv, err = MultiProgArgv(multiProg, t.info.GlobalID); err != nil {
			return err
		}
	}

	cmd := exec.CommandContext(d.ctx, argv[0], argv[1:]...)
	cmd.Env = taskEnv(req, t.info, origin)
	cmd.Dir = req.Cwd
	if os.Geteuid() == 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: req.UID, Gid: req.GID},
		}
	}
	t.cmd = cmd

	if req.InputFilename != "" {
		f, err := os.Open(expandFilename(req.InputFilename, t.info))
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		cmd.Stdin = f
		t.closers = append(t.closers, f)
	}

	stdout, err := d.taskOutput(req, t, req.OutputFilename, clientio.Stdout, ioc)
	if err != nil {
		return err
	}
	cmd.Stdout = stdout
	if req.ErrorFilename == "" && req.OutputFilename != "" {
		cmd.Stderr = stdout
	} else {
		stderr, err := d.taskOutput(req, t, req.ErrorFilename, clientio.Stderr, ioc)
		if err != nil {
			return err
		}
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	return nil
}

func (d *Daemon) taskOutput(req *protocol.LaunchTasksRequest, t *task, template string, stream clientio.Stream, ioc *clientio.Conn) (io.Writer, error) {
	var w io.WriteCloser
	switch {
	case template != "":
		f, err := openOutput(expandFilename(template, t.info))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", stream, err)
		}
		w = f
	case ioc != nil:
		w = ioc.Writer(stream, t.info.GlobalID)
	default:
		return nil, nil
	}
	if req.BufferedStdio {
		w = newLineWriter(w)
	}
	t.closers = append(t.closers, w)
	return w, nil
}
