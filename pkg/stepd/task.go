package stepd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// taskInfo identifies one task of a step on this node.
type taskInfo struct {
	GlobalID uint32
	LocalID  int
	NodeID   int
	NodeName string
	JobID    uint32
	StepID   uint32
	UID      uint32
}

// expandFilename fills a remote I/O filename template:
//
//	%j job id    %s step id    %t task id    %n node id
//	%N node name %u user id    %% a literal %
//
// A decimal width after % zero-pads numeric fields, e.g. "%3t" gives "007".
func expandFilename(template string, t taskInfo) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i == len(template)-1 {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		if j == len(template) {
			b.WriteString(template[i:])
			break
		}
		width, _ := strconv.Atoi(template[i+1 : j])
		num := func(v uint64) string {
			return fmt.Sprintf("%0*d", width, v)
		}
		switch template[j] {
		case 'j':
			b.WriteString(num(uint64(t.JobID)))
		case 's':
			b.WriteString(num(uint64(t.StepID)))
		case 't':
			b.WriteString(num(uint64(t.GlobalID)))
		case 'n':
			b.WriteString(num(uint64(t.NodeID)))
		case 'u':
			b.WriteString(num(uint64(t.UID)))
		case 'N':
			b.WriteString(t.NodeName)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteString(template[i : j+1])
		}
		i = j
	}
	return b.String()
}

// MultiProgArgv selects the command line of task from a multi-program
// configuration. Each non-comment line holds a task set ("*", or a comma
// separated list of ids and id ranges such as "0-3,7") followed by the
// command. In arguments, "%t" is replaced by the task id and "%o" by its
// offset within the matched range.
func MultiProgArgv(config string, task uint32) ([]string, error) {
	for n, line := range strings.Split(config, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("multi-prog line %d: missing command", n+1)
		}
		offset, ok, err := matchTaskSet(fields[0], task)
		if err != nil {
			return nil, fmt.Errorf("multi-prog line %d: %w", n+1, err)
		}
		if !ok {
			continue
		}
		argv := make([]string, len(fields)-1)
		for i, a := range fields[1:] {
			a = strings.ReplaceAll(a, "%t", strconv.FormatUint(uint64(task), 10))
			argv[i] = strings.ReplaceAll(a, "%o", strconv.Itoa(offset))
		}
		return argv, nil
	}
	return nil, fmt.Errorf("multi-prog: no line for task %d", task)
}

func matchTaskSet(set string, task uint32) (int, bool, error) {
	if set == "*" {
		return int(task), true, nil
	}
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return 0, false, fmt.Errorf("bad task id %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 32); err != nil || last < first {
				return 0, false, fmt.Errorf("bad task range %q", part)
			}
		}
		if uint64(task) >= first && uint64(task) <= last {
			return int(uint64(task) - first), true, nil
		}
	}
	return 0, false, nil
}

// taskEnv returns the environment of one task: the request environment
// followed by the step variables.
func taskEnv(req *protocol.LaunchTasksRequest, t taskInfo, origin string) []string {
	env := append([]string(nil), req.Env...)
	set := func(k string, v any) {
		env = append(env, fmt.Sprintf("%s=%v", k, v))
	}
	set("SLURM_JOB_ID", req.JobID)
	set("SLURM_STEP_ID", req.StepID)
	set("SLURM_NNODES", req.NumNodes)
	set("SLURM_NTASKS", req.NumTasks)
	set("SLURM_NODEID", t.NodeID)
	set("SLURM_PROCID", t.GlobalID)
	set("SLURM_LOCALID", t.LocalID)
	set("SLURMD_NODENAME", t.NodeName)
	if t.NodeID < len(req.CPUsAllocated) {
		set("SLURM_CPUS_ON_NODE", req.CPUsAllocated[t.NodeID])
	}
	if t.NodeID < len(req.RespPorts) {
		set("SLURM_SRUN_COMM_HOST", origin)
		set("SLURM_SRUN_COMM_PORT", req.RespPorts[t.NodeID])
	}
	if req.TaskFlags&protocol.TaskParallelDebug != 0 {
		set("SLURM_PARALLEL_DEBUG", 1)
	}
	return env
}

// lineWriter buffers writes and flushes complete lines.
type lineWriter struct {
	mu  sync.Mutex
	buf *bufio.Writer
	out io.WriteCloser
}

func newLineWriter(out io.WriteCloser) *lineWriter {
	return &lineWriter{buf: bufio.NewWriter(out), out: out}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if err != nil {
		return n, err
	}
	if bytes.IndexByte(p, '\n') >= 0 {
		err = w.buf.Flush()
	}
	return n, err
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.buf.Flush()
	if cerr := w.out.Close(); err == nil {
		err = cerr
	}
	return err
}

// openOutput opens a remote output file for a task.
func openOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
