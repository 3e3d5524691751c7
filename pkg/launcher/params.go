package launcher

import (
	"os"

	"github.com/shizhuolin/slurm/pkg/clientio"
)

// Params describe what to run and how its I/O is handled.
type Params struct {
	Argv []string
	Env  []string
	Cwd  string

	// BufferedStdio makes node daemons line-buffer task output.
	BufferedStdio bool
	// LabelIO prefixes every output line with its task id.
	LabelIO bool

	// Remote filename templates; empty means forward to the client.
	RemoteOutputFilename string
	RemoteErrorFilename  string
	RemoteInputFilename  string

	// LocalFDs receive forwarded task output.
	LocalFDs clientio.FDs

	GID           uint32
	MultiProg     bool
	SlurmdDebug   uint32
	ParallelDebug bool

	// TaskStart and TaskFinish are invoked with the launch state locked and
	// must not block.
	TaskStart  TaskStartFunc
	TaskFinish TaskFinishFunc
}

// DefaultParams returns params with buffered, unlabelled stdio forwarded to
// the process's own standard streams, running as the current group.
func DefaultParams() *Params {
	cwd, _ := os.Getwd()
	return &Params{
		Env:           os.Environ(),
		Cwd:           cwd,
		BufferedStdio: true,
		LabelIO:       false,
		LocalFDs:      clientio.StdFDs(),
		GID:           uint32(os.Getgid()),
		MultiProg:     false,
		SlurmdDebug:   0,
		ParallelDebug: false,
	}
}
