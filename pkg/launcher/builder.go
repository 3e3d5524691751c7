package launcher

import (
	"fmt"
	"io"
	"strings"
)

// ParamsBuilder provides a fluent interface for constructing launch Params.
//
// Usage:
//
//	params, err := launcher.NewParamsBuilder("/usr/bin/hostname").
//	    WithLabelIO().
//	    WithRemoteOutput("out-%t.log").
//	    Build()
//
// All builder methods return the builder for method chaining. The first
// invalid value is reported by Build.
type ParamsBuilder struct {
	params *Params
	err    error
}

// NewParamsBuilder starts from DefaultParams with the given command line.
func NewParamsBuilder(argv ...string) *ParamsBuilder {
	p := DefaultParams()
	p.Argv = append([]string(nil), argv...)
	return &ParamsBuilder{params: p}
}

// WithEnv replaces the task environment.
//
// Example:
//
//	builder.WithEnv([]string{"OMP_NUM_THREADS=4"})
func (b *ParamsBuilder) WithEnv(env []string) *ParamsBuilder {
	if b.err != nil {
		return b
	}
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			b.err = fmt.Errorf("environment entry %q is not KEY=VALUE", kv)
			return b
		}
	}
	b.params.Env = append([]string(nil), env...)
	return b
}

// WithCwd sets the task working directory.
func (b *ParamsBuilder) WithCwd(dir string) *ParamsBuilder {
	if b.err != nil {
		return b
	}
	if dir == "" {
		b.err = fmt.Errorf("working directory cannot be empty")
		return b
	}
	b.params.Cwd = dir
	return b
}

// WithLabelIO prefixes forwarded output lines with the task id.
func (b *ParamsBuilder) WithLabelIO() *ParamsBuilder {
	b.params.LabelIO = true
	return b
}

// WithUnbufferedStdio forwards task output as it is written.
func (b *ParamsBuilder) WithUnbufferedStdio() *ParamsBuilder {
	b.params.BufferedStdio = false
	return b
}

// WithRemoteOutput writes task stdout to a file on the nodes instead of
// forwarding it. %t expands to the task id, %n to the node name.
func (b *ParamsBuilder) WithRemoteOutput(template string) *ParamsBuilder {
	b.params.RemoteOutputFilename = template
	return b
}

// WithRemoteError writes task stderr to a file on the nodes.
func (b *ParamsBuilder) WithRemoteError(template string) *ParamsBuilder {
	b.params.RemoteErrorFilename = template
	return b
}

// WithRemoteInput reads task stdin from a file on the nodes.
func (b *ParamsBuilder) WithRemoteInput(template string) *ParamsBuilder {
	b.params.RemoteInputFilename = template
	return b
}

// WithOutput sends forwarded stdout and stderr to the given writers.
func (b *ParamsBuilder) WithOutput(stdout, stderr io.Writer) *ParamsBuilder {
	if b.err != nil {
		return b
	}
	if stdout == nil || stderr == nil {
		b.err = fmt.Errorf("output writers cannot be nil")
		return b
	}
	b.params.LocalFDs.Stdout = stdout
	b.params.LocalFDs.Stderr = stderr
	return b
}

// WithGID runs the tasks under a different group.
func (b *ParamsBuilder) WithGID(gid uint32) *ParamsBuilder {
	b.params.GID = gid
	return b
}

// WithMultiProg treats the first argument as a multi-program configuration.
func (b *ParamsBuilder) WithMultiProg() *ParamsBuilder {
	b.params.MultiProg = true
	return b
}

// WithParallelDebug starts tasks stopped for a parallel debugger.
func (b *ParamsBuilder) WithParallelDebug() *ParamsBuilder {
	b.params.ParallelDebug = true
	return b
}

// WithSlurmdDebug raises the node daemon log level for this step.
func (b *ParamsBuilder) WithSlurmdDebug(level uint32) *ParamsBuilder {
	b.params.SlurmdDebug = level
	return b
}

// WithCallbacks sets the task start and finish observers.
func (b *ParamsBuilder) WithCallbacks(start TaskStartFunc, finish TaskFinishFunc) *ParamsBuilder {
	b.params.TaskStart = start
	b.params.TaskFinish = finish
	return b
}

// Build validates and returns the params.
func (b *ParamsBuilder) Build() (*Params, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.params.Argv) == 0 || b.params.Argv[0] == "" {
		return nil, fmt.Errorf("a command to run is required")
	}
	return b.params, nil
}

// MustBuild returns the params and panics on error.
func (b *ParamsBuilder) MustBuild() *Params {
	p, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build launch params: %v", err))
	}
	return p
}
