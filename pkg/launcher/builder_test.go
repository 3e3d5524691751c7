package launcher

import (
	"bytes"
	"os"
	"testing"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

func TestNewParamsBuilderDefaults(t *testing.T) {
	params, err := NewParamsBuilder("/bin/true").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !params.BufferedStdio {
		t.Error("Stdio should be buffered by default")
	}
	if params.LabelIO {
		t.Error("Output should not be labelled by default")
	}
	if params.GID != uint32(os.Getgid()) {
		t.Errorf("Default GID should be %d, got %d", os.Getgid(), params.GID)
	}
	if params.MultiProg || params.ParallelDebug || params.SlurmdDebug != 0 {
		t.Error("Debug and multi-prog flags should be off by default")
	}
	if params.LocalFDs.Stdout != os.Stdout {
		t.Error("Output should go to os.Stdout by default")
	}
}

func TestParamsBuilderChaining(t *testing.T) {
	var out, errOut bytes.Buffer
	started := 0
	params := NewParamsBuilder("/bin/echo", "hi").
		WithEnv([]string{"A=1"}).
		WithCwd("/tmp").
		WithLabelIO().
		WithUnbufferedStdio().
		WithRemoteOutput("out-%t").
		WithOutput(&out, &errOut).
		WithGID(42).
		WithParallelDebug().
		WithSlurmdDebug(3).
		WithCallbacks(func(*protocol.LaunchTasksResponse) { started++ }, nil).
		MustBuild()

	if len(params.Argv) != 2 || params.Argv[1] != "hi" {
		t.Errorf("Unexpected argv %v", params.Argv)
	}
	if params.Cwd != "/tmp" || params.GID != 42 || params.SlurmdDebug != 3 {
		t.Errorf("Unexpected params %+v", params)
	}
	if !params.LabelIO || params.BufferedStdio || !params.ParallelDebug {
		t.Error("Flags not applied")
	}
	if params.RemoteOutputFilename != "out-%t" {
		t.Errorf("Remote output should be out-%%t, got %s", params.RemoteOutputFilename)
	}
	params.TaskStart(nil)
	if started != 1 {
		t.Error("Start callback not installed")
	}
}

func TestParamsBuilderValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder *ParamsBuilder
	}{
		{"no command", NewParamsBuilder()},
		{"bad env", NewParamsBuilder("/bin/true").WithEnv([]string{"NOEQUALS"})},
		{"empty cwd", NewParamsBuilder("/bin/true").WithCwd("")},
		{"nil writers", NewParamsBuilder("/bin/true").WithOutput(nil, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Build(); err == nil {
				t.Error("Build should fail")
			}
		})
	}
}

func TestParamsBuilderMustBuildPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustBuild should panic on invalid params")
		}
	}()
	NewParamsBuilder().MustBuild()
}
