package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

func TestBuildParams(t *testing.T) {
	f := runCmd.Flags()
	require.NoError(t, f.Parse([]string{
		"--label", "--unbuffered", "--output", "out-%t", "--multi-prog", "--slurmd-debug", "3",
	}))
	t.Cleanup(func() {
		for _, name := range []string{"label", "unbuffered", "multi-prog"} {
			f.Set(name, "false")
		}
		f.Set("output", "")
		f.Set("slurmd-debug", "0")
	})

	p, err := buildParams(f, []string{"multi.conf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"multi.conf"}, p.Argv)
	assert.True(t, p.LabelIO)
	assert.False(t, p.BufferedStdio)
	assert.Equal(t, "out-%t", p.RemoteOutputFilename)
	assert.Empty(t, p.RemoteErrorFilename)
	assert.True(t, p.MultiProg)
	assert.False(t, p.ParallelDebug)
	assert.Equal(t, uint32(3), p.SlurmdDebug)
}

func TestRejectedNodes(t *testing.T) {
	results := []protocol.RetData{
		{NodeName: "n0", ReturnCode: protocol.RCSuccess},
		{NodeName: "n1", ReturnCode: protocol.RCAuthFailure},
		{NodeName: "n2", ReturnCode: protocol.RCInvalidRequest},
		{NodeName: "n3", ReturnCode: protocol.RCForwardFailed},
	}
	assert.Equal(t, []string{"n1", "n3"}, rejectedNodes(results))
	assert.Empty(t, rejectedNodes(results[:1]))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(&taskFailure{status: exitStatus(3)}))
	assert.Equal(t, 1, exitCode(&taskFailure{status: exitStatus(-1)}))
	assert.Equal(t, 1, exitCode(&taskFailure{status: exitStatus(300)}))
	assert.Equal(t, 7, exitCode(fmt.Errorf("wrapped: %w", &taskFailure{status: 7})))
	assert.Equal(t, 1, exitCode(errors.New("config error")))
}
