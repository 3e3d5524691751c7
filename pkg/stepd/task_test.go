package stepd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

func TestExpandFilename(t *testing.T) {
	info := taskInfo{GlobalID: 7, LocalID: 1, NodeID: 2, NodeName: "n2", JobID: 42, StepID: 3, UID: 1000}

	tests := []struct {
		template string
		want     string
	}{
		{"out", "out"},
		{"job%j.%s", "job42.3"},
		{"%N-%n-%t", "n2-2-7"},
		{"task%3t.log", "task007.log"},
		{"%u%%", "1000%"},
		{"%x", "%x"},
		{"trailing%", "trailing%"},
		{"width%12", "width%12"},
	}
	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			assert.Equal(t, tt.want, expandFilename(tt.template, info))
		})
	}
}

func TestMultiProgArgv(t *testing.T) {
	config := `
# rank layout
0      ./master --rank %t
1-3,5  ./worker %o
*      ./idle
`
	tests := []struct {
		task uint32
		want []string
	}{
		{0, []string{"./master", "--rank", "0"}},
		{1, []string{"./worker", "0"}},
		{3, []string{"./worker", "2"}},
		{5, []string{"./worker", "0"}},
		{4, []string{"./idle"}},
	}
	for _, tt := range tests {
		argv, err := MultiProgArgv(config, tt.task)
		require.NoError(t, err)
		assert.Equal(t, tt.want, argv, "task %d", tt.task)
	}
}

func TestMultiProgArgv_Errors(t *testing.T) {
	_, err := MultiProgArgv("0 ./a\n", 1)
	assert.ErrorContains(t, err, "no line for task 1")

	_, err = MultiProgArgv("0-x ./a\n", 0)
	assert.ErrorContains(t, err, "line 1")

	_, err = MultiProgArgv("3-1 ./a\n", 2)
	assert.Error(t, err)

	_, err = MultiProgArgv("0\n", 0)
	assert.ErrorContains(t, err, "missing command")
}

func TestTaskEnv(t *testing.T) {
	req := &protocol.LaunchTasksRequest{
		JobID:         42,
		StepID:        1,
		NumNodes:      2,
		NumTasks:      4,
		Env:           []string{"PATH=/bin"},
		CPUsAllocated: []uint32{2, 2},
		RespPorts:     []uint16{7000, 7001},
		TaskFlags:     protocol.TaskParallelDebug,
	}
	env := taskEnv(req, taskInfo{GlobalID: 3, LocalID: 1, NodeID: 1, NodeName: "n1"}, "10.0.0.1")

	assert.Equal(t, "PATH=/bin", env[0])
	assert.Contains(t, env, "SLURM_JOB_ID=42")
	assert.Contains(t, env, "SLURM_STEP_ID=1")
	assert.Contains(t, env, "SLURM_NNODES=2")
	assert.Contains(t, env, "SLURM_NTASKS=4")
	assert.Contains(t, env, "SLURM_NODEID=1")
	assert.Contains(t, env, "SLURM_PROCID=3")
	assert.Contains(t, env, "SLURM_LOCALID=1")
	assert.Contains(t, env, "SLURMD_NODENAME=n1")
	assert.Contains(t, env, "SLURM_CPUS_ON_NODE=2")
	assert.Contains(t, env, "SLURM_SRUN_COMM_HOST=10.0.0.1")
	assert.Contains(t, env, "SLURM_SRUN_COMM_PORT=7001")
	assert.Contains(t, env, "SLURM_PARALLEL_DEBUG=1")
	assert.Equal(t, []string{"PATH=/bin"}, req.Env, "request env untouched")
}

type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestLineWriter(t *testing.T) {
	out := &nopCloser{}
	w := newLineWriter(out)

	_, err := w.Write([]byte("partial"))
	require.NoError(t, err)
	assert.Empty(t, out.String(), "no newline, nothing flushed")

	_, err = w.Write([]byte(" line\nnext"))
	require.NoError(t, err)
	assert.Equal(t, "partial line\nnext", out.String())

	_, err = w.Write([]byte(" tail"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "partial line\nnext tail", out.String())
	assert.True(t, out.closed)
}

func TestOpenOutputTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0o644))

	f, err := openOutput(path)
	require.NoError(t, err)
	_, err = f.WriteString("new")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}
