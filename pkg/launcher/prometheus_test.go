package launcher

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// TestPrometheusMetricsCollector_Messages tests inbound message metrics
func TestPrometheusMetricsCollector_Messages(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.MessageReceived(protocol.ResponseLaunchTasks)
	pmc.MessageReceived(protocol.ResponseLaunchTasks)
	pmc.MessageReceived(protocol.MessageTaskExit)
	pmc.MessageRejected("unauthorized")

	expected := `
		# HELP test_messages_received_total Total number of inbound messages by type
		# TYPE test_messages_received_total counter
		test_messages_received_total{type="MESSAGE_TASK_EXIT"} 1
		test_messages_received_total{type="RESPONSE_LAUNCH_TASKS"} 2
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_messages_received_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_messages_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestPrometheusMetricsCollector_Tasks tests task counters
func TestPrometheusMetricsCollector_Tasks(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.TasksStarted(3, 0)
	pmc.TasksStarted(0, 1)
	pmc.TasksExited(3)

	expected := `
		# HELP test_tasks_started_total Total number of task start results
		# TYPE test_tasks_started_total counter
		test_tasks_started_total{result="failure"} 1
		test_tasks_started_total{result="success"} 3
		# HELP test_tasks_exited_total Total number of task exits
		# TYPE test_tasks_exited_total counter
		test_tasks_exited_total 3
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected),
		"test_tasks_started_total", "test_tasks_exited_total")
	assert.NoError(t, err)
}

// TestPrometheusMetricsCollector_Fanout tests fan-out metrics
func TestPrometheusMetricsCollector_Fanout(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")

	pmc.FanoutCompleted(4, 1, 120*time.Millisecond, nil)
	pmc.FanoutCompleted(2, 2, time.Second, errors.New("connect refused"))

	count, err := testutil.GatherAndCount(pmc.Registry(), "steplaunch_fanout_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
		# HELP steplaunch_fanout_nodes_total Total number of nodes addressed by fan-outs
		# TYPE steplaunch_fanout_nodes_total counter
		steplaunch_fanout_nodes_total{result="failed"} 3
		steplaunch_fanout_nodes_total{result="ok"} 3
	`
	err = testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "steplaunch_fanout_nodes_total")
	assert.NoError(t, err)
}
