package launcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

func tids(from, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(from + i)
	}
	return out
}

func startResp(rc int32, n int) *protocol.LaunchTasksResponse {
	return &protocol.LaunchTasksResponse{ReturnCode: rc, TaskIDs: tids(0, n)}
}

func exitMsg(n int) *protocol.TaskExitMsg {
	return &protocol.TaskExitMsg{TaskIDs: tids(0, n)}
}

func TestState_SplitsSuccessAndFailure(t *testing.T) {
	var started []int32
	s := newState(4, func(r *protocol.LaunchTasksResponse) { started = append(started, r.ReturnCode) }, nil)

	s.recordStart(startResp(protocol.RCSuccess, 3))
	s.recordStart(startResp(protocol.RCError, 1))

	c := s.Counts()
	assert.Equal(t, 3, c.StartSuccess)
	assert.Equal(t, 1, c.StartFailure)
	assert.True(t, c.AllStarted())
	assert.False(t, c.AllFinished())
	assert.Equal(t, []int32{protocol.RCSuccess, protocol.RCError}, started)
}

func TestState_WaitAllFinishedIgnoresFailedStarts(t *testing.T) {
	s := newState(4, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.WaitAllFinished(ctx) }()

	s.recordStart(startResp(protocol.RCSuccess, 3))
	s.recordStart(startResp(protocol.RCError, 1))
	s.recordExit(exitMsg(2))

	select {
	case <-done:
		t.Fatal("WaitAllFinished returned before all started tasks exited")
	case <-time.After(50 * time.Millisecond):
	}

	s.recordExit(exitMsg(1))
	require.NoError(t, <-done)
	assert.Equal(t, Counts{Requested: 4, StartSuccess: 3, StartFailure: 1, Exited: 3}, s.Counts())
}

func TestState_WaitHonorsContext(t *testing.T) {
	s := newState(2, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.WaitAllStarted(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by context cancellation")
	}
}

func TestState_SignalDoesNotMutate(t *testing.T) {
	s := newState(1, nil, nil)
	s.signal()
	assert.Equal(t, Counts{Requested: 1}, s.Counts())
}

func TestState_OverReportPanics(t *testing.T) {
	s := newState(2, nil, nil)
	s.recordStart(startResp(protocol.RCSuccess, 2))
	assert.Panics(t, func() { s.recordStart(startResp(protocol.RCError, 1)) })

	s = newState(2, nil, nil)
	s.recordStart(startResp(protocol.RCSuccess, 1))
	assert.Panics(t, func() { s.recordExit(exitMsg(2)) })
}

func TestState_CallbacksSeeLockedOrder(t *testing.T) {
	var order []string
	s := newState(2,
		func(r *protocol.LaunchTasksResponse) { order = append(order, "start:"+r.NodeName) },
		func(m *protocol.TaskExitMsg) { order = append(order, "exit") },
	)
	s.recordStart(&protocol.LaunchTasksResponse{NodeName: "n1", TaskIDs: []uint32{0}})
	s.recordExit(exitMsg(1))
	s.recordStart(&protocol.LaunchTasksResponse{NodeName: "n2", TaskIDs: []uint32{1}})
	assert.Equal(t, []string{"start:n1", "exit", "start:n2"}, order)
}

// Concurrent deliveries whose totals fit the step never trip the invariants
// and always leave the counters at the sum of the deliveries.
func TestState_ConcurrentDeliveries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		requested := rapid.IntRange(1, 64).Draw(t, "requested")

		var starts []*protocol.LaunchTasksResponse
		success, remaining := 0, requested
		for remaining > 0 {
			n := rapid.IntRange(1, remaining).Draw(t, "batch")
			rc := protocol.RCSuccess
			if rapid.Bool().Draw(t, "fail") {
				rc = protocol.RCError
			} else {
				success += n
			}
			starts = append(starts, startResp(rc, n))
			remaining -= n
		}
		exited := rapid.IntRange(0, success).Draw(t, "exited")

		var callbacks int
		s := newState(requested, func(*protocol.LaunchTasksResponse) { callbacks++ }, nil)

		var wg sync.WaitGroup
		for _, r := range starts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.recordStart(r)
			}()
		}
		wg.Wait()

		// exits never precede the matching start, so deliver them afterwards
		for i := 0; i < exited; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.recordExit(exitMsg(1))
			}()
		}
		wg.Wait()

		c := s.Counts()
		if c.StartSuccess != success || c.StartSuccess+c.StartFailure != requested || c.Exited != exited {
			t.Fatalf("counts %+v, want success=%d exited=%d", c, success, exited)
		}
		if callbacks != len(starts) {
			t.Fatalf("start callback ran %d times, want %d", callbacks, len(starts))
		}
		if c.AllFinished() != (exited == success) {
			t.Fatalf("AllFinished=%v with exited=%d success=%d", c.AllFinished(), exited, success)
		}
	})
}
