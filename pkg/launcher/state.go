package launcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// TaskStartFunc observes every launch response, with the state locked.
type TaskStartFunc func(resp *protocol.LaunchTasksResponse)

// TaskFinishFunc observes every task exit message, with the state locked.
type TaskFinishFunc func(msg *protocol.TaskExitMsg)

// Counts is a snapshot of the launch counters.
type Counts struct {
	Requested    int
	StartSuccess int
	StartFailure int
	Exited       int
}

// AllStarted reports whether every requested task has a start result.
func (c Counts) AllStarted() bool {
	return c.StartSuccess+c.StartFailure == c.Requested
}

// AllFinished reports whether every started task has exited.
func (c Counts) AllFinished() bool {
	return c.AllStarted() && c.Exited == c.StartSuccess
}

// State tracks how many tasks of a step have started, failed to start and
// exited. Counters only grow. Waiters block on a condition variable that is
// broadcast after every update.
type State struct {
	mu       sync.Mutex
	cond     *sync.Cond
	counts   Counts
	onStart  TaskStartFunc
	onFinish TaskFinishFunc
}

func newState(requested int, onStart TaskStartFunc, onFinish TaskFinishFunc) *State {
	s := &State{
		counts:   Counts{Requested: requested},
		onStart:  onStart,
		onFinish: onFinish,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Counts returns a snapshot of the counters.
func (s *State) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *State) recordStart(resp *protocol.LaunchTasksResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.ReturnCode != protocol.RCSuccess {
		s.counts.StartFailure += resp.CountOfPIDs()
	} else {
		s.counts.StartSuccess += resp.CountOfPIDs()
	}
	s.checkLocked()
	if s.onStart != nil {
		s.onStart(resp)
	}
	s.cond.Broadcast()
}

func (s *State) recordExit(msg *protocol.TaskExitMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts.Exited += msg.NumTasks()
	s.checkLocked()
	if s.onFinish != nil {
		s.onFinish(msg)
	}
	s.cond.Broadcast()
}

// signal wakes all waiters without changing any counter.
func (s *State) signal() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// checkLocked panics when the counters account for more tasks than exist.
func (s *State) checkLocked() {
	c := s.counts
	if c.StartSuccess+c.StartFailure > c.Requested {
		panic(fmt.Sprintf("launch state: %d started + %d failed exceeds %d requested tasks",
			c.StartSuccess, c.StartFailure, c.Requested))
	}
	if c.Exited > c.StartSuccess {
		panic(fmt.Sprintf("launch state: %d exited exceeds %d started tasks", c.Exited, c.StartSuccess))
	}
}

// WaitAllStarted blocks until every requested task has a start result or
// ctx is done.
func (s *State) WaitAllStarted(ctx context.Context) error {
	return s.wait(ctx, Counts.AllStarted)
}

// WaitAllFinished blocks until every task has a start result and every
// started task has exited, or ctx is done.
func (s *State) WaitAllFinished(ctx context.Context) error {
	return s.wait(ctx, Counts.AllFinished)
}

func (s *State) wait(ctx context.Context, done func(Counts) bool) error {
	stop := context.AfterFunc(ctx, s.signal)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !done(s.counts) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}
