package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingTask struct {
	name     string
	interval time.Duration
	runs     atomic.Int64
	err      error
}

func (t *countingTask) Name() string            { return t.name }
func (t *countingTask) Interval() time.Duration { return t.interval }
func (t *countingTask) Execute(context.Context) error {
	t.runs.Add(1)
	return t.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never held")
}

func TestScheduler_RunsImmediatelyThenOnInterval(t *testing.T) {
	t.Parallel()

	task := &countingTask{name: "tick", interval: 30 * time.Millisecond}
	s := New(zap.NewNop())
	s.Register(task)
	s.Start(context.Background())
	defer s.Shutdown()

	// First run happens without waiting a full interval.
	waitFor(t, func() bool { return task.runs.Load() >= 1 })
	// And it keeps firing.
	waitFor(t, func() bool { return task.runs.Load() >= 3 })
}

func TestScheduler_FailingTaskKeepsRunning(t *testing.T) {
	t.Parallel()

	task := &countingTask{name: "broken", interval: 10 * time.Millisecond, err: errors.New("boom")}
	s := New(zap.NewNop())
	s.Register(task)
	s.Start(context.Background())
	defer s.Shutdown()

	waitFor(t, func() bool { return task.runs.Load() >= 3 })
}

func TestScheduler_TaskCountAndShutdown(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	s.Register(&countingTask{name: "a", interval: time.Hour})
	s.Register(&countingTask{name: "b", interval: time.Hour})
	s.Start(context.Background())

	waitFor(t, func() bool { return s.TaskCount() == 2 })
	s.Shutdown()
	if got := s.TaskCount(); got != 0 {
		t.Fatalf("TaskCount after Shutdown = %d", got)
	}
}

func TestScheduler_StartTwiceIsNoop(t *testing.T) {
	t.Parallel()

	task := &countingTask{name: "once", interval: time.Hour}
	s := New(zap.NewNop())
	s.Register(task)
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Shutdown()

	waitFor(t, func() bool { return task.runs.Load() == 1 })
	if got := s.TaskCount(); got != 1 {
		t.Fatalf("TaskCount = %d after double Start", got)
	}
}

func TestScheduler_ShutdownViaParentContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{name: "ctx", interval: time.Hour}
	s := New(zap.NewNop())
	s.Register(task)
	s.Start(ctx)

	waitFor(t, func() bool { return task.runs.Load() >= 1 })
	cancel()
	waitFor(t, func() bool { return s.TaskCount() == 0 })
}
