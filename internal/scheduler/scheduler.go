// Package scheduler runs named, interval-driven idempotent background tasks.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one recurring background job. Execute must be idempotent: the
// scheduler re-runs it on every interval regardless of prior outcomes.
type Task interface {
	Name() string
	Interval() time.Duration
	Execute(ctx context.Context) error
}

// Scheduler supervises one goroutine per registered task.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	started bool

	wg     sync.WaitGroup
	active atomic.Int64
}

// New builds an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start spawns every registered task. Each runs immediately, then sleeps
// for its interval until shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, task := range s.tasks {
		s.wg.Add(1)
		s.active.Add(1)
		go s.supervise(runCtx, task)
	}
}

func (s *Scheduler) supervise(ctx context.Context, task Task) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	timer := time.NewTimer(0) // immediate first run
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		start := time.Now()
		if err := task.Execute(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduled task failed",
				zap.String("task", task.Name()),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		} else {
			s.log.Debug("scheduled task ran",
				zap.String("task", task.Name()),
				zap.Duration("elapsed", time.Since(start)))
		}
		timer.Reset(task.Interval())
	}
}

// TaskCount reports the number of live task goroutines. Reaches zero after
// Shutdown returns.
func (s *Scheduler) TaskCount() int {
	return int(s.active.Load())
}

// Shutdown cancels every task and waits for them to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
