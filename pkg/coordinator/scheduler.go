package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type scheduledTask struct {
	name         string
	initialDelay time.Duration
	period       time.Duration
	fn           func(ctx context.Context)
}

// Scheduler runs named periodic tasks on their own goroutines.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []*scheduledTask
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Add registers a task. If the scheduler is already running the task starts
// right away.
func (s *Scheduler) Add(name string, initialDelay, period time.Duration, fn func(ctx context.Context)) {
	task := &scheduledTask{
		name:         name,
		initialDelay: initialDelay,
		period:       period,
		fn:           fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, task)
	if s.started {
		s.launch(task)
	}
}

// Start launches every registered task. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, task := range s.tasks {
		s.launch(task)
	}
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(task *scheduledTask) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(s.ctx, task)
	}()
}

func (s *Scheduler) loop(ctx context.Context, task *scheduledTask) {
	timer := time.NewTimer(task.initialDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.safeRun(ctx, task)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(task.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, task *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Background task failed",
				zap.String("task", task.name),
				zap.Any("panic", r))
		}
	}()
	task.fn(ctx)
}

// Stop cancels all tasks and waits up to timeout for them to return. It
// reports whether every task exited in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return true
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
