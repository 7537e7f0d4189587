// Package schedule runs named callbacks at a fixed interval until stopped.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	ErrStopped         = errors.New("scheduler stopped")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Func is one invocation of a scheduled task. Its ctx carries the values of
// the context given to Start but is never cancelled by the scheduler, so an
// invocation always runs to completion.
type Func func(ctx context.Context) error

// State of a Task.
type State int

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Scheduler owns a set of periodic tasks and joins them on Stop.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
}

// New returns a Scheduler. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[*Task]struct{}),
	}
}

// Task is a running periodic callback.
type Task struct {
	Name     string
	Interval time.Duration

	owner  *Scheduler
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	state State
}

// Start launches fn every interval. The first call happens one full interval
// after Start. Ticks that fall due while fn is still running are dropped.
// Cancelling ctx has the same effect as Task.Stop, without the join: no
// further call is made and the one in flight is left to finish.
func (s *Scheduler) Start(ctx context.Context, name string, interval time.Duration, fn Func) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("task %q: %w", name, ErrInvalidInterval)
	}
	if fn == nil {
		return nil, fmt.Errorf("task %q: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		Name:     name,
		Interval: interval,
		owner:    s,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    Running,
	}
	s.tasks[t] = struct{}{}

	go t.loop(taskCtx, fn, s.logger.With("task", name))

	s.logger.Debug("task started", "task", name, "interval", interval)
	return t, nil
}

// Stop stops every task and waits for their goroutines to exit. Further
// calls to Start fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// Len reports how many tasks are registered.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Stop ends the interval wait and waits for the invocation in flight, if
// any, to complete. When Stop returns no invocation is in flight. Safe to
// call more than once.
func (t *Task) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		t.mu.Lock()
		t.state = Stopped
		t.mu.Unlock()
		t.owner.forget(t)
	})
}

// State reports whether the task is still scheduled.
func (t *Task) State() State {
	select {
	case <-t.done:
		return Stopped
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) loop(ctx context.Context, fn Func, logger *slog.Logger) {
	defer close(t.done)
	runCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Stop may race with a due tick.
		if ctx.Err() != nil {
			return
		}
		if err := invoke(runCtx, fn); err != nil {
			logger.Warn("task failed", "error", err)
		}
	}
}

func invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
