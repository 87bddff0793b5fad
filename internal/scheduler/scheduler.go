package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/config"
)

// Linker keeps the device connected and delivers inbound traffic.
type Linker interface {
	// Ensure blocks until the network and messaging session are up.
	Ensure(ctx context.Context) error
	// Pump delivers pending inbound messages.
	Pump(ctx context.Context) int
}

// Scheduler owns the task timers and drives the control loop. Tasks fire
// in registration order.
type Scheduler struct {
	logger *slog.Logger
	clock  clock.Clock
	link   Linker
	idle   time.Duration

	mu    sync.Mutex
	tasks []*Task
	steps uint64
}

// New creates a scheduler. idle is the pause between loop iterations.
func New(logger *slog.Logger, clk clock.Clock, link Linker, idle time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		clock:  clk,
		link:   link,
		idle:   idle,
	}
}

// Add registers a task. It panics on a missing name, action, or
// non-positive interval.
func (s *Scheduler) Add(t *Task) {
	if t.Name == "" || t.Fire == nil {
		panic("scheduler: task needs a name and a FireFunc")
	}
	if t.Interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %s has non-positive interval %v", t.Name, t.Interval))
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.logger.Debug("task registered", "name", t.Name, "interval", t.Interval.String())
}

// Step runs one loop iteration: every due task fires once, then the link
// is ensured, then inbound traffic is pumped. The clock is read once, so
// all tasks in an iteration see the same time. Task failures are logged
// and do not stop the iteration. Step only returns an error when ctx is
// cancelled while ensuring the link.
func (s *Scheduler) Step(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.steps++
	s.mu.Unlock()

	for _, t := range tasks {
		if !s.claim(t, now) {
			continue
		}
		s.fire(ctx, t)
	}

	if err := s.link.Ensure(ctx); err != nil {
		return err
	}
	s.link.Pump(ctx)
	return nil
}

// claim marks t fired at now if it is due.
func (s *Scheduler) claim(t *Task, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.Due(now) {
		return false
	}
	t.LastFired = now
	t.fired = true
	t.runs++
	return true
}

func (s *Scheduler) fire(ctx context.Context, t *Task) {
	s.logger.Log(ctx, config.LevelTrace, "task firing", "name", t.Name)

	err := t.Fire(ctx)

	s.mu.Lock()
	t.lastError = err
	if err != nil {
		t.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "name", t.Name, "error", err)
	}
}

// Run loops Step until ctx is cancelled, pausing for the idle tick
// between iterations. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("control loop started", "tasks", len(s.Tasks()), "idle_tick", s.idle.String())
	for {
		if err := s.Step(ctx); err != nil {
			return err
		}
		if s.idle > 0 {
			if err := s.clock.Sleep(ctx, s.idle); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Tasks returns a snapshot of every registered task.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.status()
	}
	return out
}

// Stats returns loop statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"iterations": s.steps,
		"tasks":      len(s.tasks),
	}
}
