// Package scheduler triggers periodic tasks and skips a trigger while the
// previous run of the same task is still in progress.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"arbwatch/internal/metrics"
)

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// LockTTL bounds how long a crashed run can block the task. Defaults to
	// three intervals.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

func (t Task) lockTTL() time.Duration {
	if t.LockTTL > 0 {
		return t.LockTTL
	}
	return 3 * t.Interval
}

// Scheduler runs tasks on their intervals until its context ends.
type Scheduler struct {
	logger *slog.Logger
	locker Locker
	tasks  []Task
}

func New(logger *slog.Logger, locker Locker) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		locker: locker,
	}
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run triggers every task immediately and then on each tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	s.logger.Info("Task scheduled", "task", t.Name, "interval", t.Interval)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		s.Trigger(ctx, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger runs t once unless another run of t holds its lock.
func (s *Scheduler) Trigger(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	log := s.logger.With("task", t.Name)

	unlock, err := s.locker.Acquire(ctx, "task:"+t.Name, t.lockTTL())
	if errors.Is(err, ErrLockHeld) {
		metrics.ScheduledRunsTotal.WithLabelValues(t.Name, "skipped").Inc()
		log.Info("Skipping run, previous run still in progress")
		return
	}
	if err != nil {
		metrics.ScheduledRunsTotal.WithLabelValues(t.Name, "failed").Inc()
		log.Error("Failed to acquire task lock", "error", err)
		return
	}
	defer unlock()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		metrics.ScheduledRunsTotal.WithLabelValues(t.Name, "failed").Inc()
		log.Error("Scheduled run failed", "error", err, "duration", time.Since(start))
		return
	}
	metrics.ScheduledRunsTotal.WithLabelValues(t.Name, "ok").Inc()
	log.Debug("Scheduled run finished", "duration", time.Since(start))
}
