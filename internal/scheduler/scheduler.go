// Package scheduler runs the vault's recurring maintenance sweeps: expired
// policy cleanup, audit retention, and database vacuum. Tasks are registered
// with cron expressions and checked on a fixed ticker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one recurring maintenance job. Run returns how many rows it
// affected.
type Task struct {
	Name string
	Cron string
	Run  func(ctx context.Context) (int64, error)

	nextRunAt time.Time
}

// Scheduler ticks every minute and runs tasks whose next-run time has passed.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	tasksMu sync.Mutex
	tasks   []*Task
}

// New creates a Scheduler with no tasks registered.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}
}

// Register adds a task. The cron expression is validated up front and the
// first run is scheduled for its next occurrence, never immediately.
func (s *Scheduler) Register(name, cronExpr string, run func(ctx context.Context) (int64, error)) error {
	next, err := s.nextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks = append(s.tasks, &Task{Name: name, Cron: cronExpr, Run: run, nextRunAt: next})
	return nil
}

// Start launches the background loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("maintenance scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every task whose next-run time has passed and reschedules it.
// Exported so startup and tests can force a sweep without waiting a minute.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.tasksMu.Lock()
	due := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.nextRunAt.After(now) {
			due = append(due, t)
		}
	}
	s.tasksMu.Unlock()

	for _, t := range due {
		s.runTask(ctx, t, now)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *Task, now time.Time) {
	n, err := t.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance task failed",
			slog.String("task", t.Name),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "maintenance task completed",
			slog.String("task", t.Name),
			slog.Int64("affected", n),
		)
	}

	next, err := s.nextRun(t.Cron, now)
	if err != nil {
		// Register validated the expression; this cannot normally happen.
		s.logger.ErrorContext(ctx, "reschedule failed", slog.String("task", t.Name), slog.String("error", err.Error()))
		return
	}

	s.tasksMu.Lock()
	t.nextRunAt = next
	s.tasksMu.Unlock()
}

// nextRun computes the next occurrence of a cron expression after from.
func (s *Scheduler) nextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("maintenance scheduler stopped")
	return nil
}
