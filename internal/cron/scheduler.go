package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/groupclaw/internal/persistence"
)

// Submitter hands due task work to the dispatch queue.
type Submitter interface {
	SubmitTask(group *persistence.Group, task persistence.ScheduledTask)
}

// SchedulerConfig holds the scheduler's dependencies.
type SchedulerConfig struct {
	Store    *persistence.Store
	Queue    Submitter
	Logger   *slog.Logger
	Interval time.Duration // poll tick, defaults to 1 minute
}

// Scheduler polls the store for due tasks on a fixed tick, submits them to
// the queue, and advances each task's next run. A task a crash caught
// mid-queue is not replayed; the next due poll picks it up again.
type Scheduler struct {
	store    *persistence.Store
	queue    Submitter
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the polling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick submits every due task and records the run. The run is recorded even
// though the work has only been queued, not finished: a failed invocation is
// the queue's retry problem, not a reason to re-fire the schedule.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("due-task poll failed", "error", err)
		return
	}
	for _, task := range due {
		group, err := s.store.GetGroup(ctx, task.GroupID)
		if err != nil {
			s.logger.Error("due task for unknown group",
				"task_id", task.ID, "group_id", task.GroupID, "error", err)
			continue
		}
		s.queue.SubmitTask(group, task)

		next, err := NextRun(task.ScheduleType, task.ScheduleValue, now)
		if err != nil {
			// Stored tasks are validated on creation; reaching this means
			// the definition was corrupted. Stop the schedule.
			s.logger.Error("stored schedule no longer parses, finishing task",
				"task_id", task.ID, "error", err)
			next = nil
		}
		if err := s.store.MarkTaskRan(ctx, task.ID, now, next); err != nil {
			s.logger.Error("record task run failed", "task_id", task.ID, "error", err)
			continue
		}
		s.logger.Info("scheduled task submitted",
			"task_id", task.ID, "group_id", task.GroupID,
			"schedule", task.ScheduleType, "has_next", next != nil)
	}
}
