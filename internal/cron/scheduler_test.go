package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupclaw/internal/persistence"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	runs []persistence.ScheduledTask
}

func (r *recordingSubmitter) SubmitTask(_ *persistence.Group, task persistence.ScheduledTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, task)
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newSchedulerFixture(t *testing.T) (*Scheduler, *persistence.Store, *recordingSubmitter) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.RegisterGroup(context.Background(), persistence.Group{
		ID: "g1", Name: "g1", Folder: "/srv/g1", ChatID: "-100",
	}); err != nil {
		t.Fatalf("register group: %v", err)
	}
	sub := &recordingSubmitter{}
	sched := NewScheduler(SchedulerConfig{Store: store, Queue: sub})
	return sched, store, sub
}

func TestSchedulerTickSubmitsDueTasks(t *testing.T) {
	sched, store, sub := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now()

	id, err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID: "g1", Prompt: "hourly report",
		ScheduleType: "interval", ScheduleValue: "1h",
	}, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sched.tick(ctx, now)
	if sub.count() != 1 {
		t.Fatalf("submitted %d tasks, want 1", sub.count())
	}
	if sub.runs[0].Prompt != "hourly report" {
		t.Errorf("wrong task submitted: %+v", sub.runs[0])
	}

	// The run is recorded and the schedule advanced an hour out, so an
	// immediate second tick submits nothing.
	sched.tick(ctx, now.Add(time.Second))
	if sub.count() != 1 {
		t.Errorf("task re-fired before its next run: %d submissions", sub.count())
	}

	task, err := store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.NextRunAt == nil || task.NextRunAt.Before(now.Add(59*time.Minute)) {
		t.Errorf("next run not advanced: %v", task.NextRunAt)
	}
}

func TestSchedulerOnceTaskFinishes(t *testing.T) {
	sched, store, sub := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now()

	id, err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID: "g1", Prompt: "one shot",
		ScheduleType: "once", ScheduleValue: now.Add(-time.Minute).UTC().Format(time.RFC3339),
	}, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sched.tick(ctx, now)
	if sub.count() != 1 {
		t.Fatalf("submitted %d tasks, want 1", sub.count())
	}
	task, err := store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusDone {
		t.Errorf("once task status = %q after its run, want done", task.Status)
	}

	sched.tick(ctx, now.Add(time.Minute))
	if sub.count() != 1 {
		t.Errorf("finished once task re-fired")
	}
}

func TestSchedulerSkipsNotYetDue(t *testing.T) {
	sched, store, sub := newSchedulerFixture(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID: "g1", Prompt: "later",
		ScheduleType: "interval", ScheduleValue: "1h",
	}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sched.tick(ctx, now)
	if sub.count() != 0 {
		t.Errorf("not-yet-due task submitted")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	sched, store, sub := newSchedulerFixture(t)
	sched.interval = 20 * time.Millisecond
	ctx := context.Background()

	_, err := store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID: "g1", Prompt: "due now",
		ScheduleType: "interval", ScheduleValue: "24h",
	}, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sched.Start(ctx)
	deadline := time.After(2 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler loop never submitted the due task")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sched.Stop()
}
