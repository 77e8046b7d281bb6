package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/supervisor"
)

// fakeRun is one controllable dispatcher invocation: the test decides when
// it completes and with what outcome.
type fakeRun struct {
	group   *persistence.Group
	item    supervisor.WorkItem
	outcome chan supervisor.Outcome
}

type fakeDispatcher struct {
	mu          sync.Mutex
	runs        []*fakeRun
	started     chan *fakeRun
	touched     []string
	refuseTouch bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{started: make(chan *fakeRun, 16)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, group *persistence.Group, item supervisor.WorkItem, _ supervisor.ResultFunc) (supervisor.Outcome, error) {
	run := &fakeRun{group: group, item: item, outcome: make(chan supervisor.Outcome)}
	d.mu.Lock()
	d.runs = append(d.runs, run)
	d.mu.Unlock()
	d.started <- run
	out := <-run.outcome
	if out == supervisor.OutcomeFailure {
		return out, context.DeadlineExceeded
	}
	return out, nil
}

func (d *fakeDispatcher) Touch(groupID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuseTouch {
		return false
	}
	d.touched = append(d.touched, groupID)
	return true
}

func (d *fakeDispatcher) next(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case run := <-d.started:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("no worker dispatched")
		return nil
	}
}

func (d *fakeDispatcher) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case run := <-d.started:
		t.Fatalf("unexpected dispatch for group %s", run.group.ID)
	case <-time.After(within):
	}
}

func group(id string) *persistence.Group {
	return &persistence.Group{ID: id, Name: id, Folder: "/tmp/" + id, ChatID: "-" + id}
}

func newTestQueue(t *testing.T, d *fakeDispatcher, maxWorkers, maxRetries int, retryBase time.Duration) (*Queue, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	q := New(Config{
		Dispatcher: d,
		IPCRoot:    filepath.Join(t.TempDir(), "ipc"),
		Bus:        eventBus,
		MaxWorkers: maxWorkers,
		MaxRetries: maxRetries,
		RetryBase:  retryBase,
	})
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q, eventBus
}

func TestImmediateDispatch(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 5, 3, time.Second)

	q.SubmitMessage(group("g1"), "hello")
	run := d.next(t)
	if run.group.ID != "g1" || run.item.Prompt != "hello" {
		t.Errorf("unexpected run: group=%s prompt=%q", run.group.ID, run.item.Prompt)
	}
	if !run.item.UseStoredSession {
		t.Error("conversational turns must resume the stored session")
	}
	if got := q.ActiveWorkers(); got != 1 {
		t.Errorf("active workers = %d, want 1", got)
	}
	run.outcome <- supervisor.OutcomeSuccess
}

func TestPerGroupSingleWorker(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 5, 3, time.Second)
	g := group("g1")

	q.SubmitMessage(g, "first")
	first := d.next(t)

	// New task work for a busy group queues behind the active worker.
	q.SubmitTask(g, persistence.ScheduledTask{Prompt: "nightly", ContextMode: "isolated"})
	d.expectNone(t, 100*time.Millisecond)
	if got := q.ActiveWorkers(); got != 1 {
		t.Fatalf("active workers = %d, want 1", got)
	}

	first.outcome <- supervisor.OutcomeSuccess
	second := d.next(t)
	if second.item.Prompt != "nightly" || !second.item.IsScheduledTask {
		t.Errorf("queued task not dispatched after completion: %+v", second.item)
	}
	second.outcome <- supervisor.OutcomeSuccess
}

func TestTasksDrainBeforeMessages(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 5, 3, time.Second)
	g := group("g1")

	q.SubmitMessage(g, "first")
	first := d.next(t)

	q.SubmitMessage(g, "second message")
	q.SubmitTask(g, persistence.ScheduledTask{Prompt: "task", ContextMode: "isolated"})
	first.outcome <- supervisor.OutcomeSuccess

	next := d.next(t)
	if next.item.Prompt != "task" {
		t.Fatalf("dispatched %q before pending task", next.item.Prompt)
	}
	next.outcome <- supervisor.OutcomeSuccess

	last := d.next(t)
	if last.item.Prompt != "second message" {
		t.Errorf("message not drained after task: %q", last.item.Prompt)
	}
	last.outcome <- supervisor.OutcomeSuccess
}

func TestGlobalCapAndFIFODrain(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 2, 3, time.Second)

	q.SubmitMessage(group("g1"), "a")
	q.SubmitMessage(group("g2"), "b")
	r1 := d.next(t)
	r2 := d.next(t)

	q.SubmitMessage(group("g3"), "c")
	q.SubmitMessage(group("g4"), "d")
	d.expectNone(t, 100*time.Millisecond)
	if got := q.ActiveWorkers(); got != 2 {
		t.Fatalf("active workers = %d, want 2", got)
	}

	r1.outcome <- supervisor.OutcomeSuccess
	r3 := d.next(t)
	if r3.group.ID != "g3" {
		t.Errorf("freed slot went to %s, want g3 (first queued)", r3.group.ID)
	}

	r2.outcome <- supervisor.OutcomeSuccess
	r4 := d.next(t)
	if r4.group.ID != "g4" {
		t.Errorf("next slot went to %s, want g4", r4.group.ID)
	}
	r3.outcome <- supervisor.OutcomeSuccess
	r4.outcome <- supervisor.OutcomeSuccess
}

func TestRetryBackoffThenDrop(t *testing.T) {
	d := newFakeDispatcher()
	q, eventBus := newTestQueue(t, d, 5, 2, 20*time.Millisecond)
	dropped := eventBus.Subscribe(bus.TopicWorkDropped)
	defer eventBus.Unsubscribe(dropped)
	retrying := eventBus.Subscribe(bus.TopicWorkRetrying)
	defer eventBus.Unsubscribe(retrying)

	q.SubmitMessage(group("g1"), "doomed")
	first := d.next(t)
	start := time.Now()
	first.outcome <- supervisor.OutcomeFailure

	retry1 := d.next(t)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("first retry after %v, want >= base delay", elapsed)
	}
	ev := <-retrying.Ch()
	if ev.Payload.(bus.WorkEvent).Attempt != 1 {
		t.Errorf("first retry attempt = %d", ev.Payload.(bus.WorkEvent).Attempt)
	}

	start = time.Now()
	retry1.outcome <- supervisor.OutcomeFailure

	retry2 := d.next(t)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second retry after %v, want >= 2*base", elapsed)
	}
	ev = <-retrying.Ch()
	if ev.Payload.(bus.WorkEvent).Attempt != 2 {
		t.Errorf("second retry attempt = %d", ev.Payload.(bus.WorkEvent).Attempt)
	}

	// Retry budget exhausted: terminal drop, no further dispatch.
	retry2.outcome <- supervisor.OutcomeFailure
	select {
	case <-dropped.Ch():
	case <-time.After(time.Second):
		t.Fatal("no terminal drop event")
	}
	d.expectNone(t, 100*time.Millisecond)
}

func TestRetryHoldsNoSlot(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 1, 3, 500*time.Millisecond)

	q.SubmitMessage(group("g1"), "will fail")
	first := d.next(t)
	first.outcome <- supervisor.OutcomeFailure

	// While g1 waits out its backoff, the only slot is free for g2.
	q.SubmitMessage(group("g2"), "gets the slot")
	run := d.next(t)
	if run.group.ID != "g2" {
		t.Fatalf("slot went to %s during backoff, want g2", run.group.ID)
	}
	run.outcome <- supervisor.OutcomeSuccess
}

func TestSuccessResetsRetryCounter(t *testing.T) {
	d := newFakeDispatcher()
	q, eventBus := newTestQueue(t, d, 5, 3, 10*time.Millisecond)
	retrying := eventBus.Subscribe(bus.TopicWorkRetrying)
	defer eventBus.Unsubscribe(retrying)

	q.SubmitMessage(group("g1"), "flaky")
	d.next(t).outcome <- supervisor.OutcomeFailure
	d.next(t).outcome <- supervisor.OutcomeSuccess

	q.SubmitMessage(group("g1"), "fails again")
	d.next(t).outcome <- supervisor.OutcomeFailure
	run := d.next(t)
	run.outcome <- supervisor.OutcomeSuccess

	<-retrying.Ch()
	ev := <-retrying.Ch()
	if got := ev.Payload.(bus.WorkEvent).Attempt; got != 1 {
		t.Errorf("retry counter not reset after success: attempt = %d", got)
	}
}

func TestPipeToRunning(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 5, 3, time.Second)
	g := group("g1")

	if q.PipeToRunning(g, "too early") {
		t.Fatal("piped with no active worker")
	}

	q.SubmitMessage(g, "start")
	run := d.next(t)

	if !q.PipeToRunning(g, "follow-up text") {
		t.Fatal("pipe to active worker failed")
	}

	entries, err := os.ReadDir(ipc.InboundDir(q.cfg.IPCRoot, "g1"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("follow-up file not written: entries=%d err=%v", len(entries), err)
	}
	d.mu.Lock()
	touched := len(d.touched) == 1 && d.touched[0] == "g1"
	d.mu.Unlock()
	if !touched {
		t.Error("pipe did not reset the worker idle clock")
	}
	run.outcome <- supervisor.OutcomeSuccess
}

func TestSoftSuccessDoesNotRetry(t *testing.T) {
	d := newFakeDispatcher()
	q, eventBus := newTestQueue(t, d, 5, 3, 10*time.Millisecond)
	retrying := eventBus.Subscribe(bus.TopicWorkRetrying)
	defer eventBus.Unsubscribe(retrying)

	q.SubmitMessage(group("g1"), "slow but productive")
	d.next(t).outcome <- supervisor.OutcomeSoftSuccess

	d.expectNone(t, 100*time.Millisecond)
	select {
	case <-retrying.Ch():
		t.Error("soft success must not enter the retry path")
	default:
	}
}

func TestPipeRefusedWhenWorkerWindingDown(t *testing.T) {
	d := newFakeDispatcher()
	q, _ := newTestQueue(t, d, 5, 3, time.Second)
	g := group("g1")

	q.SubmitMessage(g, "start")
	run := d.next(t)

	// The worker was asked to close between the activity check and the pipe.
	d.mu.Lock()
	d.refuseTouch = true
	d.mu.Unlock()

	if q.PipeToRunning(g, "racing the close") {
		t.Fatal("piped to a worker that refused the touch")
	}
	entries, err := os.ReadDir(ipc.InboundDir(q.cfg.IPCRoot, "g1"))
	if err == nil && len(entries) != 0 {
		t.Errorf("follow-up written despite refusal: %d entries", len(entries))
	}
	run.outcome <- supervisor.OutcomeSuccess
}

func TestQueuedEventOnlyWhenWaiting(t *testing.T) {
	d := newFakeDispatcher()
	q, eventBus := newTestQueue(t, d, 1, 3, time.Second)
	queued := eventBus.Subscribe(bus.TopicWorkQueued)
	defer eventBus.Unsubscribe(queued)

	q.SubmitMessage(group("g1"), "goes straight out")
	run := d.next(t)
	select {
	case <-queued.Ch():
		t.Fatal("queued event published for an immediate dispatch")
	case <-time.After(50 * time.Millisecond):
	}

	q.SubmitMessage(group("g2"), "must wait for the slot")
	select {
	case ev := <-queued.Ch():
		if got := ev.Payload.(bus.WorkEvent).GroupID; got != "g2" {
			t.Errorf("queued event for %q, want g2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no queued event for waiting work")
	}
	run.outcome <- supervisor.OutcomeSuccess
	d.next(t).outcome <- supervisor.OutcomeSuccess
}
