package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/channels"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/queue"
	"github.com/basket/groupclaw/internal/supervisor"
)

type sentMessage struct {
	destinationID string
	text          string
	senderLabel   string
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []sentMessage
	typing int
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) OwnsDestination(string) bool { return true }

func (c *fakeChannel) IsConnected() bool { return true }

func (c *fakeChannel) SetTyping(string, bool) { c.mu.Lock(); c.typing++; c.mu.Unlock() }

func (c *fakeChannel) Start(ctx context.Context) error { <-ctx.Done(); return nil }

func (c *fakeChannel) Send(_ context.Context, destinationID, text, senderLabel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{destinationID, text, senderLabel})
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// blockingDispatcher parks every dispatch until released, so tests control
// which groups look active to the queue.
type blockingDispatcher struct {
	mu      sync.Mutex
	prompts []string
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{release: make(chan struct{})}
}

func (d *blockingDispatcher) Dispatch(_ context.Context, _ *persistence.Group, item supervisor.WorkItem, _ supervisor.ResultFunc) (supervisor.Outcome, error) {
	d.mu.Lock()
	d.prompts = append(d.prompts, item.Prompt)
	d.mu.Unlock()
	<-d.release
	return supervisor.OutcomeSuccess, nil
}

func (d *blockingDispatcher) Touch(string) bool { return true }

func (d *blockingDispatcher) promptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.prompts)
}

func (d *blockingDispatcher) waitForDispatch(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.promptCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d dispatches, want %d", d.promptCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type orchFixture struct {
	orch       *Orchestrator
	store      *persistence.Store
	channel    *fakeChannel
	dispatcher *blockingDispatcher
	eventBus   *bus.Bus
	ipcRoot    string
	fatal      chan error
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eventBus := bus.New()
	dispatcher := newBlockingDispatcher()
	ipcRoot := filepath.Join(dir, "ipc")
	q := queue.New(queue.Config{
		Dispatcher: dispatcher,
		IPCRoot:    ipcRoot,
		MaxWorkers: 5,
		MaxRetries: 1,
		RetryBase:  10 * time.Millisecond,
	})
	q.Start(context.Background())
	t.Cleanup(func() {
		close(dispatcher.release)
		q.Stop()
	})

	channel := &fakeChannel{}
	fatal := make(chan error, 1)
	orch := New(Config{
		Store:   store,
		Queue:   q,
		Channel: channel,
		Bus:     eventBus,
		IPCRoot: ipcRoot,
		OnStoreFailure: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	return &orchFixture{
		orch: orch, store: store, channel: channel,
		dispatcher: dispatcher, eventBus: eventBus, ipcRoot: ipcRoot,
		fatal: fatal,
	}
}

func (f *orchFixture) register(t *testing.T, id, chatID, triggerMode string) *persistence.Group {
	t.Helper()
	g := persistence.Group{ID: id, Name: id, Folder: "/srv/" + id, ChatID: chatID, TriggerMode: triggerMode}
	if err := f.store.RegisterGroup(context.Background(), g); err != nil {
		t.Fatalf("register group: %v", err)
	}
	got, err := f.store.GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	return got
}

func incoming(dest, text string, mentioned bool) channels.IncomingMessage {
	return channels.IncomingMessage{
		DestinationID: dest, Sender: "alice", Text: text,
		Mentioned: mentioned, SentAt: time.Now(),
	}
}

func TestIncomingUnknownDestinationDropped(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.HandleIncomingMessage(context.Background(), incoming("-999", "hello", true))
	time.Sleep(50 * time.Millisecond)
	if f.dispatcher.promptCount() != 0 {
		t.Error("message for unregistered destination dispatched")
	}
}

func TestIncomingTriggerModeMention(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "mention")
	ctx := context.Background()

	f.orch.HandleIncomingMessage(ctx, incoming("-100", "just chatting", false))
	time.Sleep(50 * time.Millisecond)
	if f.dispatcher.promptCount() != 0 {
		t.Fatal("unmentioned message dispatched in mention mode")
	}

	f.orch.HandleIncomingMessage(ctx, incoming("-100", "do the thing", true))
	f.dispatcher.waitForDispatch(t, 1)
	f.dispatcher.mu.Lock()
	prompt := f.dispatcher.prompts[0]
	f.dispatcher.mu.Unlock()
	if prompt != "alice: do the thing" {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestIncomingAlwaysMode(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")

	f.orch.HandleIncomingMessage(context.Background(), incoming("-100", "no mention needed", false))
	f.dispatcher.waitForDispatch(t, 1)
}

func TestIncomingCursorDedupe(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	cursor := time.Now()
	if err := f.store.SetCursor(ctx, "g1", cursor); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	old := incoming("-100", "already handled", false)
	old.SentAt = cursor.Add(-time.Minute)
	f.orch.HandleIncomingMessage(ctx, old)
	time.Sleep(50 * time.Millisecond)
	if f.dispatcher.promptCount() != 0 {
		t.Fatal("message older than cursor re-dispatched")
	}

	fresh := incoming("-100", "new work", false)
	fresh.SentAt = cursor.Add(time.Minute)
	f.orch.HandleIncomingMessage(ctx, fresh)
	f.dispatcher.waitForDispatch(t, 1)
}

func TestIncomingPipesToActiveWorker(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	f.orch.HandleIncomingMessage(ctx, incoming("-100", "first", false))
	f.dispatcher.waitForDispatch(t, 1)

	// Worker is still running; the second message becomes a follow-up file,
	// not a second dispatch.
	f.orch.HandleIncomingMessage(ctx, incoming("-100", "second", false))
	time.Sleep(50 * time.Millisecond)
	if f.dispatcher.promptCount() != 1 {
		t.Fatalf("second worker spawned for an active group")
	}
	entries, err := os.ReadDir(ipc.InboundDir(f.ipcRoot, "g1"))
	if err != nil || len(entries) != 1 {
		t.Errorf("follow-up not piped: entries=%d err=%v", len(entries), err)
	}
}

func TestCursorAdvancesOnCompletion(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	f.orch.Start(ctx)
	defer f.orch.Stop()

	msg := incoming("-100", "work", false)
	f.orch.HandleIncomingMessage(ctx, msg)
	f.dispatcher.waitForDispatch(t, 1)

	if err := f.store.SetSession(ctx, "g1", "sess-9"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	f.eventBus.Publish(bus.TopicWorkerCompleted, bus.WorkerEvent{
		GroupID: "g1", RunID: "r1", Outcome: string(supervisor.OutcomeSuccess),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		cursor, err := f.store.GetCursor(ctx, "g1")
		if err == nil && !cursor.IsZero() {
			if cursor.UnixMilli() != msg.SentAt.UnixMilli() {
				t.Errorf("cursor = %v, want %v", cursor, msg.SentAt)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cursor never advanced after completion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Session survived the paired write.
	sess, err := f.store.GetSession(ctx, "g1")
	if err != nil || sess != "sess-9" {
		t.Errorf("session = %q err=%v after cursor advance", sess, err)
	}
}

func TestDeliverResult(t *testing.T) {
	f := newOrchFixture(t)
	g := f.register(t, "g1", "-100", "always")

	f.orch.DeliverResult(g, supervisor.Frame{Status: "success", Result: "all done"})
	f.orch.DeliverResult(g, supervisor.Frame{Status: "error", Error: "boom"})
	f.orch.DeliverResult(g, supervisor.Frame{Status: "success", Result: ""})

	if got := f.channel.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
	f.channel.mu.Lock()
	defer f.channel.mu.Unlock()
	if f.channel.sent[0].destinationID != "-100" || f.channel.sent[0].text != "all done" {
		t.Errorf("unexpected delivery: %+v", f.channel.sent[0])
	}
}

func TestHandleScheduleTask(t *testing.T) {
	f := newOrchFixture(t)
	g := f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	err := f.orch.HandleScheduleTask(ctx, g, ipc.ScheduleTaskRequest{
		Prompt: "daily digest", ScheduleType: "cron", ScheduleValue: "0 9 * * *",
		ContextMode: "isolated", TargetID: "g1",
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	tasks, err := f.store.ListTasksForGroup(ctx, "g1")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks=%d err=%v", len(tasks), err)
	}
	if tasks[0].NextRunAt == nil || !tasks[0].NextRunAt.After(time.Now()) {
		t.Errorf("first run not in the future: %v", tasks[0].NextRunAt)
	}

	err = f.orch.HandleScheduleTask(ctx, g, ipc.ScheduleTaskRequest{
		Prompt: "bad", ScheduleType: "cron", ScheduleValue: "not cron", TargetID: "g1",
	})
	if err == nil {
		t.Error("invalid schedule accepted")
	}

	err = f.orch.HandleScheduleTask(ctx, g, ipc.ScheduleTaskRequest{
		Prompt: "orphan", ScheduleType: "interval", ScheduleValue: "1h", TargetID: "ghost",
	})
	if err == nil {
		t.Error("schedule for unknown group accepted")
	}
}

func TestHandleTaskLifecycleOps(t *testing.T) {
	f := newOrchFixture(t)
	g := f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	id, err := f.store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID: "g1", Prompt: "p", ScheduleType: "interval", ScheduleValue: "1h",
	}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := f.orch.HandlePauseTask(ctx, g, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.orch.HandleResumeTask(ctx, g, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	task, err := f.store.GetScheduledTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusActive {
		t.Errorf("status = %q after resume", task.Status)
	}
	if err := f.orch.HandleCancelTask(ctx, g, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.orch.HandleResumeTask(ctx, g, id); err == nil {
		t.Error("cancelled task resumed")
	}
}

func TestHandleRegisterGroup(t *testing.T) {
	f := newOrchFixture(t)
	admin := f.register(t, "admin", "-1", "always")
	ctx := context.Background()

	err := f.orch.HandleRegisterGroup(ctx, admin, ipc.RegisterGroupRequest{
		GroupID: "g2", Name: "Second", Folder: "/srv/g2", ChatID: "-200",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := f.store.GetGroup(ctx, "g2"); err != nil {
		t.Errorf("group not persisted: %v", err)
	}
	if _, err := os.Stat(ipc.OutboundDir(f.ipcRoot, "g2")); err != nil {
		t.Errorf("ipc dirs not prepared: %v", err)
	}
}

func TestReconcileRemovesStaleClose(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	if err := ipc.WriteClose(f.ipcRoot, "g1"); err != nil {
		t.Fatalf("write close: %v", err)
	}
	if err := f.orch.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	stale := filepath.Join(ipc.InboundDir(f.ipcRoot, "g1"), ipc.CloseSentinel)
	if _, err := os.Stat(stale); err == nil {
		t.Error("stale close sentinel survived reconciliation")
	}
}

func TestStoreFailureDuringCursorAdvanceEscalates(t *testing.T) {
	f := newOrchFixture(t)
	f.register(t, "g1", "-100", "always")
	ctx := context.Background()

	f.orch.Start(ctx)
	defer f.orch.Stop()

	f.orch.HandleIncomingMessage(ctx, incoming("-100", "work", false))
	f.dispatcher.waitForDispatch(t, 1)

	f.store.Close()
	f.eventBus.Publish(bus.TopicWorkerCompleted, bus.WorkerEvent{
		GroupID: "g1", RunID: "r1", Outcome: string(supervisor.OutcomeSuccess),
	})

	select {
	case err := <-f.fatal:
		if !persistence.IsUnavailable(err) {
			t.Errorf("escalated error not an unavailability: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cursor advance against a dead store did not escalate")
	}
}
