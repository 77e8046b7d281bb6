// Package queue is the concurrency controller between intake and the worker
// supervisor. It enforces the per-group single-worker rule and the global
// worker cap, drains waiting groups in FIFO order, and retries failed
// dispatches with exponential backoff.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/supervisor"
)

// Kind distinguishes the two dispatchable work variants.
type Kind string

const (
	KindMessage Kind = "message"
	KindTask    Kind = "task"
)

// Dispatcher runs one worker to completion. Satisfied by *supervisor.Supervisor.
// Touch reports whether the group's worker accepted the activity; false means
// the worker is winding down and must not be fed follow-ups.
type Dispatcher interface {
	Dispatch(ctx context.Context, group *persistence.Group, item supervisor.WorkItem, onResult supervisor.ResultFunc) (supervisor.Outcome, error)
	Touch(groupID string) bool
}

// ResultSink receives every parsed worker frame for delivery to the group's
// external destination.
type ResultSink func(group *persistence.Group, frame supervisor.Frame)

// Config holds the queue's dependencies and limits.
type Config struct {
	Dispatcher Dispatcher
	IPCRoot    string
	Bus        *bus.Bus // may be nil
	Logger     *slog.Logger
	OnResult   ResultSink

	MaxWorkers int
	MaxRetries int
	RetryBase  time.Duration
}

// groupState is the per-group runtime record. Owned exclusively by the
// queue's mutex; reset in place when a group quiesces, never deleted.
type groupState struct {
	group           *persistence.Group
	active          bool
	waiting         bool
	pendingMessages []supervisor.WorkItem
	pendingTasks    []supervisor.WorkItem
	retries         int
}

// Queue accepts work items and decides between immediate dispatch,
// enqueueing, and piping to an already-running worker.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	groups      map[string]*groupState
	waitList    []string // group ids in first-queued order
	activeCount int
	retryTimers map[*time.Timer]struct{}

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a Queue. Start must be called before submitting work.
func New(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Queue{
		cfg:         cfg,
		logger:      logger,
		groups:      make(map[string]*groupState),
		retryTimers: make(map[*time.Timer]struct{}),
	}
}

// Start binds the queue to its lifetime context.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
}

// Stop cancels pending retry timers and waits for in-flight workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	for timer := range q.retryTimers {
		timer.Stop()
	}
	q.retryTimers = make(map[*time.Timer]struct{})
	q.mu.Unlock()
	q.wg.Wait()
}

// SubmitMessage enqueues or immediately dispatches a conversational turn.
func (q *Queue) SubmitMessage(group *persistence.Group, prompt string) {
	item := supervisor.WorkItem{Prompt: prompt, UseStoredSession: true}
	q.submit(group, KindMessage, item)
}

// SubmitTask enqueues or immediately dispatches a scheduled task invocation.
// Shared-context tasks resume the group's conversation; isolated ones start
// cold.
func (q *Queue) SubmitTask(group *persistence.Group, task persistence.ScheduledTask) {
	item := supervisor.WorkItem{
		Prompt:           task.Prompt,
		IsScheduledTask:  true,
		UseStoredSession: task.ContextMode == "shared",
	}
	q.submit(group, KindTask, item)
}

// PipeToRunning delivers text to the group's active worker over the inbound
// follow-up channel. Returns false when the group has no active worker, in
// which case the caller submits the text as new work instead.
func (q *Queue) PipeToRunning(group *persistence.Group, text string) bool {
	q.mu.Lock()
	gs := q.state(group.ID)
	active := gs.active
	q.mu.Unlock()
	if !active {
		return false
	}
	// Touch first: a worker already asked to close may exit without reading
	// the inbound dir, so its group gets the text as new work instead.
	if !q.cfg.Dispatcher.Touch(group.ID) {
		q.logger.Debug("pipe refused, worker winding down", "group_id", group.ID)
		return false
	}
	if err := ipc.WriteFollowUp(q.cfg.IPCRoot, group.ID, text); err != nil {
		q.logger.Error("pipe follow-up failed", "group_id", group.ID, "error", err)
		return false
	}
	q.publish(bus.TopicWorkPiped, bus.WorkEvent{GroupID: group.ID, Kind: string(KindMessage)})
	q.logger.Debug("follow-up piped to running worker", "group_id", group.ID)
	return true
}

// ActiveWorkers returns the number of currently running workers.
func (q *Queue) ActiveWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Active reports whether the group has a running worker.
func (q *Queue) Active(groupID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state(groupID).active
}

func (q *Queue) submit(group *persistence.Group, kind Kind, item supervisor.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs := q.state(group.ID)
	gs.group = group
	if !gs.active && q.activeCount < q.cfg.MaxWorkers {
		q.dispatchLocked(group, gs, kind, item, gs.retries)
		return
	}
	// Queued means actually waiting; an immediate dispatch emits only the
	// dispatched event.
	q.publish(bus.TopicWorkQueued, bus.WorkEvent{GroupID: group.ID, Kind: string(kind)})
	q.appendPending(gs, kind, item, false)
	q.markWaitingLocked(group.ID, gs)
	q.logger.Debug("work queued",
		"group_id", group.ID, "kind", string(kind),
		"active", gs.active, "active_workers", q.activeCount)
}

func (q *Queue) state(groupID string) *groupState {
	gs, ok := q.groups[groupID]
	if !ok {
		gs = &groupState{}
		q.groups[groupID] = gs
	}
	return gs
}

func (q *Queue) appendPending(gs *groupState, kind Kind, item supervisor.WorkItem, front bool) {
	list := &gs.pendingMessages
	if kind == KindTask {
		list = &gs.pendingTasks
	}
	if front {
		*list = append([]supervisor.WorkItem{item}, *list...)
	} else {
		*list = append(*list, item)
	}
}

// markWaitingLocked appends the group to the FIFO wait list at most once.
func (q *Queue) markWaitingLocked(groupID string, gs *groupState) {
	if gs.waiting {
		return
	}
	gs.waiting = true
	q.waitList = append(q.waitList, groupID)
}

// dispatchLocked claims a slot and runs the worker in its own goroutine.
// attempt is 0 for a first dispatch and k for the k-th retry.
func (q *Queue) dispatchLocked(group *persistence.Group, gs *groupState, kind Kind, item supervisor.WorkItem, attempt int) {
	gs.active = true
	q.activeCount++
	ctx := q.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	q.publish(bus.TopicWorkDispatched, bus.WorkEvent{GroupID: group.ID, Kind: string(kind), Attempt: attempt})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		onResult := func(frame supervisor.Frame) {
			if q.cfg.OnResult != nil {
				q.cfg.OnResult(group, frame)
			}
		}
		outcome, err := q.cfg.Dispatcher.Dispatch(ctx, group, item, onResult)
		if err != nil {
			q.logger.Warn("worker dispatch ended with error",
				"group_id", group.ID, "kind", string(kind), "error", err)
		}
		q.onCompletion(group, gs, kind, item, outcome)
	}()
}

// onCompletion releases the group's slot, handles the retry policy, and
// drains waiting groups into any freed capacity.
func (q *Queue) onCompletion(group *persistence.Group, gs *groupState, kind Kind, item supervisor.WorkItem, outcome supervisor.Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs.active = false
	q.activeCount--

	if outcome == supervisor.OutcomeFailure {
		q.scheduleRetryLocked(group, gs, kind, item)
	} else {
		gs.retries = 0
	}

	// The completing group's remaining work re-queues at the FIFO tail so
	// other waiting groups get the freed slot first.
	if len(gs.pendingTasks) > 0 || len(gs.pendingMessages) > 0 {
		q.markWaitingLocked(group.ID, gs)
	}
	q.drainLocked()
}

// scheduleRetryLocked arms the backoff timer for a failed item, or drops it
// once the retry budget is exhausted. A waiting retry holds no slot.
func (q *Queue) scheduleRetryLocked(group *persistence.Group, gs *groupState, kind Kind, item supervisor.WorkItem) {
	if gs.retries >= q.cfg.MaxRetries {
		q.logger.Error("work dropped after exhausting retries",
			"group_id", group.ID, "kind", string(kind), "retries", gs.retries)
		q.publish(bus.TopicWorkDropped, bus.WorkEvent{GroupID: group.ID, Kind: string(kind), Attempt: gs.retries})
		gs.retries = 0
		return
	}
	gs.retries++
	k := gs.retries
	delay := q.cfg.RetryBase * (1 << (k - 1))
	q.logger.Warn("worker failed, retry scheduled",
		"group_id", group.ID, "kind", string(kind), "attempt", k, "delay", delay)
	q.publish(bus.TopicWorkRetrying, bus.WorkEvent{GroupID: group.ID, Kind: string(kind), Attempt: k})

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, timer)
		gs := q.state(group.ID)
		if !gs.active && q.activeCount < q.cfg.MaxWorkers {
			q.dispatchLocked(group, gs, kind, item, gs.retries)
			q.mu.Unlock()
			return
		}
		// Retried work goes to the head of its list so it is the group's
		// next item.
		q.appendPending(gs, kind, item, true)
		q.markWaitingLocked(group.ID, gs)
		q.mu.Unlock()
	})
	q.retryTimers[timer] = struct{}{}
}

// drainLocked hands freed slots to waiting groups in first-queued order,
// taking pending tasks before pending messages within each group.
func (q *Queue) drainLocked() {
	for q.activeCount < q.cfg.MaxWorkers && len(q.waitList) > 0 {
		groupID := q.waitList[0]
		q.waitList = q.waitList[1:]
		gs := q.state(groupID)
		gs.waiting = false
		if gs.active {
			continue
		}

		var (
			kind Kind
			item supervisor.WorkItem
			ok   bool
		)
		switch {
		case len(gs.pendingTasks) > 0:
			kind, item, ok = KindTask, gs.pendingTasks[0], true
			gs.pendingTasks = gs.pendingTasks[1:]
		case len(gs.pendingMessages) > 0:
			kind, item, ok = KindMessage, gs.pendingMessages[0], true
			gs.pendingMessages = gs.pendingMessages[1:]
		}
		if !ok || gs.group == nil {
			continue
		}
		if len(gs.pendingTasks) > 0 || len(gs.pendingMessages) > 0 {
			q.markWaitingLocked(groupID, gs)
		}
		q.dispatchLocked(gs.group, gs, kind, item, gs.retries)
	}
}

func (q *Queue) publish(topic string, payload any) {
	if q.cfg.Bus != nil {
		q.cfg.Bus.Publish(topic, payload)
	}
}
