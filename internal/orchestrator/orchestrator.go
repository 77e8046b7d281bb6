// Package orchestrator wires the transport, the dispatch queue, the IPC
// watcher, and the durable store into one control plane. It owns the policy
// decisions: which group a message belongs to, whether it dispatches or
// pipes, what an IPC envelope is allowed to do, and when cursors advance.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/channels"
	"github.com/basket/groupclaw/internal/ipc"
	otelPkg "github.com/basket/groupclaw/internal/otel"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/queue"
	"github.com/basket/groupclaw/internal/shared"
	"github.com/basket/groupclaw/internal/supervisor"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the orchestrator's collaborators.
type Config struct {
	Store   *persistence.Store
	Queue   *queue.Queue
	Channel channels.Channel
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer // nil means no tracing
	IPCRoot string

	// OnStoreFailure fires when the durable store stops answering mid-run.
	// Cursors must not drift from disk, so the process ends rather than
	// limping along. Nil logs and exits directly.
	OnStoreFailure func(error)
}

// Orchestrator implements channels.Intake and ipc.Handler.
type Orchestrator struct {
	store   *persistence.Store
	queue   *queue.Queue
	channel channels.Channel
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	fatal   func(error)
	ipcRoot string

	// lastSeen tracks the newest message timestamp submitted per group; the
	// cursor advances to it only once a worker completes, so a crash
	// mid-flight re-submits rather than silently drops.
	seenMu   sync.Mutex
	lastSeen map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("orchestrator")
	}
	fatal := cfg.OnStoreFailure
	if fatal == nil {
		fatal = func(err error) {
			logger.Error("durable store unavailable, exiting", "error", err)
			os.Exit(1)
		}
	}
	return &Orchestrator{
		store:    cfg.Store,
		queue:    cfg.Queue,
		channel:  cfg.Channel,
		bus:      cfg.Bus,
		logger:   logger,
		tracer:   tracer,
		fatal:    fatal,
		ipcRoot:  cfg.IPCRoot,
		lastSeen: make(map[string]time.Time),
	}
}

// escalateStore ends the process on store unavailability. Domain errors
// stay with the caller.
func (o *Orchestrator) escalateStore(err error) {
	if persistence.IsUnavailable(err) {
		o.fatal(err)
	}
}

// Start launches the completion monitor that advances cursors.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.monitorCompletions(ctx)
}

// Stop shuts down the completion monitor.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Reconcile prepares per-group state after a restart. Message recovery is
// cursor-driven: intake drops anything at or before the cursor, and the
// transport redelivers unacknowledged updates, so messages that never
// reached a completed worker re-enter the queue. Task work that was
// mid-queue at crash time is not replayed here; the next due-task poll
// picks it up.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	groups, err := o.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list groups: %w", err)
	}
	for _, group := range groups {
		if err := ipc.EnsureGroupDirs(o.ipcRoot, group.ID); err != nil {
			return fmt.Errorf("reconcile %s: %w", group.ID, err)
		}
		// A close sentinel left behind addresses a worker that no longer
		// exists; a fresh worker must not wind down on arrival.
		stale := filepath.Join(ipc.InboundDir(o.ipcRoot, group.ID), ipc.CloseSentinel)
		if err := os.Remove(stale); err == nil {
			o.logger.Info("removed stale close sentinel", "group_id", group.ID)
		}
		cursor, err := o.store.GetCursor(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("reconcile %s: read cursor: %w", group.ID, err)
		}
		o.logger.Info("group reconciled", "group_id", group.ID, "cursor", cursor)
	}
	return nil
}

// HandleIncomingMessage routes one platform message: resolve the group,
// apply its trigger policy, dedupe against the cursor, then pipe to a
// running worker or submit new work.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, msg channels.IncomingMessage) {
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "orchestrator.intake",
		otelPkg.AttrDestinationID.String(msg.DestinationID))
	defer span.End()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger := o.logger.With("trace_id", shared.TraceID(ctx))

	group, err := o.store.GroupByDestination(ctx, msg.DestinationID)
	if err != nil {
		o.escalateStore(err)
		logger.Debug("message for unregistered destination dropped",
			"destination_id", msg.DestinationID, "error", err)
		return
	}
	span.SetAttributes(otelPkg.AttrGroupID.String(group.ID))
	if group.TriggerMode == "mention" && !msg.Mentioned {
		return
	}

	cursor, err := o.store.GetCursor(ctx, group.ID)
	if err != nil {
		logger.Error("cursor read failed", "group_id", group.ID, "error", err)
		o.escalateStore(err)
		return
	}
	if !msg.SentAt.After(cursor) {
		logger.Debug("message at or before cursor skipped",
			"group_id", group.ID, "sent_at", msg.SentAt, "cursor", cursor)
		return
	}

	o.noteSeen(group.ID, msg.SentAt)
	prompt := msg.Text
	if msg.Sender != "" {
		prompt = msg.Sender + ": " + msg.Text
	}

	if o.queue.PipeToRunning(group, prompt) {
		return
	}
	o.channel.SetTyping(group.ChatID, true)
	o.queue.SubmitMessage(group, prompt)
}

// DeliverResult forwards one worker frame to the group's destination. The
// queue installs this as its result sink.
func (o *Orchestrator) DeliverResult(group *persistence.Group, frame supervisor.Frame) {
	if !frame.OK() {
		o.logger.Warn("worker reported error result",
			"group_id", group.ID, "error", frame.Error)
		return
	}
	if frame.Result == "" {
		return
	}
	ctx, span := otelPkg.StartClientSpan(context.Background(), o.tracer, "channel.send",
		otelPkg.AttrGroupID.String(group.ID),
		otelPkg.AttrDestinationID.String(group.ChatID))
	defer span.End()
	if err := o.channel.Send(ctx, group.ChatID, frame.Result, ""); err != nil {
		o.logger.Error("result delivery failed", "group_id", group.ID, "error", err)
	}
}

// monitorCompletions advances the group cursor when a worker reaches a
// successful terminal state. Cursor and session move in one transaction.
func (o *Orchestrator) monitorCompletions(ctx context.Context) {
	defer o.wg.Done()
	if o.bus == nil {
		return
	}
	sub := o.bus.Subscribe(bus.TopicWorkerCompleted)
	defer o.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.WorkerEvent)
			if !ok {
				continue
			}
			if payload.Outcome == string(supervisor.OutcomeFailure) {
				continue
			}
			o.advanceCursor(ctx, payload.GroupID)
		}
	}
}

func (o *Orchestrator) advanceCursor(ctx context.Context, groupID string) {
	o.seenMu.Lock()
	seen, ok := o.lastSeen[groupID]
	o.seenMu.Unlock()
	if !ok {
		return // task-only run, no message timestamp to record
	}
	session, err := o.store.GetSession(ctx, groupID)
	if err != nil {
		o.logger.Error("session read failed", "group_id", groupID, "error", err)
		o.escalateStore(err)
		return
	}
	if err := o.store.SetCursorAndSession(ctx, groupID, seen, session); err != nil {
		o.logger.Error("cursor advance failed", "group_id", groupID, "error", err)
		o.escalateStore(err)
		return
	}
	o.logger.Debug("cursor advanced", "group_id", groupID, "cursor", seen)
}

func (o *Orchestrator) noteSeen(groupID string, ts time.Time) {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	if ts.After(o.lastSeen[groupID]) {
		o.lastSeen[groupID] = ts
	}
}
