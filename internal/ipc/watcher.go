package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/shared"
)

// Handler receives authorized envelopes from the watcher.
type Handler interface {
	HandleOutboundMessage(ctx context.Context, issuer *persistence.Group, msg OutboundMessage) error
	HandleScheduleTask(ctx context.Context, issuer *persistence.Group, req ScheduleTaskRequest) error
	HandlePauseTask(ctx context.Context, issuer *persistence.Group, taskID string) error
	HandleResumeTask(ctx context.Context, issuer *persistence.Group, taskID string) error
	HandleCancelTask(ctx context.Context, issuer *persistence.Group, taskID string) error
	HandleRegisterGroup(ctx context.Context, issuer *persistence.Group, req RegisterGroupRequest) error
}

// WatcherConfig holds the dependencies for the IPC watcher.
type WatcherConfig struct {
	Root         string
	Store        *persistence.Store
	Handler      Handler
	Bus          *bus.Bus // may be nil
	Logger       *slog.Logger
	PollInterval time.Duration // defaults to 1 second if zero
}

// Watcher polls every registered group's outbound sub-channels, parses and
// authorizes each envelope, and hands it to the Handler. Each file is read
// and deleted exactly once; files that fail parsing or schema validation are
// moved to quarantine and never retried.
type Watcher struct {
	root     string
	store    *persistence.Store
	handler  Handler
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	watchedMu sync.Mutex
	watched   map[string]struct{}
}

// NewWatcher creates a Watcher with the given config.
func NewWatcher(cfg WatcherConfig) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     cfg.Root,
		store:    cfg.Store,
		handler:  cfg.Handler,
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
		watched:  make(map[string]struct{}),
	}
}

// Start begins the watcher loop in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("ipc watcher started", "root", w.root, "interval", w.interval)
}

// Stop cancels the watcher loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("ipc watcher stopped")
}

// loop ticks on a fixed interval. fsnotify events on watched sub-channel
// directories trigger an early scan, but the poll remains the correctness
// mechanism: a missed notification only delays handling by one tick.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	fsw, fsErr := fsnotify.NewWatcher()
	if fsErr != nil {
		w.logger.Warn("ipc fsnotify unavailable, polling only", "error", fsErr)
	} else {
		defer fsw.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx, fsw)

	for {
		var wake <-chan fsnotify.Event
		if fsw != nil {
			wake = fsw.Events
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx, fsw)
		case _, ok := <-wake:
			if !ok {
				fsw = nil
				continue
			}
			w.tick(ctx, fsw)
		}
	}
}

// tick scans each registered group's outbound and tasks directories.
func (w *Watcher) tick(ctx context.Context, fsw *fsnotify.Watcher) {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		w.logger.Error("ipc: list groups failed", "error", err)
		return
	}
	for i := range groups {
		group := &groups[i]
		if err := EnsureGroupDirs(w.root, group.ID); err != nil {
			w.logger.Error("ipc: ensure dirs failed", "group_id", group.ID, "error", err)
			continue
		}
		w.watchDirs(fsw, group.ID)
		w.scanDir(ctx, group, OutboundDir(w.root, group.ID))
		w.scanDir(ctx, group, TasksDir(w.root, group.ID))
	}
}

func (w *Watcher) watchDirs(fsw *fsnotify.Watcher, groupID string) {
	if fsw == nil {
		return
	}
	w.watchedMu.Lock()
	defer w.watchedMu.Unlock()
	for _, dir := range []string{OutboundDir(w.root, groupID), TasksDir(w.root, groupID)} {
		if _, ok := w.watched[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err == nil {
			w.watched[dir] = struct{}{}
		}
	}
}

func (w *Watcher) scanDir(ctx context.Context, issuer *persistence.Group, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("ipc: read dir failed", "dir", dir, "error", err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		names = append(names, entry.Name())
	}
	// Timestamp-prefixed names: lexical order is creation order.
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		w.consumeFile(ctx, issuer, path)
	}
}

// consumeFile reads, parses, authorizes, and handles one envelope file,
// then removes it. Parse and schema failures quarantine the file instead.
func (w *Watcher) consumeFile(ctx context.Context, issuer *persistence.Group, path string) {
	ctx = shared.WithTraceID(shared.WithGroupID(ctx, issuer.ID), shared.NewTraceID())
	logger := w.logger.With("trace_id", shared.TraceID(ctx))

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("ipc: read file failed", "path", path, "error", err)
		return
	}

	env, err := ParseEnvelope(issuer.ID, data)
	if err != nil {
		w.quarantine(issuer.ID, path, err)
		return
	}
	env.Path = path

	if reason := w.authorize(ctx, issuer, env); reason != "" {
		logger.Warn("ipc: envelope rejected",
			"group_id", issuer.ID, "type", env.Type, "reason", reason)
		w.publish(bus.TopicIPCRejected, bus.EnvelopeEvent{
			GroupID: issuer.ID, Type: string(env.Type), Reason: reason,
		})
		_ = os.Remove(path)
		return
	}

	if err := w.dispatch(ctx, issuer, env); err != nil {
		logger.Error("ipc: envelope handler failed",
			"group_id", issuer.ID, "type", env.Type, "error", err)
	} else {
		w.publish(bus.TopicIPCEnvelope, bus.EnvelopeEvent{
			GroupID: issuer.ID, Type: string(env.Type),
		})
	}
	// Exactly-once read: the file is removed whether or not the handler
	// succeeded. Redelivery would re-run side effects like message sends.
	_ = os.Remove(path)
}

// authorize returns a non-empty rejection reason for a privilege violation.
func (w *Watcher) authorize(ctx context.Context, issuer *persistence.Group, env *Envelope) string {
	if issuer.Privileged {
		return ""
	}
	switch env.Type {
	case EnvelopeMessage:
		if env.Message.DestinationID != issuer.ChatID {
			return "cross-group message from unprivileged group"
		}
	case EnvelopeScheduleTask:
		if env.Schedule.TargetID != issuer.ID {
			return "cross-group task from unprivileged group"
		}
	case EnvelopePauseTask, EnvelopeResumeTask, EnvelopeCancelTask:
		task, err := w.store.GetScheduledTask(ctx, env.TaskOp.TaskID)
		if err != nil {
			// Unknown task: let the handler surface the not-found error.
			return ""
		}
		if task.GroupID != issuer.ID {
			return "task operation on another group's task"
		}
	case EnvelopeRegisterGroup:
		return "register_group requires the privileged group"
	}
	return ""
}

func (w *Watcher) dispatch(ctx context.Context, issuer *persistence.Group, env *Envelope) error {
	switch env.Type {
	case EnvelopeMessage:
		return w.handler.HandleOutboundMessage(ctx, issuer, *env.Message)
	case EnvelopeScheduleTask:
		return w.handler.HandleScheduleTask(ctx, issuer, *env.Schedule)
	case EnvelopePauseTask:
		return w.handler.HandlePauseTask(ctx, issuer, env.TaskOp.TaskID)
	case EnvelopeResumeTask:
		return w.handler.HandleResumeTask(ctx, issuer, env.TaskOp.TaskID)
	case EnvelopeCancelTask:
		return w.handler.HandleCancelTask(ctx, issuer, env.TaskOp.TaskID)
	case EnvelopeRegisterGroup:
		return w.handler.HandleRegisterGroup(ctx, issuer, *env.Register)
	default:
		return fmt.Errorf("unhandled envelope type %q", env.Type)
	}
}

// quarantine moves an unparseable file aside for operator inspection.
// Quarantined files are never retried: a parse failure usually means a
// protocol version mismatch, not a transient fault.
func (w *Watcher) quarantine(groupID, path string, cause error) {
	qdir := QuarantineDir(w.root)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		w.logger.Error("ipc: create quarantine dir failed", "error", err)
		return
	}
	// Same-named files can be quarantined more than once; a unique suffix
	// keeps each piece of evidence instead of overwriting the last.
	dest := filepath.Join(qdir, fmt.Sprintf("%s-%d-%s", groupID, time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("ipc: quarantine move failed", "path", path, "error", err)
		return
	}
	w.logger.Warn("ipc: envelope quarantined",
		"group_id", groupID, "file", dest, "error", cause)
	w.publish(bus.TopicIPCQuarantined, bus.EnvelopeEvent{
		GroupID: groupID, Reason: cause.Error(),
	})
}

func (w *Watcher) publish(topic string, payload any) {
	if w.bus != nil {
		w.bus.Publish(topic, payload)
	}
}
