// Package supervisor spawns one worker process per dispatched unit of work,
// delivers the payload over stdin, stream-parses sentinel-framed results,
// and enforces the hard and idle timeout policies.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/groupclaw/internal/bus"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/persistence"
	"github.com/basket/groupclaw/internal/shared"
)

// Outcome is the terminal classification of one worker invocation.
type Outcome string

const (
	// OutcomeSuccess: clean exit with at least one parsed result frame.
	OutcomeSuccess Outcome = "success"
	// OutcomeSoftSuccess: killed on the hard timeout after results were
	// already delivered. The session is preserved and no retry happens.
	OutcomeSoftSuccess Outcome = "soft_success"
	// OutcomeFailure: abnormal exit, or no valid frame ever arrived.
	// The queue retries these with backoff.
	OutcomeFailure Outcome = "failure"
)

// WorkItem is one unit of work handed to Dispatch.
type WorkItem struct {
	Prompt           string
	SessionID        string // explicit resumable session, empty to start cold
	UseStoredSession bool   // resolve the group's stored session at spawn time
	IsScheduledTask  bool
}

// payload is the JSON document written to the worker's stdin. Credentials
// travel here, never in the process environment, so nothing the worker
// spawns can inherit them.
type payload struct {
	Prompt            string            `json:"prompt"`
	SessionID         string            `json:"sessionId,omitempty"`
	GroupID           string            `json:"groupId"`
	DestinationID     string            `json:"destinationId"`
	IsPrivilegedGroup bool              `json:"isPrivilegedGroup"`
	IsScheduledTask   bool              `json:"isScheduledTask,omitempty"`
	Credentials       map[string]string `json:"credentials,omitempty"`
}

// ResultFunc receives each parsed frame as soon as it is complete, before
// the process exits. Incremental results reach the destination this way.
type ResultFunc func(frame Frame)

// Config holds the supervisor's dependencies.
type Config struct {
	Spawner     Spawner
	Store       *persistence.Store
	Bus         *bus.Bus // may be nil
	Logger      *slog.Logger
	IPCRoot     string
	HardTimeout time.Duration
	IdleTimeout time.Duration // 0 disables the idle close path
	Credentials map[string]string

	// OnStoreFailure fires when the durable store stops answering mid-run.
	// Sessions and cursors must not drift from disk, so the process ends
	// rather than limping along. Nil logs and exits directly.
	OnStoreFailure func(error)
}

// Supervisor runs worker processes and tracks the ones in flight.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	fatal  func(error)

	mu   sync.Mutex
	runs map[string]*run // keyed by group id
}

type run struct {
	lastActivity atomic.Int64 // unix nanos of the last frame or follow-up
	closeSent    atomic.Bool
}

func (r *run) touch() { r.lastActivity.Store(time.Now().UnixNano()) }

func (r *run) idleFor() time.Duration {
	return time.Since(time.Unix(0, r.lastActivity.Load()))
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fatal := cfg.OnStoreFailure
	if fatal == nil {
		fatal = func(err error) {
			logger.Error("durable store unavailable, exiting", "error", err)
			os.Exit(1)
		}
	}
	return &Supervisor{cfg: cfg, logger: logger, fatal: fatal, runs: make(map[string]*run)}
}

// escalateStore ends the process on store unavailability. Domain errors
// stay with the caller.
func (s *Supervisor) escalateStore(err error) {
	if persistence.IsUnavailable(err) {
		s.fatal(err)
	}
}

// Touch resets the idle clock for a group's running worker and reports
// whether the worker accepted the activity. The queue calls this before
// piping a follow-up message, so an actively-fed worker is not asked to
// close. Returns false once a close was requested or no run exists; the
// follow-up must then queue as new work instead of going to a worker that
// may exit without reading it.
func (s *Supervisor) Touch(groupID string) bool {
	s.mu.Lock()
	r := s.runs[groupID]
	s.mu.Unlock()
	if r == nil || r.closeSent.Load() {
		return false
	}
	r.touch()
	return true
}

// Dispatch spawns a worker for the group, blocks until it reaches a
// terminal state, and returns the outcome. onResult fires once per parsed
// frame, in stream order, from the dispatching goroutine.
func (s *Supervisor) Dispatch(ctx context.Context, group *persistence.Group, item WorkItem, onResult ResultFunc) (Outcome, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithGroupID(ctx, group.ID), runID)
	logger := s.logger.With("group_id", group.ID, "run_id", runID)

	sessionID := item.SessionID
	if item.UseStoredSession && sessionID == "" {
		stored, err := s.cfg.Store.GetSession(ctx, group.ID)
		if err != nil {
			s.escalateStore(err)
			return OutcomeFailure, fmt.Errorf("resolve session for %s: %w", group.ID, err)
		}
		sessionID = stored
	}
	if sessionID != "" {
		ctx = shared.WithSessionID(ctx, sessionID)
	}

	doc, err := json.Marshal(payload{
		Prompt:            item.Prompt,
		SessionID:         sessionID,
		GroupID:           group.ID,
		DestinationID:     group.ChatID,
		IsPrivilegedGroup: group.Privileged,
		IsScheduledTask:   item.IsScheduledTask,
		Credentials:       s.cfg.Credentials,
	})
	if err != nil {
		return OutcomeFailure, fmt.Errorf("marshal worker payload: %w", err)
	}

	proc, err := s.cfg.Spawner.Spawn(ctx, SpawnRequest{
		Dir:   group.Folder,
		Stdin: doc,
		Env:   ScrubbedEnv(),
	})
	if err != nil {
		return OutcomeFailure, fmt.Errorf("spawn worker: %w", err)
	}

	r := &run{}
	r.touch()
	s.mu.Lock()
	s.runs[group.ID] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.runs, group.ID)
		s.mu.Unlock()
	}()

	logger.Info("worker started", "pid", proc.Pid(), "scheduled", item.IsScheduledTask)
	s.publish(bus.TopicWorkerStarted, bus.WorkerEvent{GroupID: group.ID, RunID: runID})

	stderrTail := newTailBuffer(4096)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(stderrTail, proc.Stderr())
	}()

	type scanned struct {
		frame Frame
		err   error
	}
	frames := make(chan scanned, 16)
	scanDone := make(chan struct{})
	go func() {
		defer close(frames)
		defer close(scanDone)
		if err := scanFrames(proc.Stdout(), func(f Frame, err error) {
			frames <- scanned{frame: f, err: err}
		}); err != nil {
			logger.Warn("worker output scan ended", "error", err)
		}
	}()

	// Wait closes the pipes, so reaping before both readers hit EOF can
	// discard frames still buffered at exit time. Reap only after the
	// readers drain.
	waitCh := make(chan error, 1)
	go func() {
		<-scanDone
		<-stderrDone
		waitCh <- proc.Wait()
	}()

	hardTimer := time.NewTimer(s.cfg.HardTimeout)
	defer hardTimer.Stop()

	// The idle timer is delta-checked: instead of rearming on every frame it
	// fires, compares elapsed idle time against the threshold, and rearms
	// for the remainder. High-volume output then costs no timer churn.
	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	var (
		validFrames int
		killed      bool
		waitErr     error
		exited      bool
		framesOpen  = true
	)

	for framesOpen || !exited {
		select {
		case sc, ok := <-frames:
			if !ok {
				framesOpen = false
				continue
			}
			if sc.err != nil {
				logger.Warn("malformed worker frame discarded", "error", sc.err)
				s.publish(bus.TopicWorkerFrameError, bus.WorkerEvent{GroupID: group.ID, RunID: runID})
				continue
			}
			validFrames++
			r.touch()
			if !hardTimer.Stop() {
				select {
				case <-hardTimer.C:
				default:
				}
			}
			hardTimer.Reset(s.cfg.HardTimeout)
			s.persistSession(ctx, logger, group.ID, sessionID, sc.frame)
			s.publish(bus.TopicWorkerResult, bus.WorkerEvent{GroupID: group.ID, RunID: runID})
			if onResult != nil {
				onResult(sc.frame)
			}

		case <-idleC:
			if r.closeSent.Load() {
				idleC = nil
				continue
			}
			if idle := r.idleFor(); idle < s.cfg.IdleTimeout {
				idleTimer.Reset(s.cfg.IdleTimeout - idle)
				continue
			}
			r.closeSent.Store(true)
			idleC = nil
			logger.Info("worker idle, close requested")
			if err := ipc.WriteClose(s.cfg.IPCRoot, group.ID); err != nil {
				logger.Error("write close sentinel failed", "error", err)
			}

		case <-hardTimer.C:
			if exited {
				continue
			}
			killed = true
			logger.Warn("worker hard timeout, killing", "frames_delivered", validFrames)
			s.publish(bus.TopicWorkerTimeout, bus.WorkerEvent{GroupID: group.ID, RunID: runID})
			if err := proc.Kill(); err != nil {
				logger.Error("kill worker failed", "error", err)
			}

		case waitErr = <-waitCh:
			exited = true
		}
	}

	outcome := classify(killed, waitErr, validFrames)
	switch outcome {
	case OutcomeFailure:
		logger.Error("worker failed",
			"killed", killed, "exit_error", waitErr,
			"frames", validFrames, "stderr", shared.Redact(stderrTail.String()))
	default:
		logger.Info("worker finished", "outcome", string(outcome), "frames", validFrames)
	}
	s.publish(bus.TopicWorkerCompleted, bus.WorkerEvent{
		GroupID: group.ID, RunID: runID, Outcome: string(outcome),
	})

	if outcome == OutcomeFailure {
		return outcome, fmt.Errorf("worker run %s failed (killed=%v, frames=%d): %w",
			runID, killed, validFrames, errOrExit(waitErr))
	}
	return outcome, nil
}

// persistSession stores the first newly-established session id so the next
// dispatch for the group resumes the same multi-turn context.
func (s *Supervisor) persistSession(ctx context.Context, logger *slog.Logger, groupID, current string, frame Frame) {
	if frame.NewSessionID == "" || frame.NewSessionID == current {
		return
	}
	stored, err := s.cfg.Store.GetSession(ctx, groupID)
	if err != nil {
		s.escalateStore(err)
	} else if stored == frame.NewSessionID {
		return
	}
	if err := s.cfg.Store.SetSession(ctx, groupID, frame.NewSessionID); err != nil {
		logger.Error("persist session failed", "error", err)
		s.escalateStore(err)
		return
	}
	logger.Info("session established", "session_id", frame.NewSessionID)
}

func classify(killed bool, waitErr error, validFrames int) Outcome {
	switch {
	case killed && validFrames > 0:
		return OutcomeSoftSuccess
	case killed:
		return OutcomeFailure
	case waitErr != nil:
		return OutcomeFailure
	case validFrames == 0:
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}

func errOrExit(waitErr error) error {
	if waitErr != nil {
		return waitErr
	}
	return fmt.Errorf("no valid result frame")
}

func (s *Supervisor) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

// tailBuffer keeps only the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
