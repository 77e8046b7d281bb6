package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Sub-channel directory names under each group's namespace.
const (
	inboundDir  = "inbound"
	outboundDir = "outbound"
	tasksDir    = "tasks"

	quarantineDirName = "quarantine"

	// CloseSentinel is the empty file dropped in a group's inbound directory
	// to ask its worker to wind down and exit on its own.
	CloseSentinel = "close"
)

// GroupDir returns a group's IPC namespace under the channel root.
func GroupDir(root, groupID string) string {
	return filepath.Join(root, groupID)
}

// InboundDir returns the orchestrator-to-worker control directory.
func InboundDir(root, groupID string) string {
	return filepath.Join(root, groupID, inboundDir)
}

// OutboundDir returns the worker-to-orchestrator message directory.
func OutboundDir(root, groupID string) string {
	return filepath.Join(root, groupID, outboundDir)
}

// TasksDir returns the worker-to-orchestrator task operation directory.
func TasksDir(root, groupID string) string {
	return filepath.Join(root, groupID, tasksDir)
}

// QuarantineDir returns the root-level quarantine location.
func QuarantineDir(root string) string {
	return filepath.Join(root, quarantineDirName)
}

// EnsureGroupDirs creates a group's sub-channel directories. A missing
// directory is never an error elsewhere; it is created lazily here.
func EnsureGroupDirs(root, groupID string) error {
	for _, dir := range []string{
		InboundDir(root, groupID),
		OutboundDir(root, groupID),
		TasksDir(root, groupID),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s: %w", dir, err)
		}
	}
	return nil
}

// writeAtomic writes data under a temporary name in dir and renames it into
// its final name, so a concurrent reader never sees a partial file.
func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp ipc file: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish ipc file %s: %w", final, err)
	}
	return nil
}

// envelopeFileName yields names that sort in creation order.
func envelopeFileName() string {
	return fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
}

// WriteFollowUp delivers follow-up text to a group's running worker.
func WriteFollowUp(root, groupID, text string) error {
	data, err := json.Marshal(FollowUpMessage{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("marshal follow-up: %w", err)
	}
	return writeAtomic(InboundDir(root, groupID), envelopeFileName(), data)
}

// WriteClose drops the close sentinel into a group's inbound directory.
// The sentinel is an empty file, not JSON.
func WriteClose(root, groupID string) error {
	return writeAtomic(InboundDir(root, groupID), CloseSentinel, nil)
}

// WriteOutboundMessage publishes a worker-to-orchestrator message envelope.
// Production workers write these themselves; this helper keeps the format in
// one place for tooling and tests.
func WriteOutboundMessage(root, groupID string, msg OutboundMessage) error {
	msg.Type = string(EnvelopeMessage)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	return writeAtomic(OutboundDir(root, groupID), envelopeFileName(), data)
}

// WriteTaskEnvelope publishes a task operation envelope for a group.
func WriteTaskEnvelope(root, groupID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	return writeAtomic(TasksDir(root, groupID), envelopeFileName(), data)
}
