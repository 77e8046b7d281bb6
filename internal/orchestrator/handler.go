package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/groupclaw/internal/cron"
	"github.com/basket/groupclaw/internal/ipc"
	"github.com/basket/groupclaw/internal/persistence"
)

// The ipc.Handler implementation. The watcher has already parsed, validated,
// and authorized each envelope; these methods execute the effect.

// HandleOutboundMessage delivers a worker-authored message to its external
// destination.
func (o *Orchestrator) HandleOutboundMessage(ctx context.Context, issuer *persistence.Group, msg ipc.OutboundMessage) error {
	if err := o.channel.Send(ctx, msg.DestinationID, msg.Text, msg.SenderLabel); err != nil {
		return fmt.Errorf("deliver outbound message from %s: %w", issuer.ID, err)
	}
	o.logger.Info("worker message delivered",
		"group_id", issuer.ID, "destination_id", msg.DestinationID,
		"sender_label", msg.SenderLabel)
	return nil
}

// HandleScheduleTask creates a recurring job on behalf of a worker.
func (o *Orchestrator) HandleScheduleTask(ctx context.Context, issuer *persistence.Group, req ipc.ScheduleTaskRequest) error {
	if _, err := o.store.GetGroup(ctx, req.TargetID); err != nil {
		return fmt.Errorf("schedule target %s: %w", req.TargetID, err)
	}
	first, err := cron.FirstRun(req.ScheduleType, req.ScheduleValue, time.Now())
	if err != nil {
		return fmt.Errorf("schedule from %s: %w", issuer.ID, err)
	}
	id, err := o.store.CreateScheduledTask(ctx, persistence.ScheduledTask{
		GroupID:       req.TargetID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   req.ContextMode,
	}, first)
	if err != nil {
		return fmt.Errorf("create task from %s: %w", issuer.ID, err)
	}
	o.logger.Info("task scheduled",
		"task_id", id, "group_id", req.TargetID, "issuer", issuer.ID,
		"schedule", req.ScheduleType, "first_run", first)
	return nil
}

// HandlePauseTask suspends an active task.
func (o *Orchestrator) HandlePauseTask(ctx context.Context, issuer *persistence.Group, taskID string) error {
	if err := o.store.PauseTask(ctx, taskID); err != nil {
		return fmt.Errorf("pause task %s from %s: %w", taskID, issuer.ID, err)
	}
	o.logger.Info("task paused", "task_id", taskID, "issuer", issuer.ID)
	return nil
}

// HandleResumeTask reactivates a paused task, recomputing its next run so a
// long pause does not trigger a burst of stale fires.
func (o *Orchestrator) HandleResumeTask(ctx context.Context, issuer *persistence.Group, taskID string) error {
	task, err := o.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("resume task %s from %s: %w", taskID, issuer.ID, err)
	}
	next, err := cron.FirstRun(task.ScheduleType, task.ScheduleValue, time.Now())
	if err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	if err := o.store.ResumeTask(ctx, taskID, next); err != nil {
		return fmt.Errorf("resume task %s from %s: %w", taskID, issuer.ID, err)
	}
	o.logger.Info("task resumed", "task_id", taskID, "issuer", issuer.ID, "next_run", next)
	return nil
}

// HandleCancelTask terminally cancels a task.
func (o *Orchestrator) HandleCancelTask(ctx context.Context, issuer *persistence.Group, taskID string) error {
	if err := o.store.CancelTask(ctx, taskID); err != nil {
		return fmt.Errorf("cancel task %s from %s: %w", taskID, issuer.ID, err)
	}
	o.logger.Info("task cancelled", "task_id", taskID, "issuer", issuer.ID)
	return nil
}

// HandleRegisterGroup registers a new group and prepares its IPC namespace.
// The watcher only routes this envelope from the privileged group.
func (o *Orchestrator) HandleRegisterGroup(ctx context.Context, issuer *persistence.Group, req ipc.RegisterGroupRequest) error {
	err := o.store.RegisterGroup(ctx, persistence.Group{
		ID:          req.GroupID,
		Name:        req.Name,
		Folder:      req.Folder,
		ChatID:      req.ChatID,
		TriggerMode: req.TriggerMode,
	})
	if err != nil {
		return fmt.Errorf("register group %s from %s: %w", req.GroupID, issuer.ID, err)
	}
	if err := ipc.EnsureGroupDirs(o.ipcRoot, req.GroupID); err != nil {
		return fmt.Errorf("prepare ipc dirs for %s: %w", req.GroupID, err)
	}
	o.logger.Info("group registered",
		"group_id", req.GroupID, "chat_id", req.ChatID, "issuer", issuer.ID)
	return nil
}
