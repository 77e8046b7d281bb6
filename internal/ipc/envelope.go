// Package ipc implements the directory-scoped, file-based message channel
// between the orchestrator and its worker processes. Producers write a
// temporary file and rename it into place so readers never observe a
// partial write; the watcher attributes every envelope to the group whose
// directory it was found in, never to a field inside the payload.
package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EnvelopeType discriminates the tagged union carried in an IPC file.
type EnvelopeType string

const (
	EnvelopeMessage       EnvelopeType = "message"
	EnvelopeScheduleTask  EnvelopeType = "schedule_task"
	EnvelopePauseTask     EnvelopeType = "pause_task"
	EnvelopeResumeTask    EnvelopeType = "resume_task"
	EnvelopeCancelTask    EnvelopeType = "cancel_task"
	EnvelopeRegisterGroup EnvelopeType = "register_group"
)

// OutboundMessage asks the orchestrator to deliver text to a destination.
type OutboundMessage struct {
	Type          string `json:"type"`
	DestinationID string `json:"destinationId"`
	Text          string `json:"text"`
	SenderLabel   string `json:"senderLabel,omitempty"`
}

// FollowUpMessage is the inbound orchestrator-to-worker payload.
type FollowUpMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ScheduleTaskRequest asks the orchestrator to create a scheduled task.
type ScheduleTaskRequest struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode,omitempty"`
	TargetID      string `json:"targetId"`
}

// TaskOpRequest covers pause, resume, and cancel of an existing task.
type TaskOpRequest struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// RegisterGroupRequest registers a new group. Privileged issuers only.
type RegisterGroupRequest struct {
	Type        string `json:"type"`
	GroupID     string `json:"groupId"`
	Name        string `json:"name"`
	Folder      string `json:"folder"`
	ChatID      string `json:"chatId"`
	TriggerMode string `json:"triggerMode,omitempty"`
}

// Envelope is one parsed IPC file, attributed to its issuing group.
type Envelope struct {
	GroupID string // issuing group, derived from the directory the file was found in
	Path    string // source file path, for quarantine and logging
	Type    EnvelopeType

	Message  *OutboundMessage
	Schedule *ScheduleTaskRequest
	TaskOp   *TaskOpRequest
	Register *RegisterGroupRequest
}

const (
	messageSchema = `{
		"type": "object",
		"required": ["type", "destinationId", "text"],
		"properties": {
			"type": {"const": "message"},
			"destinationId": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1},
			"senderLabel": {"type": "string"}
		},
		"additionalProperties": false
	}`
	scheduleTaskSchema = `{
		"type": "object",
		"required": ["type", "prompt", "scheduleType", "scheduleValue", "targetId"],
		"properties": {
			"type": {"const": "schedule_task"},
			"prompt": {"type": "string", "minLength": 1},
			"scheduleType": {"enum": ["cron", "interval", "once"]},
			"scheduleValue": {"type": "string", "minLength": 1},
			"contextMode": {"enum": ["shared", "isolated"]},
			"targetId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`
	taskOpSchema = `{
		"type": "object",
		"required": ["type", "taskId"],
		"properties": {
			"type": {"enum": ["pause_task", "resume_task", "cancel_task"]},
			"taskId": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`
	registerGroupSchema = `{
		"type": "object",
		"required": ["type", "groupId", "name", "folder", "chatId"],
		"properties": {
			"type": {"const": "register_group"},
			"groupId": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"folder": {"type": "string", "minLength": 1},
			"chatId": {"type": "string", "minLength": 1},
			"triggerMode": {"enum": ["mention", "always"]}
		},
		"additionalProperties": false
	}`
)

var envelopeSchemas = compileSchemas()

func compileSchemas() map[EnvelopeType]*jsonschema.Schema {
	raw := map[EnvelopeType]string{
		EnvelopeMessage:       messageSchema,
		EnvelopeScheduleTask:  scheduleTaskSchema,
		EnvelopePauseTask:     taskOpSchema,
		EnvelopeResumeTask:    taskOpSchema,
		EnvelopeCancelTask:    taskOpSchema,
		EnvelopeRegisterGroup: registerGroupSchema,
	}
	out := make(map[EnvelopeType]*jsonschema.Schema, len(raw))
	for typ, schemaJSON := range raw {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("ipc: bad builtin schema for %s: %v", typ, err))
		}
		name := string(typ) + ".json"
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("ipc: add schema resource %s: %v", typ, err))
		}
		schema, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("ipc: compile schema %s: %v", typ, err))
		}
		out[typ] = schema
	}
	return out
}

// ParseEnvelope validates raw JSON against the schema for its declared type
// and decodes it into the matching variant. The issuing group comes from the
// caller (directory attribution), never from the payload.
func ParseEnvelope(groupID string, data []byte) (*Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("envelope not valid JSON: %w", err)
	}
	typ := EnvelopeType(head.Type)
	schema, ok := envelopeSchemas[typ]
	if !ok {
		return nil, fmt.Errorf("unknown envelope type %q", head.Type)
	}

	// jsonschema.UnmarshalJSON preserves number fidelity for validation.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("envelope not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("envelope schema validation (%s): %w", typ, err)
	}

	env := &Envelope{GroupID: groupID, Type: typ}
	switch typ {
	case EnvelopeMessage:
		var m OutboundMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message envelope: %w", err)
		}
		env.Message = &m
	case EnvelopeScheduleTask:
		var st ScheduleTaskRequest
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode schedule_task envelope: %w", err)
		}
		if st.ContextMode == "" {
			st.ContextMode = "isolated"
		}
		env.Schedule = &st
	case EnvelopePauseTask, EnvelopeResumeTask, EnvelopeCancelTask:
		var op TaskOpRequest
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("decode task op envelope: %w", err)
		}
		env.TaskOp = &op
	case EnvelopeRegisterGroup:
		var rg RegisterGroupRequest
		if err := json.Unmarshal(data, &rg); err != nil {
			return nil, fmt.Errorf("decode register_group envelope: %w", err)
		}
		env.Register = &rg
	}
	return env, nil
}
