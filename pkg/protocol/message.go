// Package protocol defines the versioned message taxonomy exchanged between
// the orchestrator and worker agents, and the validator that guards it.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version constant. Messages carrying any other
// version are rejected with VERSION_MISMATCH; there is no SemVer-range
// compatibility.
const Version = "1.0.0"

// MessageType discriminates the message variants.
type MessageType string

const (
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStatusUpdate MessageType = "status_update"
	TypeError        MessageType = "error"
	TypeTaskAssign   MessageType = "task_assign"
	TypeTaskComplete MessageType = "task_complete"
	TypeTaskFail     MessageType = "task_fail"
	TypeTaskProgress MessageType = "task_progress"
	TypeToolRequest  MessageType = "tool_request"
	TypeToolResponse MessageType = "tool_response"
	TypeToolError    MessageType = "tool_error"
	TypeA2AMessage   MessageType = "a2a_message"
	TypeA2AStateSync MessageType = "a2a_state_sync"
)

// knownTypes is the closed set of accepted message types.
var knownTypes = map[MessageType]struct{}{
	TypeHeartbeat:    {},
	TypeStatusUpdate: {},
	TypeError:        {},
	TypeTaskAssign:   {},
	TypeTaskComplete: {},
	TypeTaskFail:     {},
	TypeTaskProgress: {},
	TypeToolRequest:  {},
	TypeToolResponse: {},
	TypeToolError:    {},
	TypeA2AMessage:   {},
	TypeA2AStateSync: {},
}

// Message is the wire envelope plus the union of all variant fields.
// The validator enforces which fields must be present for each type;
// consumers only read fields after validation.
type Message struct {
	Type          MessageType `json:"type"`
	Timestamp     int64       `json:"timestamp"` // unix milliseconds
	Sender        string      `json:"sender"`
	Receiver      string      `json:"receiver"`
	CorrelationID string      `json:"correlationId"`
	Version       string      `json:"version"`

	// heartbeat / status_update / task_progress
	Status          string `json:"status,omitempty"`
	LastHealthCheck *int64 `json:"lastHealthCheck,omitempty"`

	// error / task_fail / tool_error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// task family
	TaskID   string          `json:"taskId,omitempty"`
	TaskType string          `json:"taskType,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Timeout  *int64          `json:"timeout,omitempty"` // milliseconds
	Result   json.RawMessage `json:"result,omitempty"`
	Duration *int64          `json:"duration,omitempty"` // milliseconds
	Progress *float64        `json:"progress,omitempty"`

	// tool family
	ToolID     string          `json:"toolId,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// agent-to-agent family
	Content        json.RawMessage `json:"content,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	State          json.RawMessage `json:"state,omitempty"`
	StateTimestamp *int64          `json:"stateTimestamp,omitempty"`
}

// nowMillis returns the current time in unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newEnvelope builds the common envelope for outbound messages.
func newEnvelope(t MessageType, sender, receiver string) Message {
	return Message{
		Type:          t,
		Timestamp:     nowMillis(),
		Sender:        sender,
		Receiver:      receiver,
		CorrelationID: uuid.New().String(),
		Version:       Version,
	}
}

// NewHeartbeat creates a heartbeat message.
func NewHeartbeat(sender, receiver, status string) *Message {
	m := newEnvelope(TypeHeartbeat, sender, receiver)
	m.Status = status
	last := m.Timestamp
	m.LastHealthCheck = &last
	return &m
}

// NewStatusUpdate creates a status update message.
func NewStatusUpdate(sender, receiver, status string) *Message {
	m := newEnvelope(TypeStatusUpdate, sender, receiver)
	m.Status = status
	return &m
}

// NewErrorMessage creates an ERROR frame. correlationID ties the frame to the
// offending message when known.
func NewErrorMessage(sender, receiver, correlationID, code, errText string) *Message {
	m := newEnvelope(TypeError, sender, receiver)
	if correlationID != "" {
		m.CorrelationID = correlationID
	}
	m.Code = code
	m.Error = errText
	return &m
}

// NewTaskAssign creates a task assignment message.
func NewTaskAssign(sender, receiver, taskID, taskType string, parameters json.RawMessage, priority int, timeoutMillis int64) *Message {
	m := newEnvelope(TypeTaskAssign, sender, receiver)
	m.TaskID = taskID
	m.TaskType = taskType
	if parameters == nil {
		parameters = json.RawMessage("{}")
	}
	m.Parameters = parameters
	m.Priority = &priority
	m.Timeout = &timeoutMillis
	return &m
}

// NewTaskComplete creates a task completion message.
func NewTaskComplete(sender, receiver, taskID string, result json.RawMessage, durationMillis int64) *Message {
	m := newEnvelope(TypeTaskComplete, sender, receiver)
	m.TaskID = taskID
	if result == nil {
		result = json.RawMessage("null")
	}
	m.Result = result
	m.Duration = &durationMillis
	return &m
}

// NewTaskFail creates a task failure message.
func NewTaskFail(sender, receiver, taskID, errText, code string) *Message {
	m := newEnvelope(TypeTaskFail, sender, receiver)
	m.TaskID = taskID
	m.Error = errText
	m.Code = code
	return &m
}

// NewTaskProgress creates a task progress message. progress is in [0,100].
func NewTaskProgress(sender, receiver, taskID string, progress float64, status string) *Message {
	m := newEnvelope(TypeTaskProgress, sender, receiver)
	m.TaskID = taskID
	m.Progress = &progress
	m.Status = status
	return &m
}

// NewToolRequest creates a tool invocation request.
func NewToolRequest(sender, receiver, toolID string, parameters json.RawMessage, timeoutMillis int64) *Message {
	m := newEnvelope(TypeToolRequest, sender, receiver)
	m.ToolID = toolID
	if parameters == nil {
		parameters = json.RawMessage("{}")
	}
	m.Parameters = parameters
	m.Timeout = &timeoutMillis
	return &m
}

// NewToolResponse creates a tool invocation response.
func NewToolResponse(sender, receiver, toolID string, result json.RawMessage, durationMillis int64) *Message {
	m := newEnvelope(TypeToolResponse, sender, receiver)
	m.ToolID = toolID
	if result == nil {
		result = json.RawMessage("null")
	}
	m.Result = result
	m.Duration = &durationMillis
	return &m
}

// NewToolError creates a tool invocation error.
func NewToolError(sender, receiver, toolID, errText, code string) *Message {
	m := newEnvelope(TypeToolError, sender, receiver)
	m.ToolID = toolID
	m.Error = errText
	m.Code = code
	return &m
}

// NewA2AMessage creates an agent-to-agent message.
func NewA2AMessage(sender, receiver string, content, metadata json.RawMessage) *Message {
	m := newEnvelope(TypeA2AMessage, sender, receiver)
	if content == nil {
		content = json.RawMessage("null")
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	m.Content = content
	m.Metadata = metadata
	return &m
}

// NewA2AStateSync creates an agent-to-agent state synchronization message.
func NewA2AStateSync(sender, receiver string, state json.RawMessage) *Message {
	m := newEnvelope(TypeA2AStateSync, sender, receiver)
	if state == nil {
		state = json.RawMessage("{}")
	}
	m.State = state
	ts := m.Timestamp
	m.StateTimestamp = &ts
	return &m
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
