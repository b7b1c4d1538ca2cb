package protocol

import (
	"encoding/json"
	"fmt"
)

// Validate decodes and validates a raw frame. It returns the decoded message
// or a *Error with code INVALID_MESSAGE or VERSION_MISMATCH.
//
// Checks run in order: envelope shape, version equality, envelope field
// types, then the per-variant presence check. The first failure wins.
func Validate(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf("Malformed message frame: %v", err)}
	}
	if err := ValidateMessage(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateMessage validates an already-decoded message against the protocol
// rules. It never mutates the message.
func ValidateMessage(m *Message) error {
	if m == nil {
		return &Error{Code: CodeInvalidMessage, Message: "Message is empty"}
	}
	if _, ok := knownTypes[m.Type]; !ok {
		return &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf("Unknown message type: %q", m.Type)}
	}
	if m.Version != Version {
		return &Error{
			Code:    CodeVersionMismatch,
			Message: fmt.Sprintf("Protocol version mismatch: expected %s, got %s", Version, m.Version),
		}
	}
	if m.Timestamp <= 0 {
		return &Error{Code: CodeInvalidMessage, Message: "Message timestamp must be a positive integer"}
	}
	if m.Sender == "" {
		return &Error{Code: CodeInvalidMessage, Message: "Message sender must be a non-empty string"}
	}
	if m.Receiver == "" {
		return &Error{Code: CodeInvalidMessage, Message: "Message receiver must be a non-empty string"}
	}
	if m.CorrelationID == "" {
		return &Error{Code: CodeInvalidMessage, Message: "Message correlationId must be a non-empty string"}
	}
	return validateVariant(m)
}

// validateVariant dispatches on the message type and checks the presence of
// the variant-required fields.
func validateVariant(m *Message) error {
	switch m.Type {
	case TypeHeartbeat:
		if m.Status == "" || m.LastHealthCheck == nil {
			return invalidMessage("heartbeat")
		}
	case TypeStatusUpdate:
		if m.Status == "" {
			return invalidMessage("status update")
		}
	case TypeError:
		if m.Error == "" || m.Code == "" {
			return invalidMessage("error")
		}
	case TypeTaskAssign:
		if m.TaskID == "" || m.TaskType == "" || m.Parameters == nil || m.Priority == nil || m.Timeout == nil {
			return invalidMessage("task assignment")
		}
	case TypeTaskComplete:
		if m.TaskID == "" || m.Result == nil || m.Duration == nil {
			return invalidMessage("task completion")
		}
	case TypeTaskFail:
		if m.TaskID == "" || m.Error == "" || m.Code == "" {
			return invalidMessage("task failure")
		}
	case TypeTaskProgress:
		if m.TaskID == "" || m.Progress == nil || m.Status == "" {
			return invalidMessage("task progress")
		}
	case TypeToolRequest:
		if m.ToolID == "" || m.Parameters == nil || m.Timeout == nil {
			return invalidMessage("tool request")
		}
	case TypeToolResponse:
		if m.ToolID == "" || m.Result == nil || m.Duration == nil {
			return invalidMessage("tool response")
		}
	case TypeToolError:
		if m.ToolID == "" || m.Error == "" || m.Code == "" {
			return invalidMessage("tool error")
		}
	case TypeA2AMessage:
		if m.Content == nil || m.Metadata == nil {
			return invalidMessage("A2A")
		}
	case TypeA2AStateSync:
		if m.State == nil || m.StateTimestamp == nil {
			return invalidMessage("A2A state sync")
		}
	}
	return nil
}
