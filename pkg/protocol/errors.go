package protocol

import "fmt"

// Error codes carried in ERROR frames and wrapped errors.
const (
	CodeInternalError      = "INTERNAL_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeVersionMismatch    = "VERSION_MISMATCH"
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeAgentBusy          = "AGENT_BUSY"
	CodeAgentError         = "AGENT_ERROR"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeTaskTimeout        = "TASK_TIMEOUT"
	CodeTaskFailed         = "TASK_FAILED"
	CodeToolNotFound       = "TOOL_NOT_FOUND"
	CodeToolError          = "TOOL_ERROR"
	CodeToolTimeout        = "TOOL_TIMEOUT"
	CodeA2AConnectionError = "A2A_CONNECTION_ERROR"
	CodeA2ASyncError       = "A2A_SYNC_ERROR"
	CodeMessageHandling    = "MESSAGE_HANDLING_ERROR"
	CodeMessageConversion  = "MESSAGE_CONVERSION_ERROR"
	CodeRoutingError       = "ROUTING_ERROR"
	CodeNoAgentsFound      = "NO_AGENTS_FOUND"
	CodeQueueFull          = "QUEUE_FULL"
)

// Error is a protocol-level error carrying a wire-visible code.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a protocol error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func invalidMessage(variant string) *Error {
	return &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf("Invalid %s message", variant)}
}
