// Package events is the lifecycle event bridge: the orchestrator publishes
// runtime events (agent registration, task outcomes, state syncs) to a bus so
// external consumers can observe the mesh without touching the message path.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event subjects.
const (
	SubjectAgentRegistered   = "agent.registered"
	SubjectAgentUnregistered = "agent.unregistered"
	SubjectTaskCompleted     = "task.completed"
	SubjectTaskFailed        = "task.failed"
	SubjectStatesSynced      = "state.synced"
	SubjectMessageDeadLetter = "message.dead_letter"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one event. Returned errors are logged, not retried;
// lifecycle events are best-effort.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes to dotted subjects. Patterns support the
// NATS wildcards `*` (one token) and `>` (remaining tokens).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
