package queue

import (
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Status tracks a queued message through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead-letter"
)

// QueuedMessage is the persisted queue record. Priority is carried in the
// record so a retry re-enters the priority set with its original score.
type QueuedMessage struct {
	ID          string            `json:"id"`
	Message     *protocol.Message `json:"message"`
	Priority    float64           `json:"priority"`
	Retries     int               `json:"retries"`
	Status      Status            `json:"status"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	LastAttempt time.Time         `json:"last_attempt,omitempty"`
	NextAttempt time.Time         `json:"next_attempt,omitempty"`
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	QueueSize       int `json:"queue_size"`
	ProcessingCount int `json:"processing_count"`
	DeadLetterCount int `json:"dead_letter_count"`
}
