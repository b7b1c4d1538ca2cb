package persistence

import (
	"context"
	"time"
)

// Store is the durable tier. Agent states are stored as opaque JSON documents
// keyed by agent id; message history is append-only.
type Store interface {
	SaveAgentState(ctx context.Context, agentID string, state []byte) error
	// LoadAgentState returns (_, false, nil) when no state exists for the agent.
	LoadAgentState(ctx context.Context, agentID string) ([]byte, bool, error)
	DeleteAgentState(ctx context.Context, agentID string) error
	ListAgentIDs(ctx context.Context) ([]string, error)
	// CleanupAgentStates removes states not updated since the cutoff and
	// returns how many were removed.
	CleanupAgentStates(ctx context.Context, cutoff time.Time) (int64, error)

	SaveMessage(ctx context.Context, rec *MessageRecord) error
	Close() error
}

// MessageRecord is one row of message history. MessageID is the protocol
// correlation id; the row id is assigned by the store.
type MessageRecord struct {
	MessageID string
	Type      string
	Sender    string
	Receiver  string
	Payload   []byte
	Timestamp time.Time
	Metadata  []byte
	Status    string
	CreatedAt time.Time
}
