package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agent_states (
    agent_id   TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS message_history (
    id         BIGSERIAL PRIMARY KEY,
    message_id UUID NOT NULL,
    type       TEXT NOT NULL,
    sender     TEXT NOT NULL,
    receiver   TEXT NOT NULL,
    payload    JSONB NOT NULL,
    timestamp  TIMESTAMPTZ NOT NULL,
    metadata   JSONB,
    status     TEXT NOT NULL DEFAULT 'processed',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_message_history_timestamp  ON message_history (timestamp);
CREATE INDEX IF NOT EXISTS idx_message_history_sender     ON message_history (sender);
CREATE INDEX IF NOT EXISTS idx_message_history_receiver   ON message_history (receiver);
CREATE INDEX IF NOT EXISTS idx_message_history_type       ON message_history (type);
CREATE INDEX IF NOT EXISTS idx_message_history_created_at ON message_history (created_at);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_states (agent_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (agent_id) DO UPDATE SET state = $2, updated_at = now()`,
		agentID, state)
	if err != nil {
		return fmt.Errorf("failed to save state for agent %s: %w", agentID, err)
	}
	return nil
}

func (s *PostgresStore) LoadAgentState(ctx context.Context, agentID string) ([]byte, bool, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM agent_states WHERE agent_id = $1`, agentID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state for agent %s: %w", agentID, err)
	}
	return state, true, nil
}

func (s *PostgresStore) DeleteAgentState(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agent_states WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete state for agent %s: %w", agentID, err)
	}
	return nil
}

func (s *PostgresStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM agent_states ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) CleanupAgentStates(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_states WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up agent states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_history (message_id, type, sender, receiver, payload, timestamp, metadata, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.MessageID, rec.Type, rec.Sender, rec.Receiver, rec.Payload,
		rec.Timestamp, rec.Metadata, rec.Status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", rec.MessageID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
