package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_states (
    agent_id   TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS message_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    type       TEXT NOT NULL,
    sender     TEXT NOT NULL,
    receiver   TEXT NOT NULL,
    payload    TEXT NOT NULL,
    timestamp  TIMESTAMP NOT NULL,
    metadata   TEXT,
    status     TEXT NOT NULL DEFAULT 'processed',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_message_history_timestamp  ON message_history (timestamp);
CREATE INDEX IF NOT EXISTS idx_message_history_sender     ON message_history (sender);
CREATE INDEX IF NOT EXISTS idx_message_history_receiver   ON message_history (receiver);
CREATE INDEX IF NOT EXISTS idx_message_history_type       ON message_history (type);
CREATE INDEX IF NOT EXISTS idx_message_history_created_at ON message_history (created_at);
`

// SQLiteStore implements Store on a local SQLite file. It serves single-node
// deployments where running Postgres is not worth the operational cost.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database file and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_states (agent_id, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (agent_id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		agentID, string(state))
	if err != nil {
		return fmt.Errorf("failed to save state for agent %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAgentState(ctx context.Context, agentID string) ([]byte, bool, error) {
	var state string
	err := s.db.GetContext(ctx, &state,
		`SELECT state FROM agent_states WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state for agent %s: %w", agentID, err)
	}
	return []byte(state), true, nil
}

func (s *SQLiteStore) DeleteAgentState(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_states WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete state for agent %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT agent_id FROM agent_states ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) CleanupAgentStates(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_states WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up agent states: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_history (message_id, type, sender, receiver, payload, timestamp, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.Type, rec.Sender, rec.Receiver, string(rec.Payload),
		rec.Timestamp.UTC(), string(rec.Metadata), rec.Status, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", rec.MessageID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	// Update query planner statistics before closing.
	_, _ = s.db.Exec("PRAGMA optimize")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
