package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRecord is the persisted shadow of a live connection, kept so other
// processes can answer "who is viewing this project" without shared memory
type SessionRecord struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	ProjectID   int64     `json:"project_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SessionStore persists active realtime sessions
type SessionStore interface {
	Upsert(ctx context.Context, record *SessionRecord) error
	Touch(ctx context.Context, sessionID string) error
	Remove(ctx context.Context, userID, projectID int64) error
	ActiveUserIDs(ctx context.Context, projectID int64) ([]int64, error)
	SweepIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

// PostgresSessionStore implements SessionStore on the active_sessions table
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates the store and ensures its table exists
func NewPostgresSessionStore(db *sql.DB) (*PostgresSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &PostgresSessionStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure active_sessions table: %w", err)
	}
	return s, nil
}

func (s *PostgresSessionStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS active_sessions (
		id VARCHAR(36) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		project_id BIGINT NOT NULL,
		connected_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_seen_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE(user_id, project_id)
	);

	CREATE INDEX IF NOT EXISTS idx_active_sessions_project ON active_sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_active_sessions_last_seen ON active_sessions(last_seen_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Upsert records a session, replacing any prior one for the same
// (user, project) pair
func (s *PostgresSessionStore) Upsert(ctx context.Context, record *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_sessions (id, user_id, project_id, connected_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, project_id) DO UPDATE
		SET id = EXCLUDED.id, connected_at = EXCLUDED.connected_at, last_seen_at = EXCLUDED.last_seen_at`,
		record.ID, record.UserID, record.ProjectID, record.ConnectedAt, record.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Touch refreshes a session's last-seen timestamp
func (s *PostgresSessionStore) Touch(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE active_sessions SET last_seen_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Remove deletes the session for a (user, project) pair
func (s *PostgresSessionStore) Remove(ctx context.Context, userID, projectID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE user_id = $1 AND project_id = $2`,
		userID, projectID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// ActiveUserIDs returns the users with a live session on a project across
// all processes
func (s *PostgresSessionStore) ActiveUserIDs(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM active_sessions WHERE project_id = $1 ORDER BY user_id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	userIDs := make([]int64, 0)
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan active user: %w", err)
		}
		userIDs = append(userIDs, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active users: %w", err)
	}
	return userIDs, nil
}

// SweepIdle removes sessions whose last activity is older than idleFor and
// returns how many were removed
func (s *PostgresSessionStore) SweepIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-idleFor)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idle sessions: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept sessions: %w", err)
	}
	return int(removed), nil
}
