package middleware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSessionInvalid is returned for unknown or expired session tokens
var ErrSessionInvalid = errors.New("session invalid")

// DBSessionValidator resolves bearer tokens against the web application's
// session table
type DBSessionValidator struct {
	db *sql.DB
}

// NewDBSessionValidator creates the validator and ensures its table exists
func NewDBSessionValidator(db *sql.DB) (*DBSessionValidator, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	v := &DBSessionValidator{db: db}
	if err := v.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure user_sessions table: %w", err)
	}
	return v, nil
}

func (v *DBSessionValidator) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS user_sessions (
		token VARCHAR(128) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_sessions_expires ON user_sessions(expires_at);
	`

	_, err := v.db.Exec(query)
	return err
}

// Validate resolves a session token to its user ID
func (v *DBSessionValidator) Validate(ctx context.Context, token string) (int64, error) {
	var userID int64
	err := v.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_sessions WHERE token = $1 AND expires_at > NOW()`,
		token).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrSessionInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up session: %w", err)
	}
	return userID, nil
}
