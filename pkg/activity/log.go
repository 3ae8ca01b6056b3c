package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Log is the append-only activity audit log backed by PostgreSQL
type Log struct {
	db *sql.DB
}

// NewLog creates the activity log and ensures its table exists
func NewLog(db *sql.DB) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	l := &Log{db: db}
	if err := l.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure activity_log table: %w", err)
	}
	return l, nil
}

// ensureTable creates the activity_log table if it doesn't exist
func (l *Log) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS activity_log (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL,
		user_id BIGINT,
		action VARCHAR(50) NOT NULL,
		details TEXT,
		ip_address VARCHAR(45),
		user_agent TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	-- Indexes for the feed, detector windows, and resync replay
	CREATE INDEX IF NOT EXISTS idx_activity_log_project_time ON activity_log(project_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activity_log_user_time ON activity_log(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activity_log_ip_time ON activity_log(ip_address, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activity_log_action ON activity_log(action);
	`

	_, err := l.db.Exec(query)
	return err
}

// Record appends an entry to the log. The entry's ID and CreatedAt are
// filled in on return. There is no corresponding update or delete.
func (l *Log) Record(ctx context.Context, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO activity_log (project_id, user_id, action, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.ProjectID, entry.UserID, entry.Action, entry.Details,
		entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert activity entry: %w", err)
	}
	return nil
}

// RecordTx appends an entry within an existing transaction, so the audit
// write commits or rolls back together with the mutation it describes.
func (l *Log) RecordTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO activity_log (project_id, user_id, action, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.ProjectID, entry.UserID, entry.Action, entry.Details,
		entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert activity entry: %w", err)
	}
	return nil
}

const entryColumns = `id, project_id, user_id, action, details, ip_address, user_agent, created_at`

// Search returns entries matching the filter, newest first
func (l *Log) Search(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM activity_log WHERE 1=1`, entryColumns)

	args := []interface{}{}
	argCount := 1

	if filter.ProjectID != nil {
		query += fmt.Sprintf(" AND project_id = $%d", argCount)
		args = append(args, *filter.ProjectID)
		argCount++
	}

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		actionStrs := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actionStrs[i] = string(a)
		}
		args = append(args, pq.Array(actionStrs))
		argCount++
	}

	if filter.IPAddress != "" {
		query += fmt.Sprintf(" AND ip_address = $%d", argCount)
		args = append(args, filter.IPAddress)
		argCount++
	}

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search activity log: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Replay returns entries for a project since a timestamp in chronological
// (oldest-first) order, optionally restricted to a set of actions. This is
// the ordering the realtime resync path needs.
func (l *Log) Replay(ctx context.Context, projectID int64, since time.Time, actions []Action) ([]*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM activity_log WHERE project_id = $1 AND created_at > $2`, entryColumns)
	args := []interface{}{projectID, since}

	if len(actions) > 0 {
		query += " AND action = ANY($3)"
		actionStrs := make([]string, len(actions))
		for i, a := range actions {
			actionStrs[i] = string(a)
		}
		args = append(args, pq.Array(actionStrs))
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to replay activity log: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry := &Entry{}
		var details, ipAddress, userAgent sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.ProjectID, &entry.UserID, &entry.Action,
			&details, &ipAddress, &userAgent, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}

		entry.Details = details.String
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity entries: %w", err)
	}
	return entries, nil
}

// CountByIPSince counts entries with any of the given actions from one IP
// address since a cutoff. Used by the brute-force heuristic.
func (l *Log) CountByIPSince(ctx context.Context, ip string, actions []Action, since time.Time) (int, error) {
	actionStrs := make([]string, len(actions))
	for i, a := range actions {
		actionStrs[i] = string(a)
	}

	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity_log
		WHERE ip_address = $1 AND action = ANY($2) AND created_at >= $3`,
		ip, pq.Array(actionStrs), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries by ip: %w", err)
	}
	return count, nil
}

// DistinctIPsForUserSince counts the distinct IP addresses a user acted from
// since a cutoff, restricted to the given actions. Used by the IP-churn
// heuristic.
func (l *Log) DistinctIPsForUserSince(ctx context.Context, userID int64, actions []Action, since time.Time) (int, error) {
	actionStrs := make([]string, len(actions))
	for i, a := range actions {
		actionStrs[i] = string(a)
	}

	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ip_address) FROM activity_log
		WHERE user_id = $1 AND action = ANY($2) AND created_at >= $3 AND ip_address IS NOT NULL`,
		userID, pq.Array(actionStrs), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count distinct ips: %w", err)
	}
	return count, nil
}

// LastIPForAction returns the IP recorded on the most recent entry with the
// given action for a project strictly before a timestamp. Returns ("", nil)
// when no such entry exists.
func (l *Log) LastIPForAction(ctx context.Context, projectID int64, action Action, before time.Time) (string, error) {
	var ip sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT ip_address FROM activity_log
		WHERE project_id = $1 AND action = $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		projectID, action, before,
	).Scan(&ip)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up last %s ip: %w", action, err)
	}
	return ip.String, nil
}

// CountByUserSince counts all actions by one user since a cutoff. Used by
// the automation heuristic.
func (l *Log) CountByUserSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity_log
		WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries by user: %w", err)
	}
	return count, nil
}
