package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/observability"
)

// resyncActions are the audit actions that describe entity changes a
// reconnecting client must catch up on
var resyncActions = []activity.Action{
	activity.ActionTaskCreated,
	activity.ActionTaskUpdated,
	activity.ActionTaskDeleted,
	activity.ActionProjectUpdated,
}

// SyncEvent is one catch-up event handed to a reconnecting client. Created
// and updated entities carry their current state; deleted entities carry
// identifiers only.
type SyncEvent struct {
	Type      string          `json:"type"`
	EntityID  int64           `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ActivityReplayer reads entity-change history in chronological order
type ActivityReplayer interface {
	Replay(ctx context.Context, projectID int64, since time.Time, actions []activity.Action) ([]*activity.Entry, error)
}

// SnapshotSource reads the current state of an entity for catch-up events.
// Implementations return (nil, nil) when the entity no longer exists.
type SnapshotSource interface {
	TaskSnapshot(ctx context.Context, taskID int64) (json.RawMessage, error)
	ProjectSnapshot(ctx context.Context, projectID int64) (json.RawMessage, error)
}

// Resyncer rebuilds the change stream a client missed while disconnected.
// It replays entity-change audit entries in order and re-derives each
// surviving entity's current state, so a client that applies the events in
// sequence converges on present state regardless of how much it missed.
type Resyncer struct {
	replayer  ActivityReplayer
	snapshots SnapshotSource
	logger    *observability.Logger
}

// NewResyncer creates a resyncer over the activity history
func NewResyncer(replayer ActivityReplayer, snapshots SnapshotSource, logger *observability.Logger) *Resyncer {
	return &Resyncer{
		replayer:  replayer,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Resync returns the catch-up events for a project since the given time, in
// chronological order. Entries whose entity cannot be identified, and
// create/update entries whose entity has since been deleted, are skipped;
// the deletion entry covers the latter.
func (r *Resyncer) Resync(ctx context.Context, projectID int64, since time.Time) ([]SyncEvent, error) {
	entries, err := r.replayer.Replay(ctx, projectID, since, resyncActions)
	if err != nil {
		return nil, fmt.Errorf("failed to replay activity for project %d: %w", projectID, err)
	}

	events := make([]SyncEvent, 0, len(entries))
	for _, entry := range entries {
		entityID, ok := r.entityID(entry)
		if !ok {
			continue
		}

		event := SyncEvent{
			Type:      string(entry.Action),
			EntityID:  entityID,
			Timestamp: entry.CreatedAt,
		}

		switch entry.Action {
		case activity.ActionTaskDeleted:
			// Identifiers only; there is no state left to send
		case activity.ActionTaskCreated, activity.ActionTaskUpdated:
			snapshot, err := r.snapshots.TaskSnapshot(ctx, entityID)
			if err != nil {
				return nil, fmt.Errorf("failed to load task %d: %w", entityID, err)
			}
			if snapshot == nil {
				continue
			}
			event.Payload = snapshot
		case activity.ActionProjectUpdated:
			snapshot, err := r.snapshots.ProjectSnapshot(ctx, entry.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("failed to load project %d: %w", entry.ProjectID, err)
			}
			if snapshot == nil {
				continue
			}
			event.Payload = snapshot
		}

		events = append(events, event)
	}
	return events, nil
}

// entityID extracts the changed entity's ID from an entry. Task entries
// carry the task ID as the leading integer of Details; project entries
// refer to the project itself.
func (r *Resyncer) entityID(entry *activity.Entry) (int64, bool) {
	if entry.Action == activity.ActionProjectUpdated {
		return entry.ProjectID, true
	}

	details := strings.TrimSpace(entry.Details)
	end := 0
	for end < len(details) && details[end] >= '0' && details[end] <= '9' {
		end++
	}
	if end == 0 {
		if r.logger != nil {
			r.logger.WithFields(map[string]interface{}{
				"entry_id": entry.ID,
				"action":   entry.Action,
			}).Warn("skipping entity-change entry without an entity id")
		}
		return 0, false
	}

	id, err := strconv.ParseInt(details[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SQLSnapshotSource reads entity snapshots straight from the application
// tables, letting Postgres shape the JSON
type SQLSnapshotSource struct {
	db *sql.DB
}

// NewSQLSnapshotSource creates a snapshot source over the application database
func NewSQLSnapshotSource(db *sql.DB) *SQLSnapshotSource {
	return &SQLSnapshotSource{db: db}
}

// TaskSnapshot returns the task's current state, or (nil, nil) if deleted
func (s *SQLSnapshotSource) TaskSnapshot(ctx context.Context, taskID int64) (json.RawMessage, error) {
	return s.snapshot(ctx, `SELECT row_to_json(t) FROM tasks t WHERE t.id = $1`, taskID)
}

// ProjectSnapshot returns the project's current state, or (nil, nil) if deleted
func (s *SQLSnapshotSource) ProjectSnapshot(ctx context.Context, projectID int64) (json.RawMessage, error) {
	return s.snapshot(ctx, `SELECT row_to_json(p) FROM projects p WHERE p.id = $1`, projectID)
}

func (s *SQLSnapshotSource) snapshot(ctx context.Context, query string, id int64) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return json.RawMessage(raw), nil
}
