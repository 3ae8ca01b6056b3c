package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/observability"
)

type fakeReplayer struct {
	entries []*activity.Entry
	err     error

	gotProjectID int64
	gotSince     time.Time
	gotActions   []activity.Action
}

func (f *fakeReplayer) Replay(_ context.Context, projectID int64, since time.Time, actions []activity.Action) ([]*activity.Entry, error) {
	f.gotProjectID = projectID
	f.gotSince = since
	f.gotActions = actions
	return f.entries, f.err
}

type fakeSnapshots struct {
	tasks    map[int64]string
	projects map[int64]string
	err      error
}

func (f *fakeSnapshots) TaskSnapshot(_ context.Context, taskID int64) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.tasks[taskID]; ok {
		return json.RawMessage(raw), nil
	}
	return nil, nil
}

func (f *fakeSnapshots) ProjectSnapshot(_ context.Context, projectID int64) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.projects[projectID]; ok {
		return json.RawMessage(raw), nil
	}
	return nil, nil
}

func entryAt(action activity.Action, details string, at time.Time) *activity.Entry {
	return &activity.Entry{
		ProjectID: 10,
		Action:    action,
		Details:   details,
		CreatedAt: at,
	}
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	t.Run("events come back in chronological order with current state", func(t *testing.T) {
		replayer := &fakeReplayer{entries: []*activity.Entry{
			entryAt(activity.ActionTaskCreated, "42", base),
			entryAt(activity.ActionTaskUpdated, "42 title changed", base.Add(time.Minute)),
			entryAt(activity.ActionProjectUpdated, "renamed", base.Add(2*time.Minute)),
		}}
		snapshots := &fakeSnapshots{
			tasks:    map[int64]string{42: `{"id":42,"title":"current"}`},
			projects: map[int64]string{10: `{"id":10,"name":"current"}`},
		}

		events, err := NewResyncer(replayer, snapshots, logger).Resync(ctx, 10, base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, 10, int(replayer.gotProjectID))
		assert.Equal(t, resyncActions, replayer.gotActions)

		assert.Equal(t, "task_created", events[0].Type)
		assert.Equal(t, int64(42), events[0].EntityID)
		assert.JSONEq(t, `{"id":42,"title":"current"}`, string(events[0].Payload))

		// Both task events re-derive the same present state
		assert.Equal(t, "task_updated", events[1].Type)
		assert.JSONEq(t, `{"id":42,"title":"current"}`, string(events[1].Payload))

		assert.Equal(t, "project_updated", events[2].Type)
		assert.Equal(t, int64(10), events[2].EntityID)
		assert.True(t, events[0].Timestamp.Before(events[2].Timestamp))
	})

	t.Run("deletions carry identifiers only", func(t *testing.T) {
		replayer := &fakeReplayer{entries: []*activity.Entry{
			entryAt(activity.ActionTaskDeleted, "42", base),
		}}

		events, err := NewResyncer(replayer, &fakeSnapshots{}, logger).Resync(ctx, 10, base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)

		assert.Equal(t, "task_deleted", events[0].Type)
		assert.Equal(t, int64(42), events[0].EntityID)
		assert.Nil(t, events[0].Payload)
	})

	t.Run("create of a since-deleted task is skipped", func(t *testing.T) {
		replayer := &fakeReplayer{entries: []*activity.Entry{
			entryAt(activity.ActionTaskCreated, "42", base),
			entryAt(activity.ActionTaskDeleted, "42", base.Add(time.Minute)),
		}}

		events, err := NewResyncer(replayer, &fakeSnapshots{}, logger).Resync(ctx, 10, base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "task_deleted", events[0].Type)
	})

	t.Run("entries without an entity id are skipped", func(t *testing.T) {
		replayer := &fakeReplayer{entries: []*activity.Entry{
			entryAt(activity.ActionTaskUpdated, "no id here", base),
			entryAt(activity.ActionTaskUpdated, "42", base.Add(time.Minute)),
		}}
		snapshots := &fakeSnapshots{tasks: map[int64]string{42: `{"id":42}`}}

		events, err := NewResyncer(replayer, snapshots, logger).Resync(ctx, 10, base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(42), events[0].EntityID)
	})

	t.Run("replay failure surfaces", func(t *testing.T) {
		replayer := &fakeReplayer{err: errors.New("connection refused")}

		_, err := NewResyncer(replayer, &fakeSnapshots{}, logger).Resync(ctx, 10, base)
		assert.Error(t, err)
	})

	t.Run("snapshot failure surfaces", func(t *testing.T) {
		replayer := &fakeReplayer{entries: []*activity.Entry{
			entryAt(activity.ActionTaskCreated, "42", base),
		}}
		snapshots := &fakeSnapshots{err: errors.New("connection refused")}

		_, err := NewResyncer(replayer, snapshots, logger).Resync(ctx, 10, base)
		assert.Error(t, err)
	})
}
