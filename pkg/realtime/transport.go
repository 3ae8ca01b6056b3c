package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one realtime event fanned out to a project's room
type Message struct {
	ProjectID int64           `json:"project_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// ExcludeUserID suppresses echo back to the originator
	ExcludeUserID *int64 `json:"exclude_user_id,omitempty"`

	// TargetUserID restricts delivery to a single member of the room
	TargetUserID *int64 `json:"target_user_id,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// Sink receives messages for delivery to this process's live sessions.
// The hub implements it; transports call it when a message arrives.
type Sink interface {
	DeliverLocal(msg *Message)
}

// Transport moves messages between the hub and its peers. Callers of the
// hub never learn which implementation served them.
type Transport interface {
	// Name identifies the transport in logs and metrics
	Name() string

	// JoinGroup and LeaveGroup track room membership where the backend
	// needs it; implementations may treat them as no-ops
	JoinGroup(ctx context.Context, projectID, userID int64) error
	LeaveGroup(ctx context.Context, projectID, userID int64) error

	// SendToGroup delivers a message to every process holding sessions
	// for the project, including this one
	SendToGroup(ctx context.Context, projectID int64, msg *Message) error

	// SendToUser delivers a message to one member of the project room,
	// wherever that member's session lives
	SendToUser(ctx context.Context, userID int64, msg *Message) error

	Close() error
}

// LocalTransport serves a single process: messages go straight back to the
// local sink. It is the fallback when no pub/sub backend is configured.
type LocalTransport struct {
	sink Sink
}

// NewLocalTransport creates the in-process transport
func NewLocalTransport(sink Sink) *LocalTransport {
	return &LocalTransport{sink: sink}
}

func (t *LocalTransport) Name() string { return "local" }

func (t *LocalTransport) JoinGroup(context.Context, int64, int64) error  { return nil }
func (t *LocalTransport) LeaveGroup(context.Context, int64, int64) error { return nil }

func (t *LocalTransport) SendToGroup(_ context.Context, _ int64, msg *Message) error {
	t.sink.DeliverLocal(msg)
	return nil
}

func (t *LocalTransport) SendToUser(_ context.Context, _ int64, msg *Message) error {
	t.sink.DeliverLocal(msg)
	return nil
}

func (t *LocalTransport) Close() error { return nil }
