package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
)

const (
	// sessionBuffer bounds per-session queued messages; slow consumers
	// drop rather than stall the room
	sessionBuffer = 32

	defaultSendTimeout = 2 * time.Second
)

// ErrUnauthorized is returned when a user may not join a project's room
var ErrUnauthorized = errors.New("not authorized to join this project")

// Session is one live connection of a user to a project room. Messages
// arrive on the Messages channel; Done is closed when the session is
// deregistered. The Messages channel itself is never closed, so in-flight
// deliveries racing a leave cannot panic.
type Session struct {
	ID        string
	UserID    int64
	ProjectID int64
	Messages  chan *Message
	JoinedAt  time.Time

	done chan struct{}
}

// Done reports session teardown; consumers select on it alongside Messages
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ActivityRecorder writes access decisions to the audit trail
type ActivityRecorder interface {
	Record(ctx context.Context, entry *activity.Entry) error
}

// Hub owns the process-local connection registry and the room index. It is
// constructed once per process; cross-process visibility flows only through
// the SessionStore and the transport, never shared memory.
type Hub struct {
	mu sync.RWMutex
	// byUser indexes userID -> projectID -> session
	byUser map[int64]map[int64]*Session
	// rooms indexes projectID -> userID -> session for fast fan-out
	rooms map[int64]map[int64]*Session

	transport Transport
	evaluator permissions.Evaluator
	store     SessionStore
	recorder  ActivityRecorder
	logger    *observability.Logger
	metrics   *observability.Metrics

	sendTimeout time.Duration
}

// NewHub creates a hub using the in-process transport. Call UseTransport to
// upgrade to a managed pub/sub backend; callers of Join/Leave/Broadcast
// never observe which transport is active.
func NewHub(evaluator permissions.Evaluator, store SessionStore, recorder ActivityRecorder, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	h := &Hub{
		byUser:      make(map[int64]map[int64]*Session),
		rooms:       make(map[int64]map[int64]*Session),
		evaluator:   evaluator,
		store:       store,
		recorder:    recorder,
		logger:      logger,
		metrics:     metrics,
		sendTimeout: defaultSendTimeout,
	}
	h.transport = NewLocalTransport(h)
	return h
}

// SetSendTimeout overrides the best-effort delivery timeout
func (h *Hub) SetSendTimeout(d time.Duration) {
	if d > 0 {
		h.sendTimeout = d
	}
}

// UseTransport swaps the fan-out backend
func (h *Hub) UseTransport(t Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transport = t
	h.logger.WithField("transport", t.Name()).Info("realtime transport configured")
}

func (h *Hub) currentTransport() Transport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transport
}

// Join authorizes the user, registers a session, and persists it. On any
// failure nothing is left registered: a denied or failed join leaves no
// partial state in the registry, the transport, or the session table.
func (h *Hub) Join(ctx context.Context, userID, projectID int64, ip, userAgent string) (*Session, error) {
	if !h.evaluator.CanAccessProject(ctx, userID, projectID) {
		h.record(ctx, &activity.Entry{
			ProjectID: projectID,
			UserID:    &userID,
			Action:    activity.ActionAccessDenied,
			Details:   "realtime join denied",
			IPAddress: ip,
			UserAgent: userAgent,
		})
		return nil, ErrUnauthorized
	}

	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		Messages:  make(chan *Message, sessionBuffer),
		JoinedAt:  now,
		done:      make(chan struct{}),
	}

	transport := h.currentTransport()
	if err := transport.JoinGroup(ctx, projectID, userID); err != nil {
		return nil, fmt.Errorf("failed to join transport group: %w", err)
	}

	err := h.store.Upsert(ctx, &SessionRecord{
		ID:          session.ID,
		UserID:      userID,
		ProjectID:   projectID,
		ConnectedAt: now,
		LastSeenAt:  now,
	})
	if err != nil {
		// Roll the transport registration back; no partial joins
		transport.LeaveGroup(ctx, projectID, userID)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	h.mu.Lock()
	if old := h.registered(userID, projectID); old != nil {
		// A reconnect replaces the previous session
		h.deregisterLocked(old)
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[int64]*Session)
	}
	h.byUser[userID][projectID] = session
	if h.rooms[projectID] == nil {
		h.rooms[projectID] = make(map[int64]*Session)
	}
	h.rooms[projectID][userID] = session
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
	}

	h.record(ctx, &activity.Entry{
		ProjectID: projectID,
		UserID:    &userID,
		Action:    activity.ActionAccessGranted,
		Details:   "joined realtime channel",
		IPAddress: ip,
		UserAgent: userAgent,
	})

	// Announce the arrival to everyone already in the room
	h.Broadcast(ctx, projectID, "user_joined", map[string]interface{}{"user_id": userID}, &userID)

	// Hand the joiner a snapshot of who is viewing the project
	if present, err := h.store.ActiveUserIDs(ctx, projectID); err != nil {
		h.logger.WithError(err).Warn("failed to load presence snapshot for joiner")
	} else {
		h.SendToUser(ctx, projectID, userID, "presence_state", map[string]interface{}{"user_ids": present})
	}

	return session, nil
}

// registered returns the current session for a pair; callers hold h.mu
func (h *Hub) registered(userID, projectID int64) *Session {
	if projects, ok := h.byUser[userID]; ok {
		return projects[projectID]
	}
	return nil
}

// deregisterLocked removes a session from both indexes and closes its done
// channel; callers hold h.mu. Messages stays open because delivery
// goroutines may still hold a reference.
func (h *Hub) deregisterLocked(session *Session) {
	if projects, ok := h.byUser[session.UserID]; ok {
		if projects[session.ProjectID] == session {
			delete(projects, session.ProjectID)
			if len(projects) == 0 {
				delete(h.byUser, session.UserID)
			}
		}
	}
	if room, ok := h.rooms[session.ProjectID]; ok {
		if room[session.UserID] == session {
			delete(room, session.UserID)
			if len(room) == 0 {
				delete(h.rooms, session.ProjectID)
			}
		}
	}
	close(session.done)
}

// Leave tears down the user's session for one project. Leaving a room the
// user never joined is a no-op.
func (h *Hub) Leave(ctx context.Context, userID, projectID int64) error {
	h.mu.Lock()
	session := h.registered(userID, projectID)
	if session != nil {
		h.deregisterLocked(session)
	}
	h.mu.Unlock()

	if session == nil {
		return nil
	}

	if h.metrics != nil {
		h.metrics.ActiveSessions.Dec()
	}

	transport := h.currentTransport()
	if err := transport.LeaveGroup(ctx, projectID, userID); err != nil {
		h.logger.WithError(err).Warn("failed to leave transport group")
	}
	if err := h.store.Remove(ctx, userID, projectID); err != nil {
		return err
	}

	h.Broadcast(ctx, projectID, "user_left", map[string]interface{}{"user_id": userID}, &userID)
	return nil
}

// DisconnectAll tears down every session the user holds, across projects
func (h *Hub) DisconnectAll(ctx context.Context, userID int64) error {
	h.mu.RLock()
	projectIDs := make([]int64, 0, len(h.byUser[userID]))
	for projectID := range h.byUser[userID] {
		projectIDs = append(projectIDs, projectID)
	}
	h.mu.RUnlock()

	var firstErr error
	for _, projectID := range projectIDs {
		if err := h.Leave(ctx, userID, projectID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcast fans an event out to the project's room, excluding the
// originator when set. Delivery is best-effort and at-most-once: transport
// failures are logged and absorbed under a short timeout, and an empty or
// unknown room is a no-op, not an error.
func (h *Hub) Broadcast(ctx context.Context, projectID int64, eventType string, payload interface{}, excludeUserID *int64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	msg := &Message{
		ProjectID:     projectID,
		Type:          eventType,
		Payload:       data,
		ExcludeUserID: excludeUserID,
		SentAt:        time.Now().UTC(),
	}

	transport := h.currentTransport()
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	outcome := "ok"
	if err := transport.SendToGroup(sendCtx, projectID, msg); err != nil {
		// The caller proceeds regardless; realtime delivery is advisory
		outcome = "error"
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"project_id": projectID,
			"transport":  transport.Name(),
			"event":      eventType,
		}).Warn("broadcast delivery failed")
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(transport.Name(), outcome).Inc()
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// SendToUser delivers an event to one member of the project's room,
// wherever that member's session lives. Like Broadcast, delivery is
// best-effort: failures are logged and absorbed.
func (h *Hub) SendToUser(ctx context.Context, projectID, userID int64, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := &Message{
		ProjectID:    projectID,
		Type:         eventType,
		Payload:      data,
		TargetUserID: &userID,
		SentAt:       time.Now().UTC(),
	}

	transport := h.currentTransport()
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	outcome := "ok"
	if err := transport.SendToUser(sendCtx, userID, msg); err != nil {
		outcome = "error"
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"project_id": projectID,
			"user_id":    userID,
			"transport":  transport.Name(),
			"event":      eventType,
		}).Warn("targeted delivery failed")
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(transport.Name(), outcome).Inc()
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// DeliverLocal hands a message to every live session in this process's
// copy of the room, honoring the exclusion. One slow or dead consumer
// never blocks the others.
func (h *Hub) DeliverLocal(msg *Message) {
	h.mu.RLock()
	room := h.rooms[msg.ProjectID]
	recipients := make([]*Session, 0, len(room))
	for userID, session := range room {
		if msg.ExcludeUserID != nil && userID == *msg.ExcludeUserID {
			continue
		}
		if msg.TargetUserID != nil && userID != *msg.TargetUserID {
			continue
		}
		recipients = append(recipients, session)
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.BroadcastFanoutSize.Observe(float64(len(recipients)))
	}
	if len(recipients) == 0 {
		return
	}

	var g errgroup.Group
	for _, session := range recipients {
		session := session
		g.Go(func() error {
			select {
			case session.Messages <- msg:
			case <-session.done:
				// The session left mid-delivery; nothing to deliver to
			case <-time.After(h.sendTimeout):
				h.logger.WithFields(map[string]interface{}{
					"session_id": session.ID,
					"user_id":    session.UserID,
				}).Warn("dropping message for slow realtime consumer")
			}
			return nil
		})
	}
	g.Wait()
}

// ActiveUsers returns the users with a live session in this process's room
func (h *Hub) ActiveUsers(projectID int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]int64, 0, len(h.rooms[projectID]))
	for userID := range h.rooms[projectID] {
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// PresentUsers returns the users viewing a project across every process,
// read from the persisted session table
func (h *Hub) PresentUsers(ctx context.Context, projectID int64) ([]int64, error) {
	return h.store.ActiveUserIDs(ctx, projectID)
}

// Touch refreshes the persisted liveness of a session
func (h *Hub) Touch(ctx context.Context, session *Session) error {
	return h.store.Touch(ctx, session.ID)
}

// SweepIdle removes persisted sessions idle longer than idleFor
func (h *Hub) SweepIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	removed, err := h.store.SweepIdle(ctx, idleFor)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if h.metrics != nil {
			h.metrics.SessionsSweptTotal.Add(float64(removed))
		}
		h.logger.WithField("removed", removed).Info("swept idle realtime sessions")
	}
	return removed, nil
}

// Close tears down the transport
func (h *Hub) Close() error {
	return h.currentTransport().Close()
}

func (h *Hub) record(ctx context.Context, entry *activity.Entry) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.Record(ctx, entry); err != nil {
		h.logger.WithError(err).WithField("action", entry.Action).Warn("failed to record activity entry")
	}
}
