package activity

import "time"

// Action tags a single audited collaboration event
type Action string

const (
	// Sharing lifecycle
	ActionTokenGenerated      Action = "token_generated"
	ActionTokenUsed           Action = "token_used"
	ActionTokenRevoked        Action = "token_revoked"
	ActionInvalidTokenUsed    Action = "invalid_token_used"
	ActionInvitationAccepted  Action = "invitation_accepted"
	ActionInvitationDeclined  Action = "invitation_declined"
	ActionProjectShared       Action = "project_shared"
	ActionEmailFailed         Action = "email_failed"

	// Collaborator lifecycle
	ActionCollaboratorAdded    Action = "collaborator_added"
	ActionCollaboratorRemoved  Action = "collaborator_removed"
	ActionRoleChanged          Action = "role_changed"
	ActionOwnershipTransferred Action = "ownership_transferred"

	// Access decisions
	ActionAccessGranted Action = "access_granted"
	ActionAccessDenied  Action = "access_denied"

	// Entity mutations replayed by the realtime resync path
	ActionTaskCreated    Action = "task_created"
	ActionTaskUpdated    Action = "task_updated"
	ActionTaskDeleted    Action = "task_deleted"
	ActionProjectUpdated Action = "project_updated"
)

// Entry is one append-only activity log row. Entries are only ever inserted
// and queried, never updated or deleted.
type Entry struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Action    Action    `json:"action"`
	Details   string    `json:"details,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows a Search. Zero-valued fields are ignored.
type Filter struct {
	ProjectID *int64
	UserID    *int64
	Actions   []Action
	IPAddress string

	StartTime *time.Time
	EndTime   *time.Time

	Limit  int
	Offset int
}

// RiskLevel classifies how concerning a flagged entry is
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// riskForAction maps an action tag to its risk classification when flagged
func riskForAction(action Action) RiskLevel {
	switch action {
	case ActionAccessDenied, ActionInvalidTokenUsed:
		return RiskMedium
	case ActionTokenUsed, ActionAccessGranted:
		return RiskHigh
	}
	return RiskLow
}

// Assessment is the detector's verdict on a single entry
type Assessment struct {
	Suspicious bool      `json:"suspicious"`
	Risk       RiskLevel `json:"risk"`
	Reasons    []string  `json:"reasons,omitempty"`
}
