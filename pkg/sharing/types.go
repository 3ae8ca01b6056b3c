package sharing

import (
	"time"

	"github.com/platinummonkey/rhythm/pkg/roles"
)

// Project is the aggregate that collaborators and sharing tokens belong to.
// Task and project CRUD live elsewhere; this package only reads projects.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     int64     `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CollaboratorStatus tracks the invitation state of a collaborator row
type CollaboratorStatus string

const (
	StatusPending  CollaboratorStatus = "pending"
	StatusAccepted CollaboratorStatus = "accepted"
	StatusDeclined CollaboratorStatus = "declined"
)

// Collaborator is a user's membership in a project. The owner never has a
// collaborator row; ownership is derived from Project.OwnerID.
type Collaborator struct {
	ID         int64              `json:"id"`
	ProjectID  int64              `json:"project_id"`
	UserID     int64              `json:"user_id"`
	Role       roles.Role         `json:"role"`
	Status     CollaboratorStatus `json:"status"`
	InvitedBy  *int64             `json:"invited_by,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	AcceptedAt *time.Time         `json:"accepted_at,omitempty"`
}

// Token is a single- or multi-use invitation credential for one project
type Token struct {
	ID          int64      `json:"id"`
	Token       string     `json:"token"`
	ProjectID   int64      `json:"project_id"`
	CreatedBy   int64      `json:"created_by"`
	Role        roles.Role `json:"role"`
	ExpiresAt   time.Time  `json:"expires_at"`
	MaxUses     int        `json:"max_uses"`
	CurrentUses int        `json:"current_uses"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Valid reports whether the token can still be consumed at the given instant.
// Validity requires all of: active, not expired, uses remaining.
func (t *Token) Valid(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt) && t.CurrentUses < t.MaxUses
}

// RemainingUses returns how many consumptions the token has left
func (t *Token) RemainingUses() int {
	remaining := t.MaxUses - t.CurrentUses
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ValidationResult reports token validity with every applicable failure
// reason, so callers can distinguish "expired" from "already used up".
type ValidationResult struct {
	IsValid bool            `json:"is_valid"`
	Reasons []InvalidReason `json:"reasons,omitempty"`

	// Token is set whenever the token row exists, valid or not
	Token *Token `json:"-"`
}

// AcceptOutcomeKind tags what an AcceptInvitation call actually did
type AcceptOutcomeKind string

const (
	// OutcomeJoined means a new accepted collaborator row was created and
	// the token was consumed
	OutcomeJoined AcceptOutcomeKind = "joined"

	// OutcomeAlreadyMember means the user was already an accepted
	// collaborator; nothing changed and the token was not consumed
	OutcomeAlreadyMember AcceptOutcomeKind = "already_member"

	// OutcomeOwnerNoOp means the user owns the project; nothing changed
	// and the token was not consumed
	OutcomeOwnerNoOp AcceptOutcomeKind = "owner"
)

// AcceptOutcome is the result of accepting an invitation
type AcceptOutcome struct {
	Kind      AcceptOutcomeKind `json:"kind"`
	ProjectID int64             `json:"project_id"`
	Role      roles.Role        `json:"role"`
}

// InvitationView is the metadata rendered for an invitation link before the
// viewer decides to accept; fetching it never consumes the token.
type InvitationView struct {
	ProjectID       int64      `json:"project_id"`
	ProjectName     string     `json:"project_name"`
	InvitedBy       int64      `json:"invited_by"`
	Role            roles.Role `json:"role"`
	RoleDescription string     `json:"role_description"`
	ExpiresAt       time.Time  `json:"expires_at"`
	RemainingUses   int        `json:"remaining_uses"`
}
