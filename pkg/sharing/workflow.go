package sharing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/mail"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

// Workflow orchestrates invitations: delivery, acceptance, declining, and
// collaborator lifecycle changes
type Workflow struct {
	store     *Store
	tokens    *TokenService
	evaluator permissions.Evaluator
	log       *activity.Log
	sender    mail.Sender
	logger    *observability.Logger
	metrics   *observability.Metrics

	// baseURL is the externally visible origin used to build invitation links
	baseURL string
}

// NewWorkflow creates the sharing workflow
func NewWorkflow(store *Store, tokens *TokenService, evaluator permissions.Evaluator, log *activity.Log, sender mail.Sender, logger *observability.Logger, metrics *observability.Metrics, baseURL string) *Workflow {
	return &Workflow{
		store:     store,
		tokens:    tokens,
		evaluator: evaluator,
		log:       log,
		sender:    sender,
		logger:    logger,
		metrics:   metrics,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

func (w *Workflow) countInvitation(outcome string) {
	if w.metrics != nil {
		w.metrics.InvitationsTotal.WithLabelValues(outcome).Inc()
	}
}

// InvitationURL builds the externally visible link for a token
func (w *Workflow) InvitationURL(tokenString string) string {
	return fmt.Sprintf("%s/sharing/invitations/%s", w.baseURL, tokenString)
}

// Invitation returns the metadata shown on an invitation page without
// consuming the token
func (w *Workflow) Invitation(ctx context.Context, tokenString string) (*InvitationView, error) {
	result, err := w.tokens.Validate(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		return nil, &InvalidTokenError{Reasons: result.Reasons}
	}

	project, err := w.store.GetProject(ctx, result.Token.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", result.Token.ProjectID, ErrNotFound)
	}

	return &InvitationView{
		ProjectID:       project.ID,
		ProjectName:     project.Name,
		InvitedBy:       result.Token.CreatedBy,
		Role:            result.Token.Role,
		RoleDescription: result.Token.Role.Description(),
		ExpiresAt:       result.Token.ExpiresAt,
		RemainingUses:   result.Token.RemainingUses(),
	}, nil
}

// AcceptInvitation turns a valid token into an accepted collaborator row.
// It is idempotent: a user who already belongs to the project gets their
// existing role back and the token is not consumed. The collaborator write,
// token consumption, and audit entry commit in a single transaction.
func (w *Workflow) AcceptInvitation(ctx context.Context, tokenString string, userID int64, ip, userAgent string) (*AcceptOutcome, error) {
	result, err := w.tokens.Validate(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		w.recordInvalidUse(ctx, result.Token, userID, ip, userAgent, result.Reasons)
		w.countInvitation("invalid")
		return nil, &InvalidTokenError{Reasons: result.Reasons}
	}
	token := result.Token

	// userID comes from a validated session, so only the project's
	// existence needs checking here
	project, err := w.store.GetProject(ctx, token.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", token.ProjectID, ErrNotFound)
	}

	// The owner cannot be demoted to collaborator by accepting a link to
	// their own project
	if project.OwnerID == userID {
		w.countInvitation("owner")
		return &AcceptOutcome{Kind: OutcomeOwnerNoOp, ProjectID: project.ID, Role: roles.RoleOwner}, nil
	}

	// Idempotency: membership is checked before any consumption
	existing, err := w.store.GetCollaborator(ctx, project.ID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusAccepted {
		w.countInvitation("already_member")
		return &AcceptOutcome{Kind: OutcomeAlreadyMember, ProjectID: project.ID, Role: existing.Role}, nil
	}

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role, status, invited_by, created_at, accepted_at)
		VALUES ($1, $2, $3, 'accepted', $4, $5, $5)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET role = EXCLUDED.role, status = 'accepted', accepted_at = EXCLUDED.accepted_at`,
		project.ID, userID, token.Role, token.CreatedBy, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert collaborator: %w", err)
	}

	if _, err := w.tokens.consumeInTx(ctx, tx, tokenString, userID, ip, userAgent); err != nil {
		tx.Rollback()
		if ite, ok := AsInvalidToken(err); ok {
			// Lost a race with another consumer between validate and lock
			w.recordInvalidUse(ctx, token, userID, ip, userAgent, ite.Reasons)
			w.countInvitation("invalid")
		}
		return nil, err
	}

	err = w.log.RecordTx(ctx, tx, &activity.Entry{
		ProjectID: project.ID,
		UserID:    &userID,
		Action:    activity.ActionInvitationAccepted,
		Details:   fmt.Sprintf("joined as %s", token.Role),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invitation acceptance: %w", err)
	}

	w.evaluator.Invalidate(userID, project.ID)
	w.countInvitation("joined")
	w.logger.WithFields(map[string]interface{}{
		"project_id": project.ID,
		"user_id":    userID,
		"role":       token.Role,
	}).Info("invitation accepted")

	return &AcceptOutcome{Kind: OutcomeJoined, ProjectID: project.ID, Role: token.Role}, nil
}

// DeclineInvitation records that a user turned an invitation down. Declining
// never consumes a token use and never creates a collaborator row.
func (w *Workflow) DeclineInvitation(ctx context.Context, tokenString string, userID int64, ip, userAgent string) error {
	result, err := w.tokens.Validate(ctx, tokenString)
	if err != nil {
		return err
	}
	if !result.IsValid {
		w.recordInvalidUse(ctx, result.Token, userID, ip, userAgent, result.Reasons)
		return &InvalidTokenError{Reasons: result.Reasons}
	}
	token := result.Token

	// A pending row from a direct invite is marked declined; nothing is
	// deleted so re-invites keep their history
	_, err = w.store.db.ExecContext(ctx, `
		UPDATE project_collaborators SET status = 'declined'
		WHERE project_id = $1 AND user_id = $2 AND status = 'pending'`,
		token.ProjectID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark invitation declined: %w", err)
	}

	w.recordEntry(ctx, &activity.Entry{
		ProjectID: token.ProjectID,
		UserID:    &userID,
		Action:    activity.ActionInvitationDeclined,
		IPAddress: ip,
		UserAgent: userAgent,
	})
	w.countInvitation("declined")
	return nil
}

// TransferOwnership hands a project to a new owner. Only the current owner
// may transfer. The owner swap, removal of the new owner's collaborator row,
// demotion of the old owner to admin, and the audit entry are one
// transaction: there is no observable state with two owners or none.
func (w *Workflow) TransferOwnership(ctx context.Context, projectID, newOwnerID, actorID int64, ip, userAgent string) error {
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project == nil || project.OwnerID != actorID {
		w.recordEntry(ctx, &activity.Entry{
			ProjectID: projectID,
			UserID:    &actorID,
			Action:    activity.ActionAccessDenied,
			Details:   "ownership transfer denied",
			IPAddress: ip,
			UserAgent: userAgent,
		})
		return ErrAccessDenied
	}

	if newOwnerID == actorID {
		return &ConflictError{Message: "user already owns this project"}
	}

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET owner_id = $1, updated_at = $2 WHERE id = $3`,
		newOwnerID, now, projectID)
	if err != nil {
		return fmt.Errorf("failed to update project owner: %w", err)
	}

	// The new owner must not keep a collaborator row, whatever role it had
	_, err = tx.ExecContext(ctx,
		`DELETE FROM project_collaborators WHERE project_id = $1 AND user_id = $2`,
		projectID, newOwnerID)
	if err != nil {
		return fmt.Errorf("failed to remove new owner's collaborator row: %w", err)
	}

	// The old owner stays on the project as an admin
	_, err = tx.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role, status, invited_by, created_at, accepted_at)
		VALUES ($1, $2, 'admin', 'accepted', $3, $4, $4)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET role = 'admin', status = 'accepted', accepted_at = EXCLUDED.accepted_at`,
		projectID, actorID, newOwnerID, now)
	if err != nil {
		return fmt.Errorf("failed to demote previous owner: %w", err)
	}

	err = w.log.RecordTx(ctx, tx, &activity.Entry{
		ProjectID: projectID,
		UserID:    &actorID,
		Action:    activity.ActionOwnershipTransferred,
		Details:   fmt.Sprintf("ownership transferred to user %d", newOwnerID),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ownership transfer: %w", err)
	}

	w.evaluator.Invalidate(actorID, projectID)
	w.evaluator.Invalidate(newOwnerID, projectID)
	w.logger.WithFields(map[string]interface{}{
		"project_id": projectID,
		"from":       actorID,
		"to":         newOwnerID,
	}).Info("project ownership transferred")
	return nil
}

// UpdateCollaboratorRole changes an accepted collaborator's role. The actor
// needs manage_collaborators and must outrank both the current and the new
// role per the role management rules.
func (w *Workflow) UpdateCollaboratorRole(ctx context.Context, projectID, actorID, targetUserID int64, newRole roles.Role, ip, userAgent string) (*Collaborator, error) {
	actorRole, ok := w.evaluator.UserRole(ctx, actorID, projectID)
	if !ok || !actorRole.HasPermission(roles.PermissionManageCollaborators) {
		return nil, ErrAccessDenied
	}

	if !newRole.IsGrantable() {
		return nil, fmt.Errorf("role %q cannot be assigned to a collaborator", newRole)
	}

	collab, err := w.store.GetCollaborator(ctx, projectID, targetUserID)
	if err != nil {
		return nil, err
	}
	if collab == nil || collab.Status != StatusAccepted {
		return nil, fmt.Errorf("collaborator %d: %w", targetUserID, ErrNotFound)
	}

	if !actorRole.CanManageRole(newRole) || !actorRole.CanManageRole(collab.Role) {
		w.recordEntry(ctx, &activity.Entry{
			ProjectID: projectID,
			UserID:    &actorID,
			Action:    activity.ActionAccessDenied,
			Details:   fmt.Sprintf("role change %s -> %s denied", collab.Role, newRole),
			IPAddress: ip,
			UserAgent: userAgent,
		})
		return nil, ErrAccessDenied
	}

	oldRole := collab.Role
	_, err = w.store.db.ExecContext(ctx,
		`UPDATE project_collaborators SET role = $1 WHERE id = $2`,
		newRole, collab.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update collaborator role: %w", err)
	}
	collab.Role = newRole

	w.recordEntry(ctx, &activity.Entry{
		ProjectID: projectID,
		UserID:    &actorID,
		Action:    activity.ActionRoleChanged,
		Details:   fmt.Sprintf("user %d: %s -> %s", targetUserID, oldRole, newRole),
		IPAddress: ip,
		UserAgent: userAgent,
	})

	w.evaluator.Invalidate(targetUserID, projectID)
	return collab, nil
}

// RemoveCollaborator deletes a collaborator row. Members may remove
// themselves; removing anyone else requires manage_collaborators and
// rank over the target's role.
func (w *Workflow) RemoveCollaborator(ctx context.Context, projectID, actorID, targetUserID int64, ip, userAgent string) error {
	actorRole, ok := w.evaluator.UserRole(ctx, actorID, projectID)
	if !ok {
		return ErrAccessDenied
	}

	collab, err := w.store.GetCollaborator(ctx, projectID, targetUserID)
	if err != nil {
		return err
	}
	if collab == nil {
		return fmt.Errorf("collaborator %d: %w", targetUserID, ErrNotFound)
	}

	selfRemoval := actorID == targetUserID && actorRole != roles.RoleOwner
	if !selfRemoval {
		if !actorRole.HasPermission(roles.PermissionManageCollaborators) || !actorRole.CanManageRole(collab.Role) {
			return ErrAccessDenied
		}
	}

	_, err = w.store.db.ExecContext(ctx,
		`DELETE FROM project_collaborators WHERE id = $1`, collab.ID)
	if err != nil {
		return fmt.Errorf("failed to remove collaborator: %w", err)
	}

	w.recordEntry(ctx, &activity.Entry{
		ProjectID: projectID,
		UserID:    &actorID,
		Action:    activity.ActionCollaboratorRemoved,
		Details:   fmt.Sprintf("user %d removed", targetUserID),
		IPAddress: ip,
		UserAgent: userAgent,
	})

	w.evaluator.Invalidate(targetUserID, projectID)
	return nil
}

// InviteRequest describes an email invitation
type InviteRequest struct {
	ProjectID int64
	ActorID   int64
	Email     string
	Role      roles.Role
	ExpiresIn time.Duration
	MaxUses   int

	IPAddress string
	UserAgent string
}

// Invite is the result of issuing an invitation
type Invite struct {
	Token *Token `json:"token"`
	URL   string `json:"url"`
}

// InviteByEmail issues a token and emails the invitation link. A delivery
// failure is recoverable: the token stays valid, an email_failed entry is
// audited, and the caller receives a DeliveryError still carrying the link.
func (w *Workflow) InviteByEmail(ctx context.Context, req InviteRequest) (*Invite, error) {
	token, err := w.tokens.Generate(ctx, GenerateRequest{
		ProjectID: req.ProjectID,
		CreatedBy: req.ActorID,
		Role:      req.Role,
		ExpiresIn: req.ExpiresIn,
		MaxUses:   req.MaxUses,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	invite := &Invite{Token: token, URL: w.InvitationURL(token.Token)}

	project, err := w.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	projectName := fmt.Sprintf("project %d", req.ProjectID)
	if project != nil {
		projectName = project.Name
	}

	subject := fmt.Sprintf("You've been invited to collaborate on %s", projectName)
	body := fmt.Sprintf(
		"You have been invited to join %s as a %s.\n\n"+
			"As a %s you can %s.\n\n"+
			"Accept the invitation here: %s\n\n"+
			"This link expires at %s.",
		projectName, req.Role, req.Role, req.Role.Description(),
		invite.URL, token.ExpiresAt.Format(time.RFC1123))

	if err := w.sender.Send(ctx, req.Email, subject, body); err != nil {
		w.recordEntry(ctx, &activity.Entry{
			ProjectID: req.ProjectID,
			UserID:    &req.ActorID,
			Action:    activity.ActionEmailFailed,
			Details:   fmt.Sprintf("delivery to %s failed: %v", req.Email, err),
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		})
		return invite, &DeliveryError{Recipient: req.Email, Err: err}
	}

	w.recordEntry(ctx, &activity.Entry{
		ProjectID: req.ProjectID,
		UserID:    &req.ActorID,
		Action:    activity.ActionProjectShared,
		Details:   fmt.Sprintf("invitation emailed to %s as %s", req.Email, req.Role),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	return invite, nil
}

// ShareByLink issues a token and returns the invitation link without
// attempting delivery
func (w *Workflow) ShareByLink(ctx context.Context, req InviteRequest) (*Invite, error) {
	token, err := w.tokens.Generate(ctx, GenerateRequest{
		ProjectID: req.ProjectID,
		CreatedBy: req.ActorID,
		Role:      req.Role,
		ExpiresIn: req.ExpiresIn,
		MaxUses:   req.MaxUses,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	w.recordEntry(ctx, &activity.Entry{
		ProjectID: req.ProjectID,
		UserID:    &req.ActorID,
		Action:    activity.ActionProjectShared,
		Details:   fmt.Sprintf("share link created for role %s", req.Role),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})

	return &Invite{Token: token, URL: w.InvitationURL(token.Token)}, nil
}

func (w *Workflow) recordInvalidUse(ctx context.Context, token *Token, userID int64, ip, userAgent string, reasons []InvalidReason) {
	entry := &activity.Entry{
		UserID:    &userID,
		Action:    activity.ActionInvalidTokenUsed,
		Details:   (&InvalidTokenError{Reasons: reasons}).Error(),
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if token != nil {
		entry.ProjectID = token.ProjectID
	}
	w.recordEntry(ctx, entry)
}

func (w *Workflow) recordEntry(ctx context.Context, entry *activity.Entry) {
	if err := w.log.Record(ctx, entry); err != nil {
		w.logger.WithError(err).WithField("action", entry.Action).Warn("failed to record activity entry")
	}
}
