package sharing

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/httputil"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

const (
	minExpiryHours = 1
	maxExpiryHours = 8760 // one year

	defaultExpiryHours = 168 // one week
	defaultMaxUses     = 1
)

// Handler serves the invitation and collaborator management endpoints
type Handler struct {
	workflow  *Workflow
	tokens    *TokenService
	store     *Store
	evaluator permissions.Evaluator
	logger    *observability.Logger
}

// NewHandler creates the sharing API handler
func NewHandler(workflow *Workflow, tokens *TokenService, store *Store, evaluator permissions.Evaluator, logger *observability.Logger) *Handler {
	return &Handler{
		workflow:  workflow,
		tokens:    tokens,
		store:     store,
		evaluator: evaluator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the sharing endpoints on the router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Invitation surface; the token travels as a path segment
	r.HandleFunc("/sharing/invitations/{token}", h.handleInvitation).Methods("GET")
	r.HandleFunc("/sharing/invitations/{token}/accept", h.handleAccept).Methods("POST")
	r.HandleFunc("/sharing/invitations/{token}/decline", h.handleDecline).Methods("POST")

	// Project sharing and collaborator management
	r.HandleFunc("/api/projects/{projectID}/share", h.handleShare).Methods("POST")
	r.HandleFunc("/api/projects/{projectID}/collaborators", h.handleListCollaborators).Methods("GET")
	r.HandleFunc("/api/projects/{projectID}/collaborators/{userID}", h.handleUpdateRole).Methods("PUT")
	r.HandleFunc("/api/projects/{projectID}/collaborators/{userID}", h.handleRemove).Methods("DELETE")
	r.HandleFunc("/api/projects/{projectID}/transfer", h.handleTransfer).Methods("POST")
	r.HandleFunc("/api/sharing/tokens/{token}", h.handleRevoke).Methods("DELETE")
}

// clientMeta extracts the request origin recorded on audit entries
func clientMeta(r *http.Request) (ip, userAgent string) {
	ip = contextkeys.ClientIP(r.Context())
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip, r.UserAgent()
}

// writeError maps workflow errors onto HTTP responses. Authorization
// failures never reveal whether the target exists.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ite *InvalidTokenError
	if errors.As(err, &ite) {
		status := http.StatusGone
		if ite.HasReason(ReasonNotFound) {
			status = http.StatusNotFound
		}
		httputil.WriteJSON(w, status, map[string]interface{}{
			"error":   "invalid invitation",
			"reasons": ite.Reasons,
		})
		return
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		httputil.WriteConflict(w, conflict.Message)
		return
	}

	switch {
	case errors.Is(err, ErrAccessDenied):
		httputil.WriteForbidden(w, "access denied")
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	default:
		h.logger.WithError(err).Error("sharing request failed")
		httputil.WriteInternalError(w, errors.New("internal error"))
	}
}

func (h *Handler) handleInvitation(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	view, err := h.workflow.Invitation(r.Context(), tokenString)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	userID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	ip, userAgent := clientMeta(r)
	outcome, err := h.workflow.AcceptInvitation(r.Context(), tokenString, userID, ip, userAgent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, outcome)
}

func (h *Handler) handleDecline(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	userID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	ip, userAgent := clientMeta(r)
	if err := h.workflow.DeclineInvitation(r.Context(), tokenString, userID, ip, userAgent); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "invitation declined", nil)
}

type shareRequest struct {
	Role         string `json:"role"`
	ExpiresHours int    `json:"expires_hours"`
	MaxUses      int    `json:"max_uses"`
	Email        string `json:"email,omitempty"`
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !ok {
		return
	}
	userID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req shareRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := roles.Parse(req.Role)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if !role.IsGrantable() {
		httputil.WriteValidationError(w, "role cannot be granted via invitation")
		return
	}

	if req.ExpiresHours == 0 {
		req.ExpiresHours = defaultExpiryHours
	}
	if req.ExpiresHours < minExpiryHours || req.ExpiresHours > maxExpiryHours {
		httputil.WriteValidationError(w, "expires_hours must be between 1 and 8760")
		return
	}
	if req.MaxUses == 0 {
		req.MaxUses = defaultMaxUses
	}
	if req.MaxUses < 0 {
		httputil.WriteValidationError(w, "max_uses must be positive")
		return
	}

	ip, userAgent := clientMeta(r)
	inviteReq := InviteRequest{
		ProjectID: projectID,
		ActorID:   userID,
		Email:     req.Email,
		Role:      role,
		ExpiresIn: time.Duration(req.ExpiresHours) * time.Hour,
		MaxUses:   req.MaxUses,
		IPAddress: ip,
		UserAgent: userAgent,
	}

	if req.Email == "" {
		invite, err := h.workflow.ShareByLink(r.Context(), inviteReq)
		if err != nil {
			h.writeError(w, err)
			return
		}
		httputil.WriteCreated(w, invite)
		return
	}

	invite, err := h.workflow.InviteByEmail(r.Context(), inviteReq)
	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		// The token is live even though the email bounced; hand the link back
		httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"invite":  invite,
			"warning": "invitation created but email delivery failed",
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteCreated(w, invite)
}

func (h *Handler) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !ok {
		return
	}
	userID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	if !h.evaluator.HasPermission(r.Context(), userID, projectID, roles.PermissionViewCollaborators) {
		httputil.WriteForbidden(w, "access denied")
		return
	}

	collaborators, err := h.store.ListCollaborators(r.Context(), projectID, StatusAccepted)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"collaborators": collaborators})
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req updateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := roles.Parse(req.Role)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	ip, userAgent := clientMeta(r)
	collab, err := h.workflow.UpdateCollaboratorRole(r.Context(), projectID, actorID, targetID, role, ip, userAgent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, collab)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "userID")
	if !ok {
		return
	}
	actorID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	ip, userAgent := clientMeta(r)
	if err := h.workflow.RemoveCollaborator(r.Context(), projectID, actorID, targetID, ip, userAgent); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type transferRequest struct {
	NewOwnerID int64 `json:"new_owner_id"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !ok {
		return
	}
	actorID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req transferRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.NewOwnerID, "new_owner_id") {
		return
	}

	ip, userAgent := clientMeta(r)
	if err := h.workflow.TransferOwnership(r.Context(), projectID, req.NewOwnerID, actorID, ip, userAgent); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "ownership transferred", nil)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tokenString, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}
	userID, ok := contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	ip, userAgent := clientMeta(r)
	if err := h.tokens.Revoke(r.Context(), tokenString, userID, ip, userAgent); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
