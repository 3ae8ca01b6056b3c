package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/httputil"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

// Handler serves presence and catch-up over HTTP
type Handler struct {
	hub       *Hub
	resyncer  *Resyncer
	evaluator permissions.Evaluator
	logger    *observability.Logger
}

// NewHandler creates the realtime API handler
func NewHandler(hub *Hub, resyncer *Resyncer, evaluator permissions.Evaluator, logger *observability.Logger) *Handler {
	return &Handler{
		hub:       hub,
		resyncer:  resyncer,
		evaluator: evaluator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the realtime endpoints on the router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/projects/{projectID}/presence", h.handlePresence).Methods("GET")
	r.HandleFunc("/api/projects/{projectID}/resync", h.handleResync).Methods("GET")
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	userIDs, err := h.hub.PresentUsers(r.Context(), projectID)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("presence lookup failed")
		httputil.WriteInternalError(w, fmt.Errorf("failed to load presence"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"project_id": projectID,
		"user_ids":   userIDs,
	})
}

func (h *Handler) handleResync(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	sinceStr := httputil.ParseQueryString(r, "since", "")
	if sinceStr == "" {
		httputil.WriteBadRequest(w, "since is required")
		return
	}
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid since timestamp: %s", sinceStr))
		return
	}

	events, err := h.resyncer.Resync(r.Context(), projectID, since)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("resync failed")
		httputil.WriteInternalError(w, fmt.Errorf("failed to resync"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"project_id": projectID,
		"since":      since,
		"events":     events,
	})
}

// authorize resolves the caller and checks project access
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (projectID, userID int64, ok bool) {
	projectID, valid := httputil.ParsePathInt64OrError(w, r, "projectID")
	if !valid {
		return 0, 0, false
	}

	userID, ok = contextkeys.CurrentUserID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, 0, false
	}

	if !h.evaluator.HasPermission(r.Context(), userID, projectID, roles.PermissionViewOnly) {
		httputil.WriteForbidden(w, "access denied")
		return 0, 0, false
	}
	return projectID, userID, true
}
