package activity

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rhythm/pkg/contextkeys"
	"github.com/platinummonkey/rhythm/pkg/httputil"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 200
)

// Handler serves the activity feed, suspicious-activity view, and CSV export
type Handler struct {
	log       *Log
	detector  *Detector
	evaluator permissions.Evaluator
	logger    *observability.Logger
}

// NewHandler creates the activity API handler
func NewHandler(log *Log, detector *Detector, evaluator permissions.Evaluator, logger *observability.Logger) *Handler {
	return &Handler{
		log:       log,
		detector:  detector,
		evaluator: evaluator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the activity endpoints on the router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/projects/{projectID}/activity", h.handleFeed).Methods("GET")
	r.HandleFunc("/api/projects/{projectID}/activity/suspicious", h.handleSuspicious).Methods("GET")
	r.HandleFunc("/api/projects/{projectID}/activity/export", h.handleExport).Methods("GET")
}

// EntryView is a feed item: the raw entry plus the detector's verdict
type EntryView struct {
	*Entry
	Suspicious bool      `json:"suspicious"`
	Risk       RiskLevel `json:"risk"`
	Reasons    []string  `json:"reasons,omitempty"`
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	projectID, userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	filter, err := parseFeedFilter(r, projectID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.log.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("activity search failed")
		httputil.WriteInternalError(w, fmt.Errorf("failed to load activity"))
		return
	}

	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		assessment := h.detector.Evaluate(r.Context(), entry)
		views = append(views, EntryView{
			Entry:      entry,
			Suspicious: assessment.Suspicious,
			Risk:       assessment.Risk,
			Reasons:    assessment.Reasons,
		})
	}

	h.logger.WithField("project_id", projectID).WithField("user_id", userID).
		Debugf("served %d activity entries", len(views))
	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": views,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (h *Handler) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	filter, err := parseFeedFilter(r, projectID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.log.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("activity search failed")
		httputil.WriteInternalError(w, fmt.Errorf("failed to load activity"))
		return
	}

	flagged := make([]EntryView, 0)
	for _, entry := range entries {
		assessment := h.detector.Evaluate(r.Context(), entry)
		if !assessment.Suspicious {
			continue
		}
		flagged = append(flagged, EntryView{
			Entry:      entry,
			Suspicious: true,
			Risk:       assessment.Risk,
			Reasons:    assessment.Reasons,
		})
	}

	httputil.WriteSuccess(w, map[string]interface{}{"entries": flagged})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	projectID, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	filter, err := parseFeedFilter(r, projectID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	// Exports ignore pagination defaults; cap at a sane batch instead
	filter.Limit = 10000
	filter.Offset = 0

	entries, err := h.log.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("activity export failed")
		httputil.WriteInternalError(w, fmt.Errorf("failed to export activity"))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="project_%d_activity.csv"`, projectID))

	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "created_at", "action", "user_id", "ip_address", "details"})
	for _, entry := range entries {
		userID := ""
		if entry.UserID != nil {
			userID = strconv.FormatInt(*entry.UserID, 10)
		}
		cw.Write([]string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.Format(time.RFC3339),
			string(entry.Action),
			userID,
			entry.IPAddress,
			entry.Details,
		})
	}
	cw.Flush()
}

// authorize resolves the caller and checks project access. Denials do not
// reveal whether the project exists.
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

func parseFeedFilter(r *http.Request, projectID int64) (Filter, error) {
	filter := Filter{ProjectID: &projectID}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultFeedLimit)
	if err != nil {
		return filter, err
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	filter.Limit = limit

	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}
	filter.Offset = offset

	if action := httputil.ParseQueryString(r, "action", ""); action != "" {
		filter.Actions = []Action{Action(action)}
	}

	if userStr := httputil.ParseQueryString(r, "user_id", ""); userStr != "" {
		uid, err := strconv.ParseInt(userStr, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid user_id: %s", userStr)
		}
		filter.UserID = &uid
	}

	if sinceStr := httputil.ParseQueryString(r, "since", ""); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return filter, fmt.Errorf("invalid since timestamp: %s", sinceStr)
		}
		filter.StartTime = &since
	}

	return filter, nil
}
