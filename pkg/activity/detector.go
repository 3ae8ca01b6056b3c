package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/rhythm/pkg/observability"
)

// Source is the read surface the detector needs from the activity log
type Source interface {
	CountByIPSince(ctx context.Context, ip string, actions []Action, since time.Time) (int, error)
	DistinctIPsForUserSince(ctx context.Context, userID int64, actions []Action, since time.Time) (int, error)
	LastIPForAction(ctx context.Context, projectID int64, action Action, before time.Time) (string, error)
	CountByUserSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Thresholds tunes the detector's time-windowed heuristics
type Thresholds struct {
	// BruteForceCount denied/invalid-token entries from one IP within
	// BruteForceWindow flag the entry
	BruteForceCount  int
	BruteForceWindow time.Duration

	// IPChurnCount distinct IPs for one user's access-granting actions
	// within IPChurnWindow flag the entry
	IPChurnCount  int
	IPChurnWindow time.Duration

	// AutomationCount actions by one user within AutomationWindow flag
	// the entry
	AutomationCount  int
	AutomationWindow time.Duration
}

// DefaultThresholds returns the standard detection thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		BruteForceCount:  5,
		BruteForceWindow: time.Hour,
		IPChurnCount:     3,
		IPChurnWindow:    2 * time.Hour,
		AutomationCount:  10,
		AutomationWindow: 5 * time.Minute,
	}
}

// deniedActions are the entries counted by the brute-force heuristic
var deniedActions = []Action{ActionAccessDenied, ActionInvalidTokenUsed}

// accessGrantedActions are the entries counted by the IP-churn heuristic
var accessGrantedActions = []Action{ActionAccessGranted, ActionTokenUsed, ActionInvitationAccepted}

// Detector evaluates activity entries against time-windowed heuristics.
// It is a pure read-side component: a log query failure never propagates,
// the affected heuristic simply does not fire.
type Detector struct {
	source     Source
	thresholds Thresholds
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewDetector creates a detector over an activity log source
func NewDetector(source Source, thresholds Thresholds, logger *observability.Logger) *Detector {
	return &Detector{
		source:     source,
		thresholds: thresholds,
		logger:     logger,
	}
}

// SetMetrics enables counting flagged entries by risk level
func (d *Detector) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// Evaluate scores a single entry. Heuristics are independent; any one firing
// marks the entry suspicious. Risk reflects the entry's action class.
func (d *Detector) Evaluate(ctx context.Context, entry *Entry) Assessment {
	assessment := Assessment{Risk: riskForAction(entry.Action)}

	if reason := d.checkBruteForce(ctx, entry); reason != "" {
		assessment.Reasons = append(assessment.Reasons, reason)
	}
	if reason := d.checkIPChurn(ctx, entry); reason != "" {
		assessment.Reasons = append(assessment.Reasons, reason)
	}
	if reason := d.checkTokenIPMismatch(ctx, entry); reason != "" {
		assessment.Reasons = append(assessment.Reasons, reason)
	}
	if reason := d.checkAutomation(ctx, entry); reason != "" {
		assessment.Reasons = append(assessment.Reasons, reason)
	}

	assessment.Suspicious = len(assessment.Reasons) > 0
	if assessment.Suspicious && d.metrics != nil {
		d.metrics.SuspiciousFlagsTotal.WithLabelValues(string(assessment.Risk)).Inc()
	}
	return assessment
}

func (d *Detector) checkBruteForce(ctx context.Context, entry *Entry) string {
	if entry.IPAddress == "" {
		return ""
	}
	isDenied := false
	for _, a := range deniedActions {
		if entry.Action == a {
			isDenied = true
			break
		}
	}
	if !isDenied {
		return ""
	}

	since := entry.CreatedAt.Add(-d.thresholds.BruteForceWindow)
	count, err := d.source.CountByIPSince(ctx, entry.IPAddress, deniedActions, since)
	if err != nil {
		d.logQueryFailure("brute_force", err)
		return ""
	}
	if count >= d.thresholds.BruteForceCount {
		return fmt.Sprintf("%d denied or invalid-token attempts from %s within %s",
			count, entry.IPAddress, d.thresholds.BruteForceWindow)
	}
	return ""
}

func (d *Detector) checkIPChurn(ctx context.Context, entry *Entry) string {
	if entry.UserID == nil {
		return ""
	}

	since := entry.CreatedAt.Add(-d.thresholds.IPChurnWindow)
	count, err := d.source.DistinctIPsForUserSince(ctx, *entry.UserID, accessGrantedActions, since)
	if err != nil {
		d.logQueryFailure("ip_churn", err)
		return ""
	}
	if count >= d.thresholds.IPChurnCount {
		return fmt.Sprintf("user accessed from %d distinct addresses within %s",
			count, d.thresholds.IPChurnWindow)
	}
	return ""
}

func (d *Detector) checkTokenIPMismatch(ctx context.Context, entry *Entry) string {
	if entry.Action != ActionTokenUsed || entry.IPAddress == "" {
		return ""
	}

	generatedIP, err := d.source.LastIPForAction(ctx, entry.ProjectID, ActionTokenGenerated, entry.CreatedAt)
	if err != nil {
		d.logQueryFailure("token_ip_mismatch", err)
		return ""
	}
	if generatedIP != "" && generatedIP != entry.IPAddress {
		return fmt.Sprintf("token redeemed from %s but generated from %s",
			entry.IPAddress, generatedIP)
	}
	return ""
}

func (d *Detector) checkAutomation(ctx context.Context, entry *Entry) string {
	if entry.UserID == nil {
		return ""
	}

	since := entry.CreatedAt.Add(-d.thresholds.AutomationWindow)
	count, err := d.source.CountByUserSince(ctx, *entry.UserID, since)
	if err != nil {
		d.logQueryFailure("automation", err)
		return ""
	}
	if count >= d.thresholds.AutomationCount {
		return fmt.Sprintf("%d actions by one user within %s",
			count, d.thresholds.AutomationWindow)
	}
	return ""
}

func (d *Detector) logQueryFailure(heuristic string, err error) {
	if d.logger != nil {
		d.logger.WithError(err).WithField("heuristic", heuristic).
			Warn("suspicious-activity query failed, skipping heuristic")
	}
}
