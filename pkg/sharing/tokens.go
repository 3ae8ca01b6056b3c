package sharing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

const (
	// tokenBytes gives 256 bits of entropy per token
	tokenBytes = 32

	// maxCollisionRetries bounds regeneration when a token string collides.
	// With 256-bit tokens a single collision is already implausible.
	maxCollisionRetries = 3
)

// newTokenString returns a URL-safe random token string
func newTokenString() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateRequest describes a token to issue
type GenerateRequest struct {
	ProjectID int64
	CreatedBy int64
	Role      roles.Role
	ExpiresIn time.Duration
	MaxUses   int

	// Request context, recorded on the audit trail
	IPAddress string
	UserAgent string
}

// TokenService generates, validates, consumes, and revokes sharing tokens
type TokenService struct {
	store     *Store
	evaluator permissions.Evaluator
	log       *activity.Log
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewTokenService creates the sharing token service
func NewTokenService(store *Store, evaluator permissions.Evaluator, log *activity.Log, logger *observability.Logger, metrics *observability.Metrics) *TokenService {
	return &TokenService{
		store:     store,
		evaluator: evaluator,
		log:       log,
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *TokenService) countOperation(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.TokenOperationsTotal.WithLabelValues(operation, outcome).Inc()
	}
}

// Generate issues a new sharing token. The creator must hold share_project
// on the target project, the role must be grantable, and expiry and use
// budget must be positive.
func (s *TokenService) Generate(ctx context.Context, req GenerateRequest) (*Token, error) {
	if !req.Role.IsGrantable() {
		s.countOperation("generate", "invalid")
		return nil, fmt.Errorf("role %q cannot be granted via sharing token", req.Role)
	}
	if req.ExpiresIn <= 0 {
		s.countOperation("generate", "invalid")
		return nil, fmt.Errorf("token expiry must be positive")
	}
	if req.MaxUses <= 0 {
		s.countOperation("generate", "invalid")
		return nil, fmt.Errorf("token max uses must be positive")
	}

	if !s.evaluator.HasPermission(ctx, req.CreatedBy, req.ProjectID, roles.PermissionShareProject) {
		s.recordEntry(ctx, &activity.Entry{
			ProjectID: req.ProjectID,
			UserID:    &req.CreatedBy,
			Action:    activity.ActionAccessDenied,
			Details:   "sharing token generation denied",
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		})
		s.countOperation("generate", "denied")
		return nil, ErrAccessDenied
	}

	now := time.Now().UTC()
	token := &Token{
		ProjectID:   req.ProjectID,
		CreatedBy:   req.CreatedBy,
		Role:        req.Role,
		ExpiresAt:   now.Add(req.ExpiresIn),
		MaxUses:     req.MaxUses,
		CurrentUses: 0,
		IsActive:    true,
		CreatedAt:   now,
	}

	for attempt := 0; ; attempt++ {
		tokenString, err := newTokenString()
		if err != nil {
			s.countOperation("generate", "error")
			return nil, err
		}
		token.Token = tokenString

		err = s.store.db.QueryRowContext(ctx, `
			INSERT INTO sharing_tokens (token, project_id, created_by, role, expires_at, max_uses, current_uses, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			token.Token, token.ProjectID, token.CreatedBy, token.Role,
			token.ExpiresAt, token.MaxUses, token.CurrentUses, token.IsActive, token.CreatedAt,
		).Scan(&token.ID)
		if err == nil {
			break
		}

		if isUniqueViolation(err) && attempt < maxCollisionRetries {
			s.logger.WithField("attempt", attempt+1).Warn("sharing token collision, regenerating")
			continue
		}
		s.countOperation("generate", "error")
		return nil, fmt.Errorf("failed to insert sharing token: %w", err)
	}

	s.recordEntry(ctx, &activity.Entry{
		ProjectID: req.ProjectID,
		UserID:    &req.CreatedBy,
		Action:    activity.ActionTokenGenerated,
		Details:   fmt.Sprintf("role=%s max_uses=%d expires_at=%s", req.Role, req.MaxUses, token.ExpiresAt.Format(time.RFC3339)),
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})

	s.countOperation("generate", "success")
	return token, nil
}

// isUniqueViolation reports whether an insert hit a unique constraint
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// Validate evaluates a token string without consuming it. A malformed or
// unknown token is not an error: the result carries is_valid=false with
// reason not_found. Every applicable failure reason is reported.
func (s *TokenService) Validate(ctx context.Context, tokenString string) (*ValidationResult, error) {
	token, err := s.store.GetToken(ctx, tokenString)
	if err != nil {
		s.countOperation("validate", "error")
		return nil, err
	}
	if token == nil {
		s.countOperation("validate", "invalid")
		return &ValidationResult{IsValid: false, Reasons: []InvalidReason{ReasonNotFound}}, nil
	}

	result := evaluateToken(token, time.Now().UTC())
	if result.IsValid {
		s.countOperation("validate", "success")
	} else {
		s.countOperation("validate", "invalid")
	}
	return result, nil
}

// evaluateToken collects every failure reason applying to an existing token
func evaluateToken(token *Token, now time.Time) *ValidationResult {
	result := &ValidationResult{Token: token}

	if !token.IsActive {
		result.Reasons = append(result.Reasons, ReasonInactive)
	}
	if !now.Before(token.ExpiresAt) {
		result.Reasons = append(result.Reasons, ReasonExpired)
	}
	if token.CurrentUses >= token.MaxUses {
		result.Reasons = append(result.Reasons, ReasonExhausted)
	}

	result.IsValid = len(result.Reasons) == 0
	return result
}

// Consume spends one use of a token on behalf of a user. The re-validation,
// increment, auto-deactivation, and audit write happen in one transaction
// with the token row locked, so two concurrent consumers of a max_uses=1
// token cannot both succeed.
func (s *TokenService) Consume(ctx context.Context, tokenString string, userID int64, ip, userAgent string) (*Token, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		s.countOperation("consume", "error")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	token, err := s.consumeInTx(ctx, tx, tokenString, userID, ip, userAgent)
	if err != nil {
		// The invalid-use audit entry must survive the rollback
		tx.Rollback()
		if ite, ok := AsInvalidToken(err); ok {
			s.recordInvalidUse(ctx, token, userID, ip, userAgent, ite)
			s.countOperation("consume", "invalid")
		} else {
			s.countOperation("consume", "error")
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.countOperation("consume", "error")
		return nil, fmt.Errorf("failed to commit token consumption: %w", err)
	}

	s.countOperation("consume", "success")
	return token, nil
}

// consumeInTx locks, re-validates, and spends the token inside the caller's
// transaction. On an invalid token it returns the row (when found) alongside
// the InvalidTokenError so the caller can audit outside the transaction.
func (s *TokenService) consumeInTx(ctx context.Context, tx *sql.Tx, tokenString string, userID int64, ip, userAgent string) (*Token, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sharing_tokens WHERE token = $1 FOR UPDATE`, tokenColumns),
		tokenString)

	token, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, &InvalidTokenError{Reasons: []InvalidReason{ReasonNotFound}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock token: %w", err)
	}

	now := time.Now().UTC()
	if result := evaluateToken(token, now); !result.IsValid {
		return token, &InvalidTokenError{Reasons: result.Reasons}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sharing_tokens
		SET current_uses = current_uses + 1,
		    is_active = CASE WHEN current_uses + 1 >= max_uses THEN FALSE ELSE is_active END
		WHERE id = $1`,
		token.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment token uses: %w", err)
	}

	token.CurrentUses++
	if token.CurrentUses >= token.MaxUses {
		token.IsActive = false
	}

	err = s.log.RecordTx(ctx, tx, &activity.Entry{
		ProjectID: token.ProjectID,
		UserID:    &userID,
		Action:    activity.ActionTokenUsed,
		Details:   fmt.Sprintf("use %d of %d", token.CurrentUses, token.MaxUses),
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// recordInvalidUse audits a failed consumption attempt
func (s *TokenService) recordInvalidUse(ctx context.Context, token *Token, userID int64, ip, userAgent string, ite *InvalidTokenError) {
	entry := &activity.Entry{
		UserID:    &userID,
		Action:    activity.ActionInvalidTokenUsed,
		Details:   ite.Error(),
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if token != nil {
		entry.ProjectID = token.ProjectID
	}
	s.recordEntry(ctx, entry)
}

// Revoke deactivates a token before its natural end of life. The caller
// must hold share_project on the token's project.
func (s *TokenService) Revoke(ctx context.Context, tokenString string, userID int64, ip, userAgent string) error {
	token, err := s.store.GetToken(ctx, tokenString)
	if err != nil {
		s.countOperation("revoke", "error")
		return err
	}
	if token == nil {
		s.countOperation("revoke", "invalid")
		return &InvalidTokenError{Reasons: []InvalidReason{ReasonNotFound}}
	}

	if !s.evaluator.HasPermission(ctx, userID, token.ProjectID, roles.PermissionShareProject) {
		s.countOperation("revoke", "denied")
		return ErrAccessDenied
	}

	_, err = s.store.db.ExecContext(ctx,
		`UPDATE sharing_tokens SET is_active = FALSE WHERE id = $1`, token.ID)
	if err != nil {
		s.countOperation("revoke", "error")
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.recordEntry(ctx, &activity.Entry{
		ProjectID: token.ProjectID,
		UserID:    &userID,
		Action:    activity.ActionTokenRevoked,
		IPAddress: ip,
		UserAgent: userAgent,
	})

	s.countOperation("revoke", "success")
	return nil
}

// CleanupExpired deletes tokens whose expiry has passed, at most batchSize
// per call, and returns how many were removed
func (s *TokenService) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	result, err := s.store.db.ExecContext(ctx, `
		DELETE FROM sharing_tokens
		WHERE id IN (
			SELECT id FROM sharing_tokens WHERE expires_at < $1 LIMIT $2
		)`,
		time.Now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired tokens: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned tokens: %w", err)
	}

	if removed > 0 {
		if s.metrics != nil {
			s.metrics.TokensCleanedTotal.Add(float64(removed))
		}
		s.logger.WithField("removed", removed).Info("cleaned up expired sharing tokens")
	}
	return int(removed), nil
}

// recordEntry writes an audit entry, logging rather than failing on error.
// Audit writes outside a mutation transaction are best-effort.
func (s *TokenService) recordEntry(ctx context.Context, entry *activity.Entry) {
	if err := s.log.Record(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("action", entry.Action).Warn("failed to record activity entry")
	}
}
