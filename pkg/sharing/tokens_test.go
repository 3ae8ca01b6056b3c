package sharing

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/roles"
)

// fakeEvaluator answers permission checks from a fixed table
type fakeEvaluator struct {
	rolesByUser map[int64]roles.Role
	invalidated []int64
}

func (f *fakeEvaluator) UserRole(_ context.Context, userID, _ int64) (roles.Role, bool) {
	role, ok := f.rolesByUser[userID]
	return role, ok
}

func (f *fakeEvaluator) HasPermission(ctx context.Context, userID, projectID int64, perm roles.Permission) bool {
	role, ok := f.UserRole(ctx, userID, projectID)
	return ok && role.HasPermission(perm)
}

func (f *fakeEvaluator) CanAccessProject(ctx context.Context, userID, projectID int64) bool {
	_, ok := f.UserRole(ctx, userID, projectID)
	return ok
}

func (f *fakeEvaluator) Invalidate(userID, _ int64) {
	f.invalidated = append(f.invalidated, userID)
}

type testEnv struct {
	store     *Store
	log       *activity.Log
	evaluator *fakeEvaluator
	mock      sqlmock.Sqlmock
}

// newTestEnv wires a Store and activity.Log over one mocked connection
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS projects").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewStore(db)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS activity_log").
		WillReturnResult(sqlmock.NewResult(0, 0))
	log, err := activity.NewLog(db)
	require.NoError(t, err)

	return &testEnv{
		store: store,
		log:   log,
		evaluator: &fakeEvaluator{
			rolesByUser: map[int64]roles.Role{},
		},
		mock: mock,
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func (e *testEnv) tokenService() *TokenService {
	return NewTokenService(e.store, e.evaluator, e.log, testLogger(), nil)
}

// expectActivityInsert matches the best-effort audit write
func (e *testEnv) expectActivityInsert() {
	e.mock.ExpectQuery("INSERT INTO activity_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
}

func tokenRows(tokens ...*Token) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "token", "project_id", "created_by", "role", "expires_at",
		"max_uses", "current_uses", "is_active", "created_at",
	})
	for _, tok := range tokens {
		rows.AddRow(tok.ID, tok.Token, tok.ProjectID, tok.CreatedBy, tok.Role,
			tok.ExpiresAt, tok.MaxUses, tok.CurrentUses, tok.IsActive, tok.CreatedAt)
	}
	return rows
}

func liveToken() *Token {
	now := time.Now().UTC()
	return &Token{
		ID:          5,
		Token:       "tok-live",
		ProjectID:   1,
		CreatedBy:   1,
		Role:        roles.RoleEditor,
		ExpiresAt:   now.Add(time.Hour),
		MaxUses:     2,
		CurrentUses: 0,
		IsActive:    true,
		CreatedAt:   now,
	}
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-grantable roles", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		_, err := svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 1, Role: roles.RoleOwner,
			ExpiresIn: time.Hour, MaxUses: 1,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be granted")
	})

	t.Run("rejects non-positive expiry and uses", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		_, err := svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 1, Role: roles.RoleViewer, ExpiresIn: -time.Hour, MaxUses: 1,
		})
		require.Error(t, err)

		_, err = svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 1, Role: roles.RoleViewer, ExpiresIn: time.Hour, MaxUses: 0,
		})
		require.Error(t, err)
	})

	t.Run("denies creators without share_project and audits it", func(t *testing.T) {
		env := newTestEnv(t)
		env.evaluator.rolesByUser[3] = roles.RoleViewer
		svc := env.tokenService()

		env.expectActivityInsert() // access_denied

		_, err := svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 3, Role: roles.RoleViewer,
			ExpiresIn: time.Hour, MaxUses: 1,
		})
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("issues a token and audits token_generated", func(t *testing.T) {
		env := newTestEnv(t)
		env.evaluator.rolesByUser[1] = roles.RoleOwner
		svc := env.tokenService()

		env.mock.ExpectQuery("INSERT INTO sharing_tokens").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
		env.expectActivityInsert() // token_generated

		token, err := svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 1, Role: roles.RoleEditor,
			ExpiresIn: time.Hour, MaxUses: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(9), token.ID)
		assert.True(t, token.IsActive)
		assert.Equal(t, 0, token.CurrentUses)
		// 32 random bytes, URL-safe, no padding
		assert.Len(t, token.Token, 43)
		assert.True(t, token.Valid(time.Now().UTC()))
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("retries once on a token collision", func(t *testing.T) {
		env := newTestEnv(t)
		env.evaluator.rolesByUser[1] = roles.RoleOwner
		svc := env.tokenService()

		env.mock.ExpectQuery("INSERT INTO sharing_tokens").
			WillReturnError(&pq.Error{Code: "23505"})
		env.mock.ExpectQuery("INSERT INTO sharing_tokens").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
		env.expectActivityInsert()

		token, err := svc.Generate(ctx, GenerateRequest{
			ProjectID: 1, CreatedBy: 1, Role: roles.RoleViewer,
			ExpiresIn: time.Hour, MaxUses: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(10), token.ID)
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token reports not_found without error", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnError(sql.ErrNoRows)

		result, err := svc.Validate(ctx, "garbage")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, []InvalidReason{ReasonNotFound}, result.Reasons)
	})

	t.Run("fresh token is valid", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnRows(tokenRows(liveToken()))

		result, err := svc.Validate(ctx, "tok-live")
		require.NoError(t, err)
		assert.True(t, result.IsValid)
		assert.Empty(t, result.Reasons)
	})

	t.Run("every applicable reason is reported together", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		dead := liveToken()
		dead.IsActive = false
		dead.ExpiresAt = time.Now().UTC().Add(-time.Hour)
		dead.CurrentUses = dead.MaxUses

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnRows(tokenRows(dead))

		result, err := svc.Validate(ctx, "tok-live")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.ElementsMatch(t,
			[]InvalidReason{ReasonInactive, ReasonExpired, ReasonExhausted},
			result.Reasons)
	})

	t.Run("expired token reports expiry regardless of remaining uses", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		expired := liveToken()
		expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnRows(tokenRows(expired))

		result, err := svc.Validate(ctx, "tok-live")
		require.NoError(t, err)
		assert.Equal(t, []InvalidReason{ReasonExpired}, result.Reasons)
	})
}

func TestConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("spends one use inside a transaction", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		env.mock.ExpectBegin()
		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens WHERE token = .+ FOR UPDATE").
			WillReturnRows(tokenRows(liveToken()))
		env.mock.ExpectExec("UPDATE sharing_tokens").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectQuery("INSERT INTO activity_log").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		env.mock.ExpectCommit()

		token, err := svc.Consume(ctx, "tok-live", 7, "10.0.0.1", "ua")
		require.NoError(t, err)
		assert.Equal(t, 1, token.CurrentUses)
		assert.True(t, token.IsActive, "one use of two left")
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("deactivates on reaching max uses", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		lastUse := liveToken()
		lastUse.CurrentUses = 1 // max is 2

		env.mock.ExpectBegin()
		env.mock.ExpectQuery("FOR UPDATE").WillReturnRows(tokenRows(lastUse))
		env.mock.ExpectExec("UPDATE sharing_tokens").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.mock.ExpectQuery("INSERT INTO activity_log").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		env.mock.ExpectCommit()

		token, err := svc.Consume(ctx, "tok-live", 8, "10.0.0.1", "ua")
		require.NoError(t, err)
		assert.Equal(t, 2, token.CurrentUses)
		assert.False(t, token.IsActive)
	})

	t.Run("second consumer of a max_uses=1 token loses under the row lock", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		// The winner already incremented; this consumer sees the spent row
		spent := liveToken()
		spent.MaxUses = 1
		spent.CurrentUses = 1
		spent.IsActive = false

		env.mock.ExpectBegin()
		env.mock.ExpectQuery("FOR UPDATE").WillReturnRows(tokenRows(spent))
		env.mock.ExpectRollback()
		env.expectActivityInsert() // invalid_token_used, outside the tx

		_, err := svc.Consume(ctx, "tok-live", 9, "10.0.0.1", "ua")
		ite, ok := AsInvalidToken(err)
		require.True(t, ok)
		assert.True(t, ite.HasReason(ReasonExhausted))
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("unknown token audits invalid_token_used", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		env.mock.ExpectBegin()
		env.mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
		env.mock.ExpectRollback()
		env.expectActivityInsert()

		_, err := svc.Consume(ctx, "missing", 9, "10.0.0.1", "ua")
		ite, ok := AsInvalidToken(err)
		require.True(t, ok)
		assert.True(t, ite.HasReason(ReasonNotFound))
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("creator with share_project can revoke", func(t *testing.T) {
		env := newTestEnv(t)
		env.evaluator.rolesByUser[1] = roles.RoleOwner
		svc := env.tokenService()

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnRows(tokenRows(liveToken()))
		env.mock.ExpectExec("UPDATE sharing_tokens SET is_active = FALSE").
			WillReturnResult(sqlmock.NewResult(0, 1))
		env.expectActivityInsert() // token_revoked

		require.NoError(t, svc.Revoke(ctx, "tok-live", 1, "10.0.0.1", "ua"))
		assert.NoError(t, env.mock.ExpectationsWereMet())
	})

	t.Run("non-members cannot revoke", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.tokenService()

		env.mock.ExpectQuery("SELECT .+ FROM sharing_tokens").
			WillReturnRows(tokenRows(liveToken()))

		err := svc.Revoke(ctx, "tok-live", 99, "10.0.0.1", "ua")
		assert.ErrorIs(t, err, ErrAccessDenied)
	})
}

func TestCleanupExpired(t *testing.T) {
	env := newTestEnv(t)
	svc := env.tokenService()

	env.mock.ExpectExec("DELETE FROM sharing_tokens").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := svc.CleanupExpired(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}
