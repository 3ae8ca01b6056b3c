package sharing

import (
	"context"
	"database/sql"
	"fmt"
)

// Store holds the SQL access shared by the token service and the workflow
type Store struct {
	db *sql.DB
}

// NewStore creates the store and ensures the sharing tables exist. The
// projects table is owned by the project CRUD layer; it is created here too
// so this module is self-contained in development and tests.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure sharing schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		owner_id BIGINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS project_collaborators (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		role VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		invited_by BIGINT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		accepted_at TIMESTAMP WITH TIME ZONE,
		UNIQUE(project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS sharing_tokens (
		id BIGSERIAL PRIMARY KEY,
		token VARCHAR(64) NOT NULL UNIQUE,
		project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		created_by BIGINT NOT NULL,
		role VARCHAR(20) NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		max_uses INTEGER NOT NULL DEFAULT 1,
		current_uses INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_collaborators_project ON project_collaborators(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_collaborators_user ON project_collaborators(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sharing_tokens_project ON sharing_tokens(project_id);
	CREATE INDEX IF NOT EXISTS idx_sharing_tokens_expiry ON sharing_tokens(expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// DB exposes the underlying handle for transactional operations
func (s *Store) DB() *sql.DB {
	return s.db
}

const projectColumns = `id, name, description, owner_id, created_at, updated_at`

// GetProject returns a project, or (nil, nil) when it does not exist
func (s *Store) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	project := &Project{}
	var description sql.NullString

	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1`, projectColumns), projectID,
	).Scan(&project.ID, &project.Name, &description, &project.OwnerID,
		&project.CreatedAt, &project.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project.Description = description.String
	return project, nil
}

const collaboratorColumns = `id, project_id, user_id, role, status, invited_by, created_at, accepted_at`

// GetCollaborator returns a user's collaborator row regardless of status,
// or (nil, nil) when none exists
func (s *Store) GetCollaborator(ctx context.Context, projectID, userID int64) (*Collaborator, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM project_collaborators WHERE project_id = $1 AND user_id = $2`,
			collaboratorColumns),
		projectID, userID)

	collab, err := scanCollaborator(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collaborator: %w", err)
	}
	return collab, nil
}

// ListCollaborators returns a project's collaborator rows, optionally
// restricted to one status, newest first
func (s *Store) ListCollaborators(ctx context.Context, projectID int64, status CollaboratorStatus) ([]*Collaborator, error) {
	query := fmt.Sprintf(`SELECT %s FROM project_collaborators WHERE project_id = $1`, collaboratorColumns)
	args := []interface{}{projectID}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	defer rows.Close()

	collaborators := make([]*Collaborator, 0)
	for rows.Next() {
		collab, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collaborator: %w", err)
		}
		collaborators = append(collaborators, collab)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collaborators: %w", err)
	}
	return collaborators, nil
}

// scanner covers *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCollaborator(row scanner) (*Collaborator, error) {
	collab := &Collaborator{}
	err := row.Scan(&collab.ID, &collab.ProjectID, &collab.UserID, &collab.Role,
		&collab.Status, &collab.InvitedBy, &collab.CreatedAt, &collab.AcceptedAt)
	if err != nil {
		return nil, err
	}
	return collab, nil
}

const tokenColumns = `id, token, project_id, created_by, role, expires_at, max_uses, current_uses, is_active, created_at`

// GetToken returns a token row by its string, or (nil, nil) when missing
func (s *Store) GetToken(ctx context.Context, tokenString string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sharing_tokens WHERE token = $1`, tokenColumns),
		tokenString)

	token, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

func scanToken(row scanner) (*Token, error) {
	token := &Token{}
	err := row.Scan(&token.ID, &token.Token, &token.ProjectID, &token.CreatedBy,
		&token.Role, &token.ExpiresAt, &token.MaxUses, &token.CurrentUses,
		&token.IsActive, &token.CreatedAt)
	if err != nil {
		return nil, err
	}
	return token, nil
}
