package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

// ProjectRepository reads the project settings the orchestrator consumes.
type ProjectRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const projectColumns = `
	id
  , name
  , retention_policy
  , allow_support_access
  , run_timeout_ms
  , created_at
`

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	project, err := scanProject(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrProjectNotFound
		}

		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	return project, nil
}

func (r *ProjectRepository) ListByRetentionPolicy(ctx context.Context, policy models.RetentionPolicy) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE retention_policy = $1`

	rows, err := r.db.QueryContext(ctx, query, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	projects := make([]*models.Project, 0)

	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}

		projects = append(projects, project)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

func scanProject(row rowScanner) (*models.Project, error) {
	var project models.Project

	err := row.Scan(
		&project.ID,
		&project.Name,
		&project.RetentionPolicy,
		&project.AllowSupportAccess,
		&project.RunTimeoutMs,
		&project.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &project, nil
}
