package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

// DataclipRepository handles dataclip-related database operations. Bodies are
// immutable once written; only the one-way wipe transition touches them.
type DataclipRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DataclipRepository) Create(ctx context.Context, dataclip *models.Dataclip) error {
	query := `
		INSERT INTO dataclips (
			id, project_id, type, body, request, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		dataclip.ID,
		dataclip.ProjectID,
		dataclip.Type,
		nullableJSON(dataclip.Body),
		nullableJSON(dataclip.Request),
		dataclip.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dataclip: %w", err)
	}

	return nil
}

func (r *DataclipRepository) GetByID(ctx context.Context, id string) (*models.Dataclip, error) {
	query := `
		SELECT
			id
		  , project_id
		  , type
		  , body
		  , request
		  , wiped_at
		  , created_at
		FROM dataclips
		WHERE id = $1
	`

	var (
		dataclip models.Dataclip
		body     []byte
		request  []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&dataclip.ID,
		&dataclip.ProjectID,
		&dataclip.Type,
		&body,
		&request,
		&dataclip.WipedAt,
		&dataclip.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrDataclipNotFound
		}

		return nil, fmt.Errorf("failed to scan dataclip: %w", err)
	}

	dataclip.Body = body
	dataclip.Request = request

	return &dataclip, nil
}

// Wipe erases the payload and stamps wiped_at once. The WHERE guard makes a
// second wipe a no-op and preserves the original stamp.
func (r *DataclipRepository) Wipe(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE dataclips SET body = NULL, request = NULL, wiped_at = $2
		WHERE id = $1 AND wiped_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to wipe dataclip: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM dataclips WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check dataclip existence: %w", err)
	}

	if !exists {
		return persistence.ErrDataclipNotFound
	}

	return nil
}

func (r *DataclipRepository) WipeForProject(ctx context.Context, projectID string, now time.Time) (int, error) {
	query := `
		UPDATE dataclips SET body = NULL, request = NULL, wiped_at = $2
		WHERE project_id = $1 AND wiped_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, projectID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to wipe project dataclips: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return raw
}
