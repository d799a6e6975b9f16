package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

// CredentialRepository handles credential-related database operations.
type CredentialRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := `
		SELECT
			id
		  , user_id
		  , name
		  , body
		  , body_schema
		  , project_ids
		  , token_endpoint
		  , created_at
		  , updated_at
		FROM credentials
		WHERE id = $1
	`

	var (
		credential     models.Credential
		bodyJSON       []byte
		projectIDsJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&credential.ID,
		&credential.UserID,
		&credential.Name,
		&bodyJSON,
		&credential.Schema,
		&projectIDsJSON,
		&credential.TokenEndpoint,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrCredentialNotFound
		}

		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}

	err = json.Unmarshal(bodyJSON, &credential.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential body: %w", err)
	}

	err = json.Unmarshal(projectIDsJSON, &credential.ProjectIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential project ids: %w", err)
	}

	return &credential, nil
}

func (r *CredentialRepository) UpdateBody(ctx context.Context, id string, body map[string]any, now time.Time) error {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal credential body: %w", err)
	}

	query := `UPDATE credentials SET body = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, bodyJSON, now)
	if err != nil {
		return fmt.Errorf("failed to update credential body: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrCredentialNotFound
	}

	return nil
}
