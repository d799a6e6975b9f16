package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

// WorkflowRepository reads workflow snapshots. The graph is stored as JSONB
// documents because the editor subsystem owns the relational form; the
// orchestrator only streams it to workers.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const workflowColumns = `
	id
  , project_id
  , name
  , triggers
  , jobs
  , edges
  , created_at
  , updated_at
`

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) GetByTriggerID(ctx context.Context, triggerID string) (*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(triggers) AS t
			WHERE t->>'id' = $1
		)
	`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, triggerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow     models.Workflow
		triggersJSON []byte
		jobsJSON     []byte
		edgesJSON    []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.ProjectID,
		&workflow.Name,
		&triggersJSON,
		&jobsJSON,
		&edgesJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(triggersJSON, &workflow.Triggers)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow triggers: %w", err)
	}

	err = json.Unmarshal(jobsJSON, &workflow.Jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow jobs: %w", err)
	}

	err = json.Unmarshal(edgesJSON, &workflow.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow edges: %w", err)
	}

	return &workflow, nil
}
