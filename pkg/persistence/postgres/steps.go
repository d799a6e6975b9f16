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

// StepRepository handles step-related database operations. Steps are shared
// across runs through the run_steps join table.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const stepColumns = `
	s.id
  , s.job_id
  , s.credential_id
  , s.input_dataclip_id
  , s.output_dataclip_id
  , s.started_at
  , s.finished_at
  , s.exit_reason
  , s.error_type
  , s.created_at
`

func (r *StepRepository) Create(ctx context.Context, runID string, step *models.Step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertStep := `
		INSERT INTO steps (
			id, job_id, credential_id, input_dataclip_id, started_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = tx.ExecContext(ctx, insertStep,
		step.ID,
		step.JobID,
		step.CredentialID,
		step.InputDataclipID,
		step.StartedAt,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO run_steps (run_id, step_id) VALUES ($1, $2)", runID, step.ID)
	if err != nil {
		return fmt.Errorf("failed to link step to run: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}

	return nil
}

func (r *StepRepository) GetForRun(ctx context.Context, runID, stepID string) (*models.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps s
		JOIN run_steps rs ON rs.step_id = s.id
		WHERE rs.run_id = $1 AND s.id = $2
	`

	step, err := scanStep(r.db.QueryRowContext(ctx, query, runID, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStepNotFound
		}

		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	return step, nil
}

func (r *StepRepository) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps s
		JOIN run_steps rs ON rs.step_id = s.id
		WHERE rs.run_id = $1
		ORDER BY rs.inserted_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.Step, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func (r *StepRepository) LinkToRun(ctx context.Context, runID, stepID string) error {
	query := `INSERT INTO run_steps (run_id, step_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, runID, stepID)
	if err != nil {
		return fmt.Errorf("failed to link step to run: %w", err)
	}

	return nil
}

// Finalize persists the step outcome conditionally; a step finalized by a
// concurrent completion yields ErrStateConflict.
func (r *StepRepository) Finalize(ctx context.Context, step *models.Step) error {
	query := `
		UPDATE steps SET
			output_dataclip_id = $2
		  , exit_reason = $3
		  , error_type = $4
		  , finished_at = $5
		WHERE id = $1 AND finished_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		step.ID,
		step.OutputDataclipID,
		step.ExitReason,
		step.ErrorType,
		step.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize step: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM steps WHERE id = $1)", step.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check step existence: %w", err)
	}

	if !exists {
		return persistence.ErrStepNotFound
	}

	return persistence.ErrStateConflict
}

func scanStep(row rowScanner) (*models.Step, error) {
	var step models.Step

	err := row.Scan(
		&step.ID,
		&step.JobID,
		&step.CredentialID,
		&step.InputDataclipID,
		&step.OutputDataclipID,
		&step.StartedAt,
		&step.FinishedAt,
		&step.ExitReason,
		&step.ErrorType,
		&step.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &step, nil
}
