package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const runColumns = `
	id
  , work_order_id
  , starting_node_id
  , input_dataclip_id
  , state
  , claimed_at
  , started_at
  , finished_at
  , exit_reason
  , error_type
  , error_message
  , options
  , created_at
`

func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal run options: %w", err)
	}

	query := `
		INSERT INTO runs (
			id, work_order_id, starting_node_id, input_dataclip_id, state, options, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.WorkOrderID,
		run.StartingNodeID,
		run.InputDataclipID,
		run.State,
		optionsJSON,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

func (r *RunRepository) ListByWorkOrder(ctx context.Context, workOrderID string) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE work_order_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ClaimNext atomically claims the oldest available run. FOR UPDATE SKIP LOCKED
// makes concurrent claimants pick distinct rows instead of blocking or racing:
// exactly one claimant wins any given run.
func (r *RunRepository) ClaimNext(ctx context.Context, now time.Time) (*models.Run, error) {
	query := `
		UPDATE runs SET state = 'claimed', claimed_at = $1
		WHERE id = (
			SELECT id FROM runs
			WHERE state = 'available'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + runColumns

	run, err := scanRun(r.db.QueryRowContext(ctx, query, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoRunAvailable
		}

		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	return run, nil
}

// Start conditionally transitions claimed -> started.
func (r *RunRepository) Start(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE runs SET state = 'started', started_at = $2 WHERE id = $1 AND state = 'claimed'`

	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	return r.checkConditionalUpdate(ctx, result, id)
}

// Finish persists a terminal state conditionally on the stored state still
// being one of from.
func (r *RunRepository) Finish(ctx context.Context, run *models.Run, from ...models.RunState) error {
	states := make([]string, len(from))
	for i, state := range from {
		states[i] = string(state)
	}

	query := `
		UPDATE runs SET
			state = $2
		  , exit_reason = $3
		  , error_type = $4
		  , error_message = $5
		  , finished_at = $6
		WHERE id = $1 AND state = ANY($7)
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.State,
		run.ExitReason,
		run.ErrorType,
		run.ErrorMessage,
		run.FinishedAt,
		pq.Array(states),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return r.checkConditionalUpdate(ctx, result, run.ID)
}

func (r *RunRepository) ReclaimStalled(ctx context.Context, claimedBefore time.Time) ([]string, error) {
	query := `
		UPDATE runs SET state = 'available', claimed_at = NULL
		WHERE state = 'claimed' AND claimed_at < $1
		RETURNING id
	`

	rows, err := r.db.QueryContext(ctx, query, claimedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stalled runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	ids := make([]string, 0)

	for rows.Next() {
		var id string

		err = rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reclaimed run id: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating reclaimed runs: %w", err)
	}

	return ids, nil
}

func (r *RunRepository) ListLostStarted(ctx context.Context, startedBefore time.Time) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE state = 'started' AND started_at < $1`

	rows, err := r.db.QueryContext(ctx, query, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query lost runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating lost runs: %w", err)
	}

	return runs, nil
}

// checkConditionalUpdate distinguishes a missing row from a row whose state
// moved under the caller.
func (r *RunRepository) checkConditionalUpdate(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run existence: %w", err)
	}

	if !exists {
		return persistence.ErrRunNotFound
	}

	return persistence.ErrStateConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		optionsJSON []byte
	)

	err := row.Scan(
		&run.ID,
		&run.WorkOrderID,
		&run.StartingNodeID,
		&run.InputDataclipID,
		&run.State,
		&run.ClaimedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ExitReason,
		&run.ErrorType,
		&run.ErrorMessage,
		&optionsJSON,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(optionsJSON) > 0 {
		err = json.Unmarshal(optionsJSON, &run.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run options: %w", err)
		}
	}

	return &run, nil
}
