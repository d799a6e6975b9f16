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

// WorkOrderRepository handles work-order-related database operations.
type WorkOrderRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const workOrderColumns = `
	id
  , workflow_id
  , trigger_id
  , input_dataclip_id
  , state
  , created_at
  , updated_at
`

func (r *WorkOrderRepository) Create(ctx context.Context, workOrder *models.WorkOrder) error {
	query := `
		INSERT INTO work_orders (
			id, workflow_id, trigger_id, input_dataclip_id, state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		workOrder.ID,
		workOrder.WorkflowID,
		workOrder.TriggerID,
		workOrder.InputDataclipID,
		workOrder.State,
		workOrder.CreatedAt,
		workOrder.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work order: %w", err)
	}

	return nil
}

func (r *WorkOrderRepository) GetByID(ctx context.Context, id string) (*models.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE id = $1`

	workOrder, err := scanWorkOrder(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkOrderNotFound
		}

		return nil, fmt.Errorf("failed to scan work order: %w", err)
	}

	return workOrder, nil
}

func (r *WorkOrderRepository) List(ctx context.Context, workflowID string, limit, offset int) ([]*models.WorkOrder, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	args := []any{}

	if workflowID != "" {
		query += ` WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, workflowID, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query work orders: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workOrders := make([]*models.WorkOrder, 0)

	for rows.Next() {
		workOrder, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work order: %w", err)
		}

		workOrders = append(workOrders, workOrder)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating work orders: %w", err)
	}

	return workOrders, nil
}

func (r *WorkOrderRepository) UpdateState(ctx context.Context, id string, state models.WorkOrderState) error {
	query := `UPDATE work_orders SET state = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update work order state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkOrderNotFound
	}

	return nil
}

func scanWorkOrder(row rowScanner) (*models.WorkOrder, error) {
	var workOrder models.WorkOrder

	err := row.Scan(
		&workOrder.ID,
		&workOrder.WorkflowID,
		&workOrder.TriggerID,
		&workOrder.InputDataclipID,
		&workOrder.State,
		&workOrder.CreatedAt,
		&workOrder.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &workOrder, nil
}
