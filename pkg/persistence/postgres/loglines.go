package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spooldev/spool/pkg/models"
)

// LogLineRepository appends worker log lines. The timestamp column keeps
// microsecond resolution (timestamptz stores microseconds natively).
type LogLineRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *LogLineRepository) Append(ctx context.Context, line *models.LogLine) error {
	query := `
		INSERT INTO log_lines (
			id, run_id, step_id, level, source, message, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		line.ID,
		line.RunID,
		line.StepID,
		line.Level,
		line.Source,
		line.Message,
		line.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log line: %w", err)
	}

	return nil
}

func (r *LogLineRepository) ListByRun(ctx context.Context, runID string) ([]*models.LogLine, error) {
	query := `
		SELECT
			id
		  , run_id
		  , step_id
		  , level
		  , source
		  , message
		  , timestamp
		FROM log_lines
		WHERE run_id = $1
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log lines: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	lines := make([]*models.LogLine, 0)

	for rows.Next() {
		var line models.LogLine

		err = rows.Scan(
			&line.ID,
			&line.RunID,
			&line.StepID,
			&line.Level,
			&line.Source,
			&line.Message,
			&line.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}

		lines = append(lines, &line)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating log lines: %w", err)
	}

	return lines, nil
}
