// Package postgres provides the PostgreSQL persistence implementation for the
// run execution orchestrator.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/persistence/sqlbase"
)

// Store implements persistence.Store backed by PostgreSQL. The claim and
// terminal-state transitions rely on conditional UPDATEs (and FOR UPDATE SKIP
// LOCKED for claim selection) so two workers can never hold or complete the
// same run.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	workOrders  *WorkOrderRepository
	runs        *RunRepository
	steps       *StepRepository
	dataclips   *DataclipRepository
	credentials *CredentialRepository
	workflows   *WorkflowRepository
	projects    *ProjectRepository
	logLines    *LogLineRepository
}

// NewStore connects, runs migrations and returns a ready Store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:          database,
		logger:      logger,
		workOrders:  &WorkOrderRepository{db: database, logger: logger},
		runs:        &RunRepository{db: database, logger: logger},
		steps:       &StepRepository{db: database, logger: logger},
		dataclips:   &DataclipRepository{db: database, logger: logger},
		credentials: &CredentialRepository{db: database, logger: logger},
		workflows:   &WorkflowRepository{db: database, logger: logger},
		projects:    &ProjectRepository{db: database, logger: logger},
		logLines:    &LogLineRepository{db: database, logger: logger},
	}, nil
}

func (s *Store) WorkOrders() persistence.WorkOrderRepository   { return s.workOrders }
func (s *Store) Runs() persistence.RunRepository               { return s.runs }
func (s *Store) Steps() persistence.StepRepository             { return s.steps }
func (s *Store) Dataclips() persistence.DataclipRepository     { return s.dataclips }
func (s *Store) Credentials() persistence.CredentialRepository { return s.credentials }
func (s *Store) Workflows() persistence.WorkflowRepository     { return s.workflows }
func (s *Store) Projects() persistence.ProjectRepository       { return s.projects }
func (s *Store) LogLines() persistence.LogLineRepository       { return s.logLines }

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
