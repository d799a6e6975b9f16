package persistence

import (
	"context"
	"time"

	"github.com/spooldev/spool/pkg/models"
)

// Store aggregates the per-entity repositories. Both the PostgreSQL and the
// in-memory implementations provide the same claim/complete atomicity
// guarantees: conditional state updates that fail with ErrStateConflict when
// the row moved under the caller.
type Store interface {
	WorkOrders() WorkOrderRepository
	Runs() RunRepository
	Steps() StepRepository
	Dataclips() DataclipRepository
	Credentials() CredentialRepository
	Workflows() WorkflowRepository
	Projects() ProjectRepository
	LogLines() LogLineRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type WorkOrderRepository interface {
	Create(ctx context.Context, workOrder *models.WorkOrder) error
	GetByID(ctx context.Context, id string) (*models.WorkOrder, error)
	List(ctx context.Context, workflowID string, limit, offset int) ([]*models.WorkOrder, error)
	UpdateState(ctx context.Context, id string, state models.WorkOrderState) error
}

type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	ListByWorkOrder(ctx context.Context, workOrderID string) ([]*models.Run, error)

	// ClaimNext atomically transitions the oldest available run to claimed
	// and returns it. At most one concurrent claimant succeeds per run.
	// Returns ErrNoRunAvailable when the queue is empty.
	ClaimNext(ctx context.Context, now time.Time) (*models.Run, error)

	// Start conditionally transitions claimed -> started.
	Start(ctx context.Context, id string, now time.Time) error

	// Finish persists a terminal run state conditionally on the stored state
	// still being one of from. Zero rows matched yields ErrStateConflict.
	Finish(ctx context.Context, run *models.Run, from ...models.RunState) error

	// ReclaimStalled returns claimed runs with no run:start before the cutoff
	// to available, and reports their ids.
	ReclaimStalled(ctx context.Context, claimedBefore time.Time) ([]string, error)

	// ListLostStarted returns started runs whose start predates the cutoff
	// with no terminal outcome recorded.
	ListLostStarted(ctx context.Context, startedBefore time.Time) ([]*models.Run, error)
}

type StepRepository interface {
	Create(ctx context.Context, runID string, step *models.Step) error
	GetForRun(ctx context.Context, runID, stepID string) (*models.Step, error)
	ListByRun(ctx context.Context, runID string) ([]*models.Step, error)

	// LinkToRun attaches an existing step to another run (retry reuse).
	LinkToRun(ctx context.Context, runID, stepID string) error

	// Finalize persists the step outcome conditionally on the step not
	// already being finalized.
	Finalize(ctx context.Context, step *models.Step) error
}

type DataclipRepository interface {
	Create(ctx context.Context, dataclip *models.Dataclip) error
	GetByID(ctx context.Context, id string) (*models.Dataclip, error)

	// Wipe erases body and request and stamps wiped_at. Wiping an already
	// wiped dataclip is a no-op; the row is never deleted.
	Wipe(ctx context.Context, id string, now time.Time) error

	// WipeForProject wipes every unwiped dataclip in the project and reports
	// how many were erased.
	WipeForProject(ctx context.Context, projectID string, now time.Time) (int, error)
}

type CredentialRepository interface {
	GetByID(ctx context.Context, id string) (*models.Credential, error)

	// UpdateBody persists a refreshed credential body.
	UpdateBody(ctx context.Context, id string, body map[string]any, now time.Time) error
}

type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetByTriggerID(ctx context.Context, triggerID string) (*models.Workflow, error)
}

type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*models.Project, error)
	ListByRetentionPolicy(ctx context.Context, policy models.RetentionPolicy) ([]*models.Project, error)
}

type LogLineRepository interface {
	Append(ctx context.Context, line *models.LogLine) error
	ListByRun(ctx context.Context, runID string) ([]*models.LogLine, error)
}
