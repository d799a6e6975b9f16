// Package runs orchestrates the run lifecycle: work order intake, run and
// step transitions, aggregate state sync and event publication.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spooldev/spool/pkg/eventbus"
	"github.com/spooldev/spool/pkg/events"
	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/tracer"
)

// finishRetries bounds the reload-and-retry loop on completion races before
// the conflict surfaces as a state machine error.
const finishRetries = 3

// Announcer wakes claim loops after a new run becomes available.
type Announcer interface {
	Announce(ctx context.Context)
}

type Service struct {
	store     persistence.Store
	retention *retention.Engine
	publisher eventbus.EventPublisher
	announcer Announcer
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(
	store persistence.Store,
	retentionEngine *retention.Engine,
	publisher eventbus.EventPublisher,
	announcer Announcer,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     store,
		retention: retentionEngine,
		publisher: publisher,
		announcer: announcer,
		logger:    logger.With("module", "runs"),
		now:       time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now

	return s
}

// WithTracer enables spans on run completion.
func (s *Service) WithTracer(t trace.Tracer) *Service {
	s.tracer = t

	return s
}

// CreateWorkOrderParams describes one triggering event. TriggerID is set for
// webhook intake and nil for manual or retry work orders. Manual work orders
// reference a saved dataclip through DataclipID instead of carrying a Body.
type CreateWorkOrderParams struct {
	WorkflowID     string
	TriggerID      *string
	StartingNodeID string
	DataclipID     *string
	DataclipType   models.DataclipType
	Body           json.RawMessage
	Request        json.RawMessage
}

// CreateWorkOrder records a triggering event and enqueues its first run.
func (s *Service) CreateWorkOrder(ctx context.Context, params CreateWorkOrderParams) (*models.WorkOrder, *models.Run, error) {
	workflow, err := s.store.Workflows().GetByID(ctx, params.WorkflowID)
	if err != nil {
		return nil, nil, err
	}

	if workflow.TriggerByID(params.StartingNodeID) == nil && workflow.JobByID(params.StartingNodeID) == nil {
		return nil, nil, models.NewValidationError("starting_node_id", "is invalid")
	}

	project, err := s.store.Projects().GetByID(ctx, workflow.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()

	var inputDataclipID *string

	if params.DataclipID != nil {
		clip, err := s.store.Dataclips().GetByID(ctx, *params.DataclipID)
		if err != nil {
			return nil, nil, err
		}

		if clip.ProjectID != project.ID {
			return nil, nil, models.NewValidationError("dataclip_id", "is invalid")
		}

		inputDataclipID = &clip.ID
	} else if params.Body != nil {
		clip := &models.Dataclip{
			ID:        uuid.New().String(),
			ProjectID: project.ID,
			Type:      params.DataclipType,
			Body:      params.Body,
			Request:   params.Request,
			CreatedAt: now,
		}

		err = s.store.Dataclips().Create(ctx, clip)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to persist input dataclip: %w", err)
		}

		inputDataclipID = &clip.ID
	}

	workOrder := &models.WorkOrder{
		ID:              uuid.New().String(),
		WorkflowID:      workflow.ID,
		TriggerID:       params.TriggerID,
		InputDataclipID: inputDataclipID,
		State:           models.WorkOrderStateRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.WorkOrders().Create(ctx, workOrder)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create work order: %w", err)
	}

	run, err := s.enqueueRun(ctx, workOrder, params.StartingNodeID, inputDataclipID, project, now)
	if err != nil {
		return nil, nil, err
	}

	s.publishWorkOrderStatus(ctx, workOrder, project.ID)

	return workOrder, run, nil
}

// RetryRun enqueues a fresh run on an existing work order. Without a step it
// replays the whole run from its original input. With a step, the new run
// starts at that step's job with that step's input, and the steps that
// finished before it are attached to the new run so history stays whole.
func (s *Service) RetryRun(ctx context.Context, runID string, stepID *string) (*models.Run, error) {
	previous, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !previous.IsFinished() {
		return nil, models.NewInvalidTransition("cannot retry attempt that is not complete")
	}

	workOrder, err := s.store.WorkOrders().GetByID(ctx, previous.WorkOrderID)
	if err != nil {
		return nil, err
	}

	project, err := s.projectForWorkflow(ctx, workOrder.WorkflowID)
	if err != nil {
		return nil, err
	}

	startingNodeID := previous.StartingNodeID
	inputDataclipID := previous.InputDataclipID

	var carried []*models.Step

	if stepID != nil {
		step, err := s.store.Steps().GetForRun(ctx, runID, *stepID)
		if err != nil {
			return nil, err
		}

		startingNodeID = step.JobID
		inputDataclipID = step.InputDataclipID

		carried, err = s.stepsBefore(ctx, runID, step)
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()

	run, err := s.enqueueRun(ctx, workOrder, startingNodeID, inputDataclipID, project, now)
	if err != nil {
		return nil, err
	}

	for _, step := range carried {
		err = s.store.Steps().LinkToRun(ctx, run.ID, step.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to carry step onto retry run: %w", err)
		}
	}

	err = s.syncWorkOrder(ctx, workOrder.ID)
	if err != nil {
		return nil, err
	}

	return run, nil
}

// stepsBefore returns the finalized steps of the run that were created
// before the given step.
func (s *Service) stepsBefore(ctx context.Context, runID string, boundary *models.Step) ([]*models.Step, error) {
	steps, err := s.store.Steps().ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var before []*models.Step

	for _, step := range steps {
		if step.ID != boundary.ID && step.IsFinalized() && step.CreatedAt.Before(boundary.CreatedAt) {
			before = append(before, step)
		}
	}

	return before, nil
}

func (s *Service) enqueueRun(
	ctx context.Context,
	workOrder *models.WorkOrder,
	startingNodeID string,
	inputDataclipID *string,
	project *models.Project,
	now time.Time,
) (*models.Run, error) {
	run := &models.Run{
		ID:              uuid.New().String(),
		WorkOrderID:     workOrder.ID,
		StartingNodeID:  startingNodeID,
		InputDataclipID: inputDataclipID,
		State:           models.RunStateAvailable,
		Options:         project.RunOptions(),
		CreatedAt:       now,
	}

	err := s.store.Runs().Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.InfoContext(ctx, "run enqueued", "run_id", run.ID, "work_order_id", workOrder.ID)
	s.publishRunStatus(ctx, run, project.ID)

	if s.announcer != nil {
		s.announcer.Announce(ctx)
	}

	return run, nil
}

// StartRun moves a claimed run to started.
func (s *Service) StartRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	err = run.Start(now)
	if err != nil {
		return nil, err
	}

	err = s.store.Runs().Start(ctx, runID, now)
	if persistence.IsStateConflict(err) {
		// The state moved underneath us; report the rule the caller broke.
		return nil, s.transitionErrorFor(ctx, runID, func(r *models.Run) error { return r.Start(now) })
	}

	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	err = s.syncWorkOrder(ctx, run.WorkOrderID)
	if err != nil {
		return nil, err
	}

	s.publishRunStatus(ctx, run, "")

	return run, nil
}

// CompleteRun finalizes a started run with a worker-supplied exit reason.
// Completion races reload and retry a bounded number of times; a run that
// moved terminal underneath the caller surfaces the state machine error.
func (s *Service) CompleteRun(ctx context.Context, runID, reason string, errorType, errorMessage *string) (*models.Run, error) {
	if s.tracer != nil {
		var span trace.Span

		ctx, span = tracer.StartSpan(ctx, s.tracer, "runs.complete",
			attribute.String(tracer.RunIDKey, runID),
			attribute.String("spool.run.exit_reason", reason))
		defer span.End()
	}

	now := s.now().UTC()

	for range finishRetries {
		run, err := s.store.Runs().GetByID(ctx, runID)
		if err != nil {
			return nil, err
		}

		from := run.State

		err = run.Complete(reason, errorType, errorMessage, now)
		if err != nil {
			return nil, err
		}

		err = s.store.Runs().Finish(ctx, run, from)
		if persistence.IsStateConflict(err) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to finish run: %w", err)
		}

		err = s.syncWorkOrder(ctx, run.WorkOrderID)
		if err != nil {
			return nil, err
		}

		s.publishRunStatus(ctx, run, "")

		return run, nil
	}

	return nil, s.transitionErrorFor(ctx, runID, func(r *models.Run) error {
		return r.Complete(reason, errorType, errorMessage, now)
	})
}

// CancelRun forces a run to cancelled regardless of a connected worker. The
// caller is responsible for notifying the worker's channel.
func (s *Service) CancelRun(ctx context.Context, runID string) (*models.Run, error) {
	now := s.now().UTC()

	for range finishRetries {
		run, err := s.store.Runs().GetByID(ctx, runID)
		if err != nil {
			return nil, err
		}

		from := run.State

		err = run.Cancel(now)
		if err != nil {
			return nil, err
		}

		err = s.store.Runs().Finish(ctx, run, from)
		if persistence.IsStateConflict(err) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to cancel run: %w", err)
		}

		err = s.syncWorkOrder(ctx, run.WorkOrderID)
		if err != nil {
			return nil, err
		}

		s.publishRunStatus(ctx, run, "")

		return run, nil
	}

	return nil, s.transitionErrorFor(ctx, runID, func(r *models.Run) error { return r.Cancel(now) })
}

// MarkLostRuns crashes runs that started long ago and never reported a
// terminal outcome. Unlike stalled claims this is operator-visible.
func (s *Service) MarkLostRuns(ctx context.Context, maxDuration time.Duration) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-maxDuration)

	lost, err := s.store.Runs().ListLostStarted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list lost runs: %w", err)
	}

	marked := 0

	for _, run := range lost {
		errorType := "LostAfterStart"
		message := fmt.Sprintf("run did not finish within %s of starting", maxDuration)

		from := run.State

		err = run.Complete(models.ExitReasonCrash, &errorType, &message, now)
		if err != nil {
			continue
		}

		err = s.store.Runs().Finish(ctx, run, from)
		if persistence.IsStateConflict(err) {
			// The worker beat the sweep to it.
			continue
		}

		if err != nil {
			return marked, fmt.Errorf("failed to mark run %s lost: %w", run.ID, err)
		}

		s.logger.ErrorContext(ctx, "run lost after start",
			"run_id", run.ID,
			"work_order_id", run.WorkOrderID,
			"started_at", run.StartedAt)

		err = s.syncWorkOrder(ctx, run.WorkOrderID)
		if err != nil {
			return marked, err
		}

		s.publishRunStatus(ctx, run, "")

		marked++
	}

	return marked, nil
}

// GetRun returns a run with its steps for inspection endpoints.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, []*models.Step, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	steps, err := s.store.Steps().ListByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	return run, steps, nil
}

// ListWorkOrders returns work orders for a workflow, newest first.
func (s *Service) ListWorkOrders(ctx context.Context, workflowID string, limit, offset int) ([]*models.WorkOrder, error) {
	return s.store.WorkOrders().List(ctx, workflowID, limit, offset)
}

// transitionErrorFor reloads the run and replays the attempted transition
// against its current state to produce the precise violation message.
func (s *Service) transitionErrorFor(ctx context.Context, runID string, attempt func(*models.Run) error) error {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return err
	}

	err = attempt(run)
	if err != nil {
		return err
	}

	return models.NewInvalidTransition("state changed concurrently, retry")
}

func (s *Service) syncWorkOrder(ctx context.Context, workOrderID string) error {
	workOrder, err := s.store.WorkOrders().GetByID(ctx, workOrderID)
	if err != nil {
		return err
	}

	runs, err := s.store.Runs().ListByWorkOrder(ctx, workOrderID)
	if err != nil {
		return fmt.Errorf("failed to list runs for work order: %w", err)
	}

	state := models.DeriveWorkOrderState(runs)
	if state == workOrder.State {
		return nil
	}

	err = s.store.WorkOrders().UpdateState(ctx, workOrderID, state)
	if err != nil {
		return fmt.Errorf("failed to update work order state: %w", err)
	}

	workOrder.State = state
	s.publishWorkOrderStatus(ctx, workOrder, "")

	return nil
}

func (s *Service) projectForWorkflow(ctx context.Context, workflowID string) (*models.Project, error) {
	workflow, err := s.store.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return s.store.Projects().GetByID(ctx, workflow.ProjectID)
}

// projectForRun resolves the owning project via work order and workflow.
func (s *Service) projectForRun(ctx context.Context, run *models.Run) (*models.Project, error) {
	workOrder, err := s.store.WorkOrders().GetByID(ctx, run.WorkOrderID)
	if err != nil {
		return nil, err
	}

	return s.projectForWorkflow(ctx, workOrder.WorkflowID)
}

// ProjectForRun resolves the project owning a run, used for credential access
// decisions on worker channels.
func (s *Service) ProjectForRun(ctx context.Context, runID string) (*models.Project, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	return s.projectForRun(ctx, run)
}

func (s *Service) publishRunStatus(ctx context.Context, run *models.Run, projectID string) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, events.Topic, events.RunStatusChanged{
		BaseEvent:    events.NewBaseEvent(events.RunStatusChangedEvent, projectID),
		RunID:        run.ID,
		WorkOrderID:  run.WorkOrderID,
		State:        run.State,
		ExitReason:   run.ExitReason,
		ErrorType:    run.ErrorType,
		ErrorMessage: run.ErrorMessage,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish run status", "run_id", run.ID, "error", err)
	}
}

func (s *Service) publishWorkOrderStatus(ctx context.Context, workOrder *models.WorkOrder, projectID string) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, events.Topic, events.WorkOrderStatusChanged{
		BaseEvent:   events.NewBaseEvent(events.WorkOrderStatusChangedEvent, projectID),
		WorkOrderID: workOrder.ID,
		WorkflowID:  workOrder.WorkflowID,
		State:       workOrder.State,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish work order status", "work_order_id", workOrder.ID, "error", err)
	}
}
