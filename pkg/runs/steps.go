package runs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/spooldev/spool/pkg/events"
	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/protocol"
)

// StartStep records that a worker began executing a job within a run. The
// step id is worker-minted; a re-delivered step:start for the same step is
// acknowledged without creating a second row.
func (s *Service) StartStep(ctx context.Context, runID string, req protocol.StepStartRequest) (*models.Step, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.State != models.RunStateStarted {
		return nil, models.NewInvalidTransition("cannot start step for attempt that is not started")
	}

	existing, err := s.store.Steps().GetForRun(ctx, runID, req.StepID)
	if err == nil {
		if existing.IsFinalized() {
			return nil, models.NewInvalidTransition("step already completed")
		}

		return existing, nil
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	project, err := s.projectForRun(ctx, run)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	step := &models.Step{
		ID:              req.StepID,
		JobID:           req.JobID,
		CredentialID:    req.CredentialID,
		InputDataclipID: s.retention.StepInputRef(project.EffectiveRetentionPolicy(), req.InputDataclipID),
		StartedAt:       &now,
		CreatedAt:       now,
	}

	err = s.store.Steps().Create(ctx, runID, step)
	if err != nil {
		return nil, fmt.Errorf("failed to create step: %w", err)
	}

	s.publishStepStatus(ctx, step, runID, false)

	return step, nil
}

// CompleteStep finalizes a step with its outcome. The worker-supplied output
// payload is persisted or discarded per the project retention policy; the
// exit reason is stored verbatim as sent.
func (s *Service) CompleteStep(ctx context.Context, runID string, req protocol.StepCompleteRequest) (*models.Step, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	step, err := s.store.Steps().GetForRun(ctx, runID, req.StepID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	// The transition is validated before the output touches storage; a
	// duplicate step:complete must not rewrite the persisted payload.
	err = step.Finalize(req.Reason, req.ErrorType, now)
	if err != nil {
		return nil, err
	}

	project, err := s.projectForRun(ctx, run)
	if err != nil {
		return nil, err
	}

	outputRef, err := s.retention.PersistStepOutput(ctx,
		project.EffectiveRetentionPolicy(), project.ID, req.OutputDataclipID, req.OutputDataclip, now)
	if err != nil {
		return nil, err
	}

	step.OutputDataclipID = outputRef

	err = s.store.Steps().Finalize(ctx, step)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize step: %w", err)
	}

	s.publishStepStatus(ctx, step, runID, true)

	return step, nil
}

// BuildRunSpec assembles the fetch:run reply: the workflow graph snapshot,
// starting node, input reference and execution options.
func (s *Service) BuildRunSpec(ctx context.Context, runID string) (*protocol.RunSpec, error) {
	run, err := s.store.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	workOrder, err := s.store.WorkOrders().GetByID(ctx, run.WorkOrderID)
	if err != nil {
		return nil, err
	}

	workflow, err := s.store.Workflows().GetByID(ctx, workOrder.WorkflowID)
	if err != nil {
		return nil, err
	}

	spec := &protocol.RunSpec{
		ID:             run.ID,
		Triggers:       make([]protocol.RunSpecTrigger, 0, len(workflow.Triggers)),
		Jobs:           make([]protocol.RunSpecJob, 0, len(workflow.Jobs)),
		Edges:          make([]protocol.RunSpecEdge, 0, len(workflow.Edges)),
		StartingNodeID: run.StartingNodeID,
		DataclipID:     run.InputDataclipID,
		Options:        run.Options,
	}

	for _, trigger := range workflow.Triggers {
		spec.Triggers = append(spec.Triggers, protocol.RunSpecTrigger{
			ID:   trigger.ID,
			Type: string(trigger.Type),
		})
	}

	for _, job := range workflow.Jobs {
		spec.Jobs = append(spec.Jobs, protocol.RunSpecJob{
			ID:           job.ID,
			Name:         job.Name,
			Body:         job.Body,
			Adaptor:      job.Adaptor,
			CredentialID: job.CredentialID,
		})
	}

	for _, edge := range workflow.Edges {
		spec.Edges = append(spec.Edges, protocol.RunSpecEdge{
			ID:              edge.ID,
			SourceTriggerID: edge.SourceTriggerID,
			SourceJobID:     edge.SourceJobID,
			Condition:       edge.Condition,
			TargetJobID:     edge.TargetJobID,
		})
	}

	return spec, nil
}

// FetchDataclip returns the wire payload for a dataclip in the run's project.
// A clip from another project reads as missing, so dataclip ids cannot be used
// to read across project boundaries. Wiped clips return an empty document, not
// an error.
func (s *Service) FetchDataclip(ctx context.Context, runID, dataclipID string) (json.RawMessage, error) {
	project, err := s.ProjectForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	clip, err := s.store.Dataclips().GetByID(ctx, dataclipID)
	if err != nil {
		return nil, err
	}

	if clip.ProjectID != project.ID {
		return nil, persistence.ErrDataclipNotFound
	}

	return clip.WirePayload(), nil
}

// AppendLog persists one worker log line and fans it out for live tailing.
func (s *Service) AppendLog(ctx context.Context, runID string, req protocol.LogRequest) error {
	line := &models.LogLine{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepID:    req.StepID,
		Level:     req.Level,
		Source:    req.Source,
		Message:   req.Message,
		Timestamp: req.Timestamp.Time,
	}

	err := s.store.LogLines().Append(ctx, line)
	if err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}

	if s.publisher != nil {
		publishErr := s.publisher.Publish(ctx, events.LogTopic, events.RunLogAppended{
			BaseEvent: events.NewBaseEvent(events.RunLogAppendedEvent, ""),
			RunID:     runID,
			StepID:    req.StepID,
			Level:     req.Level,
			Source:    req.Source,
			Message:   req.Message,
			LoggedAt:  line.Timestamp,
		})
		if publishErr != nil {
			s.logger.WarnContext(ctx, "failed to publish log line", "run_id", runID, "error", publishErr)
		}
	}

	return nil
}

func (s *Service) publishStepStatus(ctx context.Context, step *models.Step, runID string, finished bool) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.Publish(ctx, events.Topic, events.StepStatusChanged{
		BaseEvent:  events.NewBaseEvent(events.StepStatusChangedEvent, ""),
		StepID:     step.ID,
		RunID:      runID,
		JobID:      step.JobID,
		ExitReason: step.ExitReason,
		Finished:   finished,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish step status", "step_id", step.ID, "error", err)
	}
}
