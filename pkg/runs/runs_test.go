package runs_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/persistence/memory"
	"github.com/spooldev/spool/pkg/protocol"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/runs"
)

func newService(t *testing.T, policy models.RetentionPolicy) (*runs.Service, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	logger := slog.New(slog.DiscardHandler)

	credentialID := "cred-1"
	store.SeedWorkflow(
		&models.Project{ID: "project-1", RetentionPolicy: policy, RunTimeoutMs: 60_000},
		&models.Workflow{
			ID:        "wf-1",
			ProjectID: "project-1",
			Name:      "sync patients",
			Triggers:  []*models.Trigger{{ID: "trigger-1", Type: models.TriggerTypeWebhook, Enabled: true}},
			Jobs: []*models.Job{
				{ID: "job-1", Name: "fetch", Body: "fn(s => s)", Adaptor: "@openfn/language-http@latest", CredentialID: &credentialID},
				{ID: "job-2", Name: "upload", Body: "fn(s => s)", Adaptor: "@openfn/language-dhis2@latest"},
			},
			Edges: []*models.Edge{
				{ID: "edge-1", SourceTriggerID: ptr("trigger-1"), TargetJobID: "job-1", Enabled: true},
				{ID: "edge-2", SourceJobID: ptr("job-1"), Condition: "on_job_success", TargetJobID: "job-2", Enabled: true},
			},
		})

	engine := retention.NewEngine(store, logger)
	service := runs.NewService(store, engine, nil, nil, logger)

	return service, store
}

func ptr(s string) *string {
	return &s
}

func createWorkOrder(t *testing.T, service *runs.Service) (*models.WorkOrder, *models.Run) {
	t.Helper()

	triggerID := "trigger-1"
	workOrder, run, err := service.CreateWorkOrder(context.Background(), runs.CreateWorkOrderParams{
		WorkflowID:     "wf-1",
		TriggerID:      &triggerID,
		StartingNodeID: triggerID,
		DataclipType:   models.DataclipTypeHTTPRequest,
		Body:           json.RawMessage(`{"patient":1}`),
		Request:        json.RawMessage(`{"method":"POST","path":"/i/trigger-1"}`),
	})
	require.NoError(t, err)

	return workOrder, run
}

// claimAndStart walks the run to started through the normal transitions.
func claimAndStart(t *testing.T, service *runs.Service, store *memory.Store) *models.Run {
	t.Helper()

	_, run := createWorkOrder(t, service)

	claimed, err := store.Runs().ClaimNext(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.ID)

	started, err := service.StartRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStateStarted, started.State)

	return started
}

func TestCreateWorkOrder(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	workOrder, run := createWorkOrder(t, service)

	assert.Equal(t, models.WorkOrderStateRunning, workOrder.State)
	require.NotNil(t, workOrder.InputDataclipID)

	assert.Equal(t, models.RunStateAvailable, run.State)
	assert.Equal(t, "trigger-1", run.StartingNodeID)
	assert.Equal(t, workOrder.InputDataclipID, run.InputDataclipID)
	assert.Equal(t, int64(60_000), run.Options.RunTimeoutMs)
	assert.True(t, run.Options.OutputDataclips)

	clip, err := store.Dataclips().GetByID(context.Background(), *workOrder.InputDataclipID)
	require.NoError(t, err)
	assert.Equal(t, models.DataclipTypeHTTPRequest, clip.Type)
	assert.JSONEq(t, `{"patient":1}`, string(clip.Body))
}

func TestCreateWorkOrder_EraseAllDisablesOutputDataclips(t *testing.T) {
	service, _ := newService(t, models.RetentionPolicyEraseAll)
	_, run := createWorkOrder(t, service)

	assert.False(t, run.Options.OutputDataclips)
}

func TestStartRun_RequiresClaim(t *testing.T) {
	service, _ := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	_, err := service.StartRun(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, models.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "cannot start attempt that is not claimed")
}

func TestCompleteRun_FailScenario(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	errorType := "JobError"
	message := "TypeError: x is undefined"

	completed, err := service.CompleteRun(context.Background(), run.ID, "fail", &errorType, &message)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, completed.State)
	require.NotNil(t, completed.ExitReason)
	assert.Equal(t, "fail", *completed.ExitReason, "wire value stored verbatim")

	workOrder, err := store.WorkOrders().GetByID(context.Background(), run.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderStateFailed, workOrder.State)
}

func TestCompleteRun_TwiceFails(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	_, err := service.CompleteRun(context.Background(), run.ID, "success", nil, nil)
	require.NoError(t, err)

	_, err = service.CompleteRun(context.Background(), run.ID, "success", nil, nil)
	require.Error(t, err)
	assert.True(t, models.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "already in completed state")
}

func TestCompleteRun_BeforeStartFails(t *testing.T) {
	service, _ := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	_, err := service.CompleteRun(context.Background(), run.ID, "success", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot complete attempt that is not started")
}

func TestCompleteRun_UnknownReasonKeepsState(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	_, err := service.CompleteRun(context.Background(), run.ID, "exploded", nil, nil)
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))

	stored, err := store.Runs().GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateStarted, stored.State)
}

func TestCancelRun(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	cancelled, err := service.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCancelled, cancelled.State)

	workOrder, err := store.WorkOrders().GetByID(context.Background(), run.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderStateCancelled, workOrder.State)

	_, err = service.CancelRun(context.Background(), run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in completed state")
}

func TestRetryRun(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	// Retry of a live run is rejected.
	_, err := service.RetryRun(context.Background(), run.ID, nil)
	require.Error(t, err)
	assert.True(t, models.IsInvalidTransition(err))

	_, err = service.CompleteRun(context.Background(), run.ID, "fail", nil, nil)
	require.NoError(t, err)

	retried, err := service.RetryRun(context.Background(), run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateAvailable, retried.State)
	assert.Equal(t, run.WorkOrderID, retried.WorkOrderID)
	assert.Equal(t, run.InputDataclipID, retried.InputDataclipID)

	// A queued retry puts the work order back in running.
	workOrder, err := store.WorkOrders().GetByID(context.Background(), run.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderStateRunning, workOrder.State)
}

func TestWorkOrderState_WorstRunWins(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	_, err := service.CompleteRun(context.Background(), run.ID, "crash", nil, nil)
	require.NoError(t, err)

	retried, err := service.RetryRun(context.Background(), run.ID, nil)
	require.NoError(t, err)

	_, err = store.Runs().ClaimNext(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	_, err = service.StartRun(context.Background(), retried.ID)
	require.NoError(t, err)
	_, err = service.CompleteRun(context.Background(), retried.ID, "success", nil, nil)
	require.NoError(t, err)

	workOrder, err := store.WorkOrders().GetByID(context.Background(), run.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderStateCrashed, workOrder.State)
}

func TestSteps_RetainAll(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	credentialID := "cred-1"
	step, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID:          "step-1",
		JobID:           "job-1",
		InputDataclipID: run.InputDataclipID,
		CredentialID:    &credentialID,
	})
	require.NoError(t, err)
	assert.Equal(t, run.InputDataclipID, step.InputDataclipID)
	require.NotNil(t, step.StartedAt)

	// Re-delivered step:start acknowledges without a second row.
	again, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID: "step-1",
		JobID:  "job-1",
	})
	require.NoError(t, err)
	assert.Equal(t, step.ID, again.ID)

	output := json.RawMessage(`{"b":2,"a":1.50}`)
	clipID := "clip-out"

	completed, err := service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID:           "step-1",
		OutputDataclipID: &clipID,
		OutputDataclip:   output,
		Reason:           "success",
	})
	require.NoError(t, err)
	require.NotNil(t, completed.OutputDataclipID)
	assert.Equal(t, clipID, *completed.OutputDataclipID)
	require.NotNil(t, completed.ExitReason)
	assert.Equal(t, "success", *completed.ExitReason)

	clip, err := store.Dataclips().GetByID(context.Background(), clipID)
	require.NoError(t, err)
	assert.Equal(t, string(output), string(clip.Body), "exact worker bytes persisted")

	// Completing again is a state machine violation.
	_, err = service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID: "step-1",
		Reason: "success",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step already completed")
}

func TestCompleteStep_DuplicateLeavesOutputUntouched(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	_, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID: "step-1",
		JobID:  "job-1",
	})
	require.NoError(t, err)

	clipID := "clip-out"
	_, err = service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID:           "step-1",
		OutputDataclipID: &clipID,
		OutputDataclip:   json.RawMessage(`{"attempt":1}`),
		Reason:           "success",
	})
	require.NoError(t, err)

	// A re-delivered step:complete naming the same output clip is rejected
	// before its payload reaches storage.
	_, err = service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID:           "step-1",
		OutputDataclipID: &clipID,
		OutputDataclip:   json.RawMessage(`{"attempt":2}`),
		Reason:           "fail",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step already completed")

	clip, err := store.Dataclips().GetByID(context.Background(), clipID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempt":1}`, string(clip.Body))

	step, err := store.Steps().GetForRun(context.Background(), run.ID, "step-1")
	require.NoError(t, err)
	require.NotNil(t, step.ExitReason)
	assert.Equal(t, "success", *step.ExitReason)
}

func TestSteps_EraseAllKeepsNoReferences(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyEraseAll)
	run := claimAndStart(t, service, store)

	step, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID:          "step-1",
		JobID:           "job-1",
		InputDataclipID: run.InputDataclipID,
	})
	require.NoError(t, err)
	assert.Nil(t, step.InputDataclipID, "input reference dropped under erase_all")

	clipID := "clip-out"
	completed, err := service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID:           "step-1",
		OutputDataclipID: &clipID,
		OutputDataclip:   json.RawMessage(`{"secret":true}`),
		Reason:           "success",
	})
	require.NoError(t, err)
	assert.Nil(t, completed.OutputDataclipID)

	_, err = store.Dataclips().GetByID(context.Background(), clipID)
	assert.Error(t, err, "no output dataclip row under erase_all")
}

func TestStartStep_RequiresStartedRun(t *testing.T) {
	service, _ := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	_, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID: "step-1",
		JobID:  "job-1",
	})
	require.Error(t, err)
	assert.True(t, models.IsInvalidTransition(err))
}

func TestBuildRunSpec(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	spec, err := service.BuildRunSpec(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, spec.ID)
	assert.Equal(t, "trigger-1", spec.StartingNodeID)
	assert.Equal(t, run.InputDataclipID, spec.DataclipID)
	require.Len(t, spec.Jobs, 2)
	assert.Equal(t, "@openfn/language-http@latest", spec.Jobs[0].Adaptor)
	require.Len(t, spec.Edges, 2)
	assert.Equal(t, "on_job_success", spec.Edges[1].Condition)
	assert.Equal(t, int64(60_000), spec.Options.RunTimeoutMs)
}

func TestFetchDataclip_WipedReturnsEmptyDocument(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	payload, err := service.FetchDataclip(context.Background(), run.ID, *run.InputDataclipID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"patient":1},"request":{"method":"POST","path":"/i/trigger-1"}}`, string(payload))

	require.NoError(t, store.Dataclips().Wipe(context.Background(), *run.InputDataclipID, time.Now().UTC()))

	payload, err = service.FetchDataclip(context.Background(), run.ID, *run.InputDataclipID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(payload))
}

func TestFetchDataclip_ScopedToRunProject(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	_, run := createWorkOrder(t, service)

	// A clip that exists but belongs to another project reads as missing.
	require.NoError(t, store.Dataclips().Create(context.Background(), &models.Dataclip{
		ID:        "clip-foreign",
		ProjectID: "project-2",
		Type:      models.DataclipTypeStepResult,
		Body:      json.RawMessage(`{"phi":true}`),
		CreatedAt: time.Now().UTC(),
	}))

	_, err := service.FetchDataclip(context.Background(), run.ID, "clip-foreign")
	require.Error(t, err)
	assert.True(t, persistence.IsNotFound(err))
}

func TestMarkLostRuns(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	// Young runs are left alone.
	marked, err := service.MarkLostRuns(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	marked, err = service.MarkLostRuns(context.Background(), -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	stored, err := store.Runs().GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCrashed, stored.State)
	require.NotNil(t, stored.ErrorType)
	assert.Equal(t, "LostAfterStart", *stored.ErrorType)

	workOrder, err := store.WorkOrders().GetByID(context.Background(), run.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkOrderStateCrashed, workOrder.State)
}

func TestAppendLog(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	err := service.AppendLog(context.Background(), run.ID, protocol.LogRequest{
		Timestamp: protocol.NewTimestamp(time.UnixMicro(1699444653874083)),
		Level:     "info",
		Source:    "R/T",
		Message:   "starting operation 1",
	})
	require.NoError(t, err)

	lines, err := store.LogLines().ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(1699444653874083), lines[0].Timestamp.UnixMicro())
}

func TestRetryRun_FromStep(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)
	run := claimAndStart(t, service, store)

	_, err := service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID:          "step-1",
		JobID:           "job-1",
		InputDataclipID: run.InputDataclipID,
	})
	require.NoError(t, err)

	clipID := "clip-between"
	_, err = service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID:           "step-1",
		OutputDataclipID: &clipID,
		OutputDataclip:   json.RawMessage(`{"patient":1,"synced":true}`),
		Reason:           "success",
	})
	require.NoError(t, err)

	_, err = service.StartStep(context.Background(), run.ID, protocol.StepStartRequest{
		StepID:          "step-2",
		JobID:           "job-2",
		InputDataclipID: &clipID,
	})
	require.NoError(t, err)

	_, err = service.CompleteStep(context.Background(), run.ID, protocol.StepCompleteRequest{
		StepID: "step-2",
		Reason: "fail",
	})
	require.NoError(t, err)

	_, err = service.CompleteRun(context.Background(), run.ID, "fail", nil, nil)
	require.NoError(t, err)

	stepID := "step-2"
	retried, err := service.RetryRun(context.Background(), run.ID, &stepID)
	require.NoError(t, err)

	assert.Equal(t, "job-2", retried.StartingNodeID)
	require.NotNil(t, retried.InputDataclipID)
	assert.Equal(t, clipID, *retried.InputDataclipID)

	// The surviving first step travels with the new run.
	steps, err := store.Steps().ListByRun(context.Background(), retried.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "step-1", steps[0].ID)
}

func TestCreateWorkOrder_ManualFromSavedDataclip(t *testing.T) {
	service, store := newService(t, models.RetentionPolicyRetainAll)

	clip := &models.Dataclip{
		ID:        "clip-saved",
		ProjectID: "project-1",
		Type:      models.DataclipTypeStepResult,
		Body:      json.RawMessage(`{"patient":9}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Dataclips().Create(context.Background(), clip))

	workOrder, run, err := service.CreateWorkOrder(context.Background(), runs.CreateWorkOrderParams{
		WorkflowID:     "wf-1",
		StartingNodeID: "job-2",
		DataclipID:     &clip.ID,
	})
	require.NoError(t, err)

	assert.Nil(t, workOrder.TriggerID)
	require.NotNil(t, run.InputDataclipID)
	assert.Equal(t, clip.ID, *run.InputDataclipID)
	assert.Equal(t, "job-2", run.StartingNodeID)
}

func TestCreateWorkOrder_UnknownStartingNode(t *testing.T) {
	service, _ := newService(t, models.RetentionPolicyRetainAll)

	_, _, err := service.CreateWorkOrder(context.Background(), runs.CreateWorkOrderParams{
		WorkflowID:     "wf-1",
		StartingNodeID: "job-404",
	})
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}
