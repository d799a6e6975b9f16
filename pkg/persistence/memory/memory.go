// Package memory provides an in-memory Store for tests and local development.
// It mirrors the conditional-update semantics of the PostgreSQL store: claim,
// start, finish and finalize are all compare-and-swap under one mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
)

type Store struct {
	mu sync.Mutex

	workOrders  map[string]*models.WorkOrder
	runs        map[string]*models.Run
	steps       map[string]*models.Step
	runSteps    map[string][]string // run id -> step ids, insertion ordered
	dataclips   map[string]*models.Dataclip
	credentials map[string]*models.Credential
	workflows   map[string]*models.Workflow
	projects    map[string]*models.Project
	logLines    map[string][]*models.LogLine
}

func NewStore() *Store {
	return &Store{
		workOrders:  make(map[string]*models.WorkOrder),
		runs:        make(map[string]*models.Run),
		steps:       make(map[string]*models.Step),
		runSteps:    make(map[string][]string),
		dataclips:   make(map[string]*models.Dataclip),
		credentials: make(map[string]*models.Credential),
		workflows:   make(map[string]*models.Workflow),
		projects:    make(map[string]*models.Project),
		logLines:    make(map[string][]*models.LogLine),
	}
}

func (s *Store) WorkOrders() persistence.WorkOrderRepository   { return (*workOrderRepo)(s) }
func (s *Store) Runs() persistence.RunRepository               { return (*runRepo)(s) }
func (s *Store) Steps() persistence.StepRepository             { return (*stepRepo)(s) }
func (s *Store) Dataclips() persistence.DataclipRepository     { return (*dataclipRepo)(s) }
func (s *Store) Credentials() persistence.CredentialRepository { return (*credentialRepo)(s) }
func (s *Store) Workflows() persistence.WorkflowRepository     { return (*workflowRepo)(s) }
func (s *Store) Projects() persistence.ProjectRepository       { return (*projectRepo)(s) }
func (s *Store) LogLines() persistence.LogLineRepository       { return (*logLineRepo)(s) }

func (s *Store) HealthCheck(_ context.Context) error { return nil }
func (s *Store) Close(_ context.Context) error       { return nil }

// SeedWorkflow inserts a workflow with its project for test setup.
func (s *Store) SeedWorkflow(project *models.Project, workflow *models.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects[project.ID] = project
	s.workflows[workflow.ID] = workflow
}

// SeedCredential inserts a credential for test setup.
func (s *Store) SeedCredential(credential *models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credential.ID] = credential
}

// --- work orders ---

type workOrderRepo Store

func (r *workOrderRepo) Create(_ context.Context, workOrder *models.WorkOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *workOrder
	r.workOrders[workOrder.ID] = &copied

	return nil
}

func (r *workOrderRepo) GetByID(_ context.Context, id string) (*models.WorkOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workOrder, ok := r.workOrders[id]
	if !ok {
		return nil, persistence.ErrWorkOrderNotFound
	}

	copied := *workOrder

	return &copied, nil
}

func (r *workOrderRepo) List(_ context.Context, workflowID string, limit, offset int) ([]*models.WorkOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*models.WorkOrder, 0)

	for _, workOrder := range r.workOrders {
		if workflowID != "" && workOrder.WorkflowID != workflowID {
			continue
		}

		copied := *workOrder
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*models.WorkOrder{}, nil
	}

	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	return matched, nil
}

func (r *workOrderRepo) UpdateState(_ context.Context, id string, state models.WorkOrderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workOrder, ok := r.workOrders[id]
	if !ok {
		return persistence.ErrWorkOrderNotFound
	}

	workOrder.State = state
	workOrder.UpdatedAt = time.Now().UTC()

	return nil
}

// --- runs ---

type runRepo Store

func (r *runRepo) Create(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *run
	r.runs[run.ID] = &copied

	return nil
}

func (r *runRepo) GetByID(_ context.Context, id string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	copied := *run

	return &copied, nil
}

func (r *runRepo) ListByWorkOrder(_ context.Context, workOrderID string) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]*models.Run, 0)

	for _, run := range r.runs {
		if run.WorkOrderID == workOrderID {
			copied := *run
			runs = append(runs, &copied)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return runs, nil
}

func (r *runRepo) ClaimNext(_ context.Context, now time.Time) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *models.Run

	for _, run := range r.runs {
		if run.State != models.RunStateAvailable {
			continue
		}

		if oldest == nil || run.CreatedAt.Before(oldest.CreatedAt) {
			oldest = run
		}
	}

	if oldest == nil {
		return nil, persistence.ErrNoRunAvailable
	}

	oldest.State = models.RunStateClaimed
	claimedAt := now
	oldest.ClaimedAt = &claimedAt

	copied := *oldest

	return &copied, nil
}

func (r *runRepo) Start(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return persistence.ErrRunNotFound
	}

	if run.State != models.RunStateClaimed {
		return persistence.ErrStateConflict
	}

	run.State = models.RunStateStarted
	startedAt := now
	run.StartedAt = &startedAt

	return nil
}

func (r *runRepo) Finish(_ context.Context, run *models.Run, from ...models.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.runs[run.ID]
	if !ok {
		return persistence.ErrRunNotFound
	}

	allowed := false

	for _, state := range from {
		if stored.State == state {
			allowed = true

			break
		}
	}

	if !allowed {
		return persistence.ErrStateConflict
	}

	stored.State = run.State
	stored.ExitReason = run.ExitReason
	stored.ErrorType = run.ErrorType
	stored.ErrorMessage = run.ErrorMessage
	stored.FinishedAt = run.FinishedAt

	return nil
}

func (r *runRepo) ReclaimStalled(_ context.Context, claimedBefore time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reclaimed := make([]string, 0)

	for _, run := range r.runs {
		if run.State != models.RunStateClaimed || run.ClaimedAt == nil {
			continue
		}

		if run.ClaimedAt.Before(claimedBefore) {
			run.State = models.RunStateAvailable
			run.ClaimedAt = nil
			reclaimed = append(reclaimed, run.ID)
		}
	}

	return reclaimed, nil
}

func (r *runRepo) ListLostStarted(_ context.Context, startedBefore time.Time) ([]*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lost := make([]*models.Run, 0)

	for _, run := range r.runs {
		if run.State != models.RunStateStarted || run.StartedAt == nil {
			continue
		}

		if run.StartedAt.Before(startedBefore) {
			copied := *run
			lost = append(lost, &copied)
		}
	}

	return lost, nil
}

// --- steps ---

type stepRepo Store

func (r *stepRepo) Create(_ context.Context, runID string, step *models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *step
	r.steps[step.ID] = &copied
	r.runSteps[runID] = append(r.runSteps[runID], step.ID)

	return nil
}

func (r *stepRepo) GetForRun(_ context.Context, runID, stepID string) (*models.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.runSteps[runID] {
		if id != stepID {
			continue
		}

		copied := *r.steps[id]

		return &copied, nil
	}

	return nil, persistence.ErrStepNotFound
}

func (r *stepRepo) ListByRun(_ context.Context, runID string) ([]*models.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]*models.Step, 0, len(r.runSteps[runID]))

	for _, id := range r.runSteps[runID] {
		copied := *r.steps[id]
		steps = append(steps, &copied)
	}

	return steps, nil
}

func (r *stepRepo) LinkToRun(_ context.Context, runID, stepID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[stepID]; !ok {
		return persistence.ErrStepNotFound
	}

	for _, id := range r.runSteps[runID] {
		if id == stepID {
			return nil
		}
	}

	r.runSteps[runID] = append(r.runSteps[runID], stepID)

	return nil
}

func (r *stepRepo) Finalize(_ context.Context, step *models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.steps[step.ID]
	if !ok {
		return persistence.ErrStepNotFound
	}

	if stored.FinishedAt != nil {
		return persistence.ErrStateConflict
	}

	stored.OutputDataclipID = step.OutputDataclipID
	stored.ExitReason = step.ExitReason
	stored.ErrorType = step.ErrorType
	stored.FinishedAt = step.FinishedAt

	return nil
}

// --- dataclips ---

type dataclipRepo Store

func (r *dataclipRepo) Create(_ context.Context, dataclip *models.Dataclip) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Bodies are immutable once written; mirror the postgres primary key.
	if _, exists := r.dataclips[dataclip.ID]; exists {
		return fmt.Errorf("dataclip %s already exists", dataclip.ID)
	}

	copied := *dataclip
	r.dataclips[dataclip.ID] = &copied

	return nil
}

func (r *dataclipRepo) GetByID(_ context.Context, id string) (*models.Dataclip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dataclip, ok := r.dataclips[id]
	if !ok {
		return nil, persistence.ErrDataclipNotFound
	}

	copied := *dataclip

	return &copied, nil
}

func (r *dataclipRepo) Wipe(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dataclip, ok := r.dataclips[id]
	if !ok {
		return persistence.ErrDataclipNotFound
	}

	wipeDataclip(dataclip, now)

	return nil
}

func (r *dataclipRepo) WipeForProject(_ context.Context, projectID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wiped := 0

	for _, dataclip := range r.dataclips {
		if dataclip.ProjectID != projectID || dataclip.IsWiped() {
			continue
		}

		wipeDataclip(dataclip, now)
		wiped++
	}

	return wiped, nil
}

func wipeDataclip(dataclip *models.Dataclip, now time.Time) {
	if dataclip.IsWiped() {
		return
	}

	dataclip.Body = nil
	dataclip.Request = nil
	wipedAt := now
	dataclip.WipedAt = &wipedAt
}

// --- credentials ---

type credentialRepo Store

func (r *credentialRepo) GetByID(_ context.Context, id string) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, ok := r.credentials[id]
	if !ok {
		return nil, persistence.ErrCredentialNotFound
	}

	copied := *credential
	copied.Body = make(map[string]any, len(credential.Body))

	for key, value := range credential.Body {
		copied.Body[key] = value
	}

	return &copied, nil
}

func (r *credentialRepo) UpdateBody(_ context.Context, id string, body map[string]any, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	credential, ok := r.credentials[id]
	if !ok {
		return persistence.ErrCredentialNotFound
	}

	credential.Body = body
	credential.UpdatedAt = now

	return nil
}

// --- workflows ---

type workflowRepo Store

func (r *workflowRepo) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflow, ok := r.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	return workflow, nil
}

func (r *workflowRepo) GetByTriggerID(_ context.Context, triggerID string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, workflow := range r.workflows {
		if workflow.TriggerByID(triggerID) != nil {
			return workflow, nil
		}
	}

	return nil, persistence.ErrWorkflowNotFound
}

// --- projects ---

type projectRepo Store

func (r *projectRepo) GetByID(_ context.Context, id string) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, persistence.ErrProjectNotFound
	}

	copied := *project

	return &copied, nil
}

func (r *projectRepo) ListByRetentionPolicy(_ context.Context, policy models.RetentionPolicy) ([]*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	projects := make([]*models.Project, 0)

	for _, project := range r.projects {
		if project.EffectiveRetentionPolicy() == policy {
			copied := *project
			projects = append(projects, &copied)
		}
	}

	return projects, nil
}

// --- log lines ---

type logLineRepo Store

func (r *logLineRepo) Append(_ context.Context, line *models.LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *line
	r.logLines[line.RunID] = append(r.logLines[line.RunID], &copied)

	return nil
}

func (r *logLineRepo) ListByRun(_ context.Context, runID string) ([]*models.LogLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := make([]*models.LogLine, 0, len(r.logLines[runID]))

	for _, line := range r.logLines[runID] {
		copied := *line
		lines = append(lines, &copied)
	}

	return lines, nil
}
