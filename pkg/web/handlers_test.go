package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence/memory"
	"github.com/spooldev/spool/pkg/retention"
	"github.com/spooldev/spool/pkg/runs"
	"github.com/spooldev/spool/pkg/web"
)

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyRunCancelled(runID string) bool {
	f.notified = append(f.notified, runID)

	return true
}

func setupTestApp(t *testing.T) (*fiber.App, *memory.Store, *runs.Service, *fakeNotifier) {
	t.Helper()

	store := memory.NewStore()
	logger := slog.New(slog.DiscardHandler)

	store.SeedWorkflow(
		&models.Project{ID: "project-1"},
		&models.Workflow{
			ID:        "wf-1",
			ProjectID: "project-1",
			Name:      "sync patients",
			Triggers: []*models.Trigger{
				{ID: "trigger-1", Type: models.TriggerTypeWebhook, Enabled: true},
				{ID: "trigger-off", Type: models.TriggerTypeWebhook, Enabled: false},
			},
			Jobs: []*models.Job{{ID: "job-1", Name: "fetch", Body: "fn(s => s)", Adaptor: "@openfn/language-http@latest"}},
		})

	engine := retention.NewEngine(store, logger)
	runService := runs.NewService(store, engine, nil, nil, logger)
	notifier := &fakeNotifier{}
	handlers := web.NewAPIHandlers(store, runService, notifier, logger)

	app := fiber.New()
	web.RegisterRoutes(app, handlers)

	return app, store, runService, notifier
}

func request(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, payload
}

func TestPostWebhook(t *testing.T) {
	app, store, _, _ := setupTestApp(t)

	resp, body := request(t, app, http.MethodPost, "/i/trigger-1", map[string]any{"patient": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var accepted web.WorkOrderAccepted

	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.RunID)

	run, err := store.Runs().GetByID(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateAvailable, run.State)
	assert.Equal(t, "trigger-1", run.StartingNodeID)

	workOrder, err := store.WorkOrders().GetByID(context.Background(), accepted.WorkOrderID)
	require.NoError(t, err)
	require.NotNil(t, workOrder.InputDataclipID)

	clip, err := store.Dataclips().GetByID(context.Background(), *workOrder.InputDataclipID)
	require.NoError(t, err)
	assert.Equal(t, models.DataclipTypeHTTPRequest, clip.Type)
	assert.JSONEq(t, `{"patient":1}`, string(clip.Body))
}

func TestPostWebhook_UnknownOrDisabledTrigger(t *testing.T) {
	app, _, _, _ := setupTestApp(t)

	resp, _ := request(t, app, http.MethodPost, "/i/nope", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = request(t, app, http.MethodPost, "/i/trigger-off", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunWithSteps(t *testing.T) {
	app, store, runService, _ := setupTestApp(t)

	resp, body := request(t, app, http.MethodPost, "/i/trigger-1", map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var accepted web.WorkOrderAccepted

	require.NoError(t, json.Unmarshal(body, &accepted))

	_, err := store.Runs().ClaimNext(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	_, err = runService.StartRun(context.Background(), accepted.RunID)
	require.NoError(t, err)

	resp, body = request(t, app, http.MethodGet, "/runs/"+accepted.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runResp web.RunResponse

	require.NoError(t, json.Unmarshal(body, &runResp))
	assert.Equal(t, models.RunStateStarted, runResp.Run.State)
	assert.Empty(t, runResp.Steps)

	resp, _ = request(t, app, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	app, _, _, notifier := setupTestApp(t)

	resp, body := request(t, app, http.MethodPost, "/i/trigger-1", map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var accepted web.WorkOrderAccepted

	require.NoError(t, json.Unmarshal(body, &accepted))

	resp, body = request(t, app, http.MethodPost, "/runs/"+accepted.RunID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run models.Run

	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, models.RunStateCancelled, run.State)
	assert.Equal(t, []string{accepted.RunID}, notifier.notified)

	// Cancelling a terminal run is a conflict.
	resp, _ = request(t, app, http.MethodPost, "/runs/"+accepted.RunID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetryRun(t *testing.T) {
	app, store, runService, _ := setupTestApp(t)

	resp, body := request(t, app, http.MethodPost, "/i/trigger-1", map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var accepted web.WorkOrderAccepted

	require.NoError(t, json.Unmarshal(body, &accepted))

	// Retrying a run that is still queued is rejected.
	resp, _ = request(t, app, http.MethodPost, "/runs/"+accepted.RunID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := store.Runs().ClaimNext(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	_, err = runService.StartRun(context.Background(), accepted.RunID)
	require.NoError(t, err)
	_, err = runService.CompleteRun(context.Background(), accepted.RunID, "fail", nil, nil)
	require.NoError(t, err)

	resp, body = request(t, app, http.MethodPost, "/runs/"+accepted.RunID+"/retry", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var retried web.RetryAccepted

	require.NoError(t, json.Unmarshal(body, &retried))
	assert.Equal(t, accepted.WorkOrderID, retried.WorkOrderID)
	assert.NotEqual(t, accepted.RunID, retried.RunID)
}

func TestListWorkOrders(t *testing.T) {
	app, _, _, _ := setupTestApp(t)

	for range 3 {
		resp, _ := request(t, app, http.MethodPost, "/i/trigger-1", map[string]any{})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := request(t, app, http.MethodGet, "/workorders?workflow_id=wf-1&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page web.WorkOrdersResponse

	require.NoError(t, json.Unmarshal(body, &page))
	assert.Len(t, page.WorkOrders, 2)
	assert.Equal(t, 2, page.Pagination.Limit)

	resp, _ = request(t, app, http.MethodGet, "/workorders", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = request(t, app, http.MethodGet, "/workorders?workflow_id=wf-1&limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWorkOrderManually(t *testing.T) {
	app, store, _, _ := setupTestApp(t)

	clip := &models.Dataclip{
		ID:        "clip-saved",
		ProjectID: "project-1",
		Type:      models.DataclipTypeStepResult,
		Body:      json.RawMessage(`{"patient":9}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Dataclips().Create(context.Background(), clip))

	resp, body := request(t, app, http.MethodPost, "/workorders", web.CreateWorkOrderRequest{
		WorkflowID:     "wf-1",
		StartingNodeID: "job-1",
		DataclipID:     &clip.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var accepted web.WorkOrderAccepted

	require.NoError(t, json.Unmarshal(body, &accepted))

	run, err := store.Runs().GetByID(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", run.StartingNodeID)
	require.NotNil(t, run.InputDataclipID)
	assert.Equal(t, clip.ID, *run.InputDataclipID)

	// Unknown starting nodes are a validation error.
	resp, _ = request(t, app, http.MethodPost, "/workorders", web.CreateWorkOrderRequest{
		WorkflowID:     "wf-1",
		StartingNodeID: "job-404",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
