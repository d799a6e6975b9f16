package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/runs"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CancelNotifier tells a connected worker to stop a cancelled run. The API
// and gateway can live in different processes, in which case the notifier is
// event-bus backed and this is best effort.
type CancelNotifier interface {
	NotifyRunCancelled(runID string) bool
}

type APIHandlers struct {
	store    persistence.Store
	runs     *runs.Service
	notifier CancelNotifier
	logger   *slog.Logger
}

func NewAPIHandlers(store persistence.Store, runService *runs.Service, notifier CancelNotifier, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{
		store:    store,
		runs:     runService,
		notifier: notifier,
		logger:   logger.With("module", "web"),
	}
}

// PostWebhook fires a webhook trigger: one work order, one available run.
func (h *APIHandlers) PostWebhook(c fiber.Ctx) error {
	triggerID := c.Params("triggerId")
	if triggerID == "" {
		return badRequest(c, "trigger id is required")
	}

	workflow, err := h.store.Workflows().GetByTriggerID(c.Context(), triggerID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "trigger not found")
		}

		return internalError(c, err)
	}

	trigger := workflow.TriggerByID(triggerID)
	if trigger == nil || !trigger.Enabled {
		return notFound(c, "trigger not found")
	}

	body := json.RawMessage(c.Body())
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	} else if !json.Valid(body) {
		return badRequest(c, "body must be valid JSON")
	}

	request, err := json.Marshal(map[string]any{
		"method": c.Method(),
		"path":   c.Path(),
	})
	if err != nil {
		return internalError(c, err)
	}

	workOrder, run, err := h.runs.CreateWorkOrder(c.Context(), runs.CreateWorkOrderParams{
		WorkflowID:     workflow.ID,
		TriggerID:      &triggerID,
		StartingNodeID: triggerID,
		DataclipType:   models.DataclipTypeHTTPRequest,
		Body:           body,
		Request:        request,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(WorkOrderAccepted{
		WorkOrderID: workOrder.ID,
		RunID:       run.ID,
	})
}

// CreateWorkOrder starts a manual run from a saved dataclip.
func (h *APIHandlers) CreateWorkOrder(c fiber.Ctx) error {
	var req CreateWorkOrderRequest

	err := json.Unmarshal(c.Body(), &req)
	if err != nil {
		return badRequest(c, "body must be valid JSON")
	}

	if req.WorkflowID == "" {
		return badRequest(c, "workflow_id is required")
	}

	if req.StartingNodeID == "" {
		return badRequest(c, "starting_node_id is required")
	}

	workOrder, run, err := h.runs.CreateWorkOrder(c.Context(), runs.CreateWorkOrderParams{
		WorkflowID:     req.WorkflowID,
		StartingNodeID: req.StartingNodeID,
		DataclipID:     req.DataclipID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(WorkOrderAccepted{
		WorkOrderID: workOrder.ID,
		RunID:       run.ID,
	})
}

// GetWorkOrders lists work orders for a workflow, newest first.
func (h *APIHandlers) GetWorkOrders(c fiber.Ctx) error {
	workflowID := c.Query("workflow_id")
	if workflowID == "" {
		return badRequest(c, "workflow_id is required")
	}

	limit, offset, err := parsePagination(c)
	if err != nil {
		return badRequest(c, "invalid pagination: "+err.Error())
	}

	workOrders, err := h.runs.ListWorkOrders(c.Context(), workflowID, limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(WorkOrdersResponse{
		WorkOrders: workOrders,
		Pagination: Pagination{Limit: limit, Offset: offset},
	})
}

// GetRun returns a run with its steps.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "run id is required")
	}

	run, steps, err := h.runs.GetRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(RunResponse{Run: run, Steps: steps})
}

// CancelRun cancels a run. The transition is authoritative immediately; a
// worker still executing it is told to stop, best effort.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "run id is required")
	}

	run, err := h.runs.CancelRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if h.notifier != nil {
		delivered := h.notifier.NotifyRunCancelled(run.ID)
		h.logger.InfoContext(c.Context(), "run cancelled",
			"run_id", run.ID,
			"worker_notified", delivered)
	}

	return c.JSON(run)
}

// RetryRun enqueues a new run for a finished run's work order, optionally
// starting from one of its steps.
func (h *APIHandlers) RetryRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "run id is required")
	}

	var stepID *string

	if len(c.Body()) > 0 {
		var req RetryRequest

		err := json.Unmarshal(c.Body(), &req)
		if err != nil {
			return badRequest(c, "body must be valid JSON")
		}

		stepID = req.StepID
	}

	run, err := h.runs.RetryRun(c.Context(), id, stepID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(RetryAccepted{
		RunID:       run.ID,
		WorkOrderID: run.WorkOrderID,
	})
}

// HealthCheck reports store reachability.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func parsePagination(c fiber.Ctx) (int, int, error) {
	limit := defaultListLimit
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = parsed
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = parsed
	}

	if limit < 1 || limit > maxListLimit {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}

	if offset < 0 {
		return 0, 0, fmt.Errorf("offset must not be negative")
	}

	return limit, offset, nil
}
