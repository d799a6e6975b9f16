// Package web provides the HTTP API for work order intake and run inspection.
package web

import "github.com/spooldev/spool/pkg/models"

// WorkOrderAccepted is the response to webhook and manual work order intake.
type WorkOrderAccepted struct {
	WorkOrderID string `json:"work_order_id"`
	RunID       string `json:"run_id"`
}

// RunResponse is a run with its steps.
type RunResponse struct {
	Run   *models.Run    `json:"run"`
	Steps []*models.Step `json:"steps"`
}

// WorkOrdersResponse is a page of work orders.
type WorkOrdersResponse struct {
	WorkOrders []*models.WorkOrder `json:"work_orders"`
	Pagination Pagination          `json:"pagination"`
}

type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// CreateWorkOrderRequest starts a manual run from a saved dataclip.
type CreateWorkOrderRequest struct {
	WorkflowID     string  `json:"workflow_id"`
	StartingNodeID string  `json:"starting_node_id"`
	DataclipID     *string `json:"dataclip_id,omitempty"`
}

// RetryRequest optionally names the step a retry should start from.
type RetryRequest struct {
	StepID *string `json:"step_id,omitempty"`
}

// RetryAccepted is the response to a run retry.
type RetryAccepted struct {
	RunID       string `json:"run_id"`
	WorkOrderID string `json:"work_order_id"`
}
