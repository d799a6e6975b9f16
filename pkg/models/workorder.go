package models

import "time"

// WorkOrderState is the aggregate state of a work order. It is always derived
// from the states of its runs and never set directly.
type WorkOrderState string

const (
	WorkOrderStatePending   WorkOrderState = "pending" // No runs created yet
	WorkOrderStateRunning   WorkOrderState = "running" // At least one run is non-terminal
	WorkOrderStateSuccess   WorkOrderState = "success"
	WorkOrderStateFailed    WorkOrderState = "failed"
	WorkOrderStateCrashed   WorkOrderState = "crashed"
	WorkOrderStateCancelled WorkOrderState = "cancelled"
	WorkOrderStateKilled    WorkOrderState = "killed"
)

// WorkOrder is one triggering event for one workflow. It owns one or more
// runs and is never deleted while runs reference it.
type WorkOrder struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	TriggerID       *string        `json:"trigger_id,omitempty"` // Nil for manual/retry work orders
	InputDataclipID *string        `json:"input_dataclip_id,omitempty"`
	State           WorkOrderState `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// workOrderPrecedence orders terminal outcomes from worst to best for the
// aggregate state derivation. Killed and crashed outrank failed, which
// outranks cancelled; success only wins when nothing worse happened.
var workOrderPrecedence = []RunState{
	RunStateKilled,
	RunStateCrashed,
	RunStateFailed,
	RunStateCancelled,
	RunStateSuccess,
}

// DeriveWorkOrderState computes the aggregate state of a work order from its
// runs. While any run is non-terminal the work order is running; otherwise the
// worst terminal outcome wins.
func DeriveWorkOrderState(runs []*Run) WorkOrderState {
	if len(runs) == 0 {
		return WorkOrderStatePending
	}

	seen := make(map[RunState]bool, len(runs))

	for _, run := range runs {
		if !run.State.IsTerminal() {
			return WorkOrderStateRunning
		}

		seen[run.State] = true
	}

	for _, state := range workOrderPrecedence {
		if seen[state] {
			return WorkOrderState(state)
		}
	}

	return WorkOrderStatePending
}
