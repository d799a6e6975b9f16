// Package models defines the core domain models for run execution orchestration.
package models

import (
	"time"
)

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStateAvailable RunState = "available" // Waiting for a worker to claim it
	RunStateClaimed   RunState = "claimed"   // Handed to a worker, not yet started
	RunStateStarted   RunState = "started"   // Worker reported run:start
	RunStateSuccess   RunState = "success"
	RunStateFailed    RunState = "failed"
	RunStateCrashed   RunState = "crashed"
	RunStateCancelled RunState = "cancelled"
	RunStateKilled    RunState = "killed"
)

// IsTerminal reports whether the state is one of the four final outcomes.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSuccess, RunStateFailed, RunStateCrashed, RunStateCancelled, RunStateKilled:
		return true
	default:
		return false
	}
}

// Exit reasons reported by workers on run:complete and step:complete. The wire
// value is stored verbatim as exit_reason; only the run state is normalized.
const (
	ExitReasonNormal  = "normal"
	ExitReasonSuccess = "success"
	ExitReasonFail    = "fail"
	ExitReasonCrash   = "crash"
	ExitReasonCancel  = "cancel"
	ExitReasonKill    = "kill"
)

// StateForExitReason maps a worker-supplied exit reason to the terminal run
// state it produces.
func StateForExitReason(reason string) (RunState, bool) {
	switch reason {
	case ExitReasonNormal, ExitReasonSuccess:
		return RunStateSuccess, true
	case ExitReasonFail:
		return RunStateFailed, true
	case ExitReasonCrash:
		return RunStateCrashed, true
	case ExitReasonCancel:
		return RunStateCancelled, true
	case ExitReasonKill:
		return RunStateKilled, true
	default:
		return "", false
	}
}

// RunOptions are execution options resolved from project settings and handed
// to the worker on fetch:run.
type RunOptions struct {
	RunTimeoutMs         int64 `json:"run_timeout_ms,omitempty"`
	OutputDataclips      bool  `json:"output_dataclips"`
	RunMemoryLimitMB     int64 `json:"run_memory_limit_mb,omitempty"`
	EnableJobLogs        bool  `json:"enable_job_logs"`
	SaveDataclipRequests bool  `json:"save_dataclip_requests,omitempty"`
}

// Run is one execution attempt of a WorkOrder. It is exclusively claimed by at
// most one worker connection at a time; the claim itself is enforced by the
// store's conditional update, not by this struct.
type Run struct {
	ID              string     `json:"id"`
	WorkOrderID     string     `json:"work_order_id"`
	StartingNodeID  string     `json:"starting_node_id"` // Trigger or job the run begins from
	InputDataclipID *string    `json:"input_dataclip_id,omitempty"`
	State           RunState   `json:"state"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExitReason      *string    `json:"exit_reason,omitempty"`
	ErrorType       *string    `json:"error_type,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Options         RunOptions `json:"options"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Claim transitions the run from available to claimed.
func (r *Run) Claim(now time.Time) error {
	if r.State != RunStateAvailable {
		return NewInvalidTransition("cannot claim attempt that is not available")
	}

	r.State = RunStateClaimed
	r.ClaimedAt = &now

	return nil
}

// Start transitions the run from claimed to started.
func (r *Run) Start(now time.Time) error {
	if r.State.IsTerminal() {
		return NewInvalidTransition("already in completed state")
	}

	if r.State != RunStateClaimed {
		return NewInvalidTransition("cannot start attempt that is not claimed")
	}

	r.State = RunStateStarted
	r.StartedAt = &now

	return nil
}

// Complete transitions a started run to the terminal state implied by the
// worker-supplied exit reason. The reason string is kept verbatim.
func (r *Run) Complete(reason string, errorType, errorMessage *string, now time.Time) error {
	if r.State.IsTerminal() {
		return NewInvalidTransition("already in completed state")
	}

	if r.State != RunStateStarted {
		return NewInvalidTransition("cannot complete attempt that is not started")
	}

	state, ok := StateForExitReason(reason)
	if !ok {
		return NewValidationError("reason", "unknown exit reason: "+reason)
	}

	r.State = state
	r.ExitReason = &reason
	r.ErrorType = errorType
	r.ErrorMessage = errorMessage
	r.FinishedAt = &now

	return nil
}

// Cancel forces a non-terminal run to cancelled. Used for externally-triggered
// cancellation; the transition is authoritative whether or not a worker is
// still connected.
func (r *Run) Cancel(now time.Time) error {
	if r.State.IsTerminal() {
		return NewInvalidTransition("already in completed state")
	}

	reason := ExitReasonCancel
	r.State = RunStateCancelled
	r.ExitReason = &reason
	r.FinishedAt = &now

	return nil
}

// IsFinished reports whether the run reached a terminal state.
func (r *Run) IsFinished() bool {
	return r.State.IsTerminal()
}
