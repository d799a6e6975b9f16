package models

import "time"

// Step is one execution of one job within a run. A step may belong to more
// than one run: when a failed run is retried from a later job, the surviving
// steps are attached to the new run as well. Steps are created on step:start
// and never mutated after finalization.
type Step struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	CredentialID     *string    `json:"credential_id,omitempty"`
	InputDataclipID  *string    `json:"input_dataclip_id,omitempty"`
	OutputDataclipID *string    `json:"output_dataclip_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ExitReason       *string    `json:"exit_reason,omitempty"` // Worker wire value, verbatim
	ErrorType        *string    `json:"error_type,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IsFinalized reports whether the step has completed. Finalized steps reject
// further step:complete messages.
func (s *Step) IsFinalized() bool {
	return s.FinishedAt != nil
}

// Finalize records the step outcome. Completing an already-finalized step or
// one that never started is a state machine violation.
func (s *Step) Finalize(reason string, errorType *string, now time.Time) error {
	if s.IsFinalized() {
		return NewInvalidTransition("step already completed")
	}

	if s.StartedAt == nil {
		return NewInvalidTransition("cannot complete step that is not started")
	}

	s.ExitReason = &reason
	s.ErrorType = errorType
	s.FinishedAt = &now

	return nil
}
