package models

import "time"

// LogLine is one log message emitted by a worker while executing a run.
// Timestamps keep microsecond resolution end to end.
type LogLine struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    *string   `json:"step_id,omitempty"`
	Level     string    `json:"level"`
	Source    string    `json:"source"` // e.g. "R/T" runtime, "JOB" user code
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
