package models

import "time"

// Workflow is the read-only job/edge/trigger graph supplied by the editor
// subsystem. The orchestrator only streams it to workers; authoring and
// design-time validation happen elsewhere.
type Workflow struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Triggers  []*Trigger `json:"triggers"`
	Jobs      []*Job     `json:"jobs"`
	Edges     []*Edge    `json:"edges"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TriggerType identifies what fires a trigger.
type TriggerType string

const (
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeCron    TriggerType = "cron"
)

// Trigger is an entry point into a workflow.
type Trigger struct {
	ID      string      `json:"id"`
	Type    TriggerType `json:"type"`
	Enabled bool        `json:"enabled"`
}

// Job is one executable node in the workflow graph.
type Job struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Body         string  `json:"body"`    // Job expression handed to the worker
	Adaptor      string  `json:"adaptor"` // e.g. "@openfn/language-http@latest"
	CredentialID *string `json:"credential_id,omitempty"`
}

// Edge connects a trigger or job to a downstream job, optionally gated on the
// upstream outcome.
type Edge struct {
	ID              string  `json:"id"`
	SourceTriggerID *string `json:"source_trigger_id,omitempty"`
	SourceJobID     *string `json:"source_job_id,omitempty"`
	Condition       string  `json:"condition,omitempty"` // e.g. "on_job_success", "always"
	TargetJobID     string  `json:"target_job_id"`
	Enabled         bool    `json:"enabled"`
}

// JobByID returns the job with the given id, or nil.
func (w *Workflow) JobByID(id string) *Job {
	for _, job := range w.Jobs {
		if job.ID == id {
			return job
		}
	}

	return nil
}

// TriggerByID returns the trigger with the given id, or nil.
func (w *Workflow) TriggerByID(id string) *Trigger {
	for _, trigger := range w.Triggers {
		if trigger.ID == id {
			return trigger
		}
	}

	return nil
}
