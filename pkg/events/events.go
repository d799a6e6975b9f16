// Package events defines the lifecycle notifications published while runs
// move through their state machine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spooldev/spool/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "spool.events"              // Run and work order lifecycle events
const LogTopic = "spool.logs"             // Worker log lines fanned out to live viewers
const EventMetadataKey = "key"            // Partition key metadata
const EventTypeMetadataKey = "event_type" // Concrete event type metadata

const (
	RunStatusChangedEvent       EventType = "run.status.changed"
	StepStatusChangedEvent      EventType = "step.status.changed"
	WorkOrderStatusChangedEvent EventType = "workorder.status.changed"
	RunLogAppendedEvent         EventType = "run.log.appended"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunStatusChanged is published on every run transition, including the
// implicit claimed transition made by the queue.
type RunStatusChanged struct {
	BaseEvent

	RunID        string          `json:"run_id"`
	WorkOrderID  string          `json:"work_order_id"`
	State        models.RunState `json:"state"`
	ExitReason   *string         `json:"exit_reason,omitempty"`
	ErrorType    *string         `json:"error_type,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

func (e RunStatusChanged) GetType() EventType {
	return RunStatusChangedEvent
}

func (e RunStatusChanged) PartitionKey() string {
	return e.RunID
}

type StepStatusChanged struct {
	BaseEvent

	StepID     string  `json:"step_id"`
	RunID      string  `json:"run_id"`
	JobID      string  `json:"job_id"`
	ExitReason *string `json:"exit_reason,omitempty"`
	Finished   bool    `json:"finished"`
}

func (e StepStatusChanged) GetType() EventType {
	return StepStatusChangedEvent
}

// Steps partition by run, not step, so a run's step events stay in order
// relative to each other and to the run transitions.
func (e StepStatusChanged) PartitionKey() string {
	return e.RunID
}

type WorkOrderStatusChanged struct {
	BaseEvent

	WorkOrderID string                `json:"work_order_id"`
	WorkflowID  string                `json:"workflow_id"`
	State       models.WorkOrderState `json:"state"`
}

func (e WorkOrderStatusChanged) GetType() EventType {
	return WorkOrderStatusChangedEvent
}

func (e WorkOrderStatusChanged) PartitionKey() string {
	return e.WorkOrderID
}

// RunLogAppended carries a single worker log line for live tailing. The line
// is already persisted before this event is published.
type RunLogAppended struct {
	BaseEvent

	RunID    string    `json:"run_id"`
	StepID   *string   `json:"step_id,omitempty"`
	Level    string    `json:"level"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
	LoggedAt time.Time `json:"logged_at"`
}

func (e RunLogAppended) GetType() EventType {
	return RunLogAppendedEvent
}

func (e RunLogAppended) PartitionKey() string {
	return e.RunID
}

func NewBaseEvent(eventType EventType, projectID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Metadata:  make(map[string]any),
	}
}
