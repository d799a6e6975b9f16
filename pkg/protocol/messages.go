package protocol

import (
	"encoding/json"

	"github.com/spooldev/spool/pkg/models"
)

// Canonical event names. Workers send frames {ref, event, payload} and receive
// {ref, status, response} replies.
const (
	EventJoin            = "join"
	EventClaim           = "claim"
	EventFetchRun        = "fetch:run"
	EventFetchDataclip   = "fetch:dataclip"
	EventFetchCredential = "fetch:credential"
	EventRunStart        = "run:start"
	EventRunComplete     = "run:complete"
	EventStepStart       = "step:start"
	EventStepComplete    = "step:complete"
	EventLog             = "log"

	// Server-pushed event asking a connected worker to stop a cancelled run.
	EventRunCancelled = "run:cancelled"
)

// Frame is one message on a worker channel.
type Frame struct {
	Ref     string          `json:"ref"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the response to a frame.
type Reply struct {
	Ref      string `json:"ref"`
	Event    string `json:"event,omitempty"`
	Status   string `json:"status"` // "ok" or "error"
	Response any    `json:"response,omitempty"`
}

func OkReply(ref string, response any) Reply {
	return Reply{Ref: ref, Status: "ok", Response: response}
}

func ErrorReply(ref string, err error) Reply {
	return Reply{Ref: ref, Status: "error", Response: ErrorResponse(err)}
}

// JoinRequest authenticates a channel. Run channels require a run token
// scoped to the run id in the channel path; the claim channel requires a
// worker token.
type JoinRequest struct {
	Token string `json:"token" validate:"required"`
}

// ClaimRequest asks for up to Demand available runs.
type ClaimRequest struct {
	Demand int `json:"demand" validate:"omitempty,min=1,max=50"`
}

// ClaimedRun is one claim result: the run id plus a freshly issued run token
// the worker must present when joining the run channel.
type ClaimedRun struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type ClaimReply struct {
	Runs []ClaimedRun `json:"runs"`
}

// RunSpec is the fetch:run reply: everything a worker needs to execute the
// run.
type RunSpec struct {
	ID              string            `json:"id"`
	Triggers        []RunSpecTrigger  `json:"triggers"`
	Jobs            []RunSpecJob      `json:"jobs"`
	Edges           []RunSpecEdge     `json:"edges"`
	StartingNodeID  string            `json:"starting_node_id"`
	DataclipID      *string           `json:"dataclip_id,omitempty"`
	Options         models.RunOptions `json:"options"`
}

type RunSpecTrigger struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type RunSpecJob struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Body         string  `json:"body"`
	Adaptor      string  `json:"adaptor"`
	CredentialID *string `json:"credential_id,omitempty"`
}

type RunSpecEdge struct {
	ID              string  `json:"id"`
	SourceTriggerID *string `json:"source_trigger_id,omitempty"`
	SourceJobID     *string `json:"source_job_id,omitempty"`
	Condition       string  `json:"condition,omitempty"`
	TargetJobID     string  `json:"target_job_id"`
}

// FetchCredentialRequest resolves one credential for the run's project.
type FetchCredentialRequest struct {
	ID string `json:"id" validate:"required"`
}

// StepStartRequest reports that a worker began executing a job. The step id is
// minted by the worker so retries and log lines can reference it immediately.
type StepStartRequest struct {
	StepID          string  `json:"step_id"           validate:"required"`
	JobID           string  `json:"job_id"            validate:"required"`
	InputDataclipID *string `json:"input_dataclip_id"`
	CredentialID    *string `json:"credential_id"`
}

type StepStartReply struct {
	StepID string `json:"step_id"`
}

// StepCompleteRequest finalizes a step with its outcome and optional output
// payload. Whether the payload is persisted is a retention policy decision,
// not the worker's.
type StepCompleteRequest struct {
	StepID           string          `json:"step_id"            validate:"required"`
	OutputDataclipID *string         `json:"output_dataclip_id"`
	OutputDataclip   json.RawMessage `json:"output_dataclip,omitempty"`
	Reason           string          `json:"reason"             validate:"required"`
	ErrorType        *string         `json:"error_type"`
	ErrorMessage     *string         `json:"error_message"`
}

type StepCompleteReply struct {
	StepID string `json:"step_id"`
}

// RunCompleteRequest finalizes the run.
type RunCompleteRequest struct {
	Reason       string  `json:"reason" validate:"required"`
	ErrorType    *string `json:"error_type"`
	ErrorMessage *string `json:"error_message"`
}

// LogRequest carries one worker log line.
type LogRequest struct {
	Timestamp Timestamp `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	StepID    *string   `json:"step_id"`
	Message   string    `json:"message"   validate:"required"`
}
