package models

import (
	"encoding/json"
	"time"
)

// DataclipType describes where a dataclip came from, which also determines the
// payload shape returned on fetch:dataclip.
type DataclipType string

const (
	DataclipTypeHTTPRequest DataclipType = "http_request" // Webhook trigger body + request metadata
	DataclipTypeStepResult  DataclipType = "step_result"  // Output of a completed step
	DataclipTypeSavedInput  DataclipType = "saved_input"  // User-provided input for manual runs
	DataclipTypeGlobal      DataclipType = "global"
)

// Dataclip is an immutable JSON payload flowing between steps. Dataclips are
// shared across steps and runs via references; a wiped dataclip keeps its row
// but loses body and request permanently.
type Dataclip struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Type      DataclipType    `json:"type"`
	Body      json.RawMessage `json:"body,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"` // HTTP metadata for http_request clips
	WipedAt   *time.Time      `json:"wiped_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsWiped reports whether the payload has been erased.
func (d *Dataclip) IsWiped() bool {
	return d.WipedAt != nil
}

// WirePayload returns the payload handed to workers. Webhook request clips
// wrap body and request metadata; other types return the body only. Wiped
// clips yield an empty document rather than an error.
func (d *Dataclip) WirePayload() json.RawMessage {
	if d.IsWiped() {
		return json.RawMessage(`{}`)
	}

	if d.Type == DataclipTypeHTTPRequest {
		wrapped, err := json.Marshal(map[string]json.RawMessage{
			"data":    d.Body,
			"request": d.Request,
		})
		if err != nil {
			return json.RawMessage(`{}`)
		}

		return wrapped
	}

	return d.Body
}
