package protocol

import "encoding/json"

// Older worker builds speak the "attempt" protocol: the run was called an
// attempt and a step was called a run. This adapter translates legacy frames
// into canonical ones at the channel boundary so handler logic exists once.
// Replies always use the new field names (step_id) regardless of what the
// request used.
var legacyEvents = map[string]string{
	"fetch:attempt":    EventFetchRun,
	"attempt:start":    EventRunStart,
	"attempt:complete": EventRunComplete,
	"run:start":        EventStepStart,
	"run:complete":     EventStepComplete,
}

// TranslateLegacy rewrites a legacy frame into its canonical form. Frames
// that are not legacy aliases pass through unchanged.
func TranslateLegacy(frame Frame) Frame {
	canonical, ok := legacyEvents[frame.Event]
	if !ok {
		return frame
	}

	translated := frame
	translated.Event = canonical

	switch canonical {
	case EventStepStart, EventStepComplete:
		translated.Payload = renameLegacyStepFields(frame.Payload)
	}

	return translated
}

// renameLegacyStepFields maps the old step payload keys onto the new ones:
// run_id -> step_id, attempt_id dropped (implied by the channel topic). A
// payload that already uses step_id is left alone.
func renameLegacyStepFields(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}

	if _, ok := fields["step_id"]; !ok {
		if id, ok := fields["run_id"]; ok {
			fields["step_id"] = id
			delete(fields, "run_id")
		}
	}

	delete(fields, "attempt_id")

	rewritten, err := json.Marshal(fields)
	if err != nil {
		return payload
	}

	return rewritten
}
