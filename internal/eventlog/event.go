package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Known event types.
const (
	TypeProjectInitialized = "project_initialized"
	TypeEdgeStarted        = "edge_started"
	TypeIterationCompleted = "iteration_completed"
	TypeEdgeConverged      = "edge_converged"
	TypeSpawnCreated       = "spawn_created"
	TypeSpawnFoldedBack    = "spawn_folded_back"
	TypeCommandError       = "command_error"
	TypeFeatureArchived    = "feature_archived"
)

// Reserved top-level keys. Data entries using these names are ignored when
// the event is encoded.
const (
	keyEventType = "event_type"
	keyTimestamp = "timestamp"
	keyProject   = "project"
	keyEventID   = "event_id"
)

// Event is one line of the log. Data keys are written at the top level of the
// JSON object next to the envelope fields.
type Event struct {
	EventType string
	Timestamp time.Time
	Project   string
	EventID   string
	Data      map[string]any
}

// MarshalJSON flattens the envelope and data into a single object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		out[k] = v
	}
	out[keyEventType] = e.EventType
	out[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out[keyProject] = e.Project
	if e.EventID != "" {
		out[keyEventID] = e.EventID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object back into envelope and data.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	eventType, _ := fields[keyEventType].(string)
	if eventType == "" {
		return fmt.Errorf("missing %s", keyEventType)
	}
	stamp, _ := fields[keyTimestamp].(string)
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", keyTimestamp, stamp, err)
	}
	project, _ := fields[keyProject].(string)
	eventID, _ := fields[keyEventID].(string)
	for _, key := range []string{keyEventType, keyTimestamp, keyProject, keyEventID} {
		delete(fields, key)
	}
	*e = Event{
		EventType: eventType,
		Timestamp: ts,
		Project:   project,
		EventID:   eventID,
		Data:      fields,
	}
	return nil
}

// String returns a data field as a string, or "" if absent.
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	value, _ := e.Data[key].(string)
	return value
}

// Int returns a numeric data field. Decoded JSON numbers arrive as float64;
// in-memory events may carry ints.
func (e Event) Int(key string) (int, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch typed := e.Data[key].(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	case json.Number:
		n, err := typed.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Strings returns a list-of-strings data field. Decoded JSON arrays arrive
// as []any; non-string elements are skipped.
func (e Event) Strings(key string) []string {
	if e.Data == nil {
		return nil
	}
	switch typed := e.Data[key].(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Bool returns a boolean data field.
func (e Event) Bool(key string) bool {
	if e.Data == nil {
		return false
	}
	value, _ := e.Data[key].(bool)
	return value
}

// Filter returns the events accepted by keep, in log order.
func Filter(events []Event, keep func(Event) bool) []Event {
	var out []Event
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
