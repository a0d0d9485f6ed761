package planmodel

import "time"

// EventKind is the tagged-union discriminant for bus Events.
type EventKind string

const (
	EventTaskStarted       EventKind = "task_started"
	EventPlanReady         EventKind = "plan_ready"
	EventStepStarted       EventKind = "step_started"
	EventStepCompleted     EventKind = "step_completed"
	EventPlanAdapted       EventKind = "plan_adapted"
	EventTaskCompleted     EventKind = "task_completed"
	EventViolationDetected EventKind = "violation_detected"
	EventEmergencyStop     EventKind = "emergency_stop"
	EventDisplayReady      EventKind = "display_ready"
	EventDisplayLost       EventKind = "display_lost"
)

// Event is the value fanned out by the Event Bus. Payload is intentionally
// loose (map[string]any) so new event kinds never require touching the bus
// itself; each producer documents the keys it sets.
type Event struct {
	TS      time.Time      `json:"ts"`
	TaskID  string         `json:"task_id,omitempty"`
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps the current time and wraps the given kind/task/payload.
func NewEvent(kind EventKind, taskID string, payload map[string]any) Event {
	return Event{TS: time.Now(), TaskID: taskID, Kind: kind, Payload: payload}
}
