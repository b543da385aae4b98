package model

import (
	"encoding/json"
	"time"
)

// EventType is the type of a lifecycle event.
type EventType string

const (
	EventActivated      EventType = "activated"
	EventDeactivated    EventType = "deactivated"
	EventViolated       EventType = "violated"
	EventResolved       EventType = "resolved"
	EventCreated        EventType = "created"
	EventDeleted        EventType = "deleted"
	EventRendered       EventType = "rendered"
	EventRenderingError EventType = "renderingError"
	EventVariableSet    EventType = "variableSet"
)

// Event is an immutable entry of the policy event log.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	return Event{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Details:   cloneValues(e.Details),
	}
}

// now is replaceable in tests.
var now = func() time.Time { return time.Now().UTC() }

func newEvent(t EventType, details map[string]interface{}) Event {
	if details == nil {
		details = map[string]interface{}{}
	}
	return Event{Type: t, Timestamp: now(), Details: details}
}

func NewCreatedEvent() Event     { return newEvent(EventCreated, nil) }
func NewActivatedEvent() Event   { return newEvent(EventActivated, nil) }
func NewDeactivatedEvent() Event { return newEvent(EventDeactivated, nil) }
func NewResolvedEvent() Event    { return newEvent(EventResolved, nil) }
func NewDeletedEvent() Event     { return newEvent(EventDeleted, nil) }

// NewRenderedEvent records the rendered spec as its JSON document.
func NewRenderedEvent(rendered Spec) Event {
	return newEvent(EventRendered, map[string]interface{}{
		"renderedSpec": specString(rendered),
	})
}

// NewRenderingErrorEvent records the spec that failed to render and why.
func NewRenderingErrorEvent(spec Spec, err error) Event {
	return newEvent(EventRenderingError, map[string]interface{}{
		"spec":  specString(spec),
		"error": err.Error(),
	})
}

// NewVariableSetEvent records a variable mutation. A nil value means unset.
func NewVariableSetEvent(name string, previous, value interface{}) Event {
	return newEvent(EventVariableSet, map[string]interface{}{
		"name":          name,
		"previousValue": previous,
		"newValue":      value,
	})
}

// NewViolatedEvent records the structured violation.
func NewViolatedEvent(v *Violation) Event {
	labels := make(map[string]interface{}, len(v.ExtraLabels))
	for k, val := range v.ExtraLabels {
		labels[k] = val
	}
	details := map[string]interface{}{
		"id":           v.ID,
		"currentValue": v.CurrentValue,
		"threshold":    nil,
		"extraLabels":  labels,
	}
	if v.Threshold != nil {
		details["threshold"] = *v.Threshold
	}
	return newEvent(EventViolated, details)
}

func specString(s Spec) string {
	if s == nil {
		return ""
	}
	data, err := json.Marshal(s)
	if err != nil {
		return string(s.Type())
	}
	return string(data)
}
