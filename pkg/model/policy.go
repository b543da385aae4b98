package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Phase is the lifecycle state of a policy.
type Phase string

const (
	PhaseEnforced Phase = "enforced"
	PhaseViolated Phase = "violated"
	PhaseInactive Phase = "inactive"
	PhaseUnknown  Phase = "unknown"
)

// IsActive reports whether the policy has a measurement backend registered.
func (p Phase) IsActive() bool {
	return p == PhaseEnforced || p == PhaseViolated
}

// Properties is a free-form map with a few recognized keys.
type Properties map[string]interface{}

// OneOff returns the "oneoff" property. A one-off policy is deactivated
// after its first violation.
func (p Properties) OneOff() bool {
	v, _ := p["oneoff"].(bool)
	return v
}

// Interval returns the "interval" property, used as rule group interval.
func (p Properties) Interval() string {
	return p.stringValue("interval")
}

// PendingInterval returns the "pendingInterval" property, used as the
// alerting rule "for" clause.
func (p Properties) PendingInterval() string {
	return p.stringValue("pendingInterval")
}

func (p Properties) stringValue(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// PolicyStatus holds the state managed by the lifecycle engine.
type PolicyStatus struct {
	RenderedSpec        Spec                              `json:"renderedSpec"`
	MeasurementBackends map[string]map[string]interface{} `json:"measurementBackends"`
	Events              []Event                           `json:"events"`
	Phase               Phase                             `json:"phase"`
}

// UnmarshalJSON decodes the rendered spec union.
func (s *PolicyStatus) UnmarshalJSON(data []byte) error {
	type alias PolicyStatus
	aux := struct {
		*alias
		RenderedSpec json.RawMessage `json:"renderedSpec"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.RenderedSpec = nil
	if len(aux.RenderedSpec) > 0 && string(aux.RenderedSpec) != "null" {
		spec, err := DecodeSpec(aux.RenderedSpec)
		if err != nil {
			return err
		}
		s.RenderedSpec = spec
	}
	if s.Phase == "" {
		s.Phase = PhaseUnknown
	}
	return nil
}

// PolicyCreate is the author-supplied part of a policy.
type PolicyCreate struct {
	Name       string                 `json:"name" validate:"required"`
	Subject    Subject                `json:"subject"`
	Spec       Spec                   `json:"spec"`
	Action     Action                 `json:"action"`
	Variables  map[string]interface{} `json:"variables"`
	Properties Properties             `json:"properties"`
}

// Policy is the aggregate root.
type Policy struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Subject    Subject                `json:"subject"`
	Spec       Spec                   `json:"spec"`
	Action     Action                 `json:"action"`
	Variables  map[string]interface{} `json:"variables"`
	Properties Properties             `json:"properties"`
	Status     PolicyStatus           `json:"status"`
}

type unionFields struct {
	Subject json.RawMessage `json:"subject"`
	Spec    json.RawMessage `json:"spec"`
	Action  json.RawMessage `json:"action"`
}

func (u unionFields) decode() (Subject, Spec, Action, error) {
	if len(u.Subject) == 0 || string(u.Subject) == "null" {
		return nil, nil, nil, NewValidationError("subject is required", nil)
	}
	if len(u.Spec) == 0 || string(u.Spec) == "null" {
		return nil, nil, nil, NewValidationError("spec is required", nil)
	}
	if len(u.Action) == 0 || string(u.Action) == "null" {
		return nil, nil, nil, NewValidationError("action is required", nil)
	}
	subject, err := DecodeSubject(u.Subject)
	if err != nil {
		return nil, nil, nil, err
	}
	spec, err := DecodeSpec(u.Spec)
	if err != nil {
		return nil, nil, nil, err
	}
	action, err := DecodeAction(u.Action)
	if err != nil {
		return nil, nil, nil, err
	}
	return subject, spec, action, nil
}

// UnmarshalJSON decodes the subject, spec and action unions.
func (p *PolicyCreate) UnmarshalJSON(data []byte) error {
	type alias PolicyCreate
	aux := struct {
		*alias
		Subject json.RawMessage `json:"subject"`
		Spec    json.RawMessage `json:"spec"`
		Action  json.RawMessage `json:"action"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return NewValidationError("invalid policy", err)
	}
	var err error
	p.Subject, p.Spec, p.Action, err = unionFields{aux.Subject, aux.Spec, aux.Action}.decode()
	return err
}

// UnmarshalJSON decodes the subject, spec and action unions.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type alias Policy
	aux := struct {
		*alias
		Subject json.RawMessage `json:"subject"`
		Spec    json.RawMessage `json:"spec"`
		Action  json.RawMessage `json:"action"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	p.Subject, p.Spec, p.Action, err = unionFields{aux.Subject, aux.Spec, aux.Action}.decode()
	if p.Status.Phase == "" {
		p.Status.Phase = PhaseUnknown
	}
	return err
}

var validate = validator.New()

// Validate checks the request before a policy is created.
func (p *PolicyCreate) Validate() error {
	if err := validate.Struct(p); err != nil {
		return NewValidationError("invalid policy", err)
	}
	if p.Subject == nil || p.Spec == nil || p.Action == nil {
		return NewValidationError("subject, spec and action are required", nil)
	}
	switch a := p.Action.(type) {
	case *WebhookAction:
		if err := validate.Struct(a); err != nil {
			return NewValidationError("invalid webhook action", err)
		}
	default:
		return NewValidationError(fmt.Sprintf("unsupported action type %q", p.Action.Type()), nil)
	}
	for name, value := range p.Variables {
		if !IsVariableValue(value) {
			return NewValidationError(fmt.Sprintf("variable %q must be a string or a number", name), nil)
		}
	}
	return nil
}

// IsVariableValue reports whether v is an accepted variable value.
func IsVariableValue(v interface{}) bool {
	switch v.(type) {
	case string, float64, float32, int, int64, int32:
		return true
	default:
		return false
	}
}

// NewPolicy builds an inactive policy with a fresh status from a request.
func NewPolicy(id string, req *PolicyCreate) *Policy {
	p := &Policy{
		ID:         id,
		Name:       req.Name,
		Subject:    req.Subject.CloneSubject(),
		Spec:       req.Spec.CloneSpec(),
		Action:     req.Action.CloneAction(),
		Variables:  cloneValues(req.Variables),
		Properties: Properties(cloneValues(req.Properties)),
		Status: PolicyStatus{
			MeasurementBackends: map[string]map[string]interface{}{},
			Events:              []Event{},
			Phase:               PhaseUnknown,
		},
	}
	if p.Variables == nil {
		p.Variables = map[string]interface{}{}
	}
	if p.Properties == nil {
		p.Properties = Properties{}
	}
	return p
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := &Policy{
		ID:         p.ID,
		Name:       p.Name,
		Variables:  cloneValues(p.Variables),
		Properties: Properties(cloneValues(p.Properties)),
		Status: PolicyStatus{
			Phase:               p.Status.Phase,
			MeasurementBackends: make(map[string]map[string]interface{}, len(p.Status.MeasurementBackends)),
			Events:              make([]Event, len(p.Status.Events)),
		},
	}
	if p.Subject != nil {
		c.Subject = p.Subject.CloneSubject()
	}
	if p.Spec != nil {
		c.Spec = p.Spec.CloneSpec()
	}
	if p.Action != nil {
		c.Action = p.Action.CloneAction()
	}
	if p.Status.RenderedSpec != nil {
		c.Status.RenderedSpec = p.Status.RenderedSpec.CloneSpec()
	}
	for name, blob := range p.Status.MeasurementBackends {
		c.Status.MeasurementBackends[name] = cloneValues(blob)
	}
	for i, e := range p.Status.Events {
		c.Status.Events[i] = e.Clone()
	}
	return c
}

// CreationTime is the timestamp of the first event, or the zero time for a
// policy without events.
func (p *Policy) CreationTime() time.Time {
	if len(p.Status.Events) == 0 {
		return time.Time{}
	}
	return p.Status.Events[0].Timestamp
}

// EventTypes lists the types of the recorded events in order.
func (p *Policy) EventTypes() []EventType {
	types := make([]EventType, len(p.Status.Events))
	for i, e := range p.Status.Events {
		types[i] = e.Type
	}
	return types
}

func cloneValues(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneValues(val)
	case map[string]string:
		return cloneStringMap(val)
	case []interface{}:
		c := make([]interface{}, len(val))
		for i, item := range val {
			c[i] = cloneValue(item)
		}
		return c
	default:
		return val
	}
}
