package model

import (
	"encoding/json"
	"fmt"
)

// SpecType is the discriminator of the Spec union.
type SpecType string

const (
	SpecTypeTelemetry   SpecType = "telemetryQuery"
	SpecTypeTemplate    SpecType = "template"
	SpecTypeConstraints SpecType = "constraints"
)

// Spec describes what a policy measures. Implementations are
// *TelemetrySpec, *TemplateSpec and *ConstraintsSpec.
type Spec interface {
	Type() SpecType
	CloneSpec() Spec
}

// TelemetrySpec is a backend query with an optional comparison suffix and
// named threshold buckets.
type TelemetrySpec struct {
	Description string             `json:"description"`
	Expr        string             `json:"expr"`
	ViolatedIf  string             `json:"violatedIf,omitempty"`
	Thresholds  map[string]float64 `json:"thresholds,omitempty"`
}

// TemplateSpec references a catalog entry by name.
type TemplateSpec struct {
	Description  string `json:"description"`
	TemplateName string `json:"templateName"`
}

// ConstraintsSpec carries opaque constraints. It is not renderable.
type ConstraintsSpec struct {
	Description string            `json:"description"`
	Constraints map[string]string `json:"constraints"`
}

func (*TelemetrySpec) Type() SpecType   { return SpecTypeTelemetry }
func (*TemplateSpec) Type() SpecType    { return SpecTypeTemplate }
func (*ConstraintsSpec) Type() SpecType { return SpecTypeConstraints }

func (s *TelemetrySpec) CloneSpec() Spec {
	c := *s
	if s.Thresholds != nil {
		c.Thresholds = make(map[string]float64, len(s.Thresholds))
		for k, v := range s.Thresholds {
			c.Thresholds[k] = v
		}
	}
	return &c
}

func (s *TemplateSpec) CloneSpec() Spec {
	c := *s
	return &c
}

func (s *ConstraintsSpec) CloneSpec() Spec {
	c := *s
	c.Constraints = cloneStringMap(s.Constraints)
	return &c
}

// MarshalJSON adds the type discriminator.
func (s *TelemetrySpec) MarshalJSON() ([]byte, error) {
	type alias TelemetrySpec
	return json.Marshal(struct {
		Type SpecType `json:"type"`
		*alias
	}{SpecTypeTelemetry, (*alias)(s)})
}

// MarshalJSON adds the type discriminator.
func (s *TemplateSpec) MarshalJSON() ([]byte, error) {
	type alias TemplateSpec
	return json.Marshal(struct {
		Type SpecType `json:"type"`
		*alias
	}{SpecTypeTemplate, (*alias)(s)})
}

// MarshalJSON adds the type discriminator.
func (s *ConstraintsSpec) MarshalJSON() ([]byte, error) {
	type alias ConstraintsSpec
	return json.Marshal(struct {
		Type SpecType `json:"type"`
		*alias
	}{SpecTypeConstraints, (*alias)(s)})
}

// DecodeSpec decodes a JSON spec. Without an explicit type the variant is
// inferred from templateName, expr and constraints, in that order.
func DecodeSpec(data []byte) (Spec, error) {
	var probe struct {
		Type         SpecType        `json:"type"`
		TemplateName *string         `json:"templateName"`
		Expr         *string         `json:"expr"`
		Constraints  json.RawMessage `json:"constraints"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewValidationError("invalid spec", err)
	}

	t := probe.Type
	if t == "" {
		switch {
		case probe.TemplateName != nil:
			t = SpecTypeTemplate
		case probe.Expr != nil:
			t = SpecTypeTelemetry
		case probe.Constraints != nil:
			t = SpecTypeConstraints
		default:
			return nil, NewValidationError("cannot infer spec type", nil)
		}
	}

	switch t {
	case SpecTypeTelemetry:
		var s TelemetrySpec
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, NewValidationError("invalid telemetry spec", err)
		}
		if s.Expr == "" {
			return nil, NewValidationError("telemetry spec requires expr", nil)
		}
		return &s, nil
	case SpecTypeTemplate:
		var s TemplateSpec
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, NewValidationError("invalid template spec", err)
		}
		if s.TemplateName == "" {
			return nil, NewValidationError("template spec requires templateName", nil)
		}
		return &s, nil
	case SpecTypeConstraints:
		var s ConstraintsSpec
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, NewValidationError("invalid constraints spec", err)
		}
		return &s, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown spec type %q", t), nil)
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
