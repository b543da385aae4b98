// Package violation turns a firing alert into a structured violation.
package violation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

// Operator is the comparison direction of a telemetry spec.
type Operator int

const (
	OperatorNone Operator = iota
	OperatorGreater
	OperatorLess
)

// OperatorOf returns the direction of the first '>' or '<' in s. Label
// values are not skipped: a '<' inside a matcher before the comparison
// selects OperatorLess.
func OperatorOf(s string) Operator {
	i := strings.IndexAny(s, "><")
	if i < 0 {
		return OperatorNone
	}
	if s[i] == '>' {
		return OperatorGreater
	}
	return OperatorLess
}

// Threshold classifies value against the named thresholds of a rendered
// spec. It returns nil when the spec has no thresholds or no comparison
// operator can be found, and model.OutOfRangeThreshold when value is past
// none of them.
func Threshold(spec *model.TelemetrySpec, value float64) (*string, error) {
	if spec == nil || len(spec.Thresholds) == 0 {
		return nil, nil
	}

	op := OperatorNone
	if spec.ViolatedIf != "" {
		op = OperatorOf(spec.ViolatedIf)
	}
	if op == OperatorNone {
		op = OperatorOf(spec.Expr)
	}
	if op == OperatorNone {
		return nil, fmt.Errorf("cannot determine the compare operator of %q", spec.Expr)
	}

	type bucket struct {
		name  string
		value float64
	}
	buckets := make([]bucket, 0, len(spec.Thresholds))
	for name, v := range spec.Thresholds {
		buckets = append(buckets, bucket{name, v})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].value == buckets[j].value {
			return buckets[i].name < buckets[j].name
		}
		if op == OperatorGreater {
			return buckets[i].value > buckets[j].value
		}
		return buckets[i].value < buckets[j].value
	})

	for _, b := range buckets {
		if (op == OperatorGreater && value >= b.value) || (op == OperatorLess && value <= b.value) {
			name := b.name
			return &name, nil
		}
	}
	name := model.OutOfRangeThreshold
	return &name, nil
}

// SubjectFromLabels rebuilds a subject of the same variant as template from
// alert labels. Consumed labels are removed from labels.
func SubjectFromLabels(template model.Subject, labels map[string]string) (model.Subject, error) {
	want := template.Fields()
	fields := make(map[string]string, len(want))
	names := make([]string, 0, len(want))
	for field := range want {
		names = append(names, field)
	}
	sort.Strings(names)

	for _, field := range names {
		label := model.LabelName(field)
		v, ok := labels[label]
		if !ok {
			return nil, fmt.Errorf("label %s is missing from the alert: every label mapped to a subject field is required, keep it in the query", label)
		}
		fields[field] = v
	}

	subject, err := model.NewSubject(template.Type(), fields)
	if err != nil {
		return nil, err
	}
	for _, field := range names {
		delete(labels, model.LabelName(field))
	}
	return subject, nil
}

// Builder builds violations for firing alerts.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder creates a violation builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger.With().Str("component", "violation").Logger()}
}

// Build assembles the violation for a firing alert of policy p. labels must
// already be stripped of the alert name and polman annotations; it is not
// modified.
func (b *Builder) Build(backend string, value float64, labels map[string]string, p *model.Policy) (*model.Violation, error) {
	spec, _ := p.Status.RenderedSpec.(*model.TelemetrySpec)
	threshold, err := Threshold(spec, value)
	if err != nil {
		b.logger.Warn().Err(err).Str("policy_id", p.ID).Msg("Violation has no threshold")
		threshold = nil
	}

	extra := make(map[string]string, len(labels))
	for k, v := range labels {
		extra[k] = v
	}
	subject, err := SubjectFromLabels(p.Subject, extra)
	if err != nil {
		return nil, fmt.Errorf("failed to build subject of policy %s: %w", p.ID, err)
	}

	return &model.Violation{
		ID:                 uuid.New().String(),
		CurrentValue:       strconv.FormatFloat(value, 'f', -1, 64),
		Threshold:          threshold,
		PolicyName:         p.Name,
		PolicyID:           p.ID,
		MeasurementBackend: backend,
		ExtraLabels:        extra,
		Subject:            subject,
	}, nil
}
