package admission

import (
	"time"
)

// Severity is the severity of a denial.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block creation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks creation.
	SeverityError Severity = "error"

	// SeverityCritical blocks creation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a denial of this severity rejects the policy.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Rule is an admission rule written in Rego. Its package must define a
// "deny" set whose members are either strings or objects with "message"
// and optionally "severity".
type Rule struct {
	// Name is the unique name of the rule.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module.
	Rego string `json:"rego"`

	// Severity is the default severity of its denials.
	Severity Severity `json:"severity"`

	// Enabled indicates if the rule is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the rules shipped with polman.
	Builtin bool `json:"builtin,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the rule was loaded from.
	Source string `json:"source,omitempty"`
}

// Denial is one member of a rule's deny set.
type Denial struct {
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled rule.
type Result struct {
	// Allowed is false when at least one blocking denial was produced.
	Allowed bool `json:"allowed"`

	// Denials are the blocking denials.
	Denials []Denial `json:"denials,omitempty"`

	// Warnings are the non blocking denials.
	Warnings []Denial `json:"warnings,omitempty"`

	// Errors lists rules that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedRules []string      `json:"evaluatedRules"`
	EvaluatedAt    time.Time     `json:"evaluatedAt"`
	Duration       time.Duration `json:"duration"`
}

// Messages returns the messages of the blocking denials.
func (r *Result) Messages() []string {
	out := make([]string, len(r.Denials))
	for i, d := range r.Denials {
		out[i] = d.Rule + ": " + d.Message
	}
	return out
}

// Input is the document rules are evaluated against.
type Input struct {
	// Policy is the creation request as its JSON document, with subject,
	// spec and action carrying their "type" discriminator.
	Policy map[string]interface{} `json:"policy"`

	Context *Context `json:"context"`
}

// Context describes the evaluation.
type Context struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}
