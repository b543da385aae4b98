package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a polman error so that callers can decide how to
// surface it (for example the HTTP status returned by the API).
type ErrorKind string

const (
	// ErrorKindNotFound indicates that a policy does not exist.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindVariableNotFound indicates that a variable to delete is not set.
	ErrorKindVariableNotFound ErrorKind = "variable_not_found"

	// ErrorKindRendering indicates that the policy spec could not be rendered.
	ErrorKindRendering ErrorKind = "rendering"

	// ErrorKindRenderingTest indicates that a proposed variable change would
	// break rendering. Nothing has been modified when it is returned.
	ErrorKindRenderingTest ErrorKind = "rendering_test"

	// ErrorKindTemplateNotFound indicates a reference to an unknown template.
	ErrorKindTemplateNotFound ErrorKind = "template_not_found"

	// ErrorKindBackend indicates a failed call to the rule management API.
	ErrorKindBackend ErrorKind = "backend"

	// ErrorKindURLMismatch indicates that a policy was registered against a
	// different measurement backend URL than the configured one.
	ErrorKindURLMismatch ErrorKind = "url_mismatch"

	// ErrorKindCannotBeWatched indicates that the rendered spec is not measurable.
	ErrorKindCannotBeWatched ErrorKind = "cannot_be_watched"

	// ErrorKindInvalidTransition indicates a phase transition that the
	// lifecycle does not allow.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindValidation indicates a malformed request.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindAdmission indicates that an admission rule denied the policy.
	ErrorKindAdmission ErrorKind = "admission"

	// ErrorKindInternal is the catch-all for unexpected faults.
	ErrorKindInternal ErrorKind = "internal"
)

// PolmanError is a classified error with policy context.
type PolmanError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// PolicyID is the policy the error refers to, if any.
	PolicyID string `json:"policyId,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound          = &PolmanError{Kind: ErrorKindNotFound}
	ErrVariableNotFound  = &PolmanError{Kind: ErrorKindVariableNotFound}
	ErrRendering         = &PolmanError{Kind: ErrorKindRendering}
	ErrRenderingTest     = &PolmanError{Kind: ErrorKindRenderingTest}
	ErrTemplateNotFound  = &PolmanError{Kind: ErrorKindTemplateNotFound}
	ErrBackend           = &PolmanError{Kind: ErrorKindBackend}
	ErrURLMismatch       = &PolmanError{Kind: ErrorKindURLMismatch}
	ErrCannotBeWatched   = &PolmanError{Kind: ErrorKindCannotBeWatched}
	ErrInvalidTransition = &PolmanError{Kind: ErrorKindInvalidTransition}
	ErrValidation        = &PolmanError{Kind: ErrorKindValidation}
	ErrAdmission         = &PolmanError{Kind: ErrorKindAdmission}
)

// Error implements the error interface.
func (e *PolmanError) Error() string {
	msg := e.Message
	if e.PolicyID != "" {
		msg = fmt.Sprintf("%s (policy=%s)", msg, e.PolicyID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PolmanError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a PolmanError of the same kind.
func (e *PolmanError) Is(target error) bool {
	t, ok := target.(*PolmanError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, message string, err error) *PolmanError {
	return &PolmanError{Kind: kind, Message: message, Err: err}
}

// NewNotFoundError creates an error for a missing policy.
func NewNotFoundError(policyID string) *PolmanError {
	return newError(ErrorKindNotFound, "policy not found", nil).WithPolicy(policyID)
}

// NewVariableNotFoundError creates an error for a variable that is not set.
func NewVariableNotFoundError(policyID, name string) *PolmanError {
	return newError(ErrorKindVariableNotFound, fmt.Sprintf("variable %q is not set", name), nil).
		WithPolicy(policyID).
		WithDetail("variable", name)
}

// NewRenderingError creates a rendering error.
func NewRenderingError(message string, err error) *PolmanError {
	return newError(ErrorKindRendering, message, err)
}

// NewRenderingTestError creates an error for a variable change that would
// break rendering.
func NewRenderingTestError(message string, err error) *PolmanError {
	return newError(ErrorKindRenderingTest, message, err)
}

// NewTemplateNotFoundError creates an error for an unknown template name.
func NewTemplateNotFoundError(name string) *PolmanError {
	return newError(ErrorKindTemplateNotFound, fmt.Sprintf("template %q not found", name), nil).
		WithDetail("template", name)
}

// NewBackendError creates a measurement backend error.
func NewBackendError(message string, err error) *PolmanError {
	return newError(ErrorKindBackend, message, err)
}

// NewURLMismatchError creates an error for a backend URL mismatch.
func NewURLMismatchError(policyID, registered, configured string) *PolmanError {
	return newError(ErrorKindURLMismatch, "measurement backend url mismatch", nil).
		WithPolicy(policyID).
		WithDetail("registered", registered).
		WithDetail("configured", configured)
}

// NewCannotBeWatchedError creates an error for an unmeasurable spec.
func NewCannotBeWatchedError(policyID string, specType SpecType) *PolmanError {
	return newError(ErrorKindCannotBeWatched, fmt.Sprintf("policies with spec %q cannot be watched", specType), nil).
		WithPolicy(policyID)
}

// NewInvalidTransitionError creates an error for a forbidden phase change.
func NewInvalidTransitionError(policyID string, from Phase, operation string) *PolmanError {
	return newError(ErrorKindInvalidTransition, fmt.Sprintf("cannot %s a policy in phase %q", operation, from), nil).
		WithPolicy(policyID).
		WithOperation(operation)
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *PolmanError {
	return newError(ErrorKindValidation, message, err)
}

// NewAdmissionError creates an error for a policy denied by admission rules.
func NewAdmissionError(reasons []string) *PolmanError {
	return newError(ErrorKindAdmission, "policy denied by admission rules", nil).
		WithDetail("reasons", reasons)
}

// NewInternalError creates a generic internal error.
func NewInternalError(message string, err error) *PolmanError {
	return newError(ErrorKindInternal, message, err)
}

// WithPolicy adds policy context to an error.
func (e *PolmanError) WithPolicy(policyID string) *PolmanError {
	e.PolicyID = policyID
	return e
}

// WithOperation adds operation context to an error.
func (e *PolmanError) WithOperation(operation string) *PolmanError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *PolmanError) WithDetail(key string, value interface{}) *PolmanError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of a polman error, or ErrorKindInternal for any
// other error.
func KindOf(err error) ErrorKind {
	var e *PolmanError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInternal
}

// IsNotFound returns true if the error reports a missing policy.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRendering returns true for rendering, test rendering and template lookup
// failures.
func IsRendering(err error) bool {
	return errors.Is(err, ErrRendering) || errors.Is(err, ErrRenderingTest) || errors.Is(err, ErrTemplateNotFound)
}

// IsBackend returns true if the error comes from the rule management API.
func IsBackend(err error) bool {
	return errors.Is(err, ErrBackend)
}
