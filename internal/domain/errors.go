package domain

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a workflow error per the DSL error taxonomy.
type ErrorKind string

const (
	ErrorKindConfiguration  ErrorKind = "configuration"
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindExpression     ErrorKind = "expression"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindAuthorization  ErrorKind = "authorization"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindCommunication  ErrorKind = "communication"
	ErrorKindRuntime        ErrorKind = "runtime"
)

// ErrorTypePrefix is the base URI for engine-synthesized error types.
const ErrorTypePrefix = "https://serverlessworkflow.io/spec/1.0.0/errors/"

// kindStatus maps each kind to its default HTTP-style status.
var kindStatus = map[ErrorKind]int{
	ErrorKindConfiguration:  400,
	ErrorKindValidation:     400,
	ErrorKindExpression:     400,
	ErrorKindAuthentication: 401,
	ErrorKindAuthorization:  403,
	ErrorKindTimeout:        408,
	ErrorKindCommunication:  500,
	ErrorKindRuntime:        500,
}

// KnownErrorKind reports whether kind is part of the taxonomy.
func KnownErrorKind(kind ErrorKind) bool {
	_, ok := kindStatus[kind]
	return ok
}

// DefaultStatus returns the default status for a kind, or 500 when unknown.
func DefaultStatus(kind ErrorKind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return 500
}

// ErrorTypeURI returns the canonical type URI for a kind.
func ErrorTypeURI(kind ErrorKind) string {
	return ErrorTypePrefix + string(kind)
}

// WorkflowError is a fault raised by workflow execution. It is part of the
// data plane: Try/Catch can intercept it, Raise can synthesize it, and a
// terminal failure serializes it into the run record. Engine infrastructure
// faults (store down, broker down) are plain errors and never take this form.
type WorkflowError struct {
	Type     string `json:"type"`
	Status   int    `json:"status"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Cause    string `json:"cause,omitempty"`

	wrapped error
}

// NewWorkflowError builds an error of the given kind with the canonical type
// URI and default status. Instance is the node position the error originates
// from.
func NewWorkflowError(kind ErrorKind, instance, format string, args ...any) *WorkflowError {
	return &WorkflowError{
		Type:     ErrorTypeURI(kind),
		Status:   DefaultStatus(kind),
		Title:    strings.ToUpper(string(kind)[:1]) + string(kind)[1:] + " error",
		Detail:   fmt.Sprintf(format, args...),
		Instance: instance,
	}
}

// WrapError builds a workflow error whose cause is an underlying Go error.
func WrapError(kind ErrorKind, instance string, err error, format string, args ...any) *WorkflowError {
	we := NewWorkflowError(kind, instance, format, args...)
	we.Cause = err.Error()
	we.wrapped = err
	return we
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind()))
	fmt.Fprintf(&b, " (%d)", e.Status)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Instance != "" {
		fmt.Fprintf(&b, " at %q", e.Instance)
	}
	return b.String()
}

func (e *WorkflowError) Unwrap() error { return e.wrapped }

// Kind derives the taxonomy kind from the type. Raise may set a bare kind
// ("runtime") while engine errors carry the full URI; both resolve the same.
func (e *WorkflowError) Kind() ErrorKind {
	t := e.Type
	if i := strings.LastIndex(t, "/"); i >= 0 {
		t = t[i+1:]
	}
	return ErrorKind(strings.ToLower(t))
}

// WithInstance returns a copy with instance set when it was empty. Errors keep
// the position they were raised at even as they bubble through ancestors.
func (e *WorkflowError) WithInstance(instance string) *WorkflowError {
	if e.Instance != "" {
		return e
	}
	c := *e
	c.Instance = instance
	return &c
}

// ErrorFilter selects workflow errors by field equality. Zero-valued fields
// match anything. Type matches on the full URI or on the bare kind.
type ErrorFilter struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Status   int    `json:"status,omitempty" yaml:"status,omitempty"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// Matches reports whether err satisfies every set field of the filter.
func (f ErrorFilter) Matches(err *WorkflowError) bool {
	if err == nil {
		return false
	}
	if f.Type != "" && f.Type != err.Type {
		ft := f.Type
		if i := strings.LastIndex(ft, "/"); i >= 0 {
			ft = ft[i+1:]
		}
		if ErrorKind(strings.ToLower(ft)) != err.Kind() {
			return false
		}
	}
	if f.Status != 0 && f.Status != err.Status {
		return false
	}
	if f.Title != "" && f.Title != err.Title {
		return false
	}
	if f.Detail != "" && f.Detail != err.Detail {
		return false
	}
	if f.Instance != "" && f.Instance != err.Instance {
		return false
	}
	return true
}
