// Package flow drives multi-step setup flows: it keeps in-progress flows, hands
// user input to registered step handlers and turns their results into forms,
// aborts or persisted config entries.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
)

// ResultType tells the caller what to do next.
type ResultType string

const (
	// ResultTypeForm asks the caller to render a form and submit it back.
	ResultTypeForm ResultType = "form"
	// ResultTypeCreateEntry reports that an entry was created; the flow is finished.
	ResultTypeCreateEntry ResultType = "create_entry"
	// ResultTypeAbort reports that the flow ended without an entry.
	ResultTypeAbort ResultType = "abort"
)

// FieldType is the rendering hint of a form field.
type FieldType string

const (
	// FieldTypeString renders a plain text input.
	FieldTypeString FieldType = "string"
	// FieldTypePassword renders a masked text input.
	FieldTypePassword FieldType = "password"
)

// Field is one form input.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	// Default pre-fills the input, e.g. with the value rejected by the previous attempt.
	Default string `json:"default,omitempty"`
}

// Schema is the ordered list of form fields.
type Schema []Field

// RequiredFields returns the names of the required fields.
func (s Schema) RequiredFields() []string {
	var names []string
	for _, f := range s {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Result is returned by every step.
type Result struct {
	Type    ResultType `json:"type"`
	FlowID  string     `json:"flow_id"`
	Handler string     `json:"handler"`

	StepID string            `json:"step_id,omitempty"`
	Schema Schema            `json:"data_schema,omitempty"`
	Errors map[string]string `json:"errors"`

	Title   string            `json:"title,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Version int               `json:"version,omitempty"`
	Entry   *entry.Entry      `json:"result,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Abort reasons used by the flow manager.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonAlreadyInProgress = "already_in_progress"
)

var (
	// ErrUnknownFlow is returned for a flow id that is not in progress.
	ErrUnknownFlow = errors.New("flow: unknown flow")
	// ErrUnknownHandler is returned when no handler is registered for a domain.
	ErrUnknownHandler = errors.New("flow: unknown handler")
	// ErrMissingInput is returned when a submission leaves a required field empty.
	// The flow stays at its current step.
	ErrMissingInput = errors.New("flow: missing required input")
)

// AbortError ends a flow with an abort result. Handlers return it (usually via
// Context helpers) instead of building the abort result themselves.
type AbortError struct {
	Reason string
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("flow aborted: %s", e.Reason)
}

// Handler implements the steps of one integration's setup flow.
type Handler interface {
	// Step handles stepID. input is nil when the step is shown for the first time.
	Step(ctx context.Context, fc *Context, stepID string, input map[string]string) (*Result, error)
}

// HandlerFactory creates a handler for one step invocation.
type HandlerFactory func() Handler
