package flow

import "strings"

// Context is handed to a Handler for one step invocation. It exposes the host
// operations a step may use: unique id bookkeeping and result builders.
type Context struct {
	// FlowID identifies the flow.
	FlowID string
	// Domain is the integration handling the flow.
	Domain string
	// Version is the handler's flow version, recorded on created entries.
	Version int

	uniqueID    string
	hasUniqueID bool

	isConfigured func(domain, uniqueID string) bool
	inProgress   func(flowID, domain, uniqueID string) bool
}

// SetUniqueID assigns the unique id of the account being set up. It fails with
// an abort when another in-progress flow of the same domain already claimed the id.
func (fc *Context) SetUniqueID(uniqueID string) error {
	if fc.inProgress != nil && fc.inProgress(fc.FlowID, fc.Domain, uniqueID) {
		return &AbortError{Reason: ReasonAlreadyInProgress}
	}
	fc.uniqueID = uniqueID
	fc.hasUniqueID = true
	return nil
}

// UniqueID returns the unique id set by SetUniqueID.
func (fc *Context) UniqueID() (string, bool) {
	return fc.uniqueID, fc.hasUniqueID
}

// AbortIfUniqueIDConfigured aborts the flow when an entry with the current unique id exists.
func (fc *Context) AbortIfUniqueIDConfigured() error {
	if !fc.hasUniqueID || fc.isConfigured == nil {
		return nil
	}
	if fc.isConfigured(fc.Domain, fc.uniqueID) {
		return &AbortError{Reason: ReasonAlreadyConfigured}
	}
	return nil
}

// ShowForm builds a form result. A nil errors map is rendered as an empty one.
func (fc *Context) ShowForm(stepID string, schema Schema, errors map[string]string) *Result {
	if errors == nil {
		errors = map[string]string{}
	}
	return &Result{
		Type:    ResultTypeForm,
		FlowID:  fc.FlowID,
		Handler: fc.Domain,
		StepID:  stepID,
		Schema:  schema,
		Errors:  errors,
	}
}

// CreateEntry builds a create-entry result. The manager persists it.
func (fc *Context) CreateEntry(title string, data map[string]string) *Result {
	return &Result{
		Type:    ResultTypeCreateEntry,
		FlowID:  fc.FlowID,
		Handler: fc.Domain,
		Title:   title,
		Data:    data,
		Version: fc.Version,
	}
}

// Abort builds an abort result.
func (fc *Context) Abort(reason string) *Result {
	return &Result{
		Type:    ResultTypeAbort,
		FlowID:  fc.FlowID,
		Handler: fc.Domain,
		Reason:  strings.TrimSpace(reason),
	}
}
