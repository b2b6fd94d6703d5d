// Package errs defines the structured error type shared across the engine.
// Every engine-facing failure carries a taxonomy code, a human message and
// a detail map so it can be persisted on node executions and inspected by
// callers without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Validation errors.
const (
	CodeParamsError               = "params_error"
	CodeInvalidOutputPort         = "invalid_output_port"
	CodeInvalidActionReturnFormat = "invalid_action_return_format"
	CodeActionNotFound            = "action_not_found"
	CodeRegistryError             = "registry_error"
	CodeDuplicateIntegration      = "duplicate_integration"
	CodeDuplicateNodeKey          = "duplicate_node_key"
	CodeNoTrigger                 = "no_trigger"
	CodeMultipleTriggers          = "multiple_triggers"
	CodeDanglingConnection        = "dangling_connection"
	CodeUnknownPort               = "unknown_port"
)

// Action runtime errors.
const (
	CodeActionError           = "action_error"
	CodeActionExecutionFailed = "action_execution_failed"
	CodeActionExit            = "action_exit"
	CodeActionThrow           = "action_throw"
	CodeActionResumeFailed    = "action_resume_failed"
)

// Filter and template errors.
const (
	CodeFilterArgumentError = "filter_argument_error"
	CodeFilterDomainError   = "filter_domain_error"
)

// Webhook errors.
const (
	CodeInvalidResumeID        = "invalid_resume_id"
	CodeInvalidWebhookState    = "invalid_webhook_state"
	CodeInvalidStateTransition = "invalid_state_transition"
)

// Storage errors.
const (
	CodeNotFound     = "not_found"
	CodeDuplicate    = "duplicate"
	CodeAdapterError = "adapter_error"
)

// Error is the structured engine error.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]interface{}{}}
}

// Newf creates an Error with a formatted message.
func Newf(code, format string, a ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, a...))
}

// Wrap converts err into an Error with the given code, preserving the
// original message. An existing *Error passes through unchanged.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(code, err.Error())
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by taxonomy code so callers can compare against
// sentinel codes with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// ToMap renders the error as the plain map persisted on node executions.
func (e *Error) ToMap() map[string]interface{} {
	if e == nil {
		return nil
	}
	m := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// FromMap rebuilds an Error from its persisted map form.
func FromMap(m map[string]interface{}) *Error {
	if m == nil {
		return nil
	}
	e := &Error{Details: map[string]interface{}{}}
	if code, ok := m["code"].(string); ok {
		e.Code = code
	}
	if msg, ok := m["message"].(string); ok {
		e.Message = msg
	}
	if details, ok := m["details"].(map[string]interface{}); ok {
		e.Details = details
	}
	return e
}

// CodeOf extracts the taxonomy code from any error, defaulting to
// action_error for plain errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeActionError
}
