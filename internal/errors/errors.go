// Package errors provides coded application errors shared across the
// approvals service. Codes are stable identifiers consumed by the HTTP
// layer for status mapping and by callers for programmatic matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"

	// Approval engine failure modes. Each is a distinct, recoverable
	// condition surfaced verbatim to the calling layer.
	ErrCodeNoActiveWorkflow       Code = "NO_ACTIVE_WORKFLOW"
	ErrCodeInvalidRuleDefinition  Code = "INVALID_RULE_DEFINITION"
	ErrCodeEmptyApproverSet       Code = "EMPTY_APPROVER_SET"
	ErrCodeNotEligibleApprover    Code = "NOT_ELIGIBLE_APPROVER"
	ErrCodeInstanceNotActionable  Code = "INSTANCE_NOT_ACTIONABLE"
	ErrCodeMissingRequiredComment Code = "MISSING_REQUIRED_COMMENT"
	ErrCodeInstanceStateChanged   Code = "INSTANCE_STATE_CHANGED"
)

// Error is a coded application error, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a resource does not exist.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message)
}

// ── Approval engine constructors ─────────────────────────────────────────────

// NoActiveWorkflow reports a submission against a target kind with no
// active workflow definition.
func NoActiveWorkflow(kind string) *Error {
	return Newf(ErrCodeNoActiveWorkflow, "no active workflow for target kind %q", kind)
}

// InvalidRule reports a malformed conditional rule payload.
func InvalidRule(message string) *Error {
	return New(ErrCodeInvalidRuleDefinition, message)
}

// EmptyApproverSet reports that resolution yielded zero eligible actors
// for a step that must be acted on.
func EmptyApproverSet(stepID string) *Error {
	return Newf(ErrCodeEmptyApproverSet, "step %s resolved to an empty approver set", stepID)
}

// NotEligibleApprover reports an act attempt by an actor outside the
// step's resolved approver set.
func NotEligibleApprover(actorID string) *Error {
	return Newf(ErrCodeNotEligibleApprover, "actor %s is not an eligible approver for the current step", actorID)
}

// InstanceNotActionable reports an action against a terminal instance or
// a step that is not the instance's current step.
func InstanceNotActionable(message string) *Error {
	return New(ErrCodeInstanceNotActionable, message)
}

// MissingRequiredComment reports a reject or request_changes action
// submitted without comments.
func MissingRequiredComment(actionType string) *Error {
	return Newf(ErrCodeMissingRequiredComment, "comments are required for %s actions", actionType)
}

// InstanceStateChanged reports a lost concurrency race. Callers should
// refresh the instance and retry.
func InstanceStateChanged() *Error {
	return New(ErrCodeInstanceStateChanged, "instance state changed concurrently, refresh and retry")
}

// ── Inspection helpers ───────────────────────────────────────────────────────

// CodeOf returns the code carried by err, or ErrCodeInternal for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the API layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidRuleDefinition, ErrCodeMissingRequiredComment:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized, ErrCodeNotEligibleApprover:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeInstanceNotActionable, ErrCodeInstanceStateChanged:
		return http.StatusConflict
	case ErrCodeNoActiveWorkflow, ErrCodeEmptyApproverSet:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
