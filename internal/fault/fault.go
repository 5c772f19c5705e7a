// Package fault defines the typed error taxonomy shared by every substrate
// component.
//
// Errors carry a machine-readable Code plus contextual fields so that the
// orchestrator can branch on failure kind without string matching. All
// constructors return *Error, and the Is* predicates unwrap with errors.As,
// so wrapping with fmt.Errorf("...: %w", err) at layer boundaries is safe.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes substrate failures.
type Code string

const (
	// CodeNotFound indicates an unknown ref, execution, or approval.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates an append after finalize, an append while the
	// execution is suspended on a pending approval, a lost sequence-number
	// race, or an idempotency-token reuse with mismatched arguments.
	CodeConflict Code = "CONFLICT"

	// CodeInvalidState indicates resolving an approval that is already
	// terminal.
	CodeInvalidState Code = "INVALID_STATE"

	// CodeTimeout indicates a blocking operation exceeded its deadline.
	// The affected execution remains resumable.
	CodeTimeout Code = "TIMEOUT"

	// CodeCompressionFailed indicates the summarization collaborator errored
	// or produced output that would not shrink the context. Non-fatal: the
	// next trigger evaluation retries from scratch.
	CodeCompressionFailed Code = "COMPRESSION_FAILED"

	// CodeStorageFailure indicates the underlying persistence is unavailable.
	// This is the only potentially fatal code for an in-flight operation.
	CodeStorageFailure Code = "STORAGE_FAILURE"
)

// Error is a structured substrate error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution, when known.
	ExecutionID string

	// Ref identifies the affected content entry, when known.
	Ref string

	// ApprovalID identifies the affected approval request, when known.
	ApprovalID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.ExecutionID != "":
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, e.Message, e.ExecutionID)
	case e.ApprovalID != "":
		return fmt.Sprintf("%s: %s (approval=%s)", e.Code, e.Message, e.ApprovalID)
	case e.Ref != "":
		return fmt.Sprintf("%s: %s (ref=%s)", e.Code, e.Message, e.Ref)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a CodeNotFound error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// Conflict builds a CodeConflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// InvalidState builds a CodeInvalidState error.
func InvalidState(msg string) *Error {
	return &Error{Code: CodeInvalidState, Message: msg}
}

// Timeout builds a CodeTimeout error.
func Timeout(msg string) *Error {
	return &Error{Code: CodeTimeout, Message: msg}
}

// CompressionFailed builds a CodeCompressionFailed error wrapping cause.
func CompressionFailed(msg string, cause error) *Error {
	return &Error{Code: CodeCompressionFailed, Message: msg, Err: cause}
}

// StorageFailure builds a CodeStorageFailure error wrapping cause.
func StorageFailure(msg string, cause error) *Error {
	return &Error{Code: CodeStorageFailure, Message: msg, Err: cause}
}

// WithExecution annotates the error with an execution ID and returns it.
func (e *Error) WithExecution(id string) *Error {
	e.ExecutionID = id
	return e
}

// WithRef annotates the error with a content ref and returns it.
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// WithApproval annotates the error with an approval ID and returns it.
func (e *Error) WithApproval(id string) *Error {
	e.ApprovalID = id
	return e
}

// CodeOf returns the fault code of err, or "" if err is not a fault error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsInvalidState reports whether err carries CodeInvalidState.
func IsInvalidState(err error) bool { return CodeOf(err) == CodeInvalidState }

// IsTimeout reports whether err carries CodeTimeout.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsCompressionFailed reports whether err carries CodeCompressionFailed.
func IsCompressionFailed(err error) bool { return CodeOf(err) == CodeCompressionFailed }

// IsStorageFailure reports whether err carries CodeStorageFailure.
func IsStorageFailure(err error) bool { return CodeOf(err) == CodeStorageFailure }
