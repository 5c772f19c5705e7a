// Package event defines the substrate's event model: a closed set of typed
// event variants, their canonical payload encoding, and the content-addressed
// identity scheme used by the event log and content store.
//
// The variant set is intentionally closed. New event kinds are additions to
// this package, never an open map - unknown types fail to decode.
package event

import (
	"fmt"
	"time"
)

// Type identifies an event variant.
type Type string

const (
	// TypeExecutionStarted marks the beginning of an execution.
	TypeExecutionStarted Type = "execution_started"

	// TypeMessageAdded records a conversation message (user, assistant,
	// system, or tool role).
	TypeMessageAdded Type = "message_added"

	// TypeToolCalled records a model-requested tool invocation.
	TypeToolCalled Type = "tool_called"

	// TypeToolCompleted records the result of a tool invocation, paired to
	// its TypeToolCalled event by call ID.
	TypeToolCompleted Type = "tool_completed"

	// TypeApprovalRequested records a human-in-the-loop approval request.
	// The owning execution is suspended while the request is pending.
	TypeApprovalRequested Type = "approval_requested"

	// TypeApprovalReceived records the terminal resolution of an approval.
	TypeApprovalReceived Type = "approval_received"

	// TypeContextCompressed records a compression checkpoint: everything at
	// or before the cutoff is summarized into the referenced content entry.
	TypeContextCompressed Type = "context_compressed"

	// TypeCancelled records cancellation of a blocking operation.
	TypeCancelled Type = "cancelled"

	// TypeExecutionFinalized marks the end of an execution. No further
	// appends are accepted after it.
	TypeExecutionFinalized Type = "execution_finalized"
)

// Valid reports whether t is a member of the closed variant set.
func (t Type) Valid() bool {
	switch t {
	case TypeExecutionStarted, TypeMessageAdded, TypeToolCalled,
		TypeToolCompleted, TypeApprovalRequested, TypeApprovalReceived,
		TypeContextCompressed, TypeCancelled, TypeExecutionFinalized:
		return true
	}
	return false
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentRef is the content-addressed identity of a content-store entry:
// a hex digest computed by Ref (see hash.go). The empty string means
// "no ref".
type ContentRef string

// Event is one immutable, strictly ordered fact in an execution's log.
//
// Exactly one of Inline and Ref is set: small payloads are stored inline in
// the event row, large ones live in the content store and are referenced.
// Payload is populated only by full-projection reads.
type Event struct {
	ID          string
	ExecutionID string
	Seq         int64
	Type        Type
	Inline      []byte
	Ref         ContentRef
	CreatedAt   time.Time

	// Payload is the decoded variant payload. Nil in metadata-only
	// projections and for ref-carrying events that were not resolved.
	Payload Payload
}

// HasRef reports whether the event's payload lives in the content store.
func (e Event) HasRef() bool { return e.Ref != "" }

// DecodeInline decodes the event's inline payload in place.
// It is an error to call it on a ref-carrying event.
func (e *Event) DecodeInline() error {
	if e.HasRef() {
		return fmt.Errorf("decode inline: event %s/%d carries a content ref", e.ExecutionID, e.Seq)
	}
	p, err := DecodePayload(e.Type, e.Inline)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}
