package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the decoded body of an event variant.
//
// The canonical method is unexported on purpose: the variant set is closed,
// and only this package can add members.
type Payload interface {
	// EventType returns the variant tag this payload belongs to.
	EventType() Type

	// canonical returns the map encoded by MarshalCanonical.
	canonical() map[string]any
}

// EncodePayload serializes a payload to canonical JSON bytes.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := MarshalCanonical(p.canonical())
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// DecodePayload parses canonical JSON bytes into the payload struct for the
// given variant. Unknown variants are an error, never a passthrough.
func DecodePayload(t Type, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeExecutionStarted:
		p = &ExecutionStarted{}
	case TypeMessageAdded:
		p = &MessageAdded{}
	case TypeToolCalled:
		p = &ToolCalled{}
	case TypeToolCompleted:
		p = &ToolCompleted{}
	case TypeApprovalRequested:
		p = &ApprovalRequested{}
	case TypeApprovalReceived:
		p = &ApprovalReceived{}
	case TypeContextCompressed:
		p = &ContextCompressed{}
	case TypeCancelled:
		p = &Cancelled{}
	case TypeExecutionFinalized:
		p = &ExecutionFinalized{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// ExecutionStarted is the payload of TypeExecutionStarted.
type ExecutionStarted struct {
	Title string `json:"title"`
}

func (p *ExecutionStarted) EventType() Type { return TypeExecutionStarted }

func (p *ExecutionStarted) canonical() map[string]any {
	return map[string]any{"title": p.Title}
}

// MessageAdded is the payload of TypeMessageAdded.
type MessageAdded struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	// Tags are free-form labels carried through to the assembled view.
	Tags []string `json:"tags,omitempty"`

	// Preserve pins the message: compression never summarizes it away.
	Preserve bool `json:"preserve,omitempty"`
}

func (p *MessageAdded) EventType() Type { return TypeMessageAdded }

func (p *MessageAdded) canonical() map[string]any {
	m := map[string]any{
		"role": string(p.Role),
		"text": p.Text,
	}
	if len(p.Tags) > 0 {
		m["tags"] = p.Tags
	}
	if p.Preserve {
		m["preserve"] = true
	}
	return m
}

// ToolCalled is the payload of TypeToolCalled.
type ToolCalled struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`

	// ArgsJSON holds the tool arguments as raw JSON text. Kept opaque so
	// collaborator-defined argument schemas never leak into the event model.
	ArgsJSON string `json:"args_json"`
}

func (p *ToolCalled) EventType() Type { return TypeToolCalled }

func (p *ToolCalled) canonical() map[string]any {
	return map[string]any{
		"call_id":   p.CallID,
		"name":      p.Name,
		"args_json": p.ArgsJSON,
	}
}

// ToolCompleted is the payload of TypeToolCompleted.
type ToolCompleted struct {
	CallID     string `json:"call_id"`
	ResultJSON string `json:"result_json"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (p *ToolCompleted) EventType() Type { return TypeToolCompleted }

func (p *ToolCompleted) canonical() map[string]any {
	m := map[string]any{
		"call_id":     p.CallID,
		"result_json": p.ResultJSON,
	}
	if p.IsError {
		m["is_error"] = true
	}
	return m
}

// ApprovalRequested is the payload of TypeApprovalRequested.
//
// The deadline is recorded at creation time so any replayer evaluates the
// same timeout outcome regardless of when replay occurs.
type ApprovalRequested struct {
	ApprovalID       string `json:"approval_id"`
	Action           string `json:"action"`
	IdempotencyToken string `json:"idempotency_token"`
	ContextRef       string `json:"context_ref,omitempty"`
	DeadlineUnixMs   int64  `json:"deadline_unix_ms"`
}

func (p *ApprovalRequested) EventType() Type { return TypeApprovalRequested }

func (p *ApprovalRequested) canonical() map[string]any {
	m := map[string]any{
		"approval_id":       p.ApprovalID,
		"action":            p.Action,
		"idempotency_token": p.IdempotencyToken,
		"deadline_unix_ms":  p.DeadlineUnixMs,
	}
	if p.ContextRef != "" {
		m["context_ref"] = p.ContextRef
	}
	return m
}

// ApprovalReceived is the payload of TypeApprovalReceived.
type ApprovalReceived struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

func (p *ApprovalReceived) EventType() Type { return TypeApprovalReceived }

func (p *ApprovalReceived) canonical() map[string]any {
	m := map[string]any{
		"approval_id": p.ApprovalID,
		"decision":    p.Decision,
	}
	if p.TimedOut {
		m["timed_out"] = true
	}
	return m
}

// ContextCompressed is the payload of TypeContextCompressed: the checkpoint
// sidecar. Everything at or before EventIndexCutoff is summarized into the
// content entry at SummaryRef; assembly replays the tail after it.
type ContextCompressed struct {
	SummaryRef       string  `json:"summary_ref"`
	EventIndexCutoff int64   `json:"event_index_cutoff"`
	TokensBefore     int     `json:"tokens_before"`
	TokensAfter      int     `json:"tokens_after"`
	PreservedSeqs    []int64 `json:"preserved_seqs,omitempty"`
}

func (p *ContextCompressed) EventType() Type { return TypeContextCompressed }

func (p *ContextCompressed) canonical() map[string]any {
	m := map[string]any{
		"summary_ref":        p.SummaryRef,
		"event_index_cutoff": p.EventIndexCutoff,
		"tokens_before":      p.TokensBefore,
		"tokens_after":       p.TokensAfter,
	}
	if len(p.PreservedSeqs) > 0 {
		m["preserved_seqs"] = p.PreservedSeqs
	}
	return m
}

// Cancelled is the payload of TypeCancelled.
type Cancelled struct {
	Reason string `json:"reason"`
}

func (p *Cancelled) EventType() Type { return TypeCancelled }

func (p *Cancelled) canonical() map[string]any {
	return map[string]any{"reason": p.Reason}
}

// ExecutionFinalized is the payload of TypeExecutionFinalized.
type ExecutionFinalized struct {
	Status string `json:"status"`
}

func (p *ExecutionFinalized) EventType() Type { return TypeExecutionFinalized }

func (p *ExecutionFinalized) canonical() map[string]any {
	return map[string]any{"status": p.Status}
}
