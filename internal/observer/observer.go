// Package observer defines lifecycle observer capabilities.
//
// Observers are an ordered list of values invoked synchronously around
// substrate state transitions - a capability you hold, not a base class you
// override. Components call the hooks after the transition is durable, in
// registration order, on the caller's goroutine. Observers must therefore
// be fast and must never block.
package observer

import (
	"log/slog"

	"github.com/roach88/substrate/internal/event"
)

// Observer receives substrate lifecycle notifications.
// Embed Base to implement only the hooks of interest.
type Observer interface {
	// EventAppended fires after an event is durably appended.
	EventAppended(e event.Event)

	// CompressionStarted fires when a compression pass begins summarizing.
	CompressionStarted(executionID string, tokensBefore int)

	// CompressionFinished fires after a checkpoint event is durably
	// appended.
	CompressionFinished(executionID string, cutoff int64, tokensBefore, tokensAfter int)

	// ApprovalRequested fires after an approval request is durably created.
	ApprovalRequested(executionID, approvalID, action string)

	// ApprovalResolved fires after an approval reaches a terminal state.
	ApprovalResolved(executionID, approvalID, state string)
}

// Base is a no-op Observer for embedding.
type Base struct{}

func (Base) EventAppended(event.Event)                   {}
func (Base) CompressionStarted(string, int)              {}
func (Base) CompressionFinished(string, int64, int, int) {}
func (Base) ApprovalRequested(string, string, string)    {}
func (Base) ApprovalResolved(string, string, string)     {}

// Logging is an Observer that records transitions via slog.
type Logging struct {
	Logger *slog.Logger
}

// NewLogging creates a logging observer. A nil logger means slog.Default().
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{Logger: logger}
}

func (o *Logging) EventAppended(e event.Event) {
	o.Logger.Debug("event appended",
		"execution", e.ExecutionID, "seq", e.Seq, "type", string(e.Type))
}

func (o *Logging) CompressionStarted(executionID string, tokensBefore int) {
	o.Logger.Info("compression started",
		"execution", executionID, "tokens_before", tokensBefore)
}

func (o *Logging) CompressionFinished(executionID string, cutoff int64, tokensBefore, tokensAfter int) {
	o.Logger.Info("compression finished",
		"execution", executionID, "cutoff", cutoff,
		"tokens_before", tokensBefore, "tokens_after", tokensAfter)
}

func (o *Logging) ApprovalRequested(executionID, approvalID, action string) {
	o.Logger.Info("approval requested",
		"execution", executionID, "approval", approvalID, "action", action)
}

func (o *Logging) ApprovalResolved(executionID, approvalID, state string) {
	o.Logger.Info("approval resolved",
		"execution", executionID, "approval", approvalID, "state", state)
}
