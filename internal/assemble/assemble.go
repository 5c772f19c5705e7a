// Package assemble reconstructs the bounded message view an execution
// presents to a model.
//
// Assembly is a pure projection over the event log and content store: it
// never writes, and repeated calls with no intervening appends return
// identical results. The latest checkpoint defines the window - everything
// at or before its cutoff is represented by the summary, everything after
// it replays as-is.
package assemble

import (
	"context"

	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/token"
)

// Message is one entry of the assembled view. Messages are derived, never
// persisted; the log and content store remain the only sources of truth.
type Message struct {
	Seq        int64    `json:"seq"`
	Role       string   `json:"role"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags,omitempty"`
	Preserve   bool     `json:"preserve,omitempty"`
	Summary    bool     `json:"summary,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	ToolName   string   `json:"tool_name,omitempty"`
	Tokens     int      `json:"tokens"`
}

// Checkpoint is the decoded sidecar of one ContextCompressed event.
type Checkpoint struct {
	Seq              int64
	SummaryRef       event.ContentRef
	EventIndexCutoff int64
	TokensBefore     int
	TokensAfter      int
	PreservedSeqs    []int64
}

// Assembler projects executions into ordered message lists.
type Assembler struct {
	log *eventlog.Log
	est token.Estimator
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithEstimator overrides the token estimator. Estimates only decide when
// to compress; they never alter which messages appear.
func WithEstimator(est token.Estimator) Option {
	return func(a *Assembler) { a.est = est }
}

// New creates an Assembler over log.
func New(log *eventlog.Log, opts ...Option) *Assembler {
	a := &Assembler{log: log, est: token.Heuristic{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns the execution's current assembled view.
func (a *Assembler) Assemble(ctx context.Context, executionID string) ([]Message, error) {
	return a.AssembleAt(ctx, executionID, 0)
}

// AssembleAt returns the view as it stood at seq (0 means the full log).
// The latest checkpoint at or before seq defines the window: the output is
// the summary message, then preserved messages in their original relative
// order, then every message strictly after the cutoff.
func (a *Assembler) AssembleAt(ctx context.Context, executionID string, atSeq int64) ([]Message, error) {
	events, err := a.log.Read(ctx, executionID, eventlog.ReadOptions{
		ToSeq:      atSeq,
		Projection: eventlog.Full,
	})
	if err != nil {
		return nil, err
	}

	var checkpoint *Checkpoint
	bySeq := make(map[int64]Message)
	order := make([]int64, 0, len(events))
	for _, ev := range events {
		if ev.Type == event.TypeContextCompressed {
			cp, err := decodeCheckpoint(ev)
			if err != nil {
				return nil, err
			}
			checkpoint = &cp
			continue
		}
		msg, ok := a.toMessage(ev)
		if !ok {
			continue
		}
		bySeq[msg.Seq] = msg
		order = append(order, msg.Seq)
	}

	if checkpoint == nil {
		out := make([]Message, 0, len(order))
		for _, seq := range order {
			out = append(out, bySeq[seq])
		}
		return out, nil
	}

	summary, err := a.summaryMessage(ctx, *checkpoint)
	if err != nil {
		return nil, err
	}

	out := []Message{summary}
	for _, seq := range checkpoint.PreservedSeqs {
		if msg, ok := bySeq[seq]; ok {
			out = append(out, msg)
		}
	}
	for _, seq := range order {
		if seq > checkpoint.EventIndexCutoff && seq != checkpoint.Seq {
			out = append(out, bySeq[seq])
		}
	}
	return out, nil
}

// Checkpoints lists the execution's checkpoints in seq order. uptoSeq
// bounds the listing (0 means all).
func (a *Assembler) Checkpoints(ctx context.Context, executionID string, uptoSeq int64) ([]Checkpoint, error) {
	events, err := a.log.ReadByType(ctx, executionID, event.TypeContextCompressed, uptoSeq)
	if err != nil {
		return nil, err
	}
	checkpoints := make([]Checkpoint, 0, len(events))
	for i := range events {
		if err := a.log.ResolvePayload(ctx, &events[i]); err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(events[i])
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// TokenEstimate sums the per-message estimates of an assembled view.
func (a *Assembler) TokenEstimate(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += m.Tokens
	}
	return total
}

// toMessage maps one event to its assembled message. Lifecycle and
// approval events carry no model-facing content and map to nothing.
func (a *Assembler) toMessage(ev event.Event) (Message, bool) {
	switch p := ev.Payload.(type) {
	case *event.MessageAdded:
		return Message{
			Seq:      ev.Seq,
			Role:     string(p.Role),
			Text:     p.Text,
			Tags:     p.Tags,
			Preserve: p.Preserve,
			Tokens:   a.est.Estimate(p.Text),
		}, true
	case *event.ToolCalled:
		return Message{
			Seq:        ev.Seq,
			Role:       string(event.RoleAssistant),
			Text:       p.ArgsJSON,
			ToolCallID: p.CallID,
			ToolName:   p.Name,
			Tokens:     a.est.Estimate(p.ArgsJSON),
		}, true
	case *event.ToolCompleted:
		return Message{
			Seq:        ev.Seq,
			Role:       string(event.RoleTool),
			Text:       p.ResultJSON,
			ToolCallID: p.CallID,
			Tokens:     a.est.Estimate(p.ResultJSON),
		}, true
	default:
		return Message{}, false
	}
}

func (a *Assembler) summaryMessage(ctx context.Context, cp Checkpoint) (Message, error) {
	body, err := a.log.Content().Get(ctx, cp.SummaryRef)
	if err != nil {
		return Message{}, err
	}
	text := string(body)
	return Message{
		Seq:     cp.Seq,
		Role:    string(event.RoleAssistant),
		Text:    text,
		Tags:    []string{"summary"},
		Summary: true,
		Tokens:  a.est.Estimate(text),
	}, nil
}

func decodeCheckpoint(ev event.Event) (Checkpoint, error) {
	p, ok := ev.Payload.(*event.ContextCompressed)
	if !ok {
		return Checkpoint{}, fault.InvalidState("checkpoint event without decoded payload").WithExecution(ev.ExecutionID)
	}
	return Checkpoint{
		Seq:              ev.Seq,
		SummaryRef:       event.ContentRef(p.SummaryRef),
		EventIndexCutoff: p.EventIndexCutoff,
		TokensBefore:     p.TokensBefore,
		TokensAfter:      p.TokensAfter,
		PreservedSeqs:    p.PreservedSeqs,
	}, nil
}
