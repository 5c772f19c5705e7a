// Package compress decides when and how an execution's assembled view is
// shrunk into a checkpoint.
//
// Compression never rewrites history: the prefix being summarized stays in
// the log untouched, and a ContextCompressed event simply moves the
// assembler's window. A crash anywhere before that event is durably
// appended leaves the pre-compression view fully intact, so the whole pass
// is at-least-once and never partially applied.
package compress

import (
	"context"
	"log/slog"
	"math"

	"github.com/roach88/substrate/internal/assemble"
	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/observer"
	"github.com/roach88/substrate/internal/token"
)

// Defaults for the trigger predicate and split sizing.
const (
	DefaultModelTokenLimit  = 200_000
	DefaultTriggerRatio     = 0.7
	DefaultPreserveFraction = 0.3
)

// State is the per-pass phase of the compression state machine. Compressing
// is transient; MaybeCompress only ever reports the other three.
type State string

const (
	// StateIdle means the trigger predicate did not fire.
	StateIdle State = "idle"

	// StateCompressionNeeded means the trigger fired but no checkpoint was
	// written this pass; the next trigger evaluation retries from scratch.
	StateCompressionNeeded State = "compression_needed"

	// StateCompressing is the in-flight phase between trigger and durable
	// checkpoint.
	StateCompressing State = "compressing"

	// StateCompressed means a checkpoint was durably appended.
	StateCompressed State = "compressed"
)

// Summarizer condenses a message prefix into checkpoint text. The LLM-backed
// implementation lives with the orchestrator; tests use canned text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []assemble.Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, messages []assemble.Message) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []assemble.Message) (string, error) {
	return f(ctx, messages)
}

// Result reports one MaybeCompress pass.
type Result struct {
	State        State
	TokensBefore int
	TokensAfter  int

	// Checkpoint is set when State is StateCompressed.
	Checkpoint *assemble.Checkpoint
}

// Engine owns checkpoint creation. No other component writes checkpoints.
type Engine struct {
	log        *eventlog.Log
	asm        *assemble.Assembler
	summarizer Summarizer

	est              token.Estimator
	modelLimit       int
	ratio            float64
	preserveFraction float64
	observers        []observer.Observer
	logger           *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithModelTokenLimit overrides the model context window size.
func WithModelTokenLimit(n int) Option {
	return func(e *Engine) { e.modelLimit = n }
}

// WithTriggerRatio overrides the trigger fraction of the model limit.
func WithTriggerRatio(r float64) Option {
	return func(e *Engine) { e.ratio = r }
}

// WithPreserveFraction overrides the fraction of the view kept verbatim;
// the oldest 1-f is compressed.
func WithPreserveFraction(f float64) Option {
	return func(e *Engine) { e.preserveFraction = f }
}

// WithEstimator overrides the token estimator. It must match the one the
// assembler uses or the monotonicity check compares different scales.
func WithEstimator(est token.Estimator) Option {
	return func(e *Engine) { e.est = est }
}

// WithObserver appends a lifecycle observer.
func WithObserver(o observer.Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine over log and asm, summarizing through s.
func New(log *eventlog.Log, asm *assemble.Assembler, s Summarizer, opts ...Option) *Engine {
	e := &Engine{
		log:              log,
		asm:              asm,
		summarizer:       s,
		est:              token.Heuristic{},
		modelLimit:       DefaultModelTokenLimit,
		ratio:            DefaultTriggerRatio,
		preserveFraction: DefaultPreserveFraction,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// MaybeCompress evaluates the trigger predicate and, when it fires, runs
// one compression pass. The whole pass holds the execution's append lock so
// the view it summarizes is the view the checkpoint supersedes.
//
// Summarizer failures surface as CompressionFailed and leave no trace in
// the log; the next call retries from scratch.
func (e *Engine) MaybeCompress(ctx context.Context, executionID string) (Result, error) {
	var res Result
	err := e.log.Locked(executionID, func() error {
		var err error
		res, err = e.compressLocked(ctx, executionID)
		return err
	})
	return res, err
}

func (e *Engine) compressLocked(ctx context.Context, executionID string) (Result, error) {
	msgs, err := e.asm.Assemble(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	before := e.asm.TokenEstimate(msgs)
	if float64(before) < e.ratio*float64(e.modelLimit) {
		return Result{State: StateIdle, TokensBefore: before, TokensAfter: before}, nil
	}

	split := splitPoint(msgs, e.preserveFraction)
	if split <= 0 {
		// Trigger fired but no safe boundary exists yet. Deferred, not an
		// error: the next append changes the shape and we re-evaluate.
		e.logger.Debug("compression deferred, no safe split boundary",
			"execution", executionID, "tokens", before)
		return Result{State: StateCompressionNeeded, TokensBefore: before, TokensAfter: before}, nil
	}

	for _, o := range e.observers {
		o.CompressionStarted(executionID, before)
	}

	// With a prior checkpoint the view is not seq-sorted: the summary sits
	// first at its checkpoint event's seq and preserved messages keep their
	// low seqs. The prior cutoff carries forward so everything an earlier
	// summary already covers stays covered.
	var prevCutoff int64
	if msgs[0].Summary {
		cps, err := e.asm.Checkpoints(ctx, executionID, 0)
		if err != nil {
			return Result{}, err
		}
		for _, cp := range cps {
			if cp.Seq == msgs[0].Seq {
				prevCutoff = cp.EventIndexCutoff
				break
			}
		}
	}

	toCompress := make([]assemble.Message, 0, split)
	var preservedSeqs []int64
	preservedTokens := 0
	for _, m := range msgs[:split] {
		if m.Preserve {
			preservedSeqs = append(preservedSeqs, m.Seq)
			preservedTokens += m.Tokens
			continue
		}
		toCompress = append(toCompress, m)
	}

	// The cutoff is the highest log seq the new checkpoint covers: the prior
	// cutoff or the largest seq in the prefix, whichever wins. The summary's
	// own seq never counts - it would hide kept messages appended before the
	// prior checkpoint event.
	cutoff := prevCutoff
	for _, m := range msgs[:split] {
		if !m.Summary && m.Seq > cutoff {
			cutoff = m.Seq
		}
	}
	// A split inside the preserved block leaves kept messages at or below
	// the cutoff; they survive by seq list, exactly like preserve overrides.
	for _, m := range msgs[split:] {
		if m.Seq <= cutoff {
			preservedSeqs = append(preservedSeqs, m.Seq)
		}
	}

	summary, err := e.summarizer.Summarize(ctx, toCompress)
	if err != nil {
		return Result{State: StateCompressionNeeded, TokensBefore: before, TokensAfter: before},
			fault.CompressionFailed("summarizer failed", err).WithExecution(executionID)
	}

	ref, err := e.log.Content().Put(ctx, []byte(summary), "checkpoint")
	if err != nil {
		return Result{State: StateCompressionNeeded, TokensBefore: before, TokensAfter: before}, err
	}

	// The post-compression estimate is computable before the checkpoint
	// exists: summary + preserved + tail. Checking it here means a
	// non-shrinking pass is abandoned without ever touching the log.
	after := e.est.Estimate(summary) + preservedTokens
	for _, m := range msgs[split:] {
		after += m.Tokens
	}
	if after >= before {
		e.releaseAbandoned(ctx, executionID, ref)
		return Result{State: StateCompressionNeeded, TokensBefore: before, TokensAfter: before},
			fault.CompressionFailed("summary does not shrink the view", nil).WithExecution(executionID)
	}

	ev, err := e.log.AppendLocked(ctx, executionID, &event.ContextCompressed{
		SummaryRef:       string(ref),
		EventIndexCutoff: cutoff,
		TokensBefore:     before,
		TokensAfter:      after,
		PreservedSeqs:    preservedSeqs,
	}, "")
	if err != nil {
		e.releaseAbandoned(ctx, executionID, ref)
		return Result{State: StateCompressionNeeded, TokensBefore: before, TokensAfter: before}, err
	}

	for _, o := range e.observers {
		o.CompressionFinished(executionID, cutoff, before, after)
	}
	return Result{
		State:        StateCompressed,
		TokensBefore: before,
		TokensAfter:  after,
		Checkpoint: &assemble.Checkpoint{
			Seq:              ev.Seq,
			SummaryRef:       ref,
			EventIndexCutoff: cutoff,
			TokensBefore:     before,
			TokensAfter:      after,
			PreservedSeqs:    preservedSeqs,
		},
	}, nil
}

// releaseAbandoned drops the summary ref of a pass that did not commit its
// checkpoint event. Best-effort: the deferred sweep collects strays anyway.
func (e *Engine) releaseAbandoned(ctx context.Context, executionID string, ref event.ContentRef) {
	if err := e.log.Content().Release(ctx, ref); err != nil {
		e.logger.Warn("release abandoned summary failed",
			"execution", executionID, "ref", string(ref), "error", err)
	}
}

// splitPoint returns the boundary index k such that msgs[:k] is compressed
// and msgs[k:] kept, or 0 when no safe boundary exists.
//
// k starts at the smallest prefix whose cumulative tokens reach (1-f) of
// the total, then walks backward until the boundary is safe: the first kept
// message is a user turn and no tool call in the prefix is still awaiting
// its result. Splitting inside a call/result pair would desynchronize the
// paired references in the reconstructed conversation.
func splitPoint(msgs []assemble.Message, preserveFraction float64) int {
	if len(msgs) < 2 {
		return 0
	}

	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	target := int(math.Ceil((1 - preserveFraction) * float64(total)))

	k := len(msgs) - 1
	cum := 0
	for i, m := range msgs {
		cum += m.Tokens
		if cum >= target {
			k = i + 1
			break
		}
	}
	if k >= len(msgs) {
		k = len(msgs) - 1
	}

	// Unresolved tool calls at each prefix length. open[i] counts calls in
	// msgs[:i] still awaiting their result.
	open := make([]int, len(msgs)+1)
	pending := make(map[string]int)
	count := 0
	for i, m := range msgs {
		open[i] = count
		switch {
		case m.ToolCallID != "" && m.ToolName != "": // call
			pending[m.ToolCallID]++
			count++
		case m.ToolCallID != "": // result
			if pending[m.ToolCallID] > 0 {
				pending[m.ToolCallID]--
				count--
			}
		}
	}
	open[len(msgs)] = count

	for ; k > 0; k-- {
		if msgs[k].Role == string(event.RoleUser) && !msgs[k].Summary && open[k] == 0 {
			return k
		}
	}
	return 0
}
