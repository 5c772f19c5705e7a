package compress

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/assemble"
	"github.com/roach88/substrate/internal/content"
	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/store"
)

func newTestEngine(t *testing.T, s Summarizer, opts ...Option) (*Engine, *assemble.Assembler, *eventlog.Log) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cs, err := content.New(db)
	require.NoError(t, err)
	log := eventlog.New(db, cs)
	asm := assemble.New(log)
	return New(log, asm, s, opts...), asm, log
}

func cannedSummary(text string) Summarizer {
	return SummarizerFunc(func(context.Context, []assemble.Message) (string, error) {
		return text, nil
	})
}

// text of n heuristic tokens at the default 4 bytes/token.
func tokens(n int) string {
	return strings.Repeat("x", n*4)
}

func addUser(t *testing.T, log *eventlog.Log, id, text string, preserve bool) {
	t.Helper()
	_, err := log.Append(context.Background(), id, &event.MessageAdded{
		Role: event.RoleUser, Text: text, Preserve: preserve,
	})
	require.NoError(t, err)
}

func TestBelowThresholdStaysIdle(t *testing.T) {
	e, _, log := newTestEngine(t, cannedSummary("unused"),
		WithModelTokenLimit(1000))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "idle")
	require.NoError(t, err)
	addUser(t, log, id, tokens(100), false)

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Nil(t, res.Checkpoint)
}

func TestCompressionShrinksAssembledView(t *testing.T) {
	e, asm, log := newTestEngine(t, cannedSummary("ten earlier turns, nothing unresolved"),
		WithModelTokenLimit(700))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "shrink")
	require.NoError(t, err)
	// Ten 50-token user messages: 500 tokens, past the 0.7*700 trigger.
	for i := 0; i < 10; i++ {
		addUser(t, log, id, tokens(50), false)
	}

	msgs, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	before := asm.TokenEstimate(msgs)

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, before, res.TokensBefore)
	assert.Less(t, res.TokensAfter, res.TokensBefore)

	// The oldest 70% compressed: messages at seqs 2..8, cutoff 8.
	assert.Equal(t, int64(8), res.Checkpoint.EventIndexCutoff)

	after, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.True(t, after[0].Summary)
	assert.Equal(t, []int64{9, 10, 11}, []int64{after[1].Seq, after[2].Seq, after[3].Seq})
	assert.Equal(t, res.TokensAfter, asm.TokenEstimate(after))

	// No compressed message survives in the new view.
	for _, m := range after[1:] {
		assert.Greater(t, m.Seq, res.Checkpoint.EventIndexCutoff)
	}
}

func TestSplitWalksBackPastInFlightToolPair(t *testing.T) {
	e, _, log := newTestEngine(t, cannedSummary("summary"),
		WithModelTokenLimit(1000))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "tool pair")
	require.NoError(t, err)

	appendAll := func(payloads ...event.Payload) {
		for _, p := range payloads {
			_, err := log.Append(ctx, id, p)
			require.NoError(t, err)
		}
	}
	// 700 tokens total; the size target lands inside the call/result pair,
	// so the boundary must retreat to the top-level user turn at seq 3.
	appendAll(
		&event.MessageAdded{Role: event.RoleUser, Text: tokens(200)},                  // seq 2
		&event.MessageAdded{Role: event.RoleUser, Text: tokens(100)},                  // seq 3
		&event.ToolCalled{CallID: "call-1", Name: "run", ArgsJSON: tokens(300)},       // seq 4
		&event.ToolCompleted{CallID: "call-1", ResultJSON: tokens(50)},                // seq 5
		&event.MessageAdded{Role: event.RoleUser, Text: tokens(25)},                   // seq 6
		&event.MessageAdded{Role: event.RoleAssistant, Text: tokens(25)},              // seq 7
	)

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)
	assert.Equal(t, int64(2), res.Checkpoint.EventIndexCutoff,
		"boundary retreats to just before the seq 3 user turn")
}

func TestNoSafeBoundaryDefersCompression(t *testing.T) {
	e, _, log := newTestEngine(t, cannedSummary("summary"),
		WithModelTokenLimit(100))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "no boundary")
	require.NoError(t, err)
	// A single oversized assistant turn: over the trigger, but there is no
	// top-level user boundary to split at.
	_, err = log.Append(ctx, id, &event.MessageAdded{Role: event.RoleAssistant, Text: tokens(200)})
	require.NoError(t, err)

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompressionNeeded, res.State)
	assert.Nil(t, res.Checkpoint)
}

func TestPreservedMessagesEscapeCompression(t *testing.T) {
	var summarized []assemble.Message
	s := SummarizerFunc(func(_ context.Context, msgs []assemble.Message) (string, error) {
		summarized = msgs
		return "summary", nil
	})
	e, asm, log := newTestEngine(t, s, WithModelTokenLimit(700))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "preserve")
	require.NoError(t, err)
	addUser(t, log, id, tokens(50), false) // seq 2
	addUser(t, log, id, tokens(50), true)  // seq 3, pinned
	for i := 0; i < 8; i++ {
		addUser(t, log, id, tokens(50), false) // seqs 4..11
	}

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)
	assert.Equal(t, []int64{3}, res.Checkpoint.PreservedSeqs)

	for _, m := range summarized {
		assert.False(t, m.Preserve, "pinned messages never reach the summarizer")
		assert.NotEqual(t, int64(3), m.Seq)
	}

	after, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(after), 2)
	assert.True(t, after[0].Summary)
	assert.Equal(t, int64(3), after[1].Seq, "pinned message re-inserted right after the summary")
}

func TestSummarizerFailureIsRetriableAndLeavesNoTrace(t *testing.T) {
	boom := errors.New("model unavailable")
	s := SummarizerFunc(func(context.Context, []assemble.Message) (string, error) {
		return "", boom
	})
	e, asm, log := newTestEngine(t, s, WithModelTokenLimit(700))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "failing summarizer")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		addUser(t, log, id, tokens(50), false)
	}

	res, err := e.MaybeCompress(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.IsCompressionFailed(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateCompressionNeeded, res.State)

	// The pre-compression view is fully intact.
	msgs, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
	cps, err := asm.Checkpoints(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestNonShrinkingSummaryIsAbandoned(t *testing.T) {
	// The summary is larger than everything it replaces.
	huge := tokens(600)
	e, asm, log := newTestEngine(t, cannedSummary(huge), WithModelTokenLimit(700))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "bloated summary")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		addUser(t, log, id, tokens(50), false)
	}

	_, err = e.MaybeCompress(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.IsCompressionFailed(err))

	cps, err := asm.Checkpoints(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, cps)

	// The abandoned summary ref was released, leaving it to the sweep.
	count, err := log.Content().RefCount(ctx, event.Ref([]byte(huge)))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecompressionKeepsEarlierSummaryCovered(t *testing.T) {
	// The second pass compresses a view that is no longer seq-sorted: the
	// first summary sits up front at its event seq and the pinned message
	// keeps its low seq. The new cutoff must never fall below the first
	// checkpoint's, or messages that summary already covers replay raw.
	call := 0
	s := SummarizerFunc(func(context.Context, []assemble.Message) (string, error) {
		call++
		if call == 1 {
			return tokens(40), nil
		}
		return tokens(5), nil
	})
	e, asm, log := newTestEngine(t, s, WithModelTokenLimit(600))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "rolling")
	require.NoError(t, err)
	addUser(t, log, id, tokens(300), true) // seq 2, pinned
	for i := 0; i < 3; i++ {
		addUser(t, log, id, tokens(50), false) // seqs 3..5
	}

	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)
	assert.Equal(t, int64(3), res.Checkpoint.EventIndexCutoff)
	assert.Equal(t, []int64{2}, res.Checkpoint.PreservedSeqs)

	// The shrunken view is still over the trigger, so the next pass rolls
	// the first summary into the second.
	res2, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res2.State)
	assert.GreaterOrEqual(t, res2.Checkpoint.EventIndexCutoff, res.Checkpoint.EventIndexCutoff)
	assert.Equal(t, []int64{2}, res2.Checkpoint.PreservedSeqs)
	assert.Less(t, res2.TokensAfter, res2.TokensBefore)

	after, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.True(t, after[0].Summary)
	assert.Equal(t, []int64{2, 4, 5}, seqsOf(after[1:]), "pinned survives both passes; seq 3 stays summarized")
	assert.Equal(t, res2.TokensAfter, asm.TokenEstimate(after),
		"reported estimate matches the view the checkpoint actually produces")
}

func TestSplitInsidePreservedBlockKeepsPinnedVisible(t *testing.T) {
	e, asm, log := newTestEngine(t, cannedSummary(tokens(5)),
		WithModelTokenLimit(240))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "pinned block")
	require.NoError(t, err)
	addUser(t, log, id, tokens(50), true) // seq 2, pinned
	addUser(t, log, id, tokens(50), true) // seq 3, pinned
	addUser(t, log, id, tokens(50), false)
	addUser(t, log, id, tokens(50), false)
	for i := 0; i < 2; i++ { // seqs 6, 7
		_, err := log.Append(ctx, id, &event.MessageAdded{Role: event.RoleAssistant, Text: tokens(30)})
		require.NoError(t, err)
	}

	// An existing checkpoint covering seqs up to 5, both pins escaping it.
	ref, err := log.Content().Put(ctx, []byte(tokens(10)), "checkpoint")
	require.NoError(t, err)
	_, err = log.Append(ctx, id, &event.ContextCompressed{
		SummaryRef:       string(ref),
		EventIndexCutoff: 5,
		TokensBefore:     260,
		TokensAfter:      170,
		PreservedSeqs:    []int64{2, 3},
	})
	require.NoError(t, err)

	// The size target puts the boundary at the second pin, so the kept part
	// starts below the carried-forward cutoff.
	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)
	assert.Equal(t, int64(5), res.Checkpoint.EventIndexCutoff)
	assert.Equal(t, []int64{2, 3}, res.Checkpoint.PreservedSeqs,
		"the kept pin below the cutoff survives by seq list")

	after, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 6, 7}, seqsOf(after[1:]))
	assert.Equal(t, res.TokensAfter, asm.TokenEstimate(after))
}

func seqsOf(msgs []assemble.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func TestRecompressionSupersedesEarlierCheckpoint(t *testing.T) {
	e, asm, log := newTestEngine(t, cannedSummary("rolling summary"),
		WithModelTokenLimit(700))
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "recompress")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		addUser(t, log, id, tokens(50), false)
	}
	res, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res.State)

	// Grow the tail past the trigger again.
	for i := 0; i < 12; i++ {
		addUser(t, log, id, tokens(50), false)
	}
	res2, err := e.MaybeCompress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompressed, res2.State)
	assert.Greater(t, res2.Checkpoint.EventIndexCutoff, res.Checkpoint.EventIndexCutoff)

	cps, err := asm.Checkpoints(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, cps, 2, "checkpoints are superseded, never mutated")

	msgs, err := asm.Assemble(ctx, id)
	require.NoError(t, err)
	assert.True(t, msgs[0].Summary)
	assert.Equal(t, res2.TokensAfter, asm.TokenEstimate(msgs))
}
