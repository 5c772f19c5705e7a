package assemble

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/content"
	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/store"
)

func newTestAssembler(t *testing.T) (*Assembler, *eventlog.Log) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cs, err := content.New(db)
	require.NoError(t, err)
	log := eventlog.New(db, cs)
	return New(log), log
}

func appendAll(t *testing.T, log *eventlog.Log, executionID string, payloads ...event.Payload) {
	t.Helper()
	for _, p := range payloads {
		_, err := log.Append(context.Background(), executionID, p)
		require.NoError(t, err)
	}
}

// writeCheckpoint stores a summary and appends its ContextCompressed event,
// standing in for the compression engine on the read side.
func writeCheckpoint(t *testing.T, log *eventlog.Log, executionID, summary string, cutoff int64, before, after int, preserved ...int64) {
	t.Helper()
	ctx := context.Background()
	ref, err := log.Content().Put(ctx, []byte(summary), "checkpoint")
	require.NoError(t, err)
	_, err = log.Append(ctx, executionID, &event.ContextCompressed{
		SummaryRef:       string(ref),
		EventIndexCutoff: cutoff,
		TokensBefore:     before,
		TokensAfter:      after,
		PreservedSeqs:    preserved,
	})
	require.NoError(t, err)
}

func TestAssembleFullHistoryWithoutCheckpoint(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "conversation")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "hello"},
		&event.ToolCalled{CallID: "call-1", Name: "search", ArgsJSON: `{"q":"go"}`},
		&event.ToolCompleted{CallID: "call-1", ResultJSON: `{"hits":3}`},
		&event.MessageAdded{Role: event.RoleAssistant, Text: "found three"},
	)

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, []int64{2, 3, 4, 5}, seqs(msgs))
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "call-1", msgs[1].ToolCallID)
	assert.Equal(t, "search", msgs[1].ToolName)
	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
}

func TestLifecycleEventsCarryNoMessages(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "lifecycle")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "hello"},
		&event.ApprovalRequested{ApprovalID: "ap-1", Action: "deploy", IdempotencyToken: "t1"},
		&event.ApprovalReceived{ApprovalID: "ap-1", Decision: "approved"},
	)

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestAssembleAfterCheckpoint(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "compressed")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "old one"},       // seq 2
		&event.MessageAdded{Role: event.RoleAssistant, Text: "old two"},  // seq 3
		&event.MessageAdded{Role: event.RoleUser, Text: "recent one"},    // seq 4
		&event.MessageAdded{Role: event.RoleAssistant, Text: "recent 2"}, // seq 5
	)
	writeCheckpoint(t, log, id, "earlier discussion summarized", 3, 100, 40) // seq 6

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.True(t, msgs[0].Summary)
	assert.Equal(t, "earlier discussion summarized", msgs[0].Text)
	assert.Equal(t, []string{"summary"}, msgs[0].Tags)
	assert.Equal(t, "recent one", msgs[1].Text)
	assert.Equal(t, "recent 2", msgs[2].Text)
}

func TestPreservedMessagesFollowSummaryInOriginalOrder(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "preserved")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleSystem, Text: "pinned charter", Preserve: true}, // seq 2
		&event.MessageAdded{Role: event.RoleUser, Text: "old chatter"},                      // seq 3
		&event.MessageAdded{Role: event.RoleUser, Text: "pinned decision", Preserve: true},  // seq 4
		&event.MessageAdded{Role: event.RoleUser, Text: "tail"},                             // seq 5
	)
	writeCheckpoint(t, log, id, "summary", 4, 80, 30, 2, 4) // seq 6

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.True(t, msgs[0].Summary)
	assert.Equal(t, "pinned charter", msgs[1].Text)
	assert.Equal(t, "pinned decision", msgs[2].Text)
	assert.Equal(t, "tail", msgs[3].Text)
}

func TestLaterCheckpointSupersedesEarlier(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "supersede")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "one"}, // seq 2
		&event.MessageAdded{Role: event.RoleUser, Text: "two"}, // seq 3
	)
	writeCheckpoint(t, log, id, "first summary", 2, 50, 20) // seq 4
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "three"}, // seq 5
	)
	writeCheckpoint(t, log, id, "second summary", 5, 40, 10) // seq 6

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second summary", msgs[0].Text)
}

func TestAssembleAtReconstructsEarlierViews(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "time travel")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "one"}, // seq 2
		&event.MessageAdded{Role: event.RoleUser, Text: "two"}, // seq 3
	)
	writeCheckpoint(t, log, id, "summary of one and two", 3, 60, 25) // seq 4
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "three"}, // seq 5
	)

	// Before the checkpoint existed: the raw history.
	msgs, err := a.AssembleAt(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)

	// At the checkpoint: summary only.
	msgs, err = a.AssembleAt(ctx, id, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Summary)

	// Now: summary plus the tail.
	msgs, err = a.AssembleAt(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[1].Text)
}

func TestAssemblyIsPure(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "pure")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "alpha", Tags: []string{"x"}},
		&event.ToolCalled{CallID: "call-1", Name: "grep", ArgsJSON: `{"pattern":"a"}`},
		&event.ToolCompleted{CallID: "call-1", ResultJSON: `{"lines":[]}`},
	)
	writeCheckpoint(t, log, id, "nothing of note", 2, 30, 10)

	first, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	second, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second, "no intervening appends, identical output")
}

func TestCheckpointsListing(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "checkpoints")
	require.NoError(t, err)
	appendAll(t, log, id, &event.MessageAdded{Role: event.RoleUser, Text: "one"})
	writeCheckpoint(t, log, id, "first", 2, 50, 20)          // seq 3
	writeCheckpoint(t, log, id, "second", 3, 40, 15, 2)      // seq 4

	cps, err := a.Checkpoints(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, int64(3), cps[0].Seq)
	assert.Equal(t, int64(2), cps[0].EventIndexCutoff)
	assert.Equal(t, int64(4), cps[1].Seq)
	assert.Equal(t, []int64{2}, cps[1].PreservedSeqs)

	cps, err = a.Checkpoints(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestTokenEstimateSumsMessages(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "estimate")
	require.NoError(t, err)
	// 200 bytes at the default 4 bytes/token heuristic: 50 tokens each.
	text := make([]byte, 200)
	for i := range text {
		text[i] = 'a'
	}
	for i := 0; i < 3; i++ {
		appendAll(t, log, id, &event.MessageAdded{Role: event.RoleUser, Text: string(text)})
	}

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 150, a.TokenEstimate(msgs))
}

// toCanonicalMap renders messages as a canonical JSON document for golden
// comparison. Every key is always present so fixtures stay stable.
func toCanonicalMap(a *Assembler, msgs []Message) map[string]any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, map[string]any{
			"seq":          m.Seq,
			"role":         m.Role,
			"text":         m.Text,
			"tags":         tags,
			"preserve":     m.Preserve,
			"summary":      m.Summary,
			"tool_call_id": m.ToolCallID,
			"tool_name":    m.ToolName,
			"tokens":       m.Tokens,
		})
	}
	return map[string]any{
		"messages":     out,
		"total_tokens": a.TokenEstimate(msgs),
	}
}

func TestAssembleGolden(t *testing.T) {
	a, log := newTestAssembler(t)
	ctx := context.Background()

	id, err := log.CreateExecution(ctx, "golden")
	require.NoError(t, err)
	appendAll(t, log, id,
		&event.MessageAdded{Role: event.RoleUser, Text: "Plan the refactor."},
		&event.MessageAdded{Role: event.RoleAssistant, Text: "Starting with the parser."},
		&event.ToolCalled{CallID: "call-1", Name: "read_file", ArgsJSON: `{"path":"parser.go"}`},
		&event.ToolCompleted{CallID: "call-1", ResultJSON: `{"ok":true}`},
		&event.MessageAdded{Role: event.RoleUser, Text: "Looks good, continue."},
	)

	msgs, err := a.Assemble(ctx, id)
	require.NoError(t, err)

	data, err := event.MarshalCanonical(toCanonicalMap(a, msgs))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "assemble_basic", data)
}

func seqs(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}
