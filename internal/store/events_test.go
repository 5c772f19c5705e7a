package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestInsertEvent_AdvancesClock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	for seq := int64(1); seq <= 3; seq++ {
		if err := s.InsertEvent(ctx, createTestEvent(exec, seq, "message_added")); err != nil {
			t.Fatalf("InsertEvent(seq=%d) failed: %v", seq, err)
		}
	}

	row, err := s.GetExecution(ctx, exec)
	if err != nil {
		t.Fatalf("GetExecution() failed: %v", err)
	}
	if row.LastSeq != 3 {
		t.Errorf("last_seq = %d, want 3", row.LastSeq)
	}
}

func TestInsertEvent_SequenceGapRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	// seq 1 missing; inserting seq 2 must fail the last_seq guard.
	err := s.InsertEvent(ctx, createTestEvent(exec, 2, "message_added"))
	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("InsertEvent(gap) error = %v, want ErrSequenceConflict", err)
	}
}

func TestInsertEvent_DuplicateSeqRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	if err := s.InsertEvent(ctx, createTestEvent(exec, 1, "message_added")); err != nil {
		t.Fatalf("InsertEvent() failed: %v", err)
	}

	dup := createTestEvent(exec, 1, "message_added")
	dup.ID = "other-id"
	err := s.InsertEvent(ctx, dup)
	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("InsertEvent(dup) error = %v, want ErrSequenceConflict", err)
	}
}

func TestInsertEvent_FinalizedExecutionRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	fin := createTestEvent(exec, 1, "execution_finalized")
	fin.NewState = ExecutionFinalized
	if err := s.InsertEvent(ctx, fin); err != nil {
		t.Fatalf("InsertEvent(finalize) failed: %v", err)
	}

	err := s.InsertEvent(ctx, createTestEvent(exec, 2, "message_added"))
	if !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("InsertEvent(after finalize) error = %v, want ErrSequenceConflict", err)
	}
}

func TestInsertEvent_StateTransition(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	ev := createTestEvent(exec, 1, "approval_requested")
	ev.NewState = ExecutionSuspended
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent() failed: %v", err)
	}

	row, err := s.GetExecution(ctx, exec)
	if err != nil {
		t.Fatalf("GetExecution() failed: %v", err)
	}
	if row.State != ExecutionSuspended {
		t.Errorf("state = %q, want %q", row.State, ExecutionSuspended)
	}
}

func TestReadEvents_RangeAndOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	for seq := int64(1); seq <= 5; seq++ {
		if err := s.InsertEvent(ctx, createTestEvent(exec, seq, "message_added")); err != nil {
			t.Fatalf("InsertEvent(seq=%d) failed: %v", seq, err)
		}
	}

	events, err := s.ReadEvents(ctx, exec, 2, 4, 0)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, ev := range events {
		if want := int64(i + 2); ev.Seq != want {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, want)
		}
	}
}

func TestReadEvents_Limit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	for seq := int64(1); seq <= 5; seq++ {
		if err := s.InsertEvent(ctx, createTestEvent(exec, seq, "message_added")); err != nil {
			t.Fatalf("InsertEvent(seq=%d) failed: %v", seq, err)
		}
	}

	events, err := s.ReadEvents(ctx, exec, 1, 0, 2)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}
}

func TestReadEvents_EmptyReturnsEmptySlice(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	events, err := s.ReadEvents(ctx, exec, 1, 0, 0)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if events == nil {
		t.Error("ReadEvents() returned nil, want empty slice")
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestReadEventsByType(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	types := []string{"message_added", "context_compressed", "message_added", "context_compressed"}
	for i, typ := range types {
		if err := s.InsertEvent(ctx, createTestEvent(exec, int64(i+1), typ)); err != nil {
			t.Fatalf("InsertEvent(seq=%d) failed: %v", i+1, err)
		}
	}

	checkpoints, err := s.ReadEventsByType(ctx, exec, "context_compressed", 0)
	if err != nil {
		t.Fatalf("ReadEventsByType() failed: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("len(checkpoints) = %d, want 2", len(checkpoints))
	}

	// Bounded by seq.
	bounded, err := s.ReadEventsByType(ctx, exec, "context_compressed", 3)
	if err != nil {
		t.Fatalf("ReadEventsByType(upto=3) failed: %v", err)
	}
	if len(bounded) != 1 || bounded[0].Seq != 2 {
		t.Errorf("bounded read = %+v, want single event at seq 2", bounded)
	}
}

func TestInsertEvent_ContentRefStored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, "exec-1")

	ev := EventRow{
		ID:          "ev-ref",
		ExecutionID: exec,
		Seq:         1,
		Type:        "message_added",
		ContentRef:  "abc123",
		CreatedAt:   testTime(1),
	}
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("InsertEvent() failed: %v", err)
	}

	events, err := s.ReadEvents(ctx, exec, 1, 1, 0)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if events[0].ContentRef != "abc123" {
		t.Errorf("ContentRef = %q, want %q", events[0].ContentRef, "abc123")
	}
	if events[0].Inline != nil {
		t.Errorf("Inline = %v, want nil", events[0].Inline)
	}
}

func TestGetExecution_Unknown(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetExecution(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestCreateExecution_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateExecution(ctx, "exec-1", testTime(0)); err != nil {
		t.Fatalf("first CreateExecution() failed: %v", err)
	}
	if err := s.CreateExecution(ctx, "exec-1", testTime(9)); err != nil {
		t.Fatalf("second CreateExecution() failed: %v", err)
	}

	execs, err := s.ListExecutions(ctx)
	if err != nil {
		t.Fatalf("ListExecutions() failed: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("len(executions) = %d, want 1", len(execs))
	}
}
