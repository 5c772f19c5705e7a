package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestExecution creates an execution and returns its ID.
func createTestExecution(t *testing.T, s *Store, id string) string {
	t.Helper()
	if err := s.CreateExecution(context.Background(), id, testTime(0)); err != nil {
		t.Fatalf("CreateExecution() failed: %v", err)
	}
	return id
}

// createTestEvent builds a minimal inline event row.
func createTestEvent(executionID string, seq int64, typ string) EventRow {
	return EventRow{
		ID:          executionID + "-" + typ + "-" + string(rune('0'+seq)),
		ExecutionID: executionID,
		Seq:         seq,
		Type:        typ,
		Inline:      []byte(`{}`),
		CreatedAt:   testTime(seq),
	}
}

// testTime returns a fixed base time offset by n seconds.
func testTime(n int64) time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(n) * time.Second)
}
