package store

import (
	"context"
	"fmt"
	"time"
)

// Execution states persisted in the executions table.
const (
	ExecutionActive    = "active"
	ExecutionSuspended = "suspended"
	ExecutionFinalized = "finalized"
)

// ExecutionRow is one row of the executions table. last_seq is the
// execution's logical clock: the seq of the most recent event.
type ExecutionRow struct {
	ID        string
	State     string
	LastSeq   int64
	CreatedAt time.Time
}

// CreateExecution inserts an execution record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are
// silently ignored (safe under crash-and-retry).
func (s *Store) CreateExecution(ctx context.Context, id string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, state, last_seq, created_at)
		VALUES (?, 'active', 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetExecution(ctx context.Context, id string) (ExecutionRow, error) {
	var row ExecutionRow
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, last_seq, created_at
		FROM executions
		WHERE id = ?
	`, id).Scan(&row.ID, &row.State, &row.LastSeq, &createdAt)
	if err != nil {
		return ExecutionRow{}, err
	}
	row.CreatedAt = parseTime(createdAt)
	return row, nil
}

// ListExecutions returns all executions ordered by ID (UUIDv7 IDs are
// time-sortable, so this is creation order).
func (s *Store) ListExecutions(ctx context.Context) ([]ExecutionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, last_seq, created_at
		FROM executions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var row ExecutionRow
		var createdAt string
		if err := rows.Scan(&row.ID, &row.State, &row.LastSeq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		row.CreatedAt = parseTime(createdAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	if out == nil {
		out = []ExecutionRow{}
	}
	return out, nil
}

// formatTime serializes a timestamp as UTC RFC 3339 with nanoseconds.
// Timestamps are informational only; all ordering uses seq.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime is the inverse of formatTime. Malformed values yield the zero
// time rather than an error: timestamps never participate in replay.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
