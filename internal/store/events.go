package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRow is one row of the events table. Exactly one of Inline and
// ContentRef is set (enforced by a schema CHECK).
type EventRow struct {
	ID          string
	ExecutionID string
	Seq         int64
	Type        string
	Inline      []byte
	ContentRef  string
	CreatedAt   time.Time

	// NewState optionally transitions the execution state in the same
	// transaction as the insert ("" leaves the state unchanged).
	NewState string
}

// InsertEvent appends one event and advances the execution's logical clock
// in a single transaction.
//
// The executions update carries two guards: last_seq must equal seq-1
// (optimistic sequence check - a lost race surfaces as ErrSequenceConflict
// instead of a gap or duplicate) and the execution must not be finalized.
func (s *Store) InsertEvent(ctx context.Context, row EventRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := insertEventTx(ctx, tx, row); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert event: commit: %w", err)
	}
	return nil
}

// insertEventTx is the transaction body shared with the approval combined
// writes.
func insertEventTx(ctx context.Context, tx *sql.Tx, row EventRow) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET last_seq = ?,
		    state = CASE WHEN ? <> '' THEN ? ELSE state END
		WHERE id = ? AND last_seq = ? AND state <> 'finalized'
	`, row.Seq, row.NewState, row.NewState, row.ExecutionID, row.Seq-1)
	if err != nil {
		return fmt.Errorf("insert event: advance clock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("insert event %s/%d: %w", row.ExecutionID, row.Seq, ErrSequenceConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, execution_id, seq, type, inline_data, content_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		row.ID,
		row.ExecutionID,
		row.Seq,
		row.Type,
		nullBytes(row.Inline),
		nullString(row.ContentRef),
		formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ReadEvents returns events for an execution in the seq range
// [fromSeq, toSeq], ordered by seq ASC. toSeq <= 0 means unbounded.
// limit <= 0 means no limit (callers page with fromSeq/limit).
//
// Returns an empty slice (not nil) if no events match.
func (s *Store) ReadEvents(ctx context.Context, executionID string, fromSeq, toSeq int64, limit int) ([]EventRow, error) {
	if toSeq <= 0 {
		toSeq = 1<<63 - 1
	}
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unlimited
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, seq, type, inline_data, content_ref, created_at
		FROM events
		WHERE execution_id = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
		LIMIT ?
	`, executionID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadEventsByType returns events of one type for an execution with
// seq <= uptoSeq, ordered by seq ASC. uptoSeq <= 0 means unbounded.
// Used to locate checkpoints.
func (s *Store) ReadEventsByType(ctx context.Context, executionID, typ string, uptoSeq int64) ([]EventRow, error) {
	if uptoSeq <= 0 {
		uptoSeq = 1<<63 - 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, seq, type, inline_data, content_ref, created_at
		FROM events
		WHERE execution_id = ? AND type = ? AND seq <= ?
		ORDER BY seq ASC
	`, executionID, typ, uptoSeq)
	if err != nil {
		return nil, fmt.Errorf("read events by type: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var row EventRow
		var inline []byte
		var ref sql.NullString
		var createdAt string
		if err := rows.Scan(
			&row.ID, &row.ExecutionID, &row.Seq, &row.Type,
			&inline, &ref, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		row.Inline = inline
		if ref.Valid {
			row.ContentRef = ref.String
		}
		row.CreatedAt = parseTime(createdAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if out == nil {
		out = []EventRow{}
	}
	return out, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
