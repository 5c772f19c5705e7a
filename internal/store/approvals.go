package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Approval states persisted in the approvals table.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalTimedOut = "timed_out"
)

// ApprovalRow is one row of the approvals table. DeadlineAt is recorded at
// creation time so any replayer evaluates the same timeout outcome.
type ApprovalRow struct {
	ID               string
	ExecutionID      string
	IdempotencyToken string
	Action           string
	ContextRef       string
	State            string
	Decision         string
	DeadlineAt       time.Time
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// CreateApprovalWithEvent atomically writes an approval row, its
// ApprovalRequested event, and the execution's suspension in a single
// transaction (crash atomicity: either all three land or none do).
//
// Idempotent on (execution_id, idempotency_token): a retried call returns
// the existing approval ID with inserted=false and writes nothing. Reusing
// a token with a different action is ErrTokenMismatch.
func (s *Store) CreateApprovalWithEvent(ctx context.Context, appr ApprovalRow, ev EventRow) (id string, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("create approval: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO approvals
		(id, execution_id, idempotency_token, action, context_ref, state,
		 deadline_at, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(execution_id, idempotency_token) DO NOTHING
	`,
		appr.ID,
		appr.ExecutionID,
		appr.IdempotencyToken,
		appr.Action,
		nullString(appr.ContextRef),
		formatTime(appr.DeadlineAt),
		formatTime(appr.CreatedAt),
	)
	if err != nil {
		return "", false, fmt.Errorf("create approval: insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("create approval: rows affected: %w", err)
	}

	if affected == 0 {
		// Token already claimed - return the existing request.
		var existingID, existingAction string
		err = tx.QueryRowContext(ctx, `
			SELECT id, action FROM approvals
			WHERE execution_id = ? AND idempotency_token = ?
		`, appr.ExecutionID, appr.IdempotencyToken).Scan(&existingID, &existingAction)
		if err != nil {
			return "", false, fmt.Errorf("create approval: select existing: %w", err)
		}
		if existingAction != appr.Action {
			return "", false, fmt.Errorf("create approval: token %q: %w",
				appr.IdempotencyToken, ErrTokenMismatch)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("create approval: commit (existing): %w", err)
		}
		return existingID, false, nil
	}

	if err := insertEventTx(ctx, tx, ev); err != nil {
		return "", false, fmt.Errorf("create approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("create approval: commit: %w", err)
	}
	return appr.ID, true, nil
}

// ResolveApprovalWithEvent atomically transitions a pending approval to a
// terminal state, appends its ApprovalReceived event, and lifts the
// execution's suspension.
//
// First resolution wins: a non-pending approval yields ErrAlreadyResolved,
// an unknown ID yields sql.ErrNoRows.
func (s *Store) ResolveApprovalWithEvent(ctx context.Context, approvalID, newState, decision string, resolvedAt time.Time, ev EventRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve approval: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET state = ?, decision = ?, resolved_at = ?
		WHERE id = ? AND state = 'pending'
	`, newState, decision, formatTime(resolvedAt), approvalID)
	if err != nil {
		return fmt.Errorf("resolve approval: update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval: rows affected: %w", err)
	}
	if affected == 0 {
		var state string
		err = tx.QueryRowContext(ctx, `
			SELECT state FROM approvals WHERE id = ?
		`, approvalID).Scan(&state)
		if err != nil {
			return err // sql.ErrNoRows for unknown approvals
		}
		return fmt.Errorf("resolve approval %s (state=%s): %w",
			approvalID, state, ErrAlreadyResolved)
	}

	if err := insertEventTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve approval: commit: %w", err)
	}
	return nil
}

// GetApproval retrieves a single approval by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetApproval(ctx context.Context, id string) (ApprovalRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, idempotency_token, action, context_ref,
		       state, decision, deadline_at, created_at, resolved_at
		FROM approvals
		WHERE id = ?
	`, id)
	return scanApproval(row)
}

// ListDueApprovals returns pending approvals whose deadline is at or before
// asOf, ordered by ID. Used by the gate's deterministic expiry pass.
func (s *Store) ListDueApprovals(ctx context.Context, asOf time.Time) ([]ApprovalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, idempotency_token, action, context_ref,
		       state, decision, deadline_at, created_at, resolved_at
		FROM approvals
		WHERE state = 'pending' AND deadline_at <= ?
		ORDER BY id ASC
	`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("list due approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRow
	for rows.Next() {
		appr, err := scanApprovalRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, appr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due approvals: %w", err)
	}

	if out == nil {
		out = []ApprovalRow{}
	}
	return out, nil
}

// PendingApproval returns the pending approval for an execution, if any.
func (s *Store) PendingApproval(ctx context.Context, executionID string) (ApprovalRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, idempotency_token, action, context_ref,
		       state, decision, deadline_at, created_at, resolved_at
		FROM approvals
		WHERE execution_id = ? AND state = 'pending'
		ORDER BY id ASC
		LIMIT 1
	`, executionID)
	appr, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return ApprovalRow{}, false, nil
	}
	if err != nil {
		return ApprovalRow{}, false, err
	}
	return appr, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row *sql.Row) (ApprovalRow, error)       { return scanApprovalFrom(row) }
func scanApprovalRows(rows *sql.Rows) (ApprovalRow, error) { return scanApprovalFrom(rows) }

func scanApprovalFrom(sc rowScanner) (ApprovalRow, error) {
	var appr ApprovalRow
	var contextRef, decision, resolvedAt sql.NullString
	var deadlineAt, createdAt string
	if err := sc.Scan(
		&appr.ID, &appr.ExecutionID, &appr.IdempotencyToken, &appr.Action,
		&contextRef, &appr.State, &decision, &deadlineAt, &createdAt, &resolvedAt,
	); err != nil {
		return ApprovalRow{}, err
	}
	appr.ContextRef = contextRef.String
	appr.Decision = decision.String
	appr.DeadlineAt = parseTime(deadlineAt)
	appr.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		appr.ResolvedAt = &t
	}
	return appr, nil
}
