package store

import (
	"context"
	"fmt"
	"time"
)

// ContentRow is one row of the content table. Body holds the stored bytes,
// zstd-compressed when Compressed is true (the overflow tier).
type ContentRow struct {
	ID             string
	Hash           string
	ContentType    string
	SizeBytes      int64
	TokenEstimate  int
	Body           []byte
	Compressed     bool
	ReferenceCount int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// UpsertContent inserts a content entry or, when an entry with the same hash
// already exists, increments its reference count. Returns inserted=false in
// the dedup case.
//
// The insert-or-increment runs in a single transaction so concurrent puts of
// identical bytes each count exactly one reference.
func (s *Store) UpsertContent(ctx context.Context, row ContentRow) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("upsert content: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO content
		(id, hash, content_type, size_bytes, token_estimate, body, compressed,
		 reference_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`,
		row.ID,
		row.Hash,
		row.ContentType,
		row.SizeBytes,
		row.TokenEstimate,
		row.Body,
		boolToInt(row.Compressed),
		formatTime(row.CreatedAt),
		formatTime(row.LastAccessedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert content: insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert content: rows affected: %w", err)
	}

	if affected == 0 {
		// Dedup hit: same bytes already stored, count one more reference.
		if _, err := tx.ExecContext(ctx, `
			UPDATE content
			SET reference_count = reference_count + 1
			WHERE hash = ?
		`, row.Hash); err != nil {
			return false, fmt.Errorf("upsert content: increment refcount: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert content: commit: %w", err)
	}
	return affected > 0, nil
}

// GetContent retrieves a content entry by hash.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetContent(ctx context.Context, hash string) (ContentRow, error) {
	var row ContentRow
	var compressed int
	var createdAt, lastAccessedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, content_type, size_bytes, token_estimate, body,
		       compressed, reference_count, created_at, last_accessed_at
		FROM content
		WHERE hash = ?
	`, hash).Scan(
		&row.ID, &row.Hash, &row.ContentType, &row.SizeBytes, &row.TokenEstimate,
		&row.Body, &compressed, &row.ReferenceCount, &createdAt, &lastAccessedAt,
	)
	if err != nil {
		return ContentRow{}, err
	}
	row.Compressed = compressed != 0
	row.CreatedAt = parseTime(createdAt)
	row.LastAccessedAt = parseTime(lastAccessedAt)
	return row, nil
}

// TouchContent updates last_accessed_at. Best effort: callers log failures
// instead of propagating them.
func (s *Store) TouchContent(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content SET last_accessed_at = ? WHERE hash = ?
	`, formatTime(at), hash)
	if err != nil {
		return fmt.Errorf("touch content: %w", err)
	}
	return nil
}

// ReleaseContent decrements a content entry's reference count, flooring at
// zero. Zero-reference entries are not deleted here - they become eligible
// for the deferred sweep, which keeps in-flight readers safe.
//
// Returns sql.ErrNoRows if the hash is unknown.
func (s *Store) ReleaseContent(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content
		SET reference_count = reference_count - 1
		WHERE hash = ? AND reference_count > 0
	`, hash)
	if err != nil {
		return fmt.Errorf("release content: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release content: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Either unknown hash or already at zero; distinguish the two.
	var count int64
	err = s.db.QueryRowContext(ctx, `
		SELECT reference_count FROM content WHERE hash = ?
	`, hash).Scan(&count)
	if err != nil {
		return err // sql.ErrNoRows for unknown hashes
	}
	return nil // already at zero, release is a no-op
}

// SweepContent deletes zero-reference entries last accessed before the
// cutoff. Returns the number of entries removed.
func (s *Store) SweepContent(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM content
		WHERE reference_count = 0 AND last_accessed_at < ?
	`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep content: rows affected: %w", err)
	}
	return n, nil
}

// ContentRefCount returns the current reference count for a hash.
// Returns sql.ErrNoRows if the hash is unknown.
func (s *Store) ContentRefCount(ctx context.Context, hash string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT reference_count FROM content WHERE hash = ?
	`, hash).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
