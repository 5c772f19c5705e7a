// Package content implements the hash-addressed, reference-counted content
// store.
//
// Entries are immutable after creation: concurrent reads and writes of
// content bytes never race, and only the reference count is mutated (inside
// a store transaction). Put is referentially transparent - the same bytes
// always produce the same ref - which is what enables cross-execution
// deduplication of repeated system prompts and tool schemas.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/token"
)

// DefaultOverflowThreshold routes content at or above this size to the
// compressed overflow tier. The tier choice is invisible to callers, who
// only ever see a ref.
const DefaultOverflowThreshold = 256 * 1024

// Store is the content-addressed blob store.
type Store struct {
	db                *store.Store
	overflowThreshold int
	estimator         token.Estimator
	ids               event.IDGenerator
	clock             func() time.Time
	logger            *slog.Logger

	// group collapses concurrent Gets of the same ref so a large overflow
	// entry is decompressed once, not once per reader.
	group singleflight.Group

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a Store.
type Option func(*Store)

// WithOverflowThreshold overrides the overflow tier boundary in bytes.
func WithOverflowThreshold(n int) Option {
	return func(s *Store) { s.overflowThreshold = n }
}

// WithEstimator overrides the token estimator recorded on new entries.
func WithEstimator(est token.Estimator) Option {
	return func(s *Store) { s.estimator = est }
}

// WithIDGenerator overrides the entry ID generator (tests).
func WithIDGenerator(gen event.IDGenerator) Option {
	return func(s *Store) { s.ids = gen }
}

// WithClock overrides the wall clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a content store over db.
func New(db *store.Store, opts ...Option) (*Store, error) {
	s := &Store{
		db:                db,
		overflowThreshold: DefaultOverflowThreshold,
		estimator:         token.Heuristic{},
		ids:               event.UUIDv7Generator{},
		clock:             time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("content store: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("content store: init zstd decoder: %w", err)
	}
	s.enc = enc
	s.dec = dec
	return s, nil
}

// Put stores data and returns its content-addressed ref.
//
// Idempotent: putting identical bytes again returns the same ref and counts
// one more reference on the existing entry, never duplicating storage.
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (event.ContentRef, error) {
	ref := event.Ref(data)
	now := s.clock()

	body := data
	compressed := false
	if len(data) >= s.overflowThreshold {
		body = s.enc.EncodeAll(data, nil)
		compressed = true
	}

	row := store.ContentRow{
		ID:             s.ids.Generate(),
		Hash:           string(ref),
		ContentType:    contentType,
		SizeBytes:      int64(len(data)),
		TokenEstimate:  s.estimator.Estimate(string(data)),
		Body:           body,
		Compressed:     compressed,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	inserted, err := s.db.UpsertContent(ctx, row)
	if err != nil {
		return "", fault.StorageFailure("put content", err).WithRef(string(ref))
	}
	if inserted && compressed {
		s.logger.Debug("content routed to overflow tier",
			"ref", string(ref), "size", len(data), "stored", len(body))
	}
	return ref, nil
}

// Get returns the bytes for ref, transparently decompressing overflow-tier
// entries. The returned slice is shared between concurrent callers and must
// not be mutated.
//
// Fails with a NotFound fault for unknown refs. The last-access timestamp is
// updated best-effort: a failed touch is logged, never surfaced.
func (s *Store) Get(ctx context.Context, ref event.ContentRef) ([]byte, error) {
	v, err, _ := s.group.Do(string(ref), func() (any, error) {
		row, err := s.db.GetContent(ctx, string(ref))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("unknown content ref").WithRef(string(ref))
		}
		if err != nil {
			return nil, fault.StorageFailure("get content", err).WithRef(string(ref))
		}

		body := row.Body
		if row.Compressed {
			body, err = s.dec.DecodeAll(row.Body, nil)
			if err != nil {
				return nil, fault.StorageFailure("decompress content", err).WithRef(string(ref))
			}
		}

		if err := s.db.TouchContent(ctx, string(ref), s.clock()); err != nil {
			s.logger.Warn("touch content failed", "ref", string(ref), "error", err)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Meta returns the entry metadata for ref without its body.
func (s *Store) Meta(ctx context.Context, ref event.ContentRef) (store.ContentRow, error) {
	row, err := s.db.GetContent(ctx, string(ref))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ContentRow{}, fault.NotFound("unknown content ref").WithRef(string(ref))
	}
	if err != nil {
		return store.ContentRow{}, fault.StorageFailure("get content meta", err).WithRef(string(ref))
	}
	row.Body = nil
	return row, nil
}

// Release decrements the entry's reference count. Zero-reference entries
// become eligible for the deferred sweep; they are never deleted
// synchronously, so in-flight readers stay safe.
func (s *Store) Release(ctx context.Context, ref event.ContentRef) error {
	err := s.db.ReleaseContent(ctx, string(ref))
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound("unknown content ref").WithRef(string(ref))
	}
	if err != nil {
		return fault.StorageFailure("release content", err).WithRef(string(ref))
	}
	return nil
}

// RefCount returns the current reference count for ref. Intended for the
// CLI and tests.
func (s *Store) RefCount(ctx context.Context, ref event.ContentRef) (int64, error) {
	count, err := s.db.ContentRefCount(ctx, string(ref))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fault.NotFound("unknown content ref").WithRef(string(ref))
	}
	if err != nil {
		return 0, fault.StorageFailure("content refcount", err).WithRef(string(ref))
	}
	return count, nil
}
