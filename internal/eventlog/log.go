// Package eventlog implements the append-only execution log.
//
// Every state change in an execution is an event at a unique, gapless
// sequence number. Events are never updated or deleted, so replaying the
// log from seq 1 reconstructs the exact execution state. Ordering is total
// within one execution and unspecified across executions.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/substrate/internal/content"
	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/observer"
	"github.com/roach88/substrate/internal/store"
)

// DefaultInlineThreshold routes payloads above this many encoded bytes
// through the content store instead of the event row itself.
const DefaultInlineThreshold = 4 * 1024

// Projection selects how much of each event Read materializes.
type Projection int

const (
	// MetadataOnly returns events without decoding payloads or resolving
	// content refs. Cheap; used for scans and counting.
	MetadataOnly Projection = iota

	// Full resolves content refs and decodes every payload.
	Full
)

// ReadOptions bounds a Read. Zero values mean "from the start", "to the
// end", and "no limit".
type ReadOptions struct {
	FromSeq    int64
	ToSeq      int64
	Limit      int
	Projection Projection
}

// Log is the append-only event log over all executions.
//
// Appends to one execution are strictly serialized by a per-execution
// mutex; this is the single-writer discipline that keeps sequence numbers
// gapless. Reads never take the mutex.
type Log struct {
	db      *store.Store
	content *content.Store

	ids             event.IDGenerator
	clock           func() time.Time
	inlineThreshold int
	observers       []observer.Observer
	logger          *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator overrides the execution ID generator (tests).
func WithIDGenerator(gen event.IDGenerator) Option {
	return func(l *Log) { l.ids = gen }
}

// WithClock overrides the wall clock (tests). Event timestamps are
// informational only; ordering always comes from seq.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithInlineThreshold overrides the inline/overflow payload boundary.
func WithInlineThreshold(n int) Option {
	return func(l *Log) { l.inlineThreshold = n }
}

// WithObserver appends a lifecycle observer. Observers run synchronously
// after each durable append, in registration order.
func WithObserver(o observer.Observer) Option {
	return func(l *Log) { l.observers = append(l.observers, o) }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates a Log over db, routing oversized payloads through cs.
func New(db *store.Store, cs *content.Store, opts ...Option) *Log {
	l := &Log{
		db:              db,
		content:         cs,
		ids:             event.UUIDv7Generator{},
		clock:           time.Now,
		inlineThreshold: DefaultInlineThreshold,
		logger:          slog.Default(),
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// lockFor returns the mutex serializing appends for one execution.
func (l *Log) lockFor(executionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[executionID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[executionID] = mu
	}
	return mu
}

// Locked runs fn while holding the execution's append mutex. Components
// that read state, decide, and then append (the approval gate, the
// compression engine) use this to make the whole decision atomic with
// respect to other appenders. fn must append via AppendLocked, never
// Append.
func (l *Log) Locked(executionID string, fn func() error) error {
	mu := l.lockFor(executionID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// CreateExecution allocates a new execution and appends its
// ExecutionStarted event at seq 1. Returns the execution ID.
func (l *Log) CreateExecution(ctx context.Context, title string) (string, error) {
	id := l.ids.Generate()
	if err := l.db.CreateExecution(ctx, id, l.clock()); err != nil {
		return "", fault.StorageFailure("create execution", err).WithExecution(id)
	}
	err := l.Locked(id, func() error {
		_, err := l.AppendLocked(ctx, id, &event.ExecutionStarted{Title: title}, "")
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Append durably appends one event to an execution and returns it.
//
// Fails with NotFound for unknown executions and Conflict for finalized
// ones. While the execution is suspended on a pending approval, only the
// resolution and cancellation events are accepted; anything else is a
// Conflict.
func (l *Log) Append(ctx context.Context, executionID string, p event.Payload) (event.Event, error) {
	var ev event.Event
	err := l.Locked(executionID, func() error {
		var err error
		ev, err = l.AppendLocked(ctx, executionID, p, "")
		return err
	})
	return ev, err
}

// AppendLocked is Append for callers already inside Locked. transition
// optionally moves the execution to a new state in the same transaction as
// the insert ("" leaves it unchanged).
func (l *Log) AppendLocked(ctx context.Context, executionID string, p event.Payload, transition string) (event.Event, error) {
	ev, row, err := l.PrepareLocked(ctx, executionID, p, transition)
	if err != nil {
		return event.Event{}, err
	}

	if err := l.db.InsertEvent(ctx, row); err != nil {
		if errors.Is(err, store.ErrSequenceConflict) {
			return event.Event{}, fault.Conflict("concurrent append lost sequence race").WithExecution(executionID)
		}
		return event.Event{}, fault.StorageFailure("append event", err).WithExecution(executionID)
	}

	l.NotifyAppended(ev)
	return ev, nil
}

// PrepareLocked validates and builds the next event without inserting it.
// For components that must commit the event atomically with rows of their
// own (the approval gate's combined transactions). The caller must hold
// Locked, insert the returned row itself, and call NotifyAppended once its
// transaction commits.
func (l *Log) PrepareLocked(ctx context.Context, executionID string, p event.Payload, transition string) (event.Event, store.EventRow, error) {
	exec, err := l.db.GetExecution(ctx, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, store.EventRow{}, fault.NotFound("unknown execution").WithExecution(executionID)
	}
	if err != nil {
		return event.Event{}, store.EventRow{}, fault.StorageFailure("load execution", err).WithExecution(executionID)
	}

	switch exec.State {
	case store.ExecutionFinalized:
		return event.Event{}, store.EventRow{}, fault.Conflict("execution is finalized").WithExecution(executionID)
	case store.ExecutionSuspended:
		if !resumesSuspended(p.EventType()) {
			return event.Event{}, store.EventRow{}, fault.Conflict(
				fmt.Sprintf("execution suspended awaiting approval, cannot append %s", p.EventType()),
			).WithExecution(executionID)
		}
	}

	ev, row, err := l.buildEvent(ctx, executionID, exec.LastSeq+1, p)
	if err != nil {
		return event.Event{}, store.EventRow{}, err
	}
	row.NewState = transition
	return ev, row, nil
}

// NotifyAppended runs the observers for a durably appended event.
func (l *Log) NotifyAppended(ev event.Event) {
	for _, o := range l.observers {
		o.EventAppended(ev)
	}
}

// buildEvent encodes the payload, routes it inline or through the content
// store, and computes the event's content-addressed ID.
func (l *Log) buildEvent(ctx context.Context, executionID string, seq int64, p event.Payload) (event.Event, store.EventRow, error) {
	data, err := event.EncodePayload(p)
	if err != nil {
		return event.Event{}, store.EventRow{}, fault.InvalidState(err.Error()).WithExecution(executionID)
	}

	// Inline or overflow, the ID hashes the same payload digest, so the
	// event identity is independent of where the bytes live.
	payloadHash := string(event.Ref(data))

	var inline []byte
	var ref event.ContentRef
	if len(data) > l.inlineThreshold {
		ref, err = l.content.Put(ctx, data, "event/"+string(p.EventType()))
		if err != nil {
			return event.Event{}, store.EventRow{}, err
		}
	} else {
		inline = data
	}

	id, err := event.EventID(executionID, seq, p.EventType(), payloadHash)
	if err != nil {
		return event.Event{}, store.EventRow{}, fault.InvalidState(err.Error()).WithExecution(executionID)
	}

	now := l.clock()
	ev := event.Event{
		ID:          id,
		ExecutionID: executionID,
		Seq:         seq,
		Type:        p.EventType(),
		Inline:      inline,
		Ref:         ref,
		CreatedAt:   now,
		Payload:     p,
	}
	row := store.EventRow{
		ID:          id,
		ExecutionID: executionID,
		Seq:         seq,
		Type:        string(p.EventType()),
		Inline:      inline,
		ContentRef:  string(ref),
		CreatedAt:   now,
	}
	return ev, row, nil
}

// resumesSuspended reports whether an event type may be appended while the
// execution is suspended on a pending approval.
func resumesSuspended(t event.Type) bool {
	return t == event.TypeApprovalReceived || t == event.TypeCancelled
}

// Read returns the execution's events ordered by seq ascending.
//
// With the Full projection every content ref is resolved and every payload
// decoded, which is what replay consumes. Unknown executions fail with
// NotFound.
func (l *Log) Read(ctx context.Context, executionID string, opts ReadOptions) ([]event.Event, error) {
	rows, err := l.db.ReadEvents(ctx, executionID, opts.FromSeq, opts.ToSeq, opts.Limit)
	if err != nil {
		return nil, fault.StorageFailure("read events", err).WithExecution(executionID)
	}
	if len(rows) == 0 {
		// Distinguish an empty window from a missing execution.
		if _, err := l.db.GetExecution(ctx, executionID); errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("unknown execution").WithExecution(executionID)
		} else if err != nil {
			return nil, fault.StorageFailure("load execution", err).WithExecution(executionID)
		}
	}
	return l.materialize(ctx, rows, opts.Projection)
}

// ReadByType returns the execution's events of one type at or below
// uptoSeq (0 means no bound), metadata-only.
func (l *Log) ReadByType(ctx context.Context, executionID string, t event.Type, uptoSeq int64) ([]event.Event, error) {
	rows, err := l.db.ReadEventsByType(ctx, executionID, string(t), uptoSeq)
	if err != nil {
		return nil, fault.StorageFailure("read events by type", err).WithExecution(executionID)
	}
	return l.materialize(ctx, rows, MetadataOnly)
}

func (l *Log) materialize(ctx context.Context, rows []store.EventRow, proj Projection) ([]event.Event, error) {
	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		ev := event.Event{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			Seq:         r.Seq,
			Type:        event.Type(r.Type),
			Inline:      r.Inline,
			Ref:         event.ContentRef(r.ContentRef),
			CreatedAt:   r.CreatedAt,
		}
		if proj == Full {
			data := r.Inline
			if ev.HasRef() {
				var err error
				data, err = l.content.Get(ctx, ev.Ref)
				if err != nil {
					return nil, err
				}
			}
			p, err := event.DecodePayload(ev.Type, data)
			if err != nil {
				return nil, fault.InvalidState(err.Error()).WithExecution(r.ExecutionID)
			}
			ev.Payload = p
		}
		events = append(events, ev)
	}
	return events, nil
}

// ResolvePayload decodes one event's payload, fetching its content ref if
// it has one. No-op when the payload is already decoded.
func (l *Log) ResolvePayload(ctx context.Context, ev *event.Event) error {
	if ev.Payload != nil {
		return nil
	}
	data := ev.Inline
	if ev.HasRef() {
		var err error
		data, err = l.content.Get(ctx, ev.Ref)
		if err != nil {
			return err
		}
	}
	p, err := event.DecodePayload(ev.Type, data)
	if err != nil {
		return fault.InvalidState(err.Error()).WithExecution(ev.ExecutionID)
	}
	ev.Payload = p
	return nil
}

// Execution returns the execution record (state and logical clock).
func (l *Log) Execution(ctx context.Context, executionID string) (store.ExecutionRow, error) {
	exec, err := l.db.GetExecution(ctx, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ExecutionRow{}, fault.NotFound("unknown execution").WithExecution(executionID)
	}
	if err != nil {
		return store.ExecutionRow{}, fault.StorageFailure("load execution", err).WithExecution(executionID)
	}
	return exec, nil
}

// Executions lists all execution records.
func (l *Log) Executions(ctx context.Context) ([]store.ExecutionRow, error) {
	execs, err := l.db.ListExecutions(ctx)
	if err != nil {
		return nil, fault.StorageFailure("list executions", err)
	}
	return execs, nil
}

// Finalize appends the terminal ExecutionFinalized event and moves the
// execution to the finalized state. Further appends fail with Conflict.
func (l *Log) Finalize(ctx context.Context, executionID, status string) (event.Event, error) {
	var ev event.Event
	err := l.Locked(executionID, func() error {
		var err error
		ev, err = l.AppendLocked(ctx, executionID, &event.ExecutionFinalized{Status: status}, store.ExecutionFinalized)
		return err
	})
	return ev, err
}

// Cancel appends a Cancelled event, lifting a suspension if one is in
// effect, and releases content refs held for not-yet-committed drafts.
// Release failures are logged, never surfaced: the cancellation itself is
// already durable.
func (l *Log) Cancel(ctx context.Context, executionID, reason string, draftRefs ...event.ContentRef) (event.Event, error) {
	var ev event.Event
	err := l.Locked(executionID, func() error {
		var err error
		ev, err = l.AppendLocked(ctx, executionID, &event.Cancelled{Reason: reason}, store.ExecutionActive)
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	for _, ref := range draftRefs {
		if err := l.content.Release(ctx, ref); err != nil {
			l.logger.Warn("release draft ref on cancel failed",
				"execution", executionID, "ref", string(ref), "error", err)
		}
	}
	return ev, nil
}

// Content exposes the underlying content store for components composed
// around the log.
func (l *Log) Content() *content.Store { return l.content }

// Store exposes the underlying persistence layer for components that need
// combined transactions (the approval gate).
func (l *Log) Store() *store.Store { return l.db }
