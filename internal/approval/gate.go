// Package approval implements the durable suspend/resume gate for
// human-in-the-loop decisions.
//
// A request suspends its execution until a decision arrives or the deadline
// recorded at creation passes. Deadlines resolve to Denied - the fail-safe
// default - and because the deadline is persisted up front, any replayer
// evaluates the same outcome no matter when it runs.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/substrate/internal/event"
	"github.com/roach88/substrate/internal/eventlog"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/observer"
	"github.com/roach88/substrate/internal/store"
)

// DefaultTimeout bounds requests created without an explicit deadline.
const DefaultTimeout = 24 * time.Hour

// Decisions accepted by Resolve.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// Outcome is the terminal result of one approval request.
type Outcome struct {
	ApprovalID string
	State      string // store.ApprovalApproved / ApprovalDenied / ApprovalTimedOut
	Decision   string
	TimedOut   bool
}

// Approved reports whether the action may proceed.
func (o Outcome) Approved() bool { return o.Decision == DecisionApproved }

// Gate suspends executions on pending approvals and resumes them on
// resolution. All durable state lives in the store; the in-memory waiter
// map only exists to wake blocked Await callers.
type Gate struct {
	log *eventlog.Log

	ids            event.IDGenerator
	clock          func() time.Time
	defaultTimeout time.Duration
	observers      []observer.Observer
	logger         *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan Outcome
	timers  map[string]*time.Timer
}

// Option configures a Gate.
type Option func(*Gate)

// WithIDGenerator overrides the approval ID generator (tests).
func WithIDGenerator(gen event.IDGenerator) Option {
	return func(g *Gate) { g.ids = gen }
}

// WithClock overrides the wall clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithDefaultTimeout overrides the deadline applied when Request is called
// with a zero deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) { g.defaultTimeout = d }
}

// WithObserver appends a lifecycle observer.
func WithObserver(o observer.Observer) Option {
	return func(g *Gate) { g.observers = append(g.observers, o) }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// New creates a Gate over log.
func New(log *eventlog.Log, opts ...Option) *Gate {
	g := &Gate{
		log:            log,
		ids:            event.UUIDv7Generator{},
		clock:          time.Now,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		waiters:        make(map[string][]chan Outcome),
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Request creates an approval request, suspends the execution, and appends
// ApprovalRequested - all in one transaction. Returns the approval ID.
//
// Idempotent on (executionID, idempotencyToken): a retried call returns the
// original approval ID without writing anything, so crash-and-retry never
// duplicates a request. Reusing a token with a different action is a
// Conflict. A zero deadline means now plus the default timeout.
func (g *Gate) Request(ctx context.Context, executionID, action string, contextSnapshot []byte, idempotencyToken string, deadline time.Time) (string, error) {
	if deadline.IsZero() {
		deadline = g.clock().Add(g.defaultTimeout)
	}

	var approvalID string
	err := g.log.Locked(executionID, func() error {
		// A retried request finds the execution already suspended on its
		// own token; answer it before the suspension check rejects it.
		pending, ok, err := g.log.Store().PendingApproval(ctx, executionID)
		if err != nil {
			return fault.StorageFailure("lookup pending approval", err).WithExecution(executionID)
		}
		if ok {
			if pending.IdempotencyToken != idempotencyToken {
				return fault.Conflict("execution suspended on another approval").
					WithExecution(executionID).WithApproval(pending.ID)
			}
			if pending.Action != action {
				return fault.Conflict("idempotency token reused with a different action").
					WithExecution(executionID).WithApproval(pending.ID)
			}
			approvalID = pending.ID
			return nil
		}

		var snapshotRef event.ContentRef
		if len(contextSnapshot) > 0 {
			snapshotRef, err = g.log.Content().Put(ctx, contextSnapshot, "approval_snapshot")
			if err != nil {
				return err
			}
		}

		id := g.ids.Generate()
		ev, row, err := g.log.PrepareLocked(ctx, executionID, &event.ApprovalRequested{
			ApprovalID:       id,
			Action:           action,
			IdempotencyToken: idempotencyToken,
			ContextRef:       string(snapshotRef),
			DeadlineUnixMs:   deadline.UnixMilli(),
		}, store.ExecutionSuspended)
		if err != nil {
			return err
		}

		gotID, inserted, err := g.log.Store().CreateApprovalWithEvent(ctx, store.ApprovalRow{
			ID:               id,
			ExecutionID:      executionID,
			IdempotencyToken: idempotencyToken,
			Action:           action,
			ContextRef:       string(snapshotRef),
			DeadlineAt:       deadline,
			CreatedAt:        g.clock(),
		}, row)
		if errors.Is(err, store.ErrTokenMismatch) {
			return fault.Conflict("idempotency token reused with a different action").WithExecution(executionID)
		}
		if err != nil {
			return fault.StorageFailure("create approval", err).WithExecution(executionID)
		}

		approvalID = gotID
		if !inserted {
			// Resolved earlier and retried now: nothing was written, so the
			// snapshot we staged is an orphan ref.
			if snapshotRef != "" {
				g.releaseSnapshot(ctx, snapshotRef)
			}
			return nil
		}

		g.log.NotifyAppended(ev)
		for _, o := range g.observers {
			o.ApprovalRequested(executionID, gotID, action)
		}
		g.armTimer(gotID, deadline)
		return nil
	})
	if err != nil {
		return "", err
	}
	return approvalID, nil
}

// Resolve transitions a pending approval to its terminal state, appends
// ApprovalReceived, and resumes the execution.
//
// First resolution wins: resolving a non-pending approval fails with
// InvalidState and retains the original decision; unknown IDs are NotFound.
func (g *Gate) Resolve(ctx context.Context, approvalID, decision string) error {
	if decision != DecisionApproved && decision != DecisionDenied {
		return fault.InvalidState("decision must be approved or denied").WithApproval(approvalID)
	}
	state := store.ApprovalApproved
	if decision == DecisionDenied {
		state = store.ApprovalDenied
	}
	return g.resolve(ctx, approvalID, state, decision, false)
}

func (g *Gate) resolve(ctx context.Context, approvalID, state, decision string, timedOut bool) error {
	appr, err := g.log.Store().GetApproval(ctx, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound("unknown approval").WithApproval(approvalID)
	}
	if err != nil {
		return fault.StorageFailure("load approval", err).WithApproval(approvalID)
	}

	err = g.log.Locked(appr.ExecutionID, func() error {
		ev, row, err := g.log.PrepareLocked(ctx, appr.ExecutionID, &event.ApprovalReceived{
			ApprovalID: approvalID,
			Decision:   decision,
			TimedOut:   timedOut,
		}, store.ExecutionActive)
		if err != nil {
			return err
		}

		err = g.log.Store().ResolveApprovalWithEvent(ctx, approvalID, state, decision, g.clock(), row)
		if errors.Is(err, store.ErrAlreadyResolved) {
			return fault.InvalidState("approval already resolved").WithApproval(approvalID)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("unknown approval").WithApproval(approvalID)
		}
		if err != nil {
			return fault.StorageFailure("resolve approval", err).WithApproval(approvalID)
		}

		g.log.NotifyAppended(ev)
		for _, o := range g.observers {
			o.ApprovalResolved(appr.ExecutionID, approvalID, state)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.deliver(Outcome{
		ApprovalID: approvalID,
		State:      state,
		Decision:   decision,
		TimedOut:   timedOut,
	})
	return nil
}

// Await blocks until the approval reaches a terminal state or ctx is done.
// Already-terminal approvals return immediately. The deadline recorded at
// creation bounds the wait: on expiry the request resolves to Denied with
// the TimedOut state, exactly once, and that outcome is delivered here as a
// normal domain result, not an error.
func (g *Gate) Await(ctx context.Context, approvalID string) (Outcome, error) {
	appr, err := g.log.Store().GetApproval(ctx, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, fault.NotFound("unknown approval").WithApproval(approvalID)
	}
	if err != nil {
		return Outcome{}, fault.StorageFailure("load approval", err).WithApproval(approvalID)
	}
	if appr.State != store.ApprovalPending {
		return outcomeOf(appr), nil
	}

	ch := make(chan Outcome, 1)
	g.mu.Lock()
	g.waiters[approvalID] = append(g.waiters[approvalID], ch)
	g.mu.Unlock()

	// Re-arm after restart: the timer map is process-local, the deadline
	// is not.
	g.armTimer(approvalID, appr.DeadlineAt)

	// A resolution between the pending check and waiter registration found
	// no one to wake. Re-check now that the waiter is visible.
	appr, err = g.log.Store().GetApproval(ctx, approvalID)
	if err != nil {
		g.dropWaiter(approvalID, ch)
		return Outcome{}, fault.StorageFailure("load approval", err).WithApproval(approvalID)
	}
	if appr.State != store.ApprovalPending {
		g.dropWaiter(approvalID, ch)
		return outcomeOf(appr), nil
	}

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		g.dropWaiter(approvalID, ch)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, fault.Timeout("await approval").WithApproval(approvalID)
		}
		return Outcome{}, ctx.Err()
	}
}

// ExpireDue resolves every pending approval whose deadline is at or before
// now to Denied/TimedOut. Returns how many were expired. The CLI and any
// replayer can run this and reach the same outcomes as a live process.
func (g *Gate) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := g.log.Store().ListDueApprovals(ctx, now)
	if err != nil {
		return 0, fault.StorageFailure("list due approvals", err)
	}
	expired := 0
	for _, appr := range due {
		err := g.resolve(ctx, appr.ID, store.ApprovalTimedOut, DecisionDenied, true)
		if fault.IsInvalidState(err) {
			continue // lost the race to an explicit resolution
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// armTimer schedules the in-process expiry for one approval. Idempotent per
// approval ID; the durable deadline remains authoritative either way.
func (g *Gate) armTimer(approvalID string, deadline time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.timers[approvalID]; ok {
		return
	}
	wait := deadline.Sub(g.clock())
	if wait < 0 {
		wait = 0
	}
	g.timers[approvalID] = time.AfterFunc(wait, func() {
		err := g.resolve(context.Background(), approvalID, store.ApprovalTimedOut, DecisionDenied, true)
		switch {
		case fault.IsInvalidState(err):
			// Resolved elsewhere - another gate over the same database, or
			// an expiry pass. Local waiters still need the stored outcome.
			appr, gerr := g.log.Store().GetApproval(context.Background(), approvalID)
			if gerr != nil {
				g.logger.Error("load resolved approval failed", "approval", approvalID, "error", gerr)
				return
			}
			g.deliver(outcomeOf(appr))
		case err != nil && !fault.IsNotFound(err):
			g.logger.Error("approval expiry failed", "approval", approvalID, "error", err)
		}
	})
}

// deliver wakes every waiter for a resolved approval and disarms its timer.
func (g *Gate) deliver(out Outcome) {
	g.mu.Lock()
	waiters := g.waiters[out.ApprovalID]
	delete(g.waiters, out.ApprovalID)
	timer := g.timers[out.ApprovalID]
	delete(g.timers, out.ApprovalID)
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, ch := range waiters {
		// Buffered; a waiter that already gave up just never reads it.
		ch <- out
	}
}

func (g *Gate) dropWaiter(approvalID string, ch chan Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.waiters[approvalID][:0]
	for _, w := range g.waiters[approvalID] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(g.waiters, approvalID)
	} else {
		g.waiters[approvalID] = remaining
	}
}

func (g *Gate) releaseSnapshot(ctx context.Context, ref event.ContentRef) {
	if err := g.log.Content().Release(ctx, ref); err != nil {
		g.logger.Warn("release staged snapshot failed", "ref", string(ref), "error", err)
	}
}

// Get returns the approval record.
func (g *Gate) Get(ctx context.Context, approvalID string) (store.ApprovalRow, error) {
	appr, err := g.log.Store().GetApproval(ctx, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ApprovalRow{}, fault.NotFound("unknown approval").WithApproval(approvalID)
	}
	if err != nil {
		return store.ApprovalRow{}, fault.StorageFailure("load approval", err).WithApproval(approvalID)
	}
	return appr, nil
}

func outcomeOf(appr store.ApprovalRow) Outcome {
	return Outcome{
		ApprovalID: appr.ID,
		State:      appr.State,
		Decision:   appr.Decision,
		TimedOut:   appr.State == store.ApprovalTimedOut,
	}
}
