package content

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically deletes zero-reference content entries that have been
// cold for at least the grace period. Deletion is deferred to the sweep
// rather than done at release time so readers holding a ref they resolved
// moments ago never observe it vanish.
type Sweeper struct {
	store    *Store
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over st. interval is how often a sweep runs;
// grace is how long a zero-reference entry must sit untouched before it is
// collected.
func NewSweeper(st *Store, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, interval: interval, grace: grace, logger: logger}
}

// Start launches the background sweep loop. Calling Start on a running
// sweeper is a no-op.
func (w *Sweeper) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("content sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass and returns the number of entries
// collected.
func (w *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := w.store.clock().Add(-w.grace)
	swept, err := w.store.db.SweepContent(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		w.logger.Info("content sweep collected entries", "count", swept)
	}
	return swept, nil
}
