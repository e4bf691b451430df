package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TransactionPoller asks the server whether a pending transaction was
// confirmed out of band.
type TransactionPoller interface {
	PollTransaction(ctx context.Context, transactionID string) (bool, error)
}

// Worker polls a single push transaction in the background so the user does
// not have to resubmit the form. It stops on the first confirmation, on too
// many consecutive errors, or when told to. A Worker runs at most once.
type Worker struct {
	poller        TransactionPoller
	transactionID string
	interval      time.Duration

	maxErrors int

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	confirmed bool
	failed    bool
}

// NewWorker creates a worker that polls transactionID every interval.
func NewWorker(poller TransactionPoller, transactionID string, interval time.Duration) *Worker {
	if interval < minInterval {
		interval = minInterval
	}
	return &Worker{
		poller:        poller,
		transactionID: transactionID,
		interval:      interval,
		maxErrors:     3,
		done:          make(chan struct{}),
	}
}

// Start launches the poll loop. The loop ends when ctx is cancelled, Stop is
// called, the transaction is confirmed, or polling keeps failing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	errors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		confirmed, err := w.poller.PollTransaction(ctx, w.transactionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errors++
			slog.Warn("Transaction poll failed", "transactionID", w.transactionID, "err", err)
			if errors >= w.maxErrors {
				w.mu.Lock()
				w.failed = true
				w.mu.Unlock()
				return
			}
			continue
		}
		errors = 0

		if confirmed {
			w.mu.Lock()
			w.confirmed = true
			w.mu.Unlock()
			return
		}
	}
}

// Stop ends the poll loop. It is safe to call before Start and more than
// once. The ceremony handlers call it before starting a credential prompt so
// a late confirmation cannot race the ceremony.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the poll loop has exited.
func (w *Worker) Wait() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-w.done
}

// Confirmed reports whether the transaction was confirmed before the loop
// ended.
func (w *Worker) Confirmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.confirmed
}

// Failed reports whether the loop gave up after repeated poll errors. The
// login form then falls back to manual submission.
func (w *Worker) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Done exposes loop completion for select-based callers.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
