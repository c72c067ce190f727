package anchor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/safetrip/idanchor/internal/metrics"
)

// Worker claims due transactions from the store and advances them through
// the engine. Because claims are read from persisted state, a new Worker
// picks up every attempt left in flight by a previous process.
type Worker struct {
	engine       *Engine
	store        Store
	batchSize    int
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithBatchSize sets the maximum number of transactions claimed per poll.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithConcurrency bounds how many transactions are stepped in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets the interval between polls.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// NewWorker creates a Worker for the engine's store.
func NewWorker(engine *Engine, logger *zap.Logger, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		engine:       engine,
		store:        engine.store,
		batchSize:    50,
		concurrency:  8,
		pollInterval: time.Second,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the polling loop in the background.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()

	w.logger.Info("anchor worker started",
		zap.Int("batch_size", w.batchSize),
		zap.Duration("poll_interval", w.pollInterval),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Poll(w.ctx)
		}
	}
}

// Poll claims one batch of due transactions and steps each with bounded
// concurrency. It returns the number claimed.
func (w *Worker) Poll(ctx context.Context) int {
	cfg := w.engine.Config()
	due, err := w.store.ClaimDue(ctx, w.engine.now(), w.batchSize, cfg.Lease)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("anchor worker: claim due transactions", zap.Error(err))
		}
		return 0
	}
	metrics.ObserveBatch("anchor", len(due))
	if len(due) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, tx := range due {
		g.Go(func() error {
			if _, err := w.engine.Process(ctx, tx.ID); err != nil {
				switch {
				case errors.Is(err, ErrStateCorrupt):
					w.logger.Error("anchor worker: corrupt state, owner skipped",
						zap.String("owner_id", tx.OwnerID),
						zap.String("tx_id", tx.ID.String()),
						zap.Error(err),
					)
				case errors.Is(err, ErrAnchoringExhausted):
					// already logged by the engine
				default:
					w.logger.Warn("anchor worker: step failed",
						zap.String("tx_id", tx.ID.String()),
						zap.Error(err),
					)
				}
			}
			// one failed step must not cancel its siblings
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return len(due)
}

// Stop cancels the loop and waits for the in-progress batch, or for ctx.
// Leases of unfinished work lapse and are reclaimed after restart.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("anchor worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
