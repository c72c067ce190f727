package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/events"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/metrics"
	"github.com/safetrip/idanchor/internal/platform/keylock"
)

// AnchorState exposes the owner's current anchoring transaction.
// *anchor.Engine satisfies it.
type AnchorState interface {
	Current(ctx context.Context, ownerID string) (*anchor.Transaction, error)
}

// Config holds reconciler settings.
type Config struct {
	Interval    time.Duration // sweep period, default 1m
	StaleAfter  time.Duration // re-check unverified entries after this, default 5m
	BatchSize   int           // entries per sweep, default 200
	Concurrency int           // parallel reconciliations per sweep, default 4
	CallTimeout time.Duration // bound on each ledger query, default 10s
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Outcome is the result of reconciling one entry. LedgerHash is zero unless
// the ledger returned a value.
type Outcome struct {
	Entry      *Entry         `json:"entry"`
	Result     Result         `json:"result"`
	LedgerHash canonical.Hash `json:"ledger_hash"`
}

// ReconciledFunc observes every persisted reconciliation.
type ReconciledFunc func(ctx context.Context, out *Outcome)

// Reconciler records audit entries and compares them with the ledger.
type Reconciler struct {
	store     Store
	anchors   AnchorState
	ledger    ledger.Client
	locks     *keylock.Sharded
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	onDone    ReconciledFunc
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a Reconciler. locks must be the set the anchoring
// engine uses so that the verified flip and supersession never interleave.
func NewReconciler(store Store, anchors AnchorState, client ledger.Client, locks *keylock.Sharded, publisher events.Publisher, cfg Config, logger *zap.Logger) *Reconciler {
	if locks == nil {
		locks = keylock.New(0)
	}
	if publisher == nil {
		publisher = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:     store,
		anchors:   anchors,
		ledger:    client,
		locks:     locks,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetReconciledHook registers a callback fired after each reconciliation.
func (r *Reconciler) SetReconciledHook(fn ReconciledFunc) {
	r.onDone = fn
}

// SetClock overrides the reconciler clock.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Record appends an unverified entry for an action taken against hash.
func (r *Reconciler) Record(ctx context.Context, action, ownerID string, hash canonical.Hash) (*Entry, error) {
	switch {
	case action == "":
		return nil, &canonical.InvalidRecordError{Field: "action", Reason: "is required"}
	case ownerID == "":
		return nil, &canonical.InvalidRecordError{Field: "owner_id", Reason: "is required"}
	case hash.IsZero():
		return nil, &canonical.InvalidRecordError{Field: "hash", Reason: "is required"}
	}

	e := &Entry{
		ID:        uuid.New(),
		Action:    action,
		OwnerID:   ownerID,
		Hash:      hash,
		CreatedAt: r.now(),
	}
	if err := r.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	r.logger.Info("audit entry recorded",
		zap.String("entry_id", e.ID.String()),
		zap.String("owner_id", ownerID),
		zap.String("action", action),
	)
	return e, nil
}

// Reconcile compares one entry with the ledger and persists the outcome.
// A mismatch is a result, not an error; it is recorded as a discrepancy and
// published.
func (r *Reconciler) Reconcile(ctx context.Context, entryID uuid.UUID) (*Outcome, error) {
	entry, err := r.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	inflight, err := r.anchorInFlight(ctx, entry.OwnerID)
	if err != nil {
		return nil, err
	}
	if inflight {
		return r.finish(ctx, entry, ResultPending, canonical.ZeroHash)
	}

	stored, err := r.queryStored(ctx, entry.OwnerID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return r.finish(ctx, entry, ResultUnconfirmed, canonical.ZeroHash)
	case err != nil:
		return nil, fmt.Errorf("query ledger for %s: %w", entry.OwnerID, err)
	case stored == entry.Hash:
		return r.flipVerified(ctx, entry, stored)
	default:
		return r.mismatch(ctx, entry, stored)
	}
}

// flipVerified re-checks the anchoring state under the owner lock, so a
// supersession decided after the ledger read is never overtaken.
func (r *Reconciler) flipVerified(ctx context.Context, entry *Entry, stored canonical.Hash) (*Outcome, error) {
	r.locks.Lock(entry.OwnerID)
	inflight, err := r.anchorInFlight(ctx, entry.OwnerID)
	if err != nil {
		r.locks.Unlock(entry.OwnerID)
		return nil, err
	}
	result := ResultMatch
	if inflight {
		result = ResultPending
	}
	updated, err := r.store.MarkReconciled(ctx, entry.ID, result, result == ResultMatch, r.now())
	r.locks.Unlock(entry.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("mark reconciled: %w", err)
	}

	out := &Outcome{Entry: updated, Result: result, LedgerHash: stored}
	r.done(ctx, out)
	return out, nil
}

func (r *Reconciler) mismatch(ctx context.Context, entry *Entry, stored canonical.Hash) (*Outcome, error) {
	out, err := r.finish(ctx, entry, ResultMismatch, stored)
	if err != nil {
		return nil, err
	}

	d := &Discrepancy{
		ID:         uuid.New(),
		EntryID:    entry.ID,
		OwnerID:    entry.OwnerID,
		EntryHash:  entry.Hash,
		LedgerHash: stored,
		DetectedAt: r.now(),
	}
	created, err := r.store.RecordDiscrepancy(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("record discrepancy: %w", err)
	}
	if !created {
		return out, nil
	}

	metrics.RecordDiscrepancy()
	r.logger.Warn("audit discrepancy detected",
		zap.String("entry_id", entry.ID.String()),
		zap.String("owner_id", entry.OwnerID),
		zap.String("entry_hash", entry.Hash.String()),
		zap.String("ledger_hash", stored.String()),
	)
	ev := events.New(events.TypeDiscrepancy, entry.OwnerID, map[string]string{
		"discrepancy_id": d.ID.String(),
		"entry_id":       entry.ID.String(),
		"action":         entry.Action,
		"entry_hash":     entry.Hash.String(),
		"ledger_hash":    stored.String(),
	})
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Error("publish discrepancy", zap.String("entry_id", entry.ID.String()), zap.Error(err))
	}
	return out, nil
}

func (r *Reconciler) finish(ctx context.Context, entry *Entry, result Result, stored canonical.Hash) (*Outcome, error) {
	updated, err := r.store.MarkReconciled(ctx, entry.ID, result, false, r.now())
	if err != nil {
		return nil, fmt.Errorf("mark reconciled: %w", err)
	}
	out := &Outcome{Entry: updated, Result: result, LedgerHash: stored}
	r.done(ctx, out)
	return out, nil
}

func (r *Reconciler) done(ctx context.Context, out *Outcome) {
	metrics.RecordReconciliation(string(out.Result))
	if r.onDone != nil {
		r.onDone(ctx, out)
	}
}

func (r *Reconciler) anchorInFlight(ctx context.Context, ownerID string) (bool, error) {
	tx, err := r.anchors.Current(ctx, ownerID)
	switch {
	case errors.Is(err, anchor.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load anchoring state for %s: %w", ownerID, err)
	}
	return tx.State.InFlight(), nil
}

func (r *Reconciler) queryStored(ctx context.Context, ownerID string) (canonical.Hash, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	h, err := r.ledger.QueryStoredHash(cctx, ledger.AddressFor(ownerID))
	if err != nil && !errors.Is(err, ledger.ErrNetworkUnavailable) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = fmt.Errorf("%w: %w", ledger.ErrNetworkUnavailable, err)
	}
	return h, err
}

// Sweep reconciles one batch of stale unverified entries and returns how
// many were reconciled. Failures of single entries are logged and skipped.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	entries, err := r.store.ListUnverified(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unverified entries: %w", err)
	}
	metrics.ObserveBatch("reconcile", len(entries))

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, e := range entries {
		g.Go(func() error {
			if _, err := r.Reconcile(gctx, e.ID); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("reconcile entry",
					zap.String("entry_id", e.ID.String()),
					zap.String("owner_id", e.OwnerID),
					zap.Error(err),
				)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(done.Load()), err
}

// Start runs Sweep every Interval in the background.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("stale_after", r.cfg.StaleAfter),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(r.ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconciliation sweep", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("reconciliation sweep", zap.Int("reconciled", n))
			}
		}
	}
}

// Stop ends the background loop and waits for the running sweep, or for ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns an entry.
func (r *Reconciler) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.store.Get(ctx, id)
}

// Latest returns the owner's most recent entry.
func (r *Reconciler) Latest(ctx context.Context, ownerID string) (*Entry, error) {
	return r.store.LatestForOwner(ctx, ownerID)
}

// History returns the owner's entries, newest first.
func (r *Reconciler) History(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	return r.store.ListByOwner(ctx, ownerID, limit)
}

// Discrepancies returns the owner's recorded discrepancies.
func (r *Reconciler) Discrepancies(ctx context.Context, ownerID string) ([]*Discrepancy, error) {
	return r.store.ListDiscrepancies(ctx, ownerID)
}
