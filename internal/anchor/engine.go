package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/metrics"
	"github.com/safetrip/idanchor/internal/platform/keylock"
)

// Config holds retry and timing settings. Zero values take the defaults
// applied in NewEngine.
type Config struct {
	MaxAttempts    int           // ledger submissions per transaction, default 5
	BaseBackoff    time.Duration // delay after the first failed attempt, default 2s
	MaxBackoff     time.Duration // backoff cap, default 5m
	ReceiptTimeout time.Duration // how long a submission may stay unconfirmed, default 2m
	PollInterval   time.Duration // delay between receipt polls, default 5s
	CallTimeout    time.Duration // bound on every ledger call, default 10s
	Lease          time.Duration // claim lease for a worker step, default 1m
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	return c
}

// Backoff returns the delay before the next attempt after attempt n (1-based):
// BaseBackoff doubled per attempt, capped at MaxBackoff.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// TransitionFunc observes a persisted state change.
type TransitionFunc func(ctx context.Context, tx *Transaction, from State)

// CancelResult reports a cancellation. LedgerWriteDispatched is true when a
// write had already been sent and may still land on the ledger.
type CancelResult struct {
	Transaction           *Transaction `json:"transaction"`
	LedgerWriteDispatched bool         `json:"ledger_write_dispatched"`
}

// Engine runs the anchoring state machine. All decisions for one owner are
// taken under that owner's lock; ledger I/O happens outside it and its result
// is applied with a version check.
type Engine struct {
	store    Store
	ledger   ledger.Client
	locks    *keylock.Sharded
	cfg      Config
	now      func() time.Time
	onChange TransitionFunc
	stepping sync.Map // uuid.UUID → struct{}
	logger   *zap.Logger
}

// NewEngine creates an Engine. locks is shared with the reconciler so that
// both serialise on the same owner.
func NewEngine(store Store, client ledger.Client, locks *keylock.Sharded, cfg Config, logger *zap.Logger) *Engine {
	if locks == nil {
		locks = keylock.New(0)
	}
	return &Engine{
		store:  store,
		ledger: client,
		locks:  locks,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetTransitionHook registers a callback fired after each persisted state change.
func (e *Engine) SetTransitionHook(fn TransitionFunc) {
	e.onChange = fn
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Submit requests anchoring of hash for ownerID. Re-submitting the hash of
// the owner's pending, submitted or confirmed transaction returns that
// transaction without a new ledger write. A different hash supersedes any
// in-flight transaction of the owner. The first dispatch runs before Submit
// returns; only a rejection is reported, transient failures are retried in
// the background.
func (e *Engine) Submit(ctx context.Context, hash canonical.Hash, ownerID string) (*Transaction, error) {
	if ownerID == "" {
		return nil, &canonical.InvalidRecordError{Field: "owner_id", Reason: "is required"}
	}
	if hash.IsZero() {
		return nil, &canonical.InvalidRecordError{Field: "hash", Reason: "is required"}
	}

	// A worker claim between reading and superseding the owner's in-flight
	// rows bumps their version; the decision is retaken on fresh state.
	var (
		next, existing *Transaction
		superseded     []supersession
		err            error
	)
	for attempt := 1; ; attempt++ {
		next, superseded, existing, err = e.prepareSubmit(ctx, hash, ownerID)
		if !errors.Is(err, ErrVersionConflict) || attempt == maxSubmitConflicts {
			break
		}
		e.logger.Debug("anchor: supersession raced a claim, retrying",
			zap.String("owner_id", ownerID),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.RecordSubmission("existing")
		return existing, nil
	}

	for _, s := range superseded {
		e.transitioned(ctx, s.tx, s.from)
	}
	e.logger.Info("anchor requested",
		zap.String("owner_id", ownerID),
		zap.String("hash", hash.String()),
		zap.String("tx_id", next.ID.String()),
		zap.Int("superseded", len(superseded)),
	)

	stepped, err := e.step(ctx, next.ID, true)
	switch {
	case err == nil:
		return stepped, nil
	case stepped != nil && (errors.Is(err, ledger.ErrSubmissionRejected) || errors.Is(err, ErrAnchoringExhausted)):
		return stepped, err
	default:
		e.logger.Warn("anchor: initial dispatch deferred",
			zap.String("tx_id", next.ID.String()),
			zap.Error(err),
		)
		return next, nil
	}
}

const maxSubmitConflicts = 3

type supersession struct {
	tx   *Transaction
	from State
}

func (e *Engine) prepareSubmit(ctx context.Context, hash canonical.Hash, ownerID string) (next *Transaction, superseded []supersession, existing *Transaction, err error) {
	e.locks.Lock(ownerID)
	defer e.locks.Unlock(ownerID)

	current, err := e.store.Current(ctx, ownerID)
	switch {
	case errors.Is(err, ErrNotFound):
		current = nil
	case err != nil:
		return nil, nil, nil, fmt.Errorf("load current transaction: %w", err)
	default:
		if err := current.Validate(); err != nil {
			e.logger.Error("anchor: refusing owner with corrupt state", zap.String("owner_id", ownerID), zap.Error(err))
			return nil, nil, nil, err
		}
	}

	if current != nil && current.Hash == hash {
		switch current.State {
		case StatePending, StateSubmitted, StateConfirmed:
			return nil, nil, current, nil
		}
	}

	inflight, err := e.store.InFlight(ctx, ownerID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load in-flight transactions: %w", err)
	}

	now := e.now()
	next = newTransaction(ownerID, hash, now)
	// the creator holds the first lease so the worker does not race the inline dispatch
	lease := now.Add(e.cfg.Lease)
	next.LeaseUntil = &lease

	for _, p := range inflight {
		if err := p.Validate(); err != nil {
			e.logger.Error("anchor: refusing owner with corrupt state", zap.String("owner_id", ownerID), zap.Error(err))
			return nil, nil, nil, err
		}
		id := next.ID
		superseded = append(superseded, supersession{tx: p, from: p.State})
		p.State = StateSuperseded
		p.SupersededBy = &id
		p.FailureReason = ReasonSuperseded
		p.LeaseUntil = nil
		p.UpdatedAt = now
	}

	if err := e.store.CreateSuperseding(ctx, next, inflight); err != nil {
		return nil, nil, nil, fmt.Errorf("persist anchor transaction: %w", err)
	}
	if len(inflight) > 0 {
		metrics.RecordSubmission("superseding")
	} else {
		metrics.RecordSubmission("created")
	}
	return next, superseded, nil, nil
}

// PollStatus checks the ledger for a submitted transaction immediately,
// ignoring its schedule, and returns the resulting transaction. Other states
// are returned as stored; a failed transaction comes back with its terminal
// error.
func (e *Engine) PollStatus(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.State {
	case StateSubmitted:
		return e.step(ctx, id, true)
	case StateFailed:
		return tx, failureError(tx)
	}
	return tx, nil
}

func failureError(tx *Transaction) error {
	if strings.HasPrefix(tx.FailureReason, ReasonRejected) {
		return fmt.Errorf("%w: %s", ledger.ErrSubmissionRejected, tx.FailureReason)
	}
	return fmt.Errorf("%w: %s", ErrAnchoringExhausted, tx.FailureReason)
}

// Process advances one transaction if it is due. The worker calls it for
// every claimed transaction.
func (e *Engine) Process(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return e.step(ctx, id, false)
}

// Get returns a validated transaction.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Current returns the owner's current (latest non-superseded) transaction.
func (e *Engine) Current(ctx context.Context, ownerID string) (*Transaction, error) {
	tx, err := e.store.Current(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// History returns every transaction of the owner, oldest first.
func (e *Engine) History(ctx context.Context, ownerID string) ([]*Transaction, error) {
	return e.store.ListByOwner(ctx, ownerID)
}

// Cancel marks a transaction superseded. A transaction whose write was
// already dispatched is only dropped from local tracking.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*CancelResult, error) {
	tx, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	owner := tx.OwnerID
	e.locks.Lock(owner)
	tx, err = e.Get(ctx, id)
	if err != nil {
		e.locks.Unlock(owner)
		return nil, err
	}
	if !tx.State.InFlight() {
		e.locks.Unlock(owner)
		return nil, fmt.Errorf("%w: state %s", ErrNotCancellable, tx.State)
	}

	from := tx.State
	dispatched := tx.Dispatched()
	tx.State = StateSuperseded
	tx.FailureReason = ReasonCancelled
	if dispatched {
		tx.FailureReason = ReasonTrackingStopped
	}
	tx.LeaseUntil = nil
	tx.UpdatedAt = e.now()
	err = e.store.Update(ctx, tx)
	e.locks.Unlock(owner)
	if err != nil {
		return nil, fmt.Errorf("cancel transaction: %w", err)
	}

	e.transitioned(ctx, tx, from)
	e.logger.Info("anchor cancelled",
		zap.String("tx_id", tx.ID.String()),
		zap.String("owner_id", tx.OwnerID),
		zap.Bool("ledger_write_dispatched", dispatched),
	)
	return &CancelResult{Transaction: tx, LedgerWriteDispatched: dispatched}, nil
}

// step performs one ledger interaction for the transaction and persists the
// outcome. force ignores NextAttemptAt.
func (e *Engine) step(ctx context.Context, id uuid.UUID, force bool) (*Transaction, error) {
	if _, busy := e.stepping.LoadOrStore(id, struct{}{}); busy {
		return e.Get(ctx, id)
	}
	defer e.stepping.Delete(id)

	tx, err := e.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStateCorrupt) {
			e.logger.Error("anchor: refusing corrupt transaction", zap.String("tx_id", id.String()), zap.Error(err))
		}
		return nil, err
	}
	if tx.State.Terminal() || (!force && tx.NextAttemptAt.After(e.now())) {
		return tx, nil
	}

	var next *Transaction
	var outcome error
	switch tx.State {
	case StatePending:
		next, outcome = e.dispatch(ctx, tx)
	case StateSubmitted:
		next, outcome = e.poll(ctx, tx)
	}
	next.LeaseUntil = nil
	next.UpdatedAt = e.now()

	e.locks.Lock(tx.OwnerID)
	err = e.store.Update(ctx, next)
	if errors.Is(err, ErrVersionConflict) {
		latest, lerr := e.recordLateDispatch(ctx, id, tx, next)
		e.locks.Unlock(tx.OwnerID)
		if lerr != nil {
			return nil, lerr
		}
		return latest, nil
	}
	e.locks.Unlock(tx.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	if next.State != tx.State {
		e.transitioned(ctx, next, tx.State)
	}
	return next, outcome
}

// recordLateDispatch handles a transaction changed while its ledger call was
// in flight, typically superseded or cancelled. The newer state wins, but a
// reference dispatched meanwhile is kept for audit. Called with the owner lock held.
func (e *Engine) recordLateDispatch(ctx context.Context, id uuid.UUID, before, attempted *Transaction) (*Transaction, error) {
	latest, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempted.TxRef == "" || attempted.TxRef == before.TxRef || attempted.TxRef == latest.TxRef {
		return latest, nil
	}
	if latest.TxRef != "" {
		latest.PriorTxRefs = append(latest.PriorTxRefs, latest.TxRef)
	}
	latest.TxRef = attempted.TxRef
	latest.UpdatedAt = e.now()
	if err := e.store.Update(ctx, latest); err != nil {
		return nil, fmt.Errorf("record late dispatch: %w", err)
	}
	e.logger.Info("anchor: ledger write dispatched after supersession",
		zap.String("tx_id", id.String()),
		zap.String("tx_ref", string(attempted.TxRef)),
		zap.String("state", string(latest.State)),
	)
	return latest, nil
}

// dispatch submits a pending transaction. A pending transaction that already
// carries a reference (a retry, or work resumed after restart) first checks
// whether that write landed.
func (e *Engine) dispatch(ctx context.Context, tx *Transaction) (*Transaction, error) {
	next := tx.clone()

	if next.TxRef != "" {
		rcpt, err := e.getReceipt(ctx, next.TxRef)
		if err == nil && rcpt.Confirmed {
			return e.confirm(ctx, next, rcpt.BlockRef)
		}
	}
	if next.Attempts > 0 {
		if stored, err := e.queryStored(ctx, next.Address); err == nil && stored == next.Hash {
			return e.markConfirmed(next, ""), nil
		}
	}

	ref, err := e.submit(ctx, next)
	now := e.now()
	next.Attempts++
	switch {
	case err == nil:
		if next.TxRef != "" {
			next.PriorTxRefs = append(next.PriorTxRefs, next.TxRef)
		}
		next.TxRef = ref
		next.State = StateSubmitted
		next.SubmittedAt = &now
		next.NextAttemptAt = now.Add(e.cfg.PollInterval)
		e.logger.Info("anchor submitted",
			zap.String("tx_id", next.ID.String()),
			zap.String("tx_ref", string(ref)),
			zap.Int("attempt", next.Attempts),
		)
		return next, nil

	case errors.Is(err, ledger.ErrSubmissionRejected):
		next.State = StateFailed
		next.FailureReason = ReasonRejected + ": " + err.Error()
		e.logger.Warn("anchor rejected by ledger",
			zap.String("tx_id", next.ID.String()),
			zap.String("owner_id", next.OwnerID),
			zap.Error(err),
		)
		return next, err

	default:
		return e.retryOrFail(ctx, next, fmt.Errorf("submit: %w", err))
	}
}

// poll checks the receipt of a submitted transaction.
func (e *Engine) poll(ctx context.Context, tx *Transaction) (*Transaction, error) {
	next := tx.clone()

	rcpt, err := e.getReceipt(ctx, next.TxRef)
	if err == nil && rcpt.Confirmed {
		return e.confirm(ctx, next, rcpt.BlockRef)
	}

	now := e.now()
	if now.Sub(*next.SubmittedAt) < e.cfg.ReceiptTimeout {
		next.NextAttemptAt = now.Add(e.cfg.PollInterval)
		if err != nil {
			e.logger.Debug("anchor: receipt lookup failed, will poll again",
				zap.String("tx_id", next.ID.String()),
				zap.Error(err),
			)
		}
		return next, nil
	}

	// No receipt in time. The write may still have landed under another
	// reference, so the stored hash decides before a retry.
	if stored, qerr := e.queryStored(ctx, next.Address); qerr == nil && stored == next.Hash {
		return e.markConfirmed(next, ""), nil
	}
	return e.retryOrFail(ctx, next, fmt.Errorf("%w: %s after %s", errReceiptTimeout, next.TxRef, e.cfg.ReceiptTimeout))
}

// confirm accepts a confirmed receipt after checking that the ledger still
// holds this hash. A stale write landing after ours sends the transaction
// back for another attempt.
func (e *Engine) confirm(ctx context.Context, next *Transaction, blockRef string) (*Transaction, error) {
	stored, err := e.queryStored(ctx, next.Address)
	if err == nil && stored != next.Hash {
		e.logger.Warn("anchor: ledger overwritten after confirmation",
			zap.String("tx_id", next.ID.String()),
			zap.String("expected", next.Hash.String()),
			zap.String("stored", stored.String()),
		)
		next.PriorTxRefs = append(next.PriorTxRefs, next.TxRef)
		next.TxRef = ""
		next.SubmittedAt = nil
		return e.retryOrFail(ctx, next, fmt.Errorf("ledger holds %s after confirmation", stored))
	}
	return e.markConfirmed(next, blockRef), nil
}

func (e *Engine) markConfirmed(next *Transaction, blockRef string) *Transaction {
	now := e.now()
	if next.TxRef == "" && len(next.PriorTxRefs) > 0 {
		next.TxRef = next.PriorTxRefs[len(next.PriorTxRefs)-1]
	}
	if next.SubmittedAt == nil {
		next.SubmittedAt = &now
	}
	next.State = StateConfirmed
	next.ConfirmedAt = &now
	next.BlockRef = blockRef
	next.FailureReason = ""
	next.NextAttemptAt = time.Time{}
	e.logger.Info("anchor confirmed",
		zap.String("tx_id", next.ID.String()),
		zap.String("owner_id", next.OwnerID),
		zap.String("block_ref", blockRef),
	)
	return next
}

// retryOrFail schedules another attempt with backoff, or fails the
// transaction once the attempt budget is spent.
func (e *Engine) retryOrFail(ctx context.Context, next *Transaction, cause error) (*Transaction, error) {
	now := e.now()
	if next.Attempts >= e.cfg.MaxAttempts {
		if stored, err := e.queryStored(ctx, next.Address); err == nil && stored == next.Hash {
			return e.markConfirmed(next, ""), nil
		}
		next.State = StateFailed
		next.FailureReason = ReasonExhausted + ": " + cause.Error()
		next.NextAttemptAt = time.Time{}
		e.logger.Error("anchor retries exhausted",
			zap.String("tx_id", next.ID.String()),
			zap.String("owner_id", next.OwnerID),
			zap.Int("attempts", next.Attempts),
			zap.Error(cause),
		)
		return next, fmt.Errorf("%w after %d attempts: %w", ErrAnchoringExhausted, next.Attempts, cause)
	}

	delay := e.cfg.Backoff(next.Attempts)
	next.State = StatePending
	next.NextAttemptAt = now.Add(delay)
	e.logger.Warn("anchor attempt failed, retrying",
		zap.String("tx_id", next.ID.String()),
		zap.Int("attempt", next.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return next, nil
}

func (e *Engine) submit(ctx context.Context, tx *Transaction) (ledger.TxRef, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	ref, err := e.ledger.SubmitHash(cctx, tx.Address, tx.Hash)
	return ref, timeoutAsUnavailable(err)
}

func (e *Engine) getReceipt(ctx context.Context, ref ledger.TxRef) (*ledger.Receipt, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	rcpt, err := e.ledger.GetReceipt(cctx, ref)
	if err == nil && rcpt == nil {
		rcpt = &ledger.Receipt{}
	}
	return rcpt, timeoutAsUnavailable(err)
}

func (e *Engine) queryStored(ctx context.Context, addr ledger.Address) (canonical.Hash, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	h, err := e.ledger.QueryStoredHash(cctx, addr)
	return h, timeoutAsUnavailable(err)
}

// timeoutAsUnavailable classifies a bare deadline as an unknown outcome.
func timeoutAsUnavailable(err error) error {
	if err == nil || errors.Is(err, ledger.ErrNetworkUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ledger.ErrNetworkUnavailable, err)
	}
	return err
}

func (e *Engine) transitioned(ctx context.Context, tx *Transaction, from State) {
	metrics.RecordTransition(string(from), string(tx.State))
	if e.onChange != nil {
		e.onChange(ctx, tx, from)
	}
}
