package anchor_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/platform/keylock"
)

var ctx = context.Background()

func testHash(s string) canonical.Hash {
	return canonical.Sum([]byte(s))
}

// fakeClock is a settable clock shared by the engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	id       uuid.UUID
	from, to anchor.State
}

type harness struct {
	engine *anchor.Engine
	store  *anchor.MemoryStore
	chain  *ledger.Simulated
	clock  *fakeClock

	mu          sync.Mutex
	transitions []transition
}

func newHarness(t *testing.T, cfg anchor.Config, opts ...ledger.SimulatedOption) *harness {
	t.Helper()
	h := &harness{
		store: anchor.NewMemoryStore(),
		chain: ledger.NewSimulated(opts...),
		clock: newFakeClock(),
	}
	h.engine = h.newEngine(cfg)
	return h
}

// newEngine builds an engine over the harness store and ledger, as a
// restarted process would.
func (h *harness) newEngine(cfg anchor.Config) *anchor.Engine {
	e := anchor.NewEngine(h.store, h.chain, keylock.New(8), cfg, zap.NewNop())
	e.SetClock(h.clock.Now)
	e.SetTransitionHook(func(_ context.Context, tx *anchor.Transaction, from anchor.State) {
		h.mu.Lock()
		h.transitions = append(h.transitions, transition{id: tx.ID, from: from, to: tx.State})
		h.mu.Unlock()
	})
	return e
}

func (h *harness) seen(id uuid.UUID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, tr := range h.transitions {
		if tr.id == id {
			out = append(out, string(tr.from)+"→"+string(tr.to))
		}
	}
	return out
}

func TestSubmit_confirmsAfterMining(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	hash := testHash("record-1")

	tx, err := h.engine.Submit(ctx, hash, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSubmitted, tx.State)
	assert.Equal(t, 1, tx.Attempts)
	assert.NotEmpty(t, tx.TxRef)
	assert.Equal(t, ledger.AddressFor("tourist-1"), tx.Address)

	require.Equal(t, 1, h.chain.Mine())

	tx, err = h.engine.PollStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)
	assert.NotEmpty(t, tx.BlockRef)
	require.NotNil(t, tx.ConfirmedAt)

	assert.Equal(t, []string{"pending→submitted", "submitted→confirmed"}, h.seen(tx.ID))

	stored, err := h.chain.QueryStoredHash(ctx, tx.Address)
	require.NoError(t, err)
	assert.Equal(t, hash, stored)
}

func TestSubmit_sameHashIsIdempotent(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	hash := testHash("record-1")

	first, err := h.engine.Submit(ctx, hash, "tourist-1")
	require.NoError(t, err)

	again, err := h.engine.Submit(ctx, hash, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, h.chain.Submissions(), "resubmission must not write to the ledger")

	h.chain.Mine()
	_, err = h.engine.PollStatus(ctx, first.ID)
	require.NoError(t, err)

	afterConfirm, err := h.engine.Submit(ctx, hash, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, afterConfirm.ID)
	assert.Equal(t, anchor.StateConfirmed, afterConfirm.State)
	assert.Equal(t, 1, h.chain.Submissions())
}

func TestSubmit_concurrentSameHash(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	hash := testHash("record-1")

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := h.engine.Submit(ctx, hash, "tourist-1")
			if err == nil {
				ids[i] = tx.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.chain.Submissions())
}

func TestSubmit_concurrentDifferentHashesLeaveOneInFlight(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.engine.Submit(ctx, testHash(fmt.Sprintf("record-%d", i)), "tourist-1")
		}(i)
	}
	wg.Wait()

	inflight, err := h.store.InFlight(ctx, "tourist-1")
	require.NoError(t, err)
	assert.Len(t, inflight, 1)

	history, err := h.engine.History(ctx, "tourist-1")
	require.NoError(t, err)
	assert.Len(t, history, 12)
}

func TestSubmit_newHashSupersedesInFlight(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	first, err := h.engine.Submit(ctx, testHash("v1"), "tourist-1")
	require.NoError(t, err)
	require.Equal(t, anchor.StateSubmitted, first.State)

	second, err := h.engine.Submit(ctx, testHash("v2"), "tourist-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := h.engine.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSuperseded, old.State)
	assert.Equal(t, anchor.ReasonSuperseded, old.FailureReason)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, second.ID, *old.SupersededBy)
	assert.Contains(t, h.seen(first.ID), "submitted→superseded")

	cur, err := h.engine.Current(ctx, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)
}

func TestSubmit_rejectionIsNotRetried(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	h.chain.RejectNextSubmits(1)

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.ErrorIs(t, err, ledger.ErrSubmissionRejected)
	require.NotNil(t, tx)
	assert.Equal(t, anchor.StateFailed, tx.State)
	assert.True(t, strings.HasPrefix(tx.FailureReason, anchor.ReasonRejected))

	h.clock.Advance(time.Hour)
	w := anchor.NewWorker(h.engine, zap.NewNop())
	assert.Zero(t, w.Poll(ctx), "failed transactions are never claimed")
	assert.Zero(t, h.chain.Submissions())

	polled, err := h.engine.PollStatus(ctx, tx.ID)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
	require.NotNil(t, polled)
	assert.Equal(t, anchor.StateFailed, polled.State)
}

func TestSubmit_exhaustsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	h.chain.FailNextSubmits(100)

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err, "transient failures are retried in the background")
	assert.Equal(t, anchor.StatePending, tx.State)
	assert.Equal(t, 1, tx.Attempts)

	for attempt := 2; attempt < 5; attempt++ {
		h.clock.Advance(time.Hour)
		tx, err = h.engine.Process(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, anchor.StatePending, tx.State)
		assert.Equal(t, attempt, tx.Attempts)
	}

	h.clock.Advance(time.Hour)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.ErrorIs(t, err, anchor.ErrAnchoringExhausted)
	assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)
	assert.Equal(t, anchor.StateFailed, tx.State)
	assert.Equal(t, 5, tx.Attempts)
	assert.True(t, strings.HasPrefix(tx.FailureReason, anchor.ReasonExhausted))

	h.clock.Advance(time.Hour)
	again, err := h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateFailed, again.State)
	assert.Equal(t, 5, again.Attempts)

	polled, err := h.engine.PollStatus(ctx, tx.ID)
	assert.ErrorIs(t, err, anchor.ErrAnchoringExhausted)
	require.NotNil(t, polled)
	assert.Equal(t, 5, polled.Attempts)
}

func TestProcess_respectsBackoff(t *testing.T) {
	h := newHarness(t, anchor.Config{BaseBackoff: 10 * time.Second})
	h.chain.FailNextSubmits(1)

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), tx.NextAttemptAt)

	h.clock.Advance(5 * time.Second)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.Attempts, "not due yet")

	h.clock.Advance(5 * time.Second)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSubmitted, tx.State)
	assert.Equal(t, 2, tx.Attempts)
}

func TestConfig_backoff(t *testing.T) {
	cfg := anchor.NewEngine(anchor.NewMemoryStore(), nil, nil, anchor.Config{MaxBackoff: 20 * time.Second}, zap.NewNop()).Config()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 20 * time.Second},
		{40, 20 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestPollStatus_confirmsOnFourthPoll(t *testing.T) {
	h := newHarness(t, anchor.Config{}, ledger.WithConfirmAfter(4))

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tx, err = h.engine.PollStatus(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, anchor.StateSubmitted, tx.State, "poll %d", i+1)
	}

	tx, err = h.engine.PollStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)
	assert.Equal(t, 1, tx.Attempts, "polling does not consume attempts")
}

func TestPollStatus_receiptTimeoutResolvedFromStoredHash(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)

	h.chain.Mine()
	h.chain.FailNextReceipts(1)
	h.clock.Advance(3 * time.Minute)

	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)
	assert.Equal(t, 1, h.chain.Submissions())
}

func TestPollStatus_receiptTimeoutResubmits(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)
	firstRef := tx.TxRef

	h.clock.Advance(3 * time.Minute)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StatePending, tx.State)

	h.clock.Advance(time.Minute)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSubmitted, tx.State)
	assert.Equal(t, 2, tx.Attempts)
	assert.NotEqual(t, firstRef, tx.TxRef)
	assert.Equal(t, []ledger.TxRef{firstRef}, tx.PriorTxRefs)
	assert.Equal(t, 2, h.chain.Submissions())
}

func TestProcess_lostResponseDoesNotWriteTwice(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	h.chain.DropNextSubmitResponses(1)

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, anchor.StatePending, tx.State)

	h.chain.Mine()
	h.clock.Advance(time.Minute)

	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)
	assert.Equal(t, 1, h.chain.Submissions())
}

func TestSubmit_callTimeoutIsUnknownOutcome(t *testing.T) {
	h := newHarness(t, anchor.Config{CallTimeout: 10 * time.Millisecond}, ledger.WithLatency(time.Second))

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, anchor.StatePending, tx.State, "a timeout is retried, never failed outright")
	assert.Equal(t, 1, tx.Attempts)
}

func TestPollStatus_staleWriteAfterConfirmationRetries(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	first, err := h.engine.Submit(ctx, testHash("v1"), "tourist-1")
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, testHash("v2"), "tourist-1")
	require.NoError(t, err)

	// the superseded write lands after the current one
	require.True(t, h.chain.MineRef(second.TxRef))
	require.True(t, h.chain.MineRef(first.TxRef))

	tx, err := h.engine.PollStatus(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StatePending, tx.State)
	assert.Equal(t, []ledger.TxRef{second.TxRef}, tx.PriorTxRefs)

	h.clock.Advance(time.Minute)
	tx, err = h.engine.Process(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, anchor.StateSubmitted, tx.State)

	h.chain.Mine()
	tx, err = h.engine.PollStatus(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)

	stored, err := h.chain.QueryStoredHash(ctx, tx.Address)
	require.NoError(t, err)
	assert.Equal(t, testHash("v2"), stored)
}

func TestCancel(t *testing.T) {
	t.Run("pending without dispatch", func(t *testing.T) {
		h := newHarness(t, anchor.Config{})
		h.chain.FailNextSubmits(1)
		tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
		require.NoError(t, err)

		res, err := h.engine.Cancel(ctx, tx.ID)
		require.NoError(t, err)
		assert.False(t, res.LedgerWriteDispatched)
		assert.Equal(t, anchor.StateSuperseded, res.Transaction.State)
		assert.Equal(t, anchor.ReasonCancelled, res.Transaction.FailureReason)

		_, err = h.engine.Current(ctx, "tourist-1")
		assert.ErrorIs(t, err, anchor.ErrNotFound)
	})

	t.Run("submitted", func(t *testing.T) {
		h := newHarness(t, anchor.Config{})
		tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
		require.NoError(t, err)

		res, err := h.engine.Cancel(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, res.LedgerWriteDispatched)
		assert.Equal(t, anchor.ReasonTrackingStopped, res.Transaction.FailureReason)
		assert.Equal(t, []string{"pending→submitted", "submitted→superseded"}, h.seen(tx.ID))
	})

	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t, anchor.Config{})
		tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
		require.NoError(t, err)
		h.chain.Mine()
		_, err = h.engine.PollStatus(ctx, tx.ID)
		require.NoError(t, err)

		_, err = h.engine.Cancel(ctx, tx.ID)
		assert.ErrorIs(t, err, anchor.ErrNotCancellable)
	})

	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t, anchor.Config{})
		_, err := h.engine.Cancel(ctx, uuid.New())
		assert.ErrorIs(t, err, anchor.ErrNotFound)
	})
}

func TestSubmit_validatesInput(t *testing.T) {
	h := newHarness(t, anchor.Config{})

	_, err := h.engine.Submit(ctx, testHash("x"), "")
	assert.ErrorIs(t, err, canonical.ErrInvalidRecord)

	_, err = h.engine.Submit(ctx, canonical.ZeroHash, "tourist-1")
	assert.ErrorIs(t, err, canonical.ErrInvalidRecord)
}

func TestCorruptState_refusesOwner(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	now := h.clock.Now()
	bad := &anchor.Transaction{
		ID:        uuid.New(),
		OwnerID:   "tourist-1",
		Address:   ledger.AddressFor("tourist-1"),
		Hash:      testHash("v1"),
		State:     anchor.StateSubmitted, // no reference
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.store.Put(bad)

	_, err := h.engine.Submit(ctx, testHash("v2"), "tourist-1")
	assert.ErrorIs(t, err, anchor.ErrStateCorrupt)

	_, err = h.engine.Current(ctx, "tourist-1")
	assert.ErrorIs(t, err, anchor.ErrStateCorrupt)

	_, err = h.engine.Process(ctx, bad.ID)
	assert.ErrorIs(t, err, anchor.ErrStateCorrupt)

	assert.Zero(t, h.chain.Submissions())

	// other owners are unaffected
	_, err = h.engine.Submit(ctx, testHash("v2"), "tourist-2")
	assert.NoError(t, err)
}

func TestCorruptState_foreignAddress(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	now := h.clock.Now()
	h.store.Put(&anchor.Transaction{
		ID:        uuid.New(),
		OwnerID:   "tourist-1",
		Address:   ledger.AddressFor("tourist-2"),
		Hash:      testHash("v1"),
		State:     anchor.StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})

	_, err := h.engine.Submit(ctx, testHash("v2"), "tourist-1")
	assert.ErrorIs(t, err, anchor.ErrStateCorrupt)
}

func TestEngine_resumesAfterRestart(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	h.chain.FailNextSubmits(1)

	tx, err := h.engine.Submit(ctx, testHash("record-1"), "tourist-1")
	require.NoError(t, err)
	require.Equal(t, anchor.StatePending, tx.State)

	// a new process over the same store and ledger
	restarted := h.newEngine(anchor.Config{})
	w := anchor.NewWorker(restarted, zap.NewNop())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, w.Poll(ctx))

	tx, err = restarted.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSubmitted, tx.State)
	assert.Equal(t, 2, tx.Attempts)

	h.chain.Mine()
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, w.Poll(ctx))

	tx, err = restarted.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateConfirmed, tx.State)
	assert.Equal(t, 1, h.chain.Submissions())
}

// claimingStore lets a worker claim land between the engine reading an
// owner's in-flight rows and superseding them.
type claimingStore struct {
	*anchor.MemoryStore
	beforeSupersede func()
}

func (s *claimingStore) CreateSuperseding(ctx context.Context, next *anchor.Transaction, prior []*anchor.Transaction) error {
	if fn := s.beforeSupersede; fn != nil {
		s.beforeSupersede = nil
		fn()
	}
	return s.MemoryStore.CreateSuperseding(ctx, next, prior)
}

func TestSubmit_supersessionSurvivesConcurrentClaim(t *testing.T) {
	store := &claimingStore{MemoryStore: anchor.NewMemoryStore()}
	e := anchor.NewEngine(store, ledger.NewSimulated(), keylock.New(8), anchor.Config{}, zap.NewNop())

	first, err := e.Submit(ctx, testHash("v1"), "tourist-1")
	require.NoError(t, err)
	require.Equal(t, anchor.StateSubmitted, first.State)

	store.beforeSupersede = func() {
		claimed, err := store.MemoryStore.ClaimDue(ctx, time.Now().Add(24*time.Hour), 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	}

	second, err := e.Submit(ctx, testHash("v2"), "tourist-1")
	require.NoError(t, err)

	old, err := e.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StateSuperseded, old.State)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, second.ID, *old.SupersededBy)
}
