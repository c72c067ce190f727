package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/events"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/platform/keylock"
)

var ctx = context.Background()

func testHash(s string) canonical.Hash {
	return canonical.Sum([]byte(s))
}

type published struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *published) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *published) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fixture struct {
	rec     *audit.Reconciler
	store   *audit.MemoryStore
	engine  *anchor.Engine
	anchors *anchor.MemoryStore
	chain   *ledger.Simulated
	events  *published
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   audit.NewMemoryStore(),
		anchors: anchor.NewMemoryStore(),
		chain:   ledger.NewSimulated(),
		events:  &published{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	locks := keylock.New(8)
	f.engine = anchor.NewEngine(f.anchors, f.chain, locks, anchor.Config{}, zap.NewNop())
	f.engine.SetClock(f.clock)
	f.rec = audit.NewReconciler(f.store, f.engine, f.chain, locks, f.events, audit.Config{StaleAfter: time.Minute}, zap.NewNop())
	f.rec.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

// anchorConfirmed drives hash for owner to a confirmed anchor.
func (f *fixture) anchorConfirmed(t *testing.T, owner string, hash canonical.Hash) {
	t.Helper()
	tx, err := f.engine.Submit(ctx, hash, owner)
	require.NoError(t, err)
	f.chain.Mine()
	tx, err = f.engine.PollStatus(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, anchor.StateConfirmed, tx.State)
}

func TestRecord(t *testing.T) {
	f := newFixture(t)

	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)
	assert.False(t, e.VerifiedOnChain)
	assert.Nil(t, e.LastReconciledAt)
	assert.Equal(t, f.now, e.CreatedAt)

	latest, err := f.rec.Latest(ctx, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, latest.ID)

	for _, tc := range []struct {
		action, owner string
		hash          canonical.Hash
	}{
		{"", "tourist-1", testHash("v1")},
		{"kyc_verified", "", testHash("v1")},
		{"kyc_verified", "tourist-1", canonical.ZeroHash},
	} {
		_, err := f.rec.Record(ctx, tc.action, tc.owner, tc.hash)
		assert.ErrorIs(t, err, canonical.ErrInvalidRecord)
	}
}

func TestReconcile_unconfirmed(t *testing.T) {
	f := newFixture(t)
	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	out, err := f.rec.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultUnconfirmed, out.Result)
	assert.False(t, out.Entry.VerifiedOnChain)
	require.NotNil(t, out.Entry.LastReconciledAt)
	assert.Equal(t, audit.ResultUnconfirmed, out.Entry.LastResult)
}

func TestReconcile_pendingWhileAnchorInFlight(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(ctx, testHash("v1"), "tourist-1")
	require.NoError(t, err)

	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	out, err := f.rec.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultPending, out.Result)
	assert.False(t, out.Entry.VerifiedOnChain)
}

func TestReconcile_match(t *testing.T) {
	f := newFixture(t)
	var hooked []audit.Result
	f.rec.SetReconciledHook(func(_ context.Context, out *audit.Outcome) {
		hooked = append(hooked, out.Result)
	})

	f.anchorConfirmed(t, "tourist-1", testHash("v1"))
	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	out, err := f.rec.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultMatch, out.Result)
	assert.True(t, out.Entry.VerifiedOnChain)
	require.NotNil(t, out.Entry.VerifiedAt)
	assert.Equal(t, testHash("v1"), out.LedgerHash)
	assert.Equal(t, []audit.Result{audit.ResultMatch}, hooked)
	assert.Empty(t, f.events.all())
}

func TestReconcile_mismatchRecordsDiscrepancyOnce(t *testing.T) {
	f := newFixture(t)
	// the ledger holds H2 while the entry claims H1
	_, err := f.chain.SubmitHash(ctx, ledger.AddressFor("tourist-1"), testHash("v2"))
	require.NoError(t, err)
	f.chain.Mine()

	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	out, err := f.rec.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultMismatch, out.Result)
	assert.False(t, out.Entry.VerifiedOnChain)
	assert.Equal(t, testHash("v2"), out.LedgerHash)

	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeDiscrepancy, evs[0].Type)
	assert.Equal(t, "tourist-1", evs[0].OwnerID)
	assert.Equal(t, e.ID.String(), evs[0].Payload["entry_id"])
	assert.Equal(t, testHash("v2").String(), evs[0].Payload["ledger_hash"])

	again, err := f.rec.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultMismatch, again.Result)
	assert.Len(t, f.events.all(), 1, "the same discrepancy is published once")

	ds, err := f.rec.Discrepancies(ctx, "tourist-1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, e.ID, ds[0].EntryID)
}

func TestReconcile_verifiedFlagIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.anchorConfirmed(t, "tourist-1", testHash("v1"))

	first, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)
	out, err := f.rec.Reconcile(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, out.Entry.VerifiedOnChain)

	// the identity changes and the new hash is anchored
	f.anchorConfirmed(t, "tourist-1", testHash("v2"))

	second, err := f.rec.Record(ctx, "trip_updated", "tourist-1", testHash("v2"))
	require.NoError(t, err)
	out, err = f.rec.Reconcile(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultMatch, out.Result)

	out, err = f.rec.Reconcile(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.ResultMismatch, out.Result)
	assert.True(t, out.Entry.VerifiedOnChain, "a verified entry is never unset")

	got, err := f.rec.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.VerifiedOnChain)
}

func TestReconcile_ledgerUnavailable(t *testing.T) {
	f := newFixture(t)
	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	f.chain.FailNextQueries(1)
	_, err = f.rec.Reconcile(ctx, e.ID)
	require.ErrorIs(t, err, ledger.ErrNetworkUnavailable)

	got, err := f.rec.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastReconciledAt, "an unknown outcome is not recorded")
}

func TestReconcile_unknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Reconcile(ctx, uuid.New())
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestReconcile_corruptAnchorState(t *testing.T) {
	f := newFixture(t)
	f.anchors.Put(&anchor.Transaction{
		ID:        uuid.New(),
		OwnerID:   "tourist-1",
		Address:   ledger.AddressFor("tourist-1"),
		Hash:      testHash("v1"),
		State:     "bogus",
		Version:   1,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	})
	e, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	_, err = f.rec.Reconcile(ctx, e.ID)
	assert.ErrorIs(t, err, anchor.ErrStateCorrupt)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.anchorConfirmed(t, "tourist-1", testHash("v1"))

	matched, err := f.rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)
	unconfirmed, err := f.rec.Record(ctx, "kyc_verified", "tourist-2", testHash("v9"))
	require.NoError(t, err)

	n, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.rec.Get(ctx, matched.ID)
	require.NoError(t, err)
	assert.True(t, got.VerifiedOnChain)

	n, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recently reconciled entries are skipped")

	// tourist-2 gets anchored later and the next stale sweep promotes the entry
	f.anchorConfirmed(t, "tourist-2", testHash("v9"))
	f.now = f.now.Add(2 * time.Minute)

	n, err = f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = f.rec.Get(ctx, unconfirmed.ID)
	require.NoError(t, err)
	assert.True(t, got.VerifiedOnChain)
	assert.Equal(t, audit.ResultMatch, got.LastResult)
}

func TestReconciler_startStop(t *testing.T) {
	store := audit.NewMemoryStore()
	chain := ledger.NewSimulated()
	engine := anchor.NewEngine(anchor.NewMemoryStore(), chain, nil, anchor.Config{}, zap.NewNop())
	rec := audit.NewReconciler(store, engine, chain, nil, nil, audit.Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	_, err := chain.SubmitHash(ctx, ledger.AddressFor("tourist-1"), testHash("v1"))
	require.NoError(t, err)
	chain.Mine()
	e, err := rec.Record(ctx, "kyc_verified", "tourist-1", testHash("v1"))
	require.NoError(t, err)

	rec.Start()
	require.Eventually(t, func() bool {
		got, err := rec.Get(ctx, e.ID)
		return err == nil && got.VerifiedOnChain
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, rec.Stop(stopCtx))
}
