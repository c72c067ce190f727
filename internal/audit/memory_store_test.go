package audit_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safetrip/idanchor/internal/audit"
)

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store audit.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newEntry := func(owner string, at time.Time) *audit.Entry {
		e := &audit.Entry{ID: uuid.New(), Action: "kyc_verified", OwnerID: owner, Hash: testHash(owner + at.String()), CreatedAt: at}
		require.NoError(t, store.Append(ctx, e))
		return e
	}

	a := newEntry("tourist-1", base)
	b := newEntry("tourist-1", base.Add(time.Minute))
	c := newEntry("tourist-2", base.Add(2*time.Minute))

	latest, err := store.LatestForOwner(ctx, "tourist-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, latest.ID)

	list, err := store.ListByOwner(ctx, "tourist-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	_, err = store.LatestForOwner(ctx, "nobody")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	at := base.Add(time.Hour)
	got, err := store.MarkReconciled(ctx, a.ID, audit.ResultMatch, true, at)
	require.NoError(t, err)
	assert.True(t, got.VerifiedOnChain)
	require.NotNil(t, got.VerifiedAt)
	assert.True(t, got.VerifiedAt.Equal(at))

	got, err = store.MarkReconciled(ctx, a.ID, audit.ResultMismatch, false, at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, got.VerifiedOnChain, "verified stays set")
	assert.True(t, got.VerifiedAt.Equal(at))
	assert.Equal(t, audit.ResultMismatch, got.LastResult)

	_, err = store.MarkReconciled(ctx, uuid.New(), audit.ResultMatch, true, at)
	assert.ErrorIs(t, err, audit.ErrNotFound)

	_, err = store.MarkReconciled(ctx, c.ID, audit.ResultUnconfirmed, false, at)
	require.NoError(t, err)

	unverified, err := store.ListUnverified(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, unverified, 1)
	assert.Equal(t, b.ID, unverified[0].ID)

	unverified, err = store.ListUnverified(ctx, at.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, unverified, 2)
	assert.Equal(t, b.ID, unverified[0].ID, "never reconciled first")
	assert.Equal(t, c.ID, unverified[1].ID)

	d := &audit.Discrepancy{ID: uuid.New(), EntryID: c.ID, OwnerID: "tourist-2", EntryHash: c.Hash, LedgerHash: testHash("other"), DetectedAt: at}
	created, err := store.RecordDiscrepancy(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *d
	dup.ID = uuid.New()
	created, err = store.RecordDiscrepancy(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	ds, err := store.ListDiscrepancies(ctx, "tourist-2")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, testHash("other"), ds[0].LedgerHash)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, audit.NewMemoryStore())
}
