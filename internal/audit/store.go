package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists audit entries and discrepancies.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// MarkReconciled records a reconciliation outcome. The stored flag becomes
	// verified OR its previous value, so a verified entry stays verified.
	MarkReconciled(ctx context.Context, id uuid.UUID, result Result, verified bool, at time.Time) (*Entry, error)
	// ListUnverified returns unverified entries never reconciled or last
	// reconciled before the given time, least recently reconciled first.
	ListUnverified(ctx context.Context, reconciledBefore time.Time, limit int) ([]*Entry, error)
	LatestForOwner(ctx context.Context, ownerID string) (*Entry, error)
	// ListByOwner returns the owner's entries, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Entry, error)
	// RecordDiscrepancy stores d unless one already exists for the same entry
	// and ledger hash. created reports whether d was new.
	RecordDiscrepancy(ctx context.Context, d *Discrepancy) (created bool, err error)
	ListDiscrepancies(ctx context.Context, ownerID string) ([]*Discrepancy, error)
}
