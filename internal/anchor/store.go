package anchor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists transactions. Update and CreateSuperseding use optimistic
// concurrency: a row is written only if its Version still equals the version
// the caller read, and the stored Version is then incremented.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	// CreateSuperseding atomically writes the superseded prior transactions
	// and inserts next.
	CreateSuperseding(ctx context.Context, next *Transaction, prior []*Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// Current returns the owner's latest transaction that is not superseded.
	Current(ctx context.Context, ownerID string) (*Transaction, error)
	InFlight(ctx context.Context, ownerID string) ([]*Transaction, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Transaction, error)
	// ClaimDue leases up to limit in-flight transactions whose next attempt
	// is due and whose lease has lapsed.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Transaction, error)
}
