// Package anchor drives identity hashes onto the ledger. Each request is an
// AnchorTransaction moving pending → submitted → confirmed | failed, with
// superseded as the terminal state for replaced or cancelled work. State is
// persisted after every transition so a restarted process resumes where the
// last one stopped.
package anchor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/ledger"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StatePending    State = "pending"
	StateSubmitted  State = "submitted"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateSuperseded State = "superseded"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateConfirmed, StateFailed, StateSuperseded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateSuperseded
}

// InFlight reports whether the ledger outcome is still open.
func (s State) InFlight() bool {
	return s == StatePending || s == StateSubmitted
}

// Failure and supersession reasons.
const (
	ReasonRejected        = "rejected"
	ReasonExhausted       = "exhausted"
	ReasonSuperseded      = "superseded"
	ReasonCancelled       = "cancelled"
	ReasonTrackingStopped = "tracking_stopped"
)

var (
	// ErrAnchoringExhausted means the retry budget ran out without confirmation.
	ErrAnchoringExhausted = errors.New("anchoring retries exhausted")

	// ErrStateCorrupt means persisted state is inconsistent. The engine
	// refuses to act for the affected owner.
	ErrStateCorrupt = errors.New("anchoring state corrupt")

	// ErrNotCancellable is returned when cancelling a terminal transaction.
	ErrNotCancellable = errors.New("transaction is not cancellable")

	ErrNotFound        = errors.New("anchor transaction not found")
	ErrVersionConflict = errors.New("anchor transaction modified concurrently")

	errReceiptTimeout = errors.New("no receipt before timeout")
)

// Transaction is one attempt to anchor a hash for an owner. Records are
// never deleted; superseded ones stay for history.
type Transaction struct {
	ID            uuid.UUID      `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Address       ledger.Address `json:"-"`
	Hash          canonical.Hash `json:"hash"`
	State         State          `json:"state"`
	TxRef         ledger.TxRef   `json:"tx_ref,omitempty"`
	PriorTxRefs   []ledger.TxRef `json:"prior_tx_refs,omitempty"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at,omitempty"`
	SubmittedAt   *time.Time     `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time     `json:"confirmed_at,omitempty"`
	BlockRef      string         `json:"block_ref,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	SupersededBy  *uuid.UUID     `json:"superseded_by,omitempty"`
	LeaseUntil    *time.Time     `json:"-"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LedgerAddress renders the owner's ledger address for API responses.
func (t *Transaction) LedgerAddress() string { return t.Address.String() }

// Dispatched reports whether any ledger write was sent for this transaction.
func (t *Transaction) Dispatched() bool {
	return t.TxRef != "" || len(t.PriorTxRefs) > 0
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.PriorTxRefs = append([]ledger.TxRef(nil), t.PriorTxRefs...)
	return &c
}

func newTransaction(ownerID string, hash canonical.Hash, now time.Time) *Transaction {
	return &Transaction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Address:       ledger.AddressFor(ownerID),
		Hash:          hash,
		State:         StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the invariants a persisted transaction must satisfy.
func (t *Transaction) Validate() error {
	switch {
	case t.ID == uuid.Nil:
		return corrupt(t, "missing id")
	case t.OwnerID == "":
		return corrupt(t, "missing owner")
	case t.Address != ledger.AddressFor(t.OwnerID):
		return corrupt(t, "address does not belong to owner")
	case t.Hash.IsZero():
		return corrupt(t, "missing hash")
	case !t.State.Valid():
		return corrupt(t, fmt.Sprintf("unknown state %q", t.State))
	case t.State == StateSubmitted && (t.TxRef == "" || t.SubmittedAt == nil):
		return corrupt(t, "submitted without transaction reference")
	case t.State == StateConfirmed && t.ConfirmedAt == nil:
		return corrupt(t, "confirmed without confirmation time")
	case t.Attempts < 0:
		return corrupt(t, "negative attempt count")
	}
	return nil
}

func corrupt(t *Transaction, msg string) error {
	return fmt.Errorf("%w: transaction %s owner %q: %s", ErrStateCorrupt, t.ID, t.OwnerID, msg)
}
