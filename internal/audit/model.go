// Package audit keeps the off-chain audit log and reconciles its entries
// against the hash the ledger stores for each owner.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/safetrip/idanchor/internal/canonical"
)

// Result is the outcome of comparing an entry with the ledger.
type Result string

const (
	// ResultMatch: the ledger stores the entry's hash.
	ResultMatch Result = "match"
	// ResultMismatch: the ledger stores a different hash.
	ResultMismatch Result = "mismatch"
	// ResultUnconfirmed: the ledger has no record for the owner.
	ResultUnconfirmed Result = "unconfirmed"
	// ResultPending: the owner's anchoring transaction is not yet resolved.
	ResultPending Result = "pending"
)

// ErrNotFound is returned for unknown entries.
var ErrNotFound = errors.New("audit entry not found")

// Entry is one administrative action recorded against an owner's hash.
// VerifiedOnChain only ever moves from false to true.
type Entry struct {
	ID               uuid.UUID      `json:"id"`
	Action           string         `json:"action"`
	OwnerID          string         `json:"owner_id"`
	Hash             canonical.Hash `json:"hash"`
	CreatedAt        time.Time      `json:"created_at"`
	VerifiedOnChain  bool           `json:"verified_on_chain"`
	VerifiedAt       *time.Time     `json:"verified_at,omitempty"`
	LastReconciledAt *time.Time     `json:"last_reconciled_at,omitempty"`
	LastResult       Result         `json:"last_result,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// Discrepancy records a mismatch between an entry and the ledger.
type Discrepancy struct {
	ID         uuid.UUID      `json:"id"`
	EntryID    uuid.UUID      `json:"entry_id"`
	OwnerID    string         `json:"owner_id"`
	EntryHash  canonical.Hash `json:"entry_hash"`
	LedgerHash canonical.Hash `json:"ledger_hash"`
	DetectedAt time.Time      `json:"detected_at"`
}
