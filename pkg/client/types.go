package client

import "time"

// ItineraryStop is one stop of an identity record's itinerary.
type ItineraryStop struct {
	Location string    `json:"location"`
	Arrive   time.Time `json:"arrive"`
	Depart   time.Time `json:"depart,omitzero"`
}

// IdentityRecord is the identity data submitted for hashing or anchoring.
// Timestamps must carry whole seconds; sub-second values are rejected.
type IdentityRecord struct {
	OwnerID        string            `json:"owner_id"`
	TripID         string            `json:"trip_id"`
	DocumentType   string            `json:"document_type"`
	DocumentNumber string            `json:"document_number"`
	Nationality    string            `json:"nationality,omitempty"`
	ValidFrom      time.Time         `json:"valid_from"`
	ValidUntil     time.Time         `json:"valid_until"`
	Itinerary      []ItineraryStop   `json:"itinerary,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Transaction states.
const (
	StatePending    = "pending"
	StateSubmitted  = "submitted"
	StateConfirmed  = "confirmed"
	StateFailed     = "failed"
	StateSuperseded = "superseded"
)

// Transaction is an anchoring transaction.
type Transaction struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Hash          string     `json:"hash"`
	State         string     `json:"state"`
	TxRef         string     `json:"tx_ref,omitempty"`
	PriorTxRefs   []string   `json:"prior_tx_refs,omitempty"`
	Attempts      int        `json:"attempts"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	BlockRef      string     `json:"block_ref,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Terminal reports whether the transaction will not change state again.
func (t *Transaction) Terminal() bool {
	switch t.State {
	case StateConfirmed, StateFailed, StateSuperseded:
		return true
	}
	return false
}

// AnchorResult is returned by AnchorIdentity.
type AnchorResult struct {
	Hash        string       `json:"hash"`
	Transaction *Transaction `json:"transaction"`
}

// CancelResult is returned by CancelAnchor. LedgerWriteDispatched means the
// write may still land on the ledger; only local tracking stopped.
type CancelResult struct {
	Transaction           *Transaction `json:"transaction"`
	LedgerWriteDispatched bool         `json:"ledger_write_dispatched"`
}

// AuditEntry is one recorded administrative action.
type AuditEntry struct {
	ID               string     `json:"id"`
	Action           string     `json:"action"`
	OwnerID          string     `json:"owner_id"`
	Hash             string     `json:"hash"`
	CreatedAt        time.Time  `json:"created_at"`
	VerifiedOnChain  bool       `json:"verified_on_chain"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	LastResult       string     `json:"last_result,omitempty"`
}

// Reconciliation results.
const (
	ResultMatch       = "match"
	ResultMismatch    = "mismatch"
	ResultUnconfirmed = "unconfirmed"
	ResultPending     = "pending"
)

// Outcome is the result of VerifyEntry.
type Outcome struct {
	Entry      *AuditEntry `json:"entry"`
	Result     string      `json:"result"`
	LedgerHash string      `json:"ledger_hash"`
}

// VerificationStatus is the status of an owner's latest audit entry.
type VerificationStatus struct {
	OwnerID          string     `json:"owner_id"`
	EntryID          string     `json:"entry_id"`
	Hash             string     `json:"hash"`
	VerifiedOnChain  bool       `json:"verified_on_chain"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	LastResult       string     `json:"last_result,omitempty"`
}

// AnchoringState summarises an owner's current transaction.
type AnchoringState struct {
	OwnerID       string    `json:"owner_id"`
	TransactionID string    `json:"transaction_id"`
	State         string    `json:"state"`
	Hash          string    `json:"hash"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Discrepancy records an audit entry whose hash differed from the ledger.
type Discrepancy struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entry_id"`
	OwnerID    string    `json:"owner_id"`
	EntryHash  string    `json:"entry_hash"`
	LedgerHash string    `json:"ledger_hash"`
	DetectedAt time.Time `json:"detected_at"`
}

// Health is the /healthz response.
type Health struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}
