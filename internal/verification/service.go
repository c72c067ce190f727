// Package verification is the caller-facing surface of idanchor. It composes
// the anchoring engine and the audit reconciler; reads are served from
// persisted state and never reach the ledger.
package verification

import (
	"context"
	"errors"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/events"
)

// ErrNoAuditRecord is returned when an owner has no audit entries.
var ErrNoAuditRecord = errors.New("no audit record for owner")

// Status is the verification status of an owner's latest audit entry.
type Status struct {
	OwnerID          string         `json:"owner_id"`
	EntryID          uuid.UUID      `json:"entry_id"`
	Hash             canonical.Hash `json:"hash"`
	VerifiedOnChain  bool           `json:"verified_on_chain"`
	LastReconciledAt *time.Time     `json:"last_reconciled_at,omitempty"`
	LastResult       audit.Result   `json:"last_result,omitempty"`
}

// AnchoringState summarises the owner's current anchoring transaction.
type AnchoringState struct {
	OwnerID       string         `json:"owner_id"`
	TransactionID uuid.UUID      `json:"transaction_id"`
	State         anchor.State   `json:"state"`
	Hash          canonical.Hash `json:"hash"`
	Attempts      int            `json:"attempts"`
	FailureReason string         `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AnchorResult is returned by AnchorIdentity.
type AnchorResult struct {
	Hash        canonical.Hash      `json:"hash"`
	Transaction *anchor.Transaction `json:"transaction"`
}

// Service implements the verification API.
type Service struct {
	engine    *anchor.Engine
	rec       *audit.Reconciler
	cache     Cache
	publisher events.Publisher
	logger    *zap.Logger

	// gens counts invalidations per owner shard; a read that raced one
	// drops what it cached.
	gens [64]atomic.Uint64
}

// NewService creates a Service and registers its hooks on engine and rec:
// anchor terminal states are published, and reconciliations invalidate the
// owner's cached status.
func NewService(engine *anchor.Engine, rec *audit.Reconciler, cache Cache, publisher events.Publisher, logger *zap.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache(30 * time.Second)
	}
	if publisher == nil {
		publisher = events.Discard
	}
	s := &Service{
		engine:    engine,
		rec:       rec,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
	}
	engine.SetTransitionHook(s.onTransition)
	rec.SetReconciledHook(s.onReconciled)
	return s
}

// HashRecord validates and canonicalises record without anchoring it.
func (s *Service) HashRecord(record *canonical.IdentityRecord) (canonical.Hash, error) {
	return canonical.Canonicalize(record)
}

// AnchorIdentity hashes record and submits the hash for its owner. On a
// ledger rejection the failed transaction is returned together with the error.
func (s *Service) AnchorIdentity(ctx context.Context, record *canonical.IdentityRecord) (*AnchorResult, error) {
	hash, err := canonical.Canonicalize(record)
	if err != nil {
		return nil, err
	}
	tx, err := s.engine.Submit(ctx, hash, record.OwnerID)
	if tx == nil {
		return nil, err
	}
	return &AnchorResult{Hash: hash, Transaction: tx}, err
}

// RecordAction appends an audit entry for an action taken against hash.
func (s *Service) RecordAction(ctx context.Context, action, ownerID string, hash canonical.Hash) (*audit.Entry, error) {
	e, err := s.rec.Record(ctx, action, ownerID, hash)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, ownerID)
	return e, nil
}

// GetVerificationStatus returns the status of the owner's latest audit entry.
func (s *Service) GetVerificationStatus(ctx context.Context, ownerID string) (*Status, error) {
	if st, ok := s.cache.Get(ctx, ownerID); ok {
		return st, nil
	}
	gen := s.generation(ownerID).Load()
	e, err := s.rec.Latest(ctx, ownerID)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, ErrNoAuditRecord
	}
	if err != nil {
		return nil, err
	}
	st := &Status{
		OwnerID:          ownerID,
		EntryID:          e.ID,
		Hash:             e.Hash,
		VerifiedOnChain:  e.VerifiedOnChain,
		LastReconciledAt: e.LastReconciledAt,
		LastResult:       e.LastResult,
	}
	s.cache.Set(ctx, ownerID, st)
	if s.generation(ownerID).Load() != gen {
		s.cache.Delete(ctx, ownerID)
	}
	return st, nil
}

// GetAnchoringState returns the state of the owner's current transaction.
// Superseded transactions are never current.
func (s *Service) GetAnchoringState(ctx context.Context, ownerID string) (*AnchoringState, error) {
	tx, err := s.engine.Current(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &AnchoringState{
		OwnerID:       ownerID,
		TransactionID: tx.ID,
		State:         tx.State,
		Hash:          tx.Hash,
		Attempts:      tx.Attempts,
		FailureReason: tx.FailureReason,
		UpdatedAt:     tx.UpdatedAt,
	}, nil
}

// VerifyEntry reconciles one entry on demand.
func (s *Service) VerifyEntry(ctx context.Context, entryID uuid.UUID) (*audit.Outcome, error) {
	return s.rec.Reconcile(ctx, entryID)
}

// GetAnchor returns a transaction by id.
func (s *Service) GetAnchor(ctx context.Context, id uuid.UUID) (*anchor.Transaction, error) {
	return s.engine.Get(ctx, id)
}

// CancelAnchor cancels an in-flight transaction.
func (s *Service) CancelAnchor(ctx context.Context, id uuid.UUID) (*anchor.CancelResult, error) {
	return s.engine.Cancel(ctx, id)
}

// AnchorHistory returns every transaction of the owner, oldest first.
func (s *Service) AnchorHistory(ctx context.Context, ownerID string) ([]*anchor.Transaction, error) {
	return s.engine.History(ctx, ownerID)
}

// AuditHistory returns the owner's audit entries, newest first.
func (s *Service) AuditHistory(ctx context.Context, ownerID string, limit int) ([]*audit.Entry, error) {
	return s.rec.History(ctx, ownerID, limit)
}

// Discrepancies returns the owner's recorded discrepancies.
func (s *Service) Discrepancies(ctx context.Context, ownerID string) ([]*audit.Discrepancy, error) {
	return s.rec.Discrepancies(ctx, ownerID)
}

func (s *Service) onTransition(ctx context.Context, tx *anchor.Transaction, from anchor.State) {
	var t events.Type
	switch tx.State {
	case anchor.StateConfirmed:
		t = events.TypeAnchorConfirmed
	case anchor.StateFailed:
		t = events.TypeAnchorFailed
	case anchor.StateSuperseded:
		t = events.TypeAnchorSuperseded
	default:
		return
	}
	payload := map[string]string{
		"transaction_id": tx.ID.String(),
		"hash":           tx.Hash.String(),
		"from":           string(from),
		"tx_ref":         string(tx.TxRef),
	}
	if tx.BlockRef != "" {
		payload["block_ref"] = tx.BlockRef
	}
	if tx.FailureReason != "" {
		payload["reason"] = tx.FailureReason
	}
	if err := s.publisher.Publish(ctx, events.New(t, tx.OwnerID, payload)); err != nil {
		s.logger.Error("publish anchor event",
			zap.String("tx_id", tx.ID.String()),
			zap.String("event_type", string(t)),
			zap.Error(err),
		)
	}
}

func (s *Service) onReconciled(ctx context.Context, out *audit.Outcome) {
	s.invalidate(ctx, out.Entry.OwnerID)
}

// invalidate must run after the store write it announces.
func (s *Service) invalidate(ctx context.Context, ownerID string) {
	s.generation(ownerID).Add(1)
	s.cache.Delete(ctx, ownerID)
}

func (s *Service) generation(ownerID string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(ownerID)) //nolint:errcheck
	return &s.gens[h.Sum32()%uint32(len(s.gens))]
}
