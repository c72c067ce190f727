package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safetrip/idanchor/internal/canonical"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[uuid.UUID]*Entry
	order         []uuid.UUID
	discrepancies []*Discrepancy
	seen          map[discrepancyKey]bool
}

type discrepancyKey struct {
	entry  uuid.UUID
	ledger canonical.Hash
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*Entry),
		seen:    make(map[discrepancyKey]bool),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e.clone()
	s.order = append(s.order, e.ID)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// MarkReconciled implements Store.
func (s *MemoryStore) MarkReconciled(_ context.Context, id uuid.UUID, result Result, verified bool, at time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if verified && !e.VerifiedOnChain {
		e.VerifiedOnChain = true
		e.VerifiedAt = &at
	}
	e.LastReconciledAt = &at
	e.LastResult = result
	return e.clone(), nil
}

// ListUnverified implements Store.
func (s *MemoryStore) ListUnverified(_ context.Context, reconciledBefore time.Time, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, id := range s.order {
		e := s.entries[id]
		if e.VerifiedOnChain {
			continue
		}
		if e.LastReconciledAt != nil && !e.LastReconciledAt.Before(reconciledBefore) {
			continue
		}
		out = append(out, e.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastReconciledAt, out[j].LastReconciledAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestForOwner implements Store.
func (s *MemoryStore) LatestForOwner(_ context.Context, ownerID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if e := s.entries[s.order[i]]; e.OwnerID == ownerID {
			return e.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListByOwner implements Store.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for i := len(s.order) - 1; i >= 0; i-- {
		if e := s.entries[s.order[i]]; e.OwnerID == ownerID {
			out = append(out, e.clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// RecordDiscrepancy implements Store.
func (s *MemoryStore) RecordDiscrepancy(_ context.Context, d *Discrepancy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := discrepancyKey{entry: d.EntryID, ledger: d.LedgerHash}
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	c := *d
	s.discrepancies = append(s.discrepancies, &c)
	return true, nil
}

// ListDiscrepancies implements Store.
func (s *MemoryStore) ListDiscrepancies(_ context.Context, ownerID string) ([]*Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Discrepancy
	for _, d := range s.discrepancies {
		if d.OwnerID == ownerID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}
