package anchor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It loses all state on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	txs     map[uuid.UUID]*Transaction
	seq     map[uuid.UUID]int64
	nextSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[uuid.UUID]*Transaction),
		seq: make(map[uuid.UUID]int64),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Version = 1
	s.insert(tx)
	return nil
}

// CreateSuperseding implements Store.
func (s *MemoryStore) CreateSuperseding(_ context.Context, next *Transaction, prior []*Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prior {
		if err := s.checkVersion(p); err != nil {
			return err
		}
	}
	for _, p := range prior {
		p.Version++
		s.txs[p.ID] = p.clone()
	}
	next.Version = 1
	s.insert(next)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(tx); err != nil {
		return err
	}
	tx.Version++
	s.txs[tx.ID] = tx.clone()
	return nil
}

func (s *MemoryStore) insert(tx *Transaction) {
	s.nextSeq++
	s.seq[tx.ID] = s.nextSeq
	s.txs[tx.ID] = tx.clone()
}

func (s *MemoryStore) checkVersion(tx *Transaction) error {
	cur, ok := s.txs[tx.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != tx.Version {
		return ErrVersionConflict
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.clone(), nil
}

// Current implements Store.
func (s *MemoryStore) Current(_ context.Context, ownerID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Transaction
	for _, tx := range s.ownerTxs(ownerID) {
		if tx.State != StateSuperseded {
			latest = tx
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.clone(), nil
}

// InFlight implements Store.
func (s *MemoryStore) InFlight(_ context.Context, ownerID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.ownerTxs(ownerID) {
		if tx.State.InFlight() {
			out = append(out, tx.clone())
		}
	}
	return out, nil
}

// ListByOwner implements Store.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txs := s.ownerTxs(ownerID)
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.clone()
	}
	return out, nil
}

// ClaimDue implements Store.
func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Transaction
	for _, tx := range s.txs {
		if !tx.State.InFlight() || tx.NextAttemptAt.After(now) {
			continue
		}
		if tx.LeaseUntil != nil && tx.LeaseUntil.After(now) {
			continue
		}
		due = append(due, tx)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	out := make([]*Transaction, 0, len(due))
	for _, tx := range due {
		tx.LeaseUntil = &until
		tx.Version++
		out = append(out, tx.clone())
	}
	return out, nil
}

// ownerTxs returns the owner's transactions ordered by creation. Callers hold s.mu.
func (s *MemoryStore) ownerTxs(ownerID string) []*Transaction {
	var txs []*Transaction
	for _, tx := range s.txs {
		if tx.OwnerID == ownerID {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return s.seq[txs[i].ID] < s.seq[txs[j].ID]
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs
}

// Put stores tx verbatim, bypassing version checks. It lets tests seed
// arbitrary, including inconsistent, state.
func (s *MemoryStore) Put(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		s.txs[tx.ID] = tx.clone()
		return
	}
	s.insert(tx)
}
