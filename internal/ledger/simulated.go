package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/safetrip/idanchor/internal/canonical"
)

// Simulated is an in-memory, hash-chained ledger implementing Client. Writes
// wait in a mempool until mined, either explicitly with Mine or after a
// configured number of receipt polls. It exists for development (cmd/ledgersim)
// and tests; fault injection lets callers reproduce transport failures.
type Simulated struct {
	mu        sync.Mutex
	blocks    []*Block
	mempool   []*pendingTx
	mined     map[TxRef]*Block
	stored    map[Address]canonical.Hash
	submitted int
	nonce     uint64

	confirmAfter int
	latency      time.Duration
	faults       faults
	now          func() time.Time
}

type pendingTx struct {
	ref   TxRef
	owner Address
	hash  canonical.Hash
	polls int
}

type faults struct {
	failSubmits   int
	rejectSubmits int
	dropResponses int
	failReceipts  int
	failQueries   int
}

// SimulatedOption configures a Simulated ledger.
type SimulatedOption func(*Simulated)

// WithConfirmAfter mines a transaction on its n-th receipt poll. Zero leaves
// mining to explicit Mine calls.
func WithConfirmAfter(n int) SimulatedOption {
	return func(s *Simulated) { s.confirmAfter = n }
}

// WithLatency delays every call by d, honouring context deadlines.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.latency = d }
}

// NewSimulated creates a simulated chain holding only the genesis block.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		mined:  make(map[TxRef]*Block),
		stored: make(map[Address]canonical.Hash),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.blocks = append(s.blocks, &Block{
		Index:     0,
		Timestamp: s.now(),
		PrevHash:  GenesisHash,
		BlockHash: GenesisHash,
	})
	return s
}

// FailNextSubmits makes the next n submissions fail before reaching the chain.
func (s *Simulated) FailNextSubmits(n int) { s.mu.Lock(); s.faults.failSubmits = n; s.mu.Unlock() }

// RejectNextSubmits makes the next n submissions fail with ErrSubmissionRejected.
func (s *Simulated) RejectNextSubmits(n int) { s.mu.Lock(); s.faults.rejectSubmits = n; s.mu.Unlock() }

// DropNextSubmitResponses accepts the next n submissions into the mempool but
// reports ErrNetworkUnavailable to the caller, as a lost response would.
func (s *Simulated) DropNextSubmitResponses(n int) {
	s.mu.Lock()
	s.faults.dropResponses = n
	s.mu.Unlock()
}

// FailNextReceipts makes the next n receipt lookups fail.
func (s *Simulated) FailNextReceipts(n int) { s.mu.Lock(); s.faults.failReceipts = n; s.mu.Unlock() }

// FailNextQueries makes the next n stored-hash lookups fail.
func (s *Simulated) FailNextQueries(n int) { s.mu.Lock(); s.faults.failQueries = n; s.mu.Unlock() }

// SubmitHash implements Client.
func (s *Simulated) SubmitHash(ctx context.Context, owner Address, hash canonical.Hash) (TxRef, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.failSubmits > 0 {
		s.faults.failSubmits--
		return "", fmt.Errorf("%w: simulated submit failure", ErrNetworkUnavailable)
	}
	if s.faults.rejectSubmits > 0 {
		s.faults.rejectSubmits--
		return "", fmt.Errorf("%w: simulated rejection", ErrSubmissionRejected)
	}
	if hash.IsZero() {
		return "", fmt.Errorf("%w: zero hash", ErrSubmissionRejected)
	}

	s.nonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.nonce)
	payload := append(append(owner[:], hash[:]...), nonce[:]...)
	ref := TxRef(canonical.Sum(payload).String())

	s.mempool = append(s.mempool, &pendingTx{ref: ref, owner: owner, hash: hash})
	s.submitted++

	if s.faults.dropResponses > 0 {
		s.faults.dropResponses--
		return "", fmt.Errorf("%w: simulated lost response", ErrNetworkUnavailable)
	}
	return ref, nil
}

// GetReceipt implements Client.
func (s *Simulated) GetReceipt(ctx context.Context, ref TxRef) (*Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.failReceipts > 0 {
		s.faults.failReceipts--
		return nil, fmt.Errorf("%w: simulated receipt failure", ErrNetworkUnavailable)
	}
	if b, ok := s.mined[ref]; ok {
		return &Receipt{Confirmed: true, BlockRef: b.BlockHash}, nil
	}
	for i, p := range s.mempool {
		if p.ref != ref {
			continue
		}
		p.polls++
		if s.confirmAfter > 0 && p.polls >= s.confirmAfter {
			s.mempool = append(s.mempool[:i], s.mempool[i+1:]...)
			b := s.appendBlock(p)
			return &Receipt{Confirmed: true, BlockRef: b.BlockHash}, nil
		}
		break
	}
	return &Receipt{Confirmed: false}, nil
}

// QueryStoredHash implements Client.
func (s *Simulated) QueryStoredHash(ctx context.Context, owner Address) (canonical.Hash, error) {
	if err := s.wait(ctx); err != nil {
		return canonical.ZeroHash, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.failQueries > 0 {
		s.faults.failQueries--
		return canonical.ZeroHash, fmt.Errorf("%w: simulated query failure", ErrNetworkUnavailable)
	}
	h, ok := s.stored[owner]
	if !ok {
		return canonical.ZeroHash, ErrNotFound
	}
	return h, nil
}

// Mine moves every mempool transaction onto the chain in submission order
// and returns how many were mined.
func (s *Simulated) Mine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.mempool)
	for _, p := range s.mempool {
		s.appendBlock(p)
	}
	s.mempool = nil
	return n
}

// MineRef mines a single mempool transaction, leaving the others pending.
func (s *Simulated) MineRef(ref TxRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.mempool {
		if p.ref == ref {
			s.mempool = append(s.mempool[:i], s.mempool[i+1:]...)
			s.appendBlock(p)
			return true
		}
	}
	return false
}

// Submissions returns how many writes reached the mempool.
func (s *Simulated) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Pending returns the references still waiting in the mempool.
func (s *Simulated) Pending() []TxRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]TxRef, 0, len(s.mempool))
	for _, p := range s.mempool {
		refs = append(refs, p.ref)
	}
	return refs
}

// Len returns the number of blocks including genesis.
func (s *Simulated) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Block returns the block at index.
func (s *Simulated) Block(index int) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.blocks) {
		return nil, fmt.Errorf("block %d out of range", index)
	}
	b := *s.blocks[index]
	return &b, nil
}

// Root returns the hash of the chain tip.
func (s *Simulated) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[len(s.blocks)-1].BlockHash
}

// Verify walks the chain and checks every link and block hash.
func (s *Simulated) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, curr := range s.blocks {
		if i == 0 {
			if curr.BlockHash != GenesisHash {
				return fmt.Errorf("genesis block has wrong hash: got %q", curr.BlockHash)
			}
			continue
		}
		if curr.PrevHash != s.blocks[i-1].BlockHash {
			return fmt.Errorf("hash chain broken at block %d", curr.Index)
		}
		if curr.BlockHash != hashBlock(curr) {
			return fmt.Errorf("block %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// appendBlock must be called with s.mu held.
func (s *Simulated) appendBlock(p *pendingTx) *Block {
	prev := s.blocks[len(s.blocks)-1]
	b := &Block{
		Index:     len(s.blocks),
		Timestamp: s.now(),
		TxRef:     p.ref,
		Owner:     p.owner,
		Hash:      p.hash,
		PrevHash:  prev.BlockHash,
	}
	b.BlockHash = hashBlock(b)
	s.blocks = append(s.blocks, b)
	s.mined[p.ref] = b
	s.stored[p.owner] = p.hash
	return b
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
		}
		return nil
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, ctx.Err())
	}
}
