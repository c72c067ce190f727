package ledger

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/safetrip/idanchor/internal/canonical"
)

// GenesisHash is the well-known hash of block 0 of the simulated chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Block is one mined registerID transaction on the simulated chain.
type Block struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	TxRef     TxRef          `json:"tx_ref"`
	Owner     Address        `json:"owner"`
	Hash      canonical.Hash `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
	BlockHash string         `json:"block_hash"`
}

// hashBlock must never be called on the genesis block.
func hashBlock(b *Block) string {
	sum := canonical.Sum([]byte(fmt.Sprintf("%d|%d|%s|%s|%s|%s",
		b.Index, b.Timestamp.UnixNano(), b.TxRef, b.Owner, b.Hash, b.PrevHash,
	)))
	return hex.EncodeToString(sum[:])
}
