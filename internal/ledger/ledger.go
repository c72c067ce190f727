// Package ledger is the boundary to the distributed ledger that stores one
// identity hash per owner address. The contract surface is three operations:
// register a hash, look up a transaction receipt, read the stored hash.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safetrip/idanchor/internal/canonical"
)

//go:generate mockgen -destination=mock_ledger/client.go -package=mock_ledger . Client

var (
	// ErrSubmissionRejected means the ledger refused the write. It is not
	// retried automatically.
	ErrSubmissionRejected = errors.New("ledger rejected submission")

	// ErrNetworkUnavailable covers transport failures and timeouts. The
	// outcome of the call is unknown.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrNotFound means the ledger holds no hash for the address.
	ErrNotFound = errors.New("no hash stored for address")
)

// Client is the usage contract of the ledger. Implementations must honour
// ctx deadlines; a deadline hit is reported as ErrNetworkUnavailable.
type Client interface {
	SubmitHash(ctx context.Context, owner Address, hash canonical.Hash) (TxRef, error)
	GetReceipt(ctx context.Context, ref TxRef) (*Receipt, error)
	QueryStoredHash(ctx context.Context, owner Address) (canonical.Hash, error)
}

// TxRef identifies a dispatched ledger transaction.
type TxRef string

// Receipt is the confirmation status of a transaction. An unknown or not yet
// mined transaction is reported as unconfirmed, not as an error.
type Receipt struct {
	Confirmed bool   `json:"confirmed"`
	BlockRef  string `json:"block_ref,omitempty"`
}

// AddressSize is the length of an owner address in bytes.
const AddressSize = 20

// Address is the ledger-side identity of an owner.
type Address [AddressSize]byte

const addressDomain = "idanchor/owner/v1\x00"

// AddressFor derives the ledger address of an owner id: the last 20 bytes of
// keccak256 over a domain-separated owner id.
func AddressFor(ownerID string) Address {
	sum := canonical.Sum([]byte(addressDomain + ownerID))
	var a Address
	copy(a[:], sum[canonical.HashSize-AddressSize:])
	return a
}

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a 40-digit hex address with optional 0x prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != AddressSize*2 {
		return Address{}, fmt.Errorf("address must be %d hex digits", AddressSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("decode address: %w", err)
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// SignerConfig identifies the key that authorises ledger writes. It is passed
// explicitly to every client that needs it.
type SignerConfig struct {
	ChainID         int64
	ContractAddress string
	KeyID           string
	PrivateKey      *ecdsa.PrivateKey
	TokenTTL        time.Duration
}

// Validate checks that the signer can mint request tokens.
func (c SignerConfig) Validate() error {
	switch {
	case c.ChainID <= 0:
		return errors.New("signer: chain id must be positive")
	case c.ContractAddress == "":
		return errors.New("signer: contract address is required")
	case c.KeyID == "":
		return errors.New("signer: key id is required")
	case c.PrivateKey == nil:
		return errors.New("signer: private key is required")
	}
	return nil
}
