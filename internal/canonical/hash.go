package canonical

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashSize is the digest length in bytes.
const HashSize = 32

// Hash is the canonical content hash of an identity record.
type Hash [HashSize]byte

// ZeroHash is the empty hash; it never identifies a valid record.
var ZeroHash Hash

// Canonicalize validates the record and returns the Keccak-256 digest of its
// canonical encoding. It is pure: identical field values always produce the
// same hash, independent of construction order.
func Canonicalize(r *IdentityRecord) (Hash, error) {
	enc, err := Encode(r)
	if err != nil {
		return ZeroHash, err
	}
	return Sum(enc), nil
}

// Sum returns the legacy Keccak-256 digest of data, matching the EVM keccak256.
func Sum(data []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String renders the hash as 0x-prefixed lowercase hex.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-digit hex string with an optional 0x prefix.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != HashSize*2 {
		return ZeroHash, fmt.Errorf("hash must be %d hex digits, got %d", HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("decode hash: %w", err)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
