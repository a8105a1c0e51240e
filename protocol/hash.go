package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a content hash.
const HashSize = 32

// ContentHash is the fixed 32-byte content-addressed identifier of a record.
// It is comparable and usable as a map key; equality is over the raw bytes.
type ContentHash [HashSize]byte

// HashRecord derives the content hash of a serialized record.
func HashRecord(data []byte) ContentHash {
	return ContentHash(blake3.Sum256(data))
}

// Hex returns the lowercase hexadecimal encoding of the hash.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form suitable for log lines.
func (h ContentHash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Bytes returns a copy of the raw hash bytes.
func (h ContentHash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// ParseHash decodes a 64-character hex string into a ContentHash.
func ParseHash(s string) (ContentHash, error) {
	var h ContentHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: parse hash: %v", ErrSerialization, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: parse hash: want %d bytes, got %d", ErrSerialization, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashFromBytes copies a raw 32-byte slice into a ContentHash.
func HashFromBytes(raw []byte) (ContentHash, error) {
	var h ContentHash
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: hash must be %d bytes, got %d", ErrSerialization, HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// MarshalJSON encodes the hash as a hex string.
func (h ContentHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *ContentHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
