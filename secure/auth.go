package secure

import (
	"crypto/hmac"
	"encoding/binary"

	"lukechampine.com/blake3"
)

// TagSize is the length of a message authentication tag in bytes.
const TagSize = 16

// pskMACKey folds the identity and key into the fixed-size key the keyed
// hash requires. Both nodes derive the same key from the same material.
func pskMACKey(identity string, key []byte) []byte {
	material := make([]byte, 0, len(identity)+1+len(key))
	material = append(material, identity...)
	material = append(material, 0)
	material = append(material, key...)
	sum := blake3.Sum256(material)
	return sum[:]
}

// messageTag computes the keyed tag over one message's type, sequence
// number and payload. Binding the sequence number ties the tag to a single
// position in the replay window.
func messageTag(key []byte, seq uint64, msgType byte, payload []byte) []byte {
	h := blake3.New(TagSize, key)
	var header [9]byte
	header[0] = msgType
	binary.LittleEndian.PutUint64(header[1:], seq)
	h.Write(header[:])
	h.Write(payload)
	return h.Sum(nil)
}

// Seal returns the authentication tag for an outbound message, nil when
// the mode carries no symmetric key material.
func (m *Manager) Seal(seq uint64, msgType byte, payload []byte) []byte {
	if len(m.macKey) == 0 {
		return nil
	}
	return messageTag(m.macKey, seq, msgType, payload)
}

// Authenticate checks an inbound tag. Modes without symmetric key material
// accept every message; the pre-shared key mode requires a matching tag.
func (m *Manager) Authenticate(seq uint64, msgType byte, payload, tag []byte) bool {
	if len(m.macKey) == 0 {
		return true
	}
	expected := messageTag(m.macKey, seq, msgType, payload)
	return hmac.Equal(expected, tag)
}
