package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"meshsync/protocol"
)

const (
	// PSKSize is the length of a generated pre-shared key.
	PSKSize = 32
	// DefaultKDFIterations is the iteration count for passphrase
	// derivation. Modest by server standards; these nodes are small.
	DefaultKDFIterations = 10000
)

// GeneratePSK returns a fresh random 32-byte pre-shared key.
func GeneratePSK() ([]byte, error) {
	key := make([]byte, PSKSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generate psk: %v", protocol.ErrCrypto, err)
	}
	return key, nil
}

// DeriveKey stretches a passphrase and salt into a 32-byte key with
// iterated SHA-256. The same inputs always yield the same key, so two
// nodes provisioned with one passphrase agree without exchanging secrets.
func DeriveKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", protocol.ErrCrypto)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", protocol.ErrCrypto)
	}
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, PSKSize, sha256.New), nil
}
