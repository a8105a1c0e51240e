// Package secure implements the DTLS-inspired session layer: per-peer
// session state with expiry and bounded caching, security-mode validation
// at construction, and sliding-window replay protection.
package secure

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"meshsync/protocol"
)

// SessionIDSize is the length of a session identifier in bytes.
const SessionIDSize = 32

// Session tracks the security state for one peer address. Each direction
// carries its own sequence numbers: Sequence counts what we send to the
// peer, PeerSequence is the high-water mark of what we have accepted from
// it.
type Session struct {
	PeerAddr     string
	ID           [SessionIDSize]byte
	Established  time.Time
	LastActivity time.Time
	// ResumptionSecret, when Set, allows an abbreviated re-handshake.
	ResumptionSecret []byte
	Epoch            uint16
	Sequence         uint64
	PeerSequence     uint64
	PeerVerified     bool
}

func newSession(peerAddr string, now time.Time) (*Session, error) {
	s := &Session{
		PeerAddr:     peerAddr,
		Established:  now,
		LastActivity: now,
	}
	if _, err := rand.Read(s.ID[:]); err != nil {
		return nil, fmt.Errorf("%w: session id: %v", protocol.ErrCrypto, err)
	}
	return s, nil
}

// IDHex returns the hex form of the session id for logging.
func (s *Session) IDHex() string {
	return hex.EncodeToString(s.ID[:])
}

// Expired reports whether the session has been idle past the timeout.
func (s *Session) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) >= timeout
}

// Touch stamps activity on the session.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// NextSequence hands out the next outbound sequence number.
func (s *Session) NextSequence() uint64 {
	s.Sequence++
	return s.Sequence
}

// IsValidSequence applies sliding-window replay acceptance: anything above
// the peer's high-water mark is fresh, anything within window below it is
// an acceptable reorder, anything older is a replay.
func (s *Session) IsValidSequence(seq uint64, window uint64) bool {
	if seq > s.PeerSequence {
		return true
	}
	if s.PeerSequence-seq < window {
		return true
	}
	return false
}

// ObserveSequence advances the peer's high-water mark after a validated
// receive.
func (s *Session) ObserveSequence(seq uint64) {
	if seq > s.PeerSequence {
		s.PeerSequence = seq
	}
}
