package gossip

import (
	"time"

	"meshsync/protocol"
)

const (
	minPeerBackoff     = 100 * time.Millisecond
	maxPeerBackoff     = 300 * time.Second
	initialPeerBackoff = time.Second
)

// PeerBackoffState adapts retry timing per peer: failures double the wait,
// successes halve it, both clamped to [100ms, 300s]. Each state also keeps
// a local Bloom filter of hashes the peer is already known to hold,
// refreshed opportunistically during gossip. One instance exists per peer,
// owned by the coordinator goroutine.
type PeerBackoffState struct {
	failures    int
	successes   int
	backoff     time.Duration
	lastAttempt time.Time
	known       *BloomFilter

	now func() time.Time
}

// NewPeerBackoffState returns state for a freshly contacted peer.
func NewPeerBackoffState() *PeerBackoffState {
	return &PeerBackoffState{
		backoff: initialPeerBackoff,
		known:   NewBloomFilter(),
		now:     time.Now,
	}
}

// RecordSuccess halves the current backoff and resets the failure counter.
func (s *PeerBackoffState) RecordSuccess() {
	s.successes++
	s.failures = 0
	s.backoff /= 2
	if s.backoff < minPeerBackoff {
		s.backoff = minPeerBackoff
	}
}

// RecordFailure doubles the current backoff and resets the success counter.
func (s *PeerBackoffState) RecordFailure() {
	s.failures++
	s.successes = 0
	s.backoff *= 2
	if s.backoff > maxPeerBackoff {
		s.backoff = maxPeerBackoff
	}
}

// ShouldGossip reports whether enough wall-clock time has passed since the
// last attempt.
func (s *PeerBackoffState) ShouldGossip() bool {
	return s.now().Sub(s.lastAttempt) >= s.backoff
}

// MarkAttempt stamps the start of a gossip attempt.
func (s *PeerBackoffState) MarkAttempt() {
	s.lastAttempt = s.now()
}

// CurrentBackoff returns the active retry interval.
func (s *PeerBackoffState) CurrentBackoff() time.Duration {
	return s.backoff
}

// Failures returns the consecutive failure count.
func (s *PeerBackoffState) Failures() int {
	return s.failures
}

// Successes returns the consecutive success count.
func (s *PeerBackoffState) Successes() int {
	return s.successes
}

// NoteKnown records that the peer holds the given hash.
func (s *PeerBackoffState) NoteKnown(hash protocol.ContentHash) {
	s.known.Insert(hash)
}

// PeerMayHave reports whether the peer probably holds the hash.
func (s *PeerBackoffState) PeerMayHave(hash protocol.ContentHash) bool {
	return s.known.MayContain(hash)
}

// RefreshKnown replaces the peer view with a filter received during
// reconciliation.
func (s *PeerBackoffState) RefreshKnown(filter *BloomFilter) {
	if filter != nil {
		s.known = filter
	}
}
