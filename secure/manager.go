package secure

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshsync/protocol"
)

// Mode selects the session security model.
type Mode int

const (
	// ModeNoSec passes traffic through without session verification.
	ModeNoSec Mode = iota
	// ModePreSharedKey authenticates peers with a symmetric key.
	ModePreSharedKey
	// ModeCertificate authenticates peers with raw certificates.
	ModeCertificate
)

func (m Mode) String() string {
	switch m {
	case ModeNoSec:
		return "nosec"
	case ModePreSharedKey:
		return "psk"
	case ModeCertificate:
		return "certificate"
	}
	return "unknown"
}

const (
	defaultSessionTimeout = 24 * time.Hour
	defaultMaxSessions    = 100
	// DefaultReplayWindow is the sliding acceptance window for sequence
	// numbers.
	DefaultReplayWindow = 64
)

// Config carries the security-mode material and session tunables.
// Validation failures are fatal at construction: the manager never
// degrades to a weaker mode.
type Config struct {
	Mode Mode

	// Pre-shared key material, required in ModePreSharedKey.
	PSKIdentity string
	PSKKey      []byte

	// Certificate material, required in ModeCertificate.
	Certificate []byte
	PrivateKey  []byte
	// CACertificates anchor peer verification when VerifyPeer is set.
	CACertificates [][]byte
	VerifyPeer     bool

	SessionTimeout time.Duration
	MaxSessions    int
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeNoSec:
		return nil
	case ModePreSharedKey:
		if len(c.PSKKey) == 0 {
			return fmt.Errorf("%w: psk mode requires a key", protocol.ErrCrypto)
		}
		if c.PSKIdentity == "" {
			return fmt.Errorf("%w: psk mode requires an identity", protocol.ErrCrypto)
		}
		return nil
	case ModeCertificate:
		if len(c.Certificate) == 0 {
			return fmt.Errorf("%w: certificate mode requires a certificate", protocol.ErrCrypto)
		}
		if len(c.PrivateKey) == 0 {
			return fmt.Errorf("%w: certificate mode requires a private key", protocol.ErrCrypto)
		}
		if c.VerifyPeer && len(c.CACertificates) == 0 {
			return fmt.Errorf("%w: peer verification requires at least one CA certificate", protocol.ErrCrypto)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown security mode %d", protocol.ErrCrypto, c.Mode)
	}
}

// ManagerStats is a snapshot of session bookkeeping.
type ManagerStats struct {
	ActiveSessions int
	Created        uint64
	Expired        uint64
	Evicted        uint64
}

// Manager keys session state by peer address. Sessions expire after the
// configured timeout and the cache holds at most MaxSessions entries,
// evicting the oldest-established first. Reads share the lock; writers
// exclude all access.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	// macKey is the derived per-message authentication key, nil outside
	// the pre-shared key mode.
	macKey []byte

	mu       sync.RWMutex
	sessions map[string]*Session

	created uint64
	expired uint64
	evicted uint64

	now func() time.Time
}

// NewManager validates the security configuration and returns the session
// manager. Invalid configurations fail immediately.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "secure"), slog.String("mode", cfg.Mode.String())),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	if cfg.Mode == ModePreSharedKey {
		m.macKey = pskMACKey(cfg.PSKIdentity, cfg.PSKKey)
	}
	return m, nil
}

// Mode returns the configured security mode.
func (m *Manager) Mode() Mode {
	return m.cfg.Mode
}

// GetOrCreateSession returns the live session for a peer address, creating
// a fresh one when none exists. Expired sessions are replaced, never
// reused.
func (m *Manager) GetOrCreateSession(peerAddr string) (*Session, error) {
	now := m.now()

	m.mu.RLock()
	session := m.sessions[peerAddr]
	m.mu.RUnlock()
	if session != nil && !session.Expired(m.cfg.SessionTimeout, now) {
		m.mu.Lock()
		session.Touch(now)
		m.mu.Unlock()
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock.
	if session = m.sessions[peerAddr]; session != nil && !session.Expired(m.cfg.SessionTimeout, now) {
		session.Touch(now)
		return session, nil
	}
	if session != nil {
		m.expired++
		m.logger.Debug("replacing expired session",
			slog.String("peer", peerAddr), slog.String("session", session.IDHex()[:8]))
	}
	fresh, err := newSession(peerAddr, now)
	if err != nil {
		return nil, err
	}
	fresh.PeerVerified = m.cfg.Mode == ModeNoSec
	m.sessions[peerAddr] = fresh
	m.created++
	m.evictOverflowLocked()
	return fresh, nil
}

// evictOverflowLocked drops the oldest-established sessions once the cache
// exceeds its hard cap.
func (m *Manager) evictOverflowLocked() {
	for len(m.sessions) > m.cfg.MaxSessions {
		var oldestAddr string
		var oldest time.Time
		for addr, s := range m.sessions {
			if oldestAddr == "" || s.Established.Before(oldest) {
				oldestAddr = addr
				oldest = s.Established
			}
		}
		delete(m.sessions, oldestAddr)
		m.evicted++
		m.logger.Debug("session cache overflow, evicted oldest",
			slog.String("peer", oldestAddr))
	}
}

// MarkVerified flags a peer's session as authenticated.
func (m *Manager) MarkVerified(peerAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[peerAddr]; s != nil {
		s.PeerVerified = true
	}
}

// VerifySession reports whether traffic from the peer should be accepted.
// NoSec always passes; other modes require an authenticated live session.
func (m *Manager) VerifySession(peerAddr string) bool {
	if m.cfg.Mode == ModeNoSec {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[peerAddr]
	if s == nil || s.Expired(m.cfg.SessionTimeout, m.now()) {
		return false
	}
	return s.PeerVerified
}

// NextSequence reserves the next outbound sequence number toward a peer,
// creating the session if needed.
func (m *Manager) NextSequence(peerAddr string) (uint64, error) {
	if _, err := m.GetOrCreateSession(peerAddr); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[peerAddr]
	if s == nil {
		return 0, fmt.Errorf("%w: session for %s evicted", protocol.ErrCrypto, peerAddr)
	}
	return s.NextSequence(), nil
}

// ValidateSequence applies replay protection for an inbound sequence
// number, advancing the session's high-water mark on acceptance.
func (m *Manager) ValidateSequence(peerAddr string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[peerAddr]
	if s == nil {
		return false
	}
	if !s.IsValidSequence(seq, DefaultReplayWindow) {
		return false
	}
	s.ObserveSequence(seq)
	s.Touch(m.now())
	return true
}

// DropSession removes a peer's session outright.
func (m *Manager) DropSession(peerAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peerAddr)
}

// Stats returns a snapshot of session bookkeeping.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ManagerStats{
		ActiveSessions: len(m.sessions),
		Created:        m.created,
		Expired:        m.expired,
		Evicted:        m.evicted,
	}
}
