package secure

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshsync/protocol"
)

func pskConfig() Config {
	return Config{
		Mode:        ModePreSharedKey,
		PSKIdentity: "node-a",
		PSKKey:      []byte("0123456789abcdef0123456789abcdef"),
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"nosec", Config{Mode: ModeNoSec}, true},
		{"psk valid", pskConfig(), true},
		{"psk missing key", Config{Mode: ModePreSharedKey, PSKIdentity: "id"}, false},
		{"psk missing identity", Config{Mode: ModePreSharedKey, PSKKey: []byte("k")}, false},
		{"cert valid", Config{Mode: ModeCertificate, Certificate: []byte("c"), PrivateKey: []byte("k")}, true},
		{"cert missing key", Config{Mode: ModeCertificate, Certificate: []byte("c")}, false},
		{"cert verify without ca", Config{Mode: ModeCertificate, Certificate: []byte("c"), PrivateKey: []byte("k"), VerifyPeer: true}, false},
		{"cert verify with ca", Config{Mode: ModeCertificate, Certificate: []byte("c"), PrivateKey: []byte("k"), VerifyPeer: true, CACertificates: [][]byte{[]byte("ca")}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewManager(tc.cfg, nil)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.True(t, errors.Is(err, protocol.ErrCrypto), "config failures are crypto errors")
			}
		})
	}
}

func TestSessionReusedWithinTimeout(t *testing.T) {
	m, err := NewManager(Config{Mode: ModeNoSec, SessionTimeout: time.Hour}, nil)
	require.NoError(t, err)
	at := time.Unix(1700000000, 0)
	m.now = func() time.Time { return at }

	first, err := m.GetOrCreateSession("10.0.0.1:5683")
	require.NoError(t, err)
	at = at.Add(30 * time.Minute)
	second, err := m.GetOrCreateSession("10.0.0.1:5683")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "live session is reused")

	at = at.Add(2 * time.Hour)
	third, err := m.GetOrCreateSession("10.0.0.1:5683")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID, "expired session is replaced")
	require.Equal(t, uint64(1), m.Stats().Expired)
}

func TestReplayWindow(t *testing.T) {
	s := &Session{PeerSequence: 100}
	require.True(t, s.IsValidSequence(101, 64), "future sequence accepted")
	require.True(t, s.IsValidSequence(50, 64), "within window accepted")
	require.False(t, s.IsValidSequence(10, 64), "outside window rejected")
}

func TestValidateSequenceAdvancesWatermark(t *testing.T) {
	m, err := NewManager(Config{Mode: ModeNoSec}, nil)
	require.NoError(t, err)
	session, err := m.GetOrCreateSession("peer")
	require.NoError(t, err)
	session.PeerSequence = 100

	require.False(t, m.ValidateSequence("unknown", 5), "no session means no acceptance")
	require.True(t, m.ValidateSequence("peer", 150))
	require.False(t, m.ValidateSequence("peer", 10), "watermark advanced past the window")
}

func TestSessionCacheEviction(t *testing.T) {
	m, err := NewManager(Config{Mode: ModeNoSec, MaxSessions: 3}, nil)
	require.NoError(t, err)
	at := time.Unix(1700000000, 0)
	m.now = func() time.Time { return at }

	for i := 0; i < 4; i++ {
		at = at.Add(time.Second)
		_, err := m.GetOrCreateSession(string(rune('a' + i)))
		require.NoError(t, err)
	}
	stats := m.Stats()
	require.Equal(t, 3, stats.ActiveSessions)
	require.Equal(t, uint64(1), stats.Evicted)

	// The oldest session ("a") is the one that went.
	m.mu.RLock()
	_, oldestAlive := m.sessions["a"]
	m.mu.RUnlock()
	require.False(t, oldestAlive)
}

func TestVerifySessionByMode(t *testing.T) {
	nosec, err := NewManager(Config{Mode: ModeNoSec}, nil)
	require.NoError(t, err)
	require.True(t, nosec.VerifySession("anything"), "nosec always passes")

	psk, err := NewManager(pskConfig(), nil)
	require.NoError(t, err)
	require.False(t, psk.VerifySession("peer"), "no session, no trust")
	_, err = psk.GetOrCreateSession("peer")
	require.NoError(t, err)
	require.False(t, psk.VerifySession("peer"), "unverified session is rejected")
	psk.MarkVerified("peer")
	require.True(t, psk.VerifySession("peer"))
}

func TestNextSequenceCountsPerPeer(t *testing.T) {
	m, err := NewManager(Config{Mode: ModeNoSec}, nil)
	require.NoError(t, err)

	first, err := m.NextSequence("peer-a")
	require.NoError(t, err)
	second, err := m.NextSequence("peer-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)

	other, err := m.NextSequence("peer-b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), other, "counters are per peer")

	// Outbound counting must not consume the inbound replay window.
	require.True(t, m.ValidateSequence("peer-a", 1))
}

func TestMessageAuthentication(t *testing.T) {
	m, err := NewManager(pskConfig(), nil)
	require.NoError(t, err)

	payload := []byte(`{"records":[]}`)
	tag := m.Seal(7, 0x03, payload)
	require.Len(t, tag, TagSize)
	require.True(t, m.Authenticate(7, 0x03, payload, tag))
	require.False(t, m.Authenticate(8, 0x03, payload, tag), "tag binds the sequence")
	require.False(t, m.Authenticate(7, 0x04, payload, tag), "tag binds the type")
	require.False(t, m.Authenticate(7, 0x03, []byte(`{}`), tag), "tag binds the payload")
	require.False(t, m.Authenticate(7, 0x03, payload, nil), "missing tag is rejected")

	cfg := pskConfig()
	cfg.PSKKey = []byte("ffffffffffffffffffffffffffffffff")
	other, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.False(t, other.Authenticate(7, 0x03, payload, tag), "keys must match")

	nosec, err := NewManager(Config{Mode: ModeNoSec}, nil)
	require.NoError(t, err)
	require.Nil(t, nosec.Seal(1, 0x01, payload))
	require.True(t, nosec.Authenticate(1, 0x01, payload, nil))
}

func TestGeneratePSK(t *testing.T) {
	a, err := GeneratePSK()
	require.NoError(t, err)
	b, err := GeneratePSK()
	require.NoError(t, err)
	require.Len(t, a, PSKSize)
	require.False(t, bytes.Equal(a, b), "keys must be random")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("mesh-salt")
	a, err := DeriveKey("correct horse", salt, 1000)
	require.NoError(t, err)
	b, err := DeriveKey("correct horse", salt, 1000)
	require.NoError(t, err)
	require.Equal(t, a, b, "same inputs derive the same key")

	c, err := DeriveKey("correct horse", []byte("other-salt"), 1000)
	require.NoError(t, err)
	require.NotEqual(t, a, c, "salt must matter")

	_, err = DeriveKey("", salt, 1000)
	require.Error(t, err)
	_, err = DeriveKey("pass", nil, 1000)
	require.Error(t, err)
}
