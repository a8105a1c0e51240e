package network

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshsync/gossip"
	"meshsync/storage"
)

const (
	peerTableMetadataKey = "network.peers"

	initialPeerQuality = 50
	maxPeerQuality     = 100
	successQualityGain = 5
	failureQualityLoss = 10
)

// PeerInfo is the persisted view of one peer.
type PeerInfo struct {
	Addr         string    `json:"addr"`
	LastSeen     time.Time `json:"lastSeen"`
	LastSequence uint64    `json:"lastSequence"`
	// Quality scores peer usefulness in [0, 100]: +5 per successful
	// exchange, -10 per failure. It drives per-round peer selection.
	Quality int `json:"quality"`
}

type peerEntry struct {
	info    PeerInfo
	backoff *gossip.PeerBackoffState
}

// PeerTable tracks every peer we have heard from, with quality scoring and
// per-peer backoff state. It persists across restarts through the metadata
// store.
type PeerTable struct {
	mu    sync.Mutex
	peers map[string]*peerEntry
	now   func() time.Time
}

// NewPeerTable returns an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[string]*peerEntry),
		now:   time.Now,
	}
}

func (pt *PeerTable) ensureLocked(addr string) *peerEntry {
	entry := pt.peers[addr]
	if entry == nil {
		entry = &peerEntry{
			info: PeerInfo{
				Addr:    addr,
				Quality: initialPeerQuality,
			},
			backoff: gossip.NewPeerBackoffState(),
		}
		pt.peers[addr] = entry
	}
	return entry
}

// Observe records contact from a peer, updating last-seen and the latest
// known sequence number.
func (pt *PeerTable) Observe(addr string, sequence uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	entry := pt.ensureLocked(addr)
	entry.info.LastSeen = pt.now()
	if sequence > entry.info.LastSequence {
		entry.info.LastSequence = sequence
	}
}

// RecordSuccess rewards a peer after a successful exchange.
func (pt *PeerTable) RecordSuccess(addr string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	entry := pt.ensureLocked(addr)
	entry.info.Quality += successQualityGain
	if entry.info.Quality > maxPeerQuality {
		entry.info.Quality = maxPeerQuality
	}
	entry.info.LastSeen = pt.now()
	entry.backoff.RecordSuccess()
}

// RecordFailure penalizes a peer after a failed exchange.
func (pt *PeerTable) RecordFailure(addr string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	entry := pt.ensureLocked(addr)
	entry.info.Quality -= failureQualityLoss
	if entry.info.Quality < 0 {
		entry.info.Quality = 0
	}
	entry.backoff.RecordFailure()
}

// Backoff returns the peer's retry state, creating the peer if needed.
func (pt *PeerTable) Backoff(addr string) *gossip.PeerBackoffState {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.ensureLocked(addr).backoff
}

// Quality returns the peer's current score, zero for unknown peers.
func (pt *PeerTable) Quality(addr string) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if entry := pt.peers[addr]; entry != nil {
		return entry.info.Quality
	}
	return 0
}

// SelectTop returns up to n peers ordered by quality descending, breaking
// ties by most recent contact.
func (pt *PeerTable) SelectTop(n int) []PeerInfo {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]PeerInfo, 0, len(pt.peers))
	for _, entry := range pt.peers {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quality != out[j].Quality {
			return out[i].Quality > out[j].Quality
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Forget drops a peer and its backoff state.
func (pt *PeerTable) Forget(addr string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, addr)
}

// Len returns the number of tracked peers.
func (pt *PeerTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.peers)
}

// Save persists the peer table as JSON metadata.
func (pt *PeerTable) Save(meta storage.MetadataStore) error {
	pt.mu.Lock()
	infos := make([]PeerInfo, 0, len(pt.peers))
	for _, entry := range pt.peers {
		infos = append(infos, entry.info)
	}
	pt.mu.Unlock()

	blob, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("encode peer table: %w", err)
	}
	return meta.SetMetadata(peerTableMetadataKey, string(blob))
}

// Load restores a previously saved peer table. Backoff state is rebuilt
// fresh; only the persisted dial metadata survives restarts.
func (pt *PeerTable) Load(meta storage.MetadataStore) error {
	blob, ok, err := meta.GetMetadata(peerTableMetadataKey)
	if err != nil || !ok {
		return err
	}
	var infos []PeerInfo
	if err := json.Unmarshal([]byte(blob), &infos); err != nil {
		return fmt.Errorf("decode peer table: %w", err)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, info := range infos {
		if info.Addr == "" {
			continue
		}
		pt.peers[info.Addr] = &peerEntry{
			info:    info,
			backoff: gossip.NewPeerBackoffState(),
		}
	}
	return nil
}
