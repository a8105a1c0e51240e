package gossip

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"meshsync/protocol"
)

const (
	defaultLoopDelay       = 10 * time.Second
	defaultQueueCapacity   = 256
	defaultRecentHashLimit = 4096
	defaultBandwidthMbps   = 1.0
	defaultBucketTokens    = 64.0
	defaultBloomResetAfter = 6 * time.Hour
)

// ManagerConfig carries the tunables for a gossip manager.
type ManagerConfig struct {
	// LoopDelay gates how often ShouldGossip fires.
	LoopDelay time.Duration
	// BandwidthMbps is the outbound budget fed to the token bucket.
	BandwidthMbps float64
	// QueueCapacity bounds the outbound priority queue.
	QueueCapacity int
	// RecentHashLimit bounds the exact-match dedup cache.
	RecentHashLimit int
	// BloomResetAfter bounds false-positive growth over long lifetimes;
	// entries are never individually expired from the filter.
	BloomResetAfter time.Duration
}

func (c ManagerConfig) normalized() ManagerConfig {
	if c.LoopDelay <= 0 {
		c.LoopDelay = defaultLoopDelay
	}
	if c.BandwidthMbps <= 0 {
		c.BandwidthMbps = defaultBandwidthMbps
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.RecentHashLimit <= 0 {
		c.RecentHashLimit = defaultRecentHashLimit
	}
	if c.BloomResetAfter <= 0 {
		c.BloomResetAfter = defaultBloomResetAfter
	}
	return c
}

// ManagerStats is a snapshot of gossip round bookkeeping.
type ManagerStats struct {
	Rounds           uint64
	SuccessfulRounds uint64
	Announces        uint64
	DedupHits        uint64
	QueueDepth       int
	BloomItems       int
	BloomFPRate      float64
}

// Manager drives announce/reconcile rounds. It owns the local Bloom filter,
// a bounded recent-hash cache for exact deduplication, the outbound
// priority queue and the bandwidth token bucket.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu         sync.Mutex
	filter     *BloomFilter
	recent     map[protocol.ContentHash]*list.Element
	recentFIFO *list.List
	lastRound  time.Time
	lastReset  time.Time

	rounds     uint64
	successful uint64
	announces  uint64
	dedupHits  uint64

	queue   *PriorityQueue
	bucket  *TokenBucket
	metrics *gossipMetrics

	now func() time.Time
}

// NewManager builds a gossip manager from the config, applying defaults for
// zero values.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "gossip")),
		filter:     NewBloomFilter(),
		recent:     make(map[protocol.ContentHash]*list.Element),
		recentFIFO: list.New(),
		queue:      NewPriorityQueue(cfg.QueueCapacity),
		bucket:     NewTokenBucket(cfg.BandwidthMbps, defaultBucketTokens),
		metrics:    getGossipMetrics(),
		now:        time.Now,
	}
	m.lastReset = m.now()
	return m
}

// Announce records a locally stored hash and queues an announcement at high
// priority. Hashes already in the recent cache are suppressed.
func (m *Manager) Announce(hash protocol.ContentHash) error {
	m.mu.Lock()
	if _, seen := m.recent[hash]; seen {
		m.dedupHits++
		m.mu.Unlock()
		m.metrics.dedupHits.Inc()
		return nil
	}
	m.insertLocked(hash)
	m.announces++
	m.mu.Unlock()

	msg, err := protocol.NewAnnounceMessage(hash)
	if err != nil {
		return err
	}
	if !m.queue.Push(msg, PriorityHigh) {
		m.logger.Warn("announce dropped, outbound queue full",
			slog.String("hash", hash.Short()))
	}
	m.metrics.observeAnnounce()
	m.metrics.queueDepth.Set(float64(m.queue.Len()))
	return nil
}

// AddKnown marks a hash as held locally without announcing it, e.g. when a
// record arrives through reconciliation rather than local creation.
func (m *Manager) AddKnown(hash protocol.ContentHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.recent[hash]; seen {
		return
	}
	m.insertLocked(hash)
}

// IsKnown reports whether the hash is held locally. The exact recent cache
// is consulted first; older entries fall back to the Bloom filter.
func (m *Manager) IsKnown(hash protocol.ContentHash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.recent[hash]; seen {
		return true
	}
	return m.filter.MayContain(hash)
}

func (m *Manager) insertLocked(hash protocol.ContentHash) {
	m.filter.Insert(hash)
	elem := m.recentFIFO.PushFront(hash)
	m.recent[hash] = elem
	for len(m.recent) > m.cfg.RecentHashLimit {
		oldest := m.recentFIFO.Back()
		if oldest == nil {
			break
		}
		m.recentFIFO.Remove(oldest)
		delete(m.recent, oldest.Value.(protocol.ContentHash))
	}
}

// FindMissing returns the subset of ourHashes the peer's filter does not
// claim to contain. This is the one-directional reconciliation primitive:
// it tells the caller what the peer probably lacks.
func FindMissing(peerFilter *BloomFilter, ourHashes []protocol.ContentHash) []protocol.ContentHash {
	if peerFilter == nil {
		return append([]protocol.ContentHash(nil), ourHashes...)
	}
	missing := make([]protocol.ContentHash, 0, len(ourHashes))
	for _, h := range ourHashes {
		if !peerFilter.MayContain(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// FilterBytes serializes the local Bloom filter for a reconciliation
// exchange.
func (m *Manager) FilterBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter.ToBytes()
}

// ShouldGossip gates rounds on the configured loop delay.
func (m *Manager) ShouldGossip() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastRound) >= m.cfg.LoopDelay
}

// GossipComplete advances the round counter. The counter feeds statistics,
// not correctness.
func (m *Manager) GossipComplete(success bool) {
	m.mu.Lock()
	m.rounds++
	if success {
		m.successful++
	}
	m.lastRound = m.now()
	m.mu.Unlock()
	m.metrics.observeRound(success)
	m.maybeResetFilter()
}

// CanSend reports whether one message's worth of bandwidth is available.
func (m *Manager) CanSend() bool {
	return m.bucket.TryConsume(1)
}

// CanSendBatch reports whether n messages' worth of bandwidth is available.
func (m *Manager) CanSendBatch(n int) bool {
	return m.bucket.TryConsume(float64(n))
}

// NextMessage pops the next outbound message bound for a single
// destination if the token bucket allows a send. Reconciliation never
// blocks: with no capacity it returns nil and the caller retries next
// tick.
func (m *Manager) NextMessage() *PriorityMessage {
	return m.NextMessageFor(1)
}

// NextMessageFor pops the next outbound message when the bucket holds
// enough tokens for one transmission per destination. Fanning a message
// out to n peers puts n copies on the wire, so the charge is n.
func (m *Manager) NextMessageFor(destinations int) *PriorityMessage {
	if destinations <= 0 {
		destinations = 1
	}
	if m.queue.IsEmpty() {
		return nil
	}
	if !m.bucket.TryConsume(float64(destinations)) {
		return nil
	}
	item := m.queue.Pop()
	m.metrics.queueDepth.Set(float64(m.queue.Len()))
	return item
}

// TakeAnnouncements drains up to limit queued announcements, returning the
// announced hashes. Non-announce messages are left queued.
func (m *Manager) TakeAnnouncements(limit int) []protocol.ContentHash {
	if limit <= 0 {
		return nil
	}
	hashes := make([]protocol.ContentHash, 0, limit)
	var requeue []*PriorityMessage
	for len(hashes) < limit {
		item := m.queue.Pop()
		if item == nil {
			break
		}
		if item.Message.Type != protocol.MsgTypeAnnounce {
			requeue = append(requeue, item)
			continue
		}
		payload, err := item.Message.Announce()
		if err != nil {
			m.logger.Warn("dropping malformed queued announcement", slog.Any("error", err))
			continue
		}
		hashes = append(hashes, payload.Hash)
	}
	for _, item := range requeue {
		m.queue.Push(item.Message, item.Priority)
	}
	m.metrics.queueDepth.Set(float64(m.queue.Len()))
	return hashes
}

// ResetBloomFilter clears the filter and reseeds it from the recent cache.
// Entries are never individually expired, so periodic resets bound false
// positive growth over long node lifetimes.
func (m *Manager) ResetBloomFilter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetFilterLocked()
}

func (m *Manager) resetFilterLocked() {
	m.filter.Clear()
	for elem := m.recentFIFO.Back(); elem != nil; elem = elem.Prev() {
		m.filter.Insert(elem.Value.(protocol.ContentHash))
	}
	m.lastReset = m.now()
	m.logger.Debug("bloom filter reset",
		slog.Int("reseeded", m.recentFIFO.Len()))
}

func (m *Manager) maybeResetFilter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().Sub(m.lastReset) >= m.cfg.BloomResetAfter {
		m.resetFilterLocked()
	}
	m.metrics.fpRate.Set(m.filter.EstimatedFalsePositiveRate())
}

// Stats returns a snapshot of round and queue bookkeeping.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Rounds:           m.rounds,
		SuccessfulRounds: m.successful,
		Announces:        m.announces,
		DedupHits:        m.dedupHits,
		QueueDepth:       m.queue.Len(),
		BloomItems:       m.filter.Items(),
		BloomFPRate:      m.filter.EstimatedFalsePositiveRate(),
	}
}
