// Package mesh forwards messages across multiple hops with loop
// prevention: every relayed message carries a TTL hop budget and a
// globally-distinguishable id tracked in a bounded seen registry.
package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshsync/protocol"
)

const (
	// DefaultTTL is the hop budget for freshly wrapped messages.
	DefaultTTL uint8 = 5
	// defaultSeenCapacity bounds the duplicate-suppression registry.
	defaultSeenCapacity = 10000
)

// RelayStats is a snapshot of forwarding bookkeeping.
type RelayStats struct {
	Seen       int
	Relayed    uint64
	Duplicates uint64
	TTLDrops   uint64
}

// Relay decides whether a relayed message should be processed locally and
// forwarded onward. The seen registry is a FIFO set: once full, the oldest
// ids are evicted to admit new ones.
type Relay struct {
	logger *slog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int

	relayed    uint64
	duplicates uint64
	ttlDrops   uint64

	metrics *relayMetrics
	nowNano func() int64
}

// NewRelay builds a relay with the given registry capacity; zero or
// negative selects the default of 10000 entries.
func NewRelay(capacity int, logger *slog.Logger) *Relay {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:   logger.With(slog.String("component", "mesh")),
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
		metrics:  getRelayMetrics(),
		nowNano:  func() int64 { return time.Now().UnixNano() },
	}
}

// ProcessRelay inspects an inbound relayed message. It returns whether the
// local node should process the inner message, whether it should forward
// it onward, and the decremented TTL to forward with. Duplicates and
// exhausted TTLs yield (false, false, 0).
func (r *Relay) ProcessRelay(messageID string, ttl uint8) (shouldProcess, shouldRelay bool, newTTL uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[messageID]; dup {
		r.duplicates++
		r.metrics.duplicates.Inc()
		return false, false, 0
	}
	if ttl == 0 {
		r.ttlDrops++
		r.metrics.ttlDrops.Inc()
		return false, false, 0
	}

	r.markSeenLocked(messageID)
	newTTL = ttl - 1
	shouldRelay = newTTL > 0
	if shouldRelay {
		r.relayed++
		r.metrics.relayed.Inc()
	}
	return true, shouldRelay, newTTL
}

// MarkSeen records a message id without processing it, used for our own
// broadcasts so their echoes are suppressed.
func (r *Relay) MarkSeen(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[messageID]; dup {
		return
	}
	r.markSeenLocked(messageID)
}

func (r *Relay) markSeenLocked(messageID string) {
	r.seen[messageID] = struct{}{}
	r.order = append(r.order, messageID)
	for len(r.seen) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.metrics.registrySize.Set(float64(len(r.seen)))
}

// WrapForRelay wraps a message for multi-hop propagation under a fresh
// globally-distinguishable id derived from the node id and a nanosecond
// timestamp.
func (r *Relay) WrapForRelay(nodeID string, msg *protocol.Message, ttl uint8) (*protocol.Message, string, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	messageID := fmt.Sprintf("%s-%d", nodeID, r.nowNano())
	wrapped, err := protocol.NewMeshRelayMessage(messageID, nodeID, ttl, msg)
	if err != nil {
		return nil, "", err
	}
	return wrapped, messageID, nil
}

// Stats returns a snapshot of forwarding bookkeeping.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStats{
		Seen:       len(r.seen),
		Relayed:    r.relayed,
		Duplicates: r.duplicates,
		TTLDrops:   r.ttlDrops,
	}
}
