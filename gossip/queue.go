package gossip

import (
	"container/heap"
	"sync"
	"time"

	"meshsync/protocol"
)

// Priority orders outbound messages. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// PriorityMessage is a queued outbound message with its ordering metadata.
// Equal priorities drain oldest first via the monotonic sequence.
type PriorityMessage struct {
	Message    *protocol.Message
	Priority   Priority
	EnqueuedAt time.Time

	seq uint64
}

type messageHeap []*PriorityMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x interface{}) {
	*h = append(*h, x.(*PriorityMessage))
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a bounded outbound queue keyed by (priority desc,
// insertion order asc). A push against a full queue is refused rather than
// evicting a lower-priority entry; callers retry on the next tick.
type PriorityQueue struct {
	mu       sync.Mutex
	items    messageHeap
	capacity int
	nextSeq  uint64
	now      func() time.Time
}

// NewPriorityQueue builds a queue bounded at capacity entries.
func NewPriorityQueue(capacity int) *PriorityQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &PriorityQueue{
		items:    make(messageHeap, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Push enqueues a message, assigning the next monotonic sequence. It
// returns false when the queue is full; a higher-priority push does not
// displace queued entries.
func (q *PriorityQueue) Push(msg *protocol.Message, priority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	item := &PriorityMessage{
		Message:    msg,
		Priority:   priority,
		EnqueuedAt: q.now(),
		seq:        q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.items, item)
	return true
}

// Pop removes and returns the highest-priority, oldest-enqueued message,
// or nil when empty.
func (q *PriorityQueue) Pop() *PriorityMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*PriorityMessage)
}

// Peek returns the message Pop would yield without removing it.
func (q *PriorityQueue) Peek() *PriorityMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no messages.
func (q *PriorityQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear drops all queued messages.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
