package network

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"meshsync/protocol"
)

// DefaultRPCTimeout bounds how long a remote call waits for its response.
const DefaultRPCTimeout = 10 * time.Second

// rpcStaleAfter is the age past which an unanswered call is swept. Sweeps
// only catch calls abandoned without a deadline; normal timeouts fire first.
const rpcStaleAfter = 2 * DefaultRPCTimeout

// RequestIDGenerator produces globally distinguishable correlation IDs.
// Injected so call sites and tests control the format.
type RequestIDGenerator func() string

// NewRequestIDGenerator returns the default generator: node ID, process ID
// and a monotonically increasing counter joined by dashes.
func NewRequestIDGenerator(nodeID string) RequestIDGenerator {
	pid := os.Getpid()
	var counter atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d-%d", nodeID, pid, counter.Add(1))
	}
}

type pendingCall struct {
	id     string
	method string
	sentAt time.Time
	// ch is buffered with capacity 1 so a late deliverer never blocks.
	ch chan protocol.RemoteCallResponsePayload
}

// rpcTable correlates in-flight remote calls with their responses.
type rpcTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	now     func() time.Time
}

func newRPCTable() *rpcTable {
	return &rpcTable{
		pending: make(map[string]*pendingCall),
		now:     time.Now,
	}
}

func (t *rpcTable) register(id, method string) *pendingCall {
	call := &pendingCall{
		id:     id,
		method: method,
		sentAt: t.now(),
		ch:     make(chan protocol.RemoteCallResponsePayload, 1),
	}
	t.mu.Lock()
	t.pending[id] = call
	t.mu.Unlock()
	return call
}

func (t *rpcTable) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// deliver hands a response to its waiting caller. Responses with no pending
// call, including late responses after a timeout, are dropped.
func (t *rpcTable) deliver(resp protocol.RemoteCallResponsePayload) bool {
	t.mu.Lock()
	call, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- resp
	return true
}

func (t *rpcTable) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// sweepStale drops calls older than maxAge and returns how many were removed.
func (t *rpcTable) sweepStale(maxAge time.Duration, logger *slog.Logger) int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, call := range t.pending {
		if now.Sub(call.sentAt) > maxAge {
			delete(t.pending, id)
			removed++
			if logger != nil {
				logger.Warn("dropping stale remote call",
					"id", id,
					"method", call.method,
					"age", now.Sub(call.sentAt).String(),
				)
			}
		}
	}
	return removed
}
