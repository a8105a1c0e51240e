package network

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshsync/coap"
	"meshsync/gossip"
	"meshsync/mesh"
	"meshsync/protocol"
	"meshsync/secure"
	"meshsync/storage"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memPacket struct {
	data []byte
	from net.Addr
}

// memConn is an in-memory packet conn; writes land in the peer's inbox.
type memConn struct {
	addr memAddr
	peer *memConn

	mu     sync.Mutex
	inbox  chan memPacket
	sent   [][]byte
	closed bool
}

func newMemPair() (*memConn, *memConn) {
	a := &memConn{addr: "mem-a", inbox: make(chan memPacket, 64)}
	b := &memConn{addr: "mem-b", inbox: make(chan memPacket, 64)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	pkt, ok := <-c.inbox
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(p, pkt.data)
	return n, pkt.from, nil
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	raw := make([]byte, len(p))
	copy(raw, p)
	c.sent = append(c.sent, raw)
	c.mu.Unlock()
	if c.peer != nil {
		c.peer.deliver(memPacket{data: raw, from: c.addr})
	}
	return len(p), nil
}

func (c *memConn) deliver(pkt memPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbox <- pkt:
	default:
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }

// sentEnvelopes decodes every application envelope this conn has written,
// skipping bare acks.
func (c *memConn) sentEnvelopes(t *testing.T) []*protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, raw := range c.sent {
		msg, err := coap.Decode(raw)
		require.NoError(t, err)
		if len(msg.Payload) == 0 {
			continue
		}
		envelope, err := protocol.DecodeMessage(msg.Payload)
		require.NoError(t, err)
		out = append(out, envelope)
	}
	return out
}

func newTestCoordinator(t *testing.T, conn coap.PacketConn, nodeID string) (*Coordinator, *storage.Store) {
	t.Helper()
	return newTestCoordinatorWithMode(t, conn, nodeID, secure.Config{Mode: secure.ModeNoSec})
}

func newTestCoordinatorWithMode(t *testing.T, conn coap.PacketConn, nodeID string, sec secure.Config) (*Coordinator, *storage.Store) {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())
	transport := coap.NewTransportWithConn(coap.Config{}, conn, nil)
	sessions, err := secure.NewManager(sec, nil)
	require.NoError(t, err)
	gossipMgr := gossip.NewManager(gossip.ManagerConfig{BandwidthMbps: 100}, nil)
	relay := mesh.NewRelay(0, nil)
	c, err := NewCoordinator(Config{NodeID: nodeID}, transport, sessions, gossipMgr, relay, store, store, nil)
	require.NoError(t, err)
	c.resolve = func(addr string) (net.Addr, error) { return memAddr(addr), nil }
	return c, store
}

func TestPeerQualityClamps(t *testing.T) {
	pt := NewPeerTable()
	pt.Observe("peer-1", 0)
	if got := pt.Quality("peer-1"); got != initialPeerQuality {
		t.Fatalf("fresh peer quality = %d", got)
	}
	for i := 0; i < 20; i++ {
		pt.RecordSuccess("peer-1")
	}
	if got := pt.Quality("peer-1"); got != maxPeerQuality {
		t.Fatalf("quality should cap at %d, got %d", maxPeerQuality, got)
	}
	for i := 0; i < 20; i++ {
		pt.RecordFailure("peer-1")
	}
	if got := pt.Quality("peer-1"); got != 0 {
		t.Fatalf("quality should floor at 0, got %d", got)
	}
}

func TestPeerSelectionOrdersByQuality(t *testing.T) {
	pt := NewPeerTable()
	pt.Observe("low", 0)
	pt.RecordFailure("low")
	pt.Observe("mid", 0)
	pt.Observe("high", 0)
	pt.RecordSuccess("high")

	top := pt.SelectTop(2)
	if len(top) != 2 {
		t.Fatalf("want 2 peers, got %d", len(top))
	}
	if top[0].Addr != "high" || top[1].Addr != "mid" {
		t.Fatalf("wrong ordering: %s, %s", top[0].Addr, top[1].Addr)
	}
}

func TestPeerTablePersistence(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	pt := NewPeerTable()
	pt.Observe("10.0.0.1:5683", 42)
	pt.RecordSuccess("10.0.0.1:5683")
	require.NoError(t, pt.Save(store))

	restored := NewPeerTable()
	require.NoError(t, restored.Load(store))
	require.Equal(t, 1, restored.Len())
	require.Equal(t, initialPeerQuality+successQualityGain, restored.Quality("10.0.0.1:5683"))
}

func TestRequestIDFormat(t *testing.T) {
	gen := NewRequestIDGenerator("node-a")
	first := gen()
	second := gen()
	if first == second {
		t.Fatalf("ids must differ: %s", first)
	}
	parts := strings.Split(first, "-")
	if len(parts) < 3 || !strings.HasPrefix(first, "node-a-") {
		t.Fatalf("bad id format: %s", first)
	}
	if !strings.HasSuffix(first, "-1") || !strings.HasSuffix(second, "-2") {
		t.Fatalf("counter should increment: %s, %s", first, second)
	}
}

func TestRPCTableDeliverAndDrop(t *testing.T) {
	table := newRPCTable()
	call := table.register("id-1", "status")
	if !table.deliver(protocol.RemoteCallResponsePayload{ID: "id-1", Success: true}) {
		t.Fatalf("deliver should match the pending call")
	}
	resp := <-call.ch
	if !resp.Success {
		t.Fatalf("response lost in delivery")
	}
	if table.deliver(protocol.RemoteCallResponsePayload{ID: "id-1"}) {
		t.Fatalf("second delivery must be dropped")
	}
	if table.deliver(protocol.RemoteCallResponsePayload{ID: "unknown"}) {
		t.Fatalf("unknown id must be dropped")
	}
}

func TestRPCTableSweepStale(t *testing.T) {
	table := newRPCTable()
	at := time.Unix(1700000000, 0)
	table.now = func() time.Time { return at }
	table.register("old", "status")
	at = at.Add(time.Minute)
	table.register("fresh", "status")

	if got := table.sweepStale(30*time.Second, nil); got != 1 {
		t.Fatalf("want 1 swept, got %d", got)
	}
	if got := table.inflight(); got != 1 {
		t.Fatalf("fresh call should survive, inflight=%d", got)
	}
}

func TestAnnounceRecordStoresAndQueues(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")

	hash, err := c.AnnounceRecord([]byte(`{"reading":21.5}`))
	require.NoError(t, err)

	have, err := store.Contains(hash)
	require.NoError(t, err)
	require.True(t, have)
	require.True(t, c.gossip.IsKnown(hash))
	require.Equal(t, 1, c.gossip.Stats().QueueDepth)
}

func TestHandleBloomSyncSendsMissingRecords(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")
	_, err := store.Put([]byte("record-one"))
	require.NoError(t, err)
	_, err = store.Put([]byte("record-two"))
	require.NoError(t, err)

	// An empty peer filter means the peer is missing everything we hold.
	empty := gossip.NewBloomFilter()
	envelope, err := protocol.NewBloomSyncMessage(empty.ToBytes())
	require.NoError(t, err)
	c.handleEnvelope(envelope, "mem-b")

	sent := connA.sentEnvelopes(t)
	require.Len(t, sent, 1)
	payload, err := sent[0].SendRecords()
	require.NoError(t, err)
	require.Len(t, payload.Records, 2)
	require.Greater(t, c.peers.Quality("mem-b"), initialPeerQuality)
}

func TestHandleBloomSyncSkipsKnownRecords(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")
	hash, err := store.Put([]byte("record-one"))
	require.NoError(t, err)

	full := gossip.NewBloomFilter()
	full.Insert(hash)
	envelope, err := protocol.NewBloomSyncMessage(full.ToBytes())
	require.NoError(t, err)
	c.handleEnvelope(envelope, "mem-b")

	require.Empty(t, connA.sentEnvelopes(t))
}

func TestHandleSendRecordsStores(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")

	data := []byte("delivered-record")
	envelope, err := protocol.NewSendRecordsMessage([][]byte{data})
	require.NoError(t, err)
	c.handleEnvelope(envelope, "mem-b")

	hash := protocol.HashRecord(data)
	have, err := store.Contains(hash)
	require.NoError(t, err)
	require.True(t, have)
	require.True(t, c.gossip.IsKnown(hash))
}

func TestHandleAnnounceRequestsUnknownRecord(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")

	hash := protocol.HashRecord([]byte("remote-only"))
	envelope, err := protocol.NewAnnounceMessage(hash)
	require.NoError(t, err)
	c.handleEnvelope(envelope, "mem-b")

	sent := connA.sentEnvelopes(t)
	require.Len(t, sent, 1)
	payload, err := sent[0].RequestRecords()
	require.NoError(t, err)
	require.Equal(t, []protocol.ContentHash{hash}, payload.Hashes)
}

func TestHandleAnnounceIgnoresKnownRecord(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")

	hash, err := c.AnnounceRecord([]byte("local-record"))
	require.NoError(t, err)

	envelope, err := protocol.NewAnnounceMessage(hash)
	require.NoError(t, err)
	before := len(connA.sentEnvelopes(t))
	c.handleEnvelope(envelope, "mem-b")
	require.Len(t, connA.sentEnvelopes(t), before)
}

func TestMeshRelayDuplicateNotReprocessed(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")

	data := []byte("relayed-record")
	inner, err := protocol.NewSendRecordsMessage([][]byte{data})
	require.NoError(t, err)
	wrapped, err := protocol.NewMeshRelayMessage("origin-1", "node-z", 3, inner)
	require.NoError(t, err)

	c.handleEnvelope(wrapped, "mem-b")
	have, err := store.Contains(protocol.HashRecord(data))
	require.NoError(t, err)
	require.True(t, have)

	stats := c.relay.Stats()
	c.handleEnvelope(wrapped, "mem-c")
	require.Equal(t, stats.Duplicates+1, c.relay.Stats().Duplicates)
}

func TestMeshRelayZeroTTLDropped(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")

	data := []byte("exhausted-record")
	inner, err := protocol.NewSendRecordsMessage([][]byte{data})
	require.NoError(t, err)
	wrapped, err := protocol.NewMeshRelayMessage("origin-2", "node-z", 0, inner)
	require.NoError(t, err)
	c.handleEnvelope(wrapped, "mem-b")

	have, err := store.Contains(protocol.HashRecord(data))
	require.NoError(t, err)
	require.False(t, have)
}

func TestOutboundEnvelopesCarrySequence(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")

	require.NoError(t, c.sendBloomSync("mem-b"))
	require.NoError(t, c.sendBloomSync("mem-b"))

	sent := connA.sentEnvelopes(t)
	require.Len(t, sent, 2)
	require.Equal(t, uint64(1), sent[0].Seq)
	require.Equal(t, uint64(2), sent[1].Seq)
}

func TestReplayOutsideWindowDropped(t *testing.T) {
	connA, _ := newMemPair()
	c, store := newTestCoordinator(t, connA, "node-a")

	fresh, err := protocol.NewSendRecordsMessage([][]byte{[]byte("fresh-record")})
	require.NoError(t, err)
	fresh.Seq = 200
	c.handleEnvelope(fresh, "mem-b")
	have, err := store.Contains(protocol.HashRecord([]byte("fresh-record")))
	require.NoError(t, err)
	require.True(t, have)

	stale, err := protocol.NewSendRecordsMessage([][]byte{[]byte("stale-record")})
	require.NoError(t, err)
	stale.Seq = 100
	c.handleEnvelope(stale, "mem-b")
	have, err = store.Contains(protocol.HashRecord([]byte("stale-record")))
	require.NoError(t, err)
	require.False(t, have, "sequence far below the watermark is a replay")

	top := c.peers.SelectTop(1)
	require.Len(t, top, 1)
	require.Equal(t, uint64(200), top[0].LastSequence)
}

func TestAuthenticatedModeRequiresTag(t *testing.T) {
	sec := secure.Config{
		Mode:        secure.ModePreSharedKey,
		PSKIdentity: "field-mesh",
		PSKKey:      []byte("0123456789abcdef0123456789abcdef"),
	}
	connA, _ := newMemPair()
	c, store := newTestCoordinatorWithMode(t, connA, "node-a", sec)

	data := []byte("guarded-record")
	msg, err := protocol.NewSendRecordsMessage([][]byte{data})
	require.NoError(t, err)
	msg.Seq = 1
	c.handleEnvelope(msg, "mem-b")
	have, err := store.Contains(protocol.HashRecord(data))
	require.NoError(t, err)
	require.False(t, have, "untagged envelope must be dropped")
	require.False(t, c.sessions.VerifySession("mem-b"))

	peer, err := secure.NewManager(sec, nil)
	require.NoError(t, err)
	seq, err := peer.NextSequence("mem-a")
	require.NoError(t, err)
	msg.Seq = seq
	msg.Auth = peer.Seal(seq, msg.Type, msg.Payload)
	c.handleEnvelope(msg, "mem-b")
	have, err = store.Contains(protocol.HashRecord(data))
	require.NoError(t, err)
	require.True(t, have)
	require.True(t, c.sessions.VerifySession("mem-b"))
}

func TestRemoteCallRoundTrip(t *testing.T) {
	connA, connB := newMemPair()
	a, _ := newTestCoordinator(t, connA, "node-a")
	b, _ := newTestCoordinator(t, connB, "node-b")
	b.RegisterHandler("echo", func(from string, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	resp, err := a.SendRemoteCall("mem-b", "echo", json.RawMessage(`"hello"`), 2*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.JSONEq(t, `"hello"`, string(resp.Data))
}

func TestRemoteCallUnknownMethodFails(t *testing.T) {
	connA, connB := newMemPair()
	a, _ := newTestCoordinator(t, connA, "node-a")
	b, _ := newTestCoordinator(t, connB, "node-b")
	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	resp, err := a.SendRemoteCall("mem-b", "missing", nil, 2*time.Second)
	require.NoError(t, err)
	require.False(t, resp.Success)
}

func TestRemoteCallTimeout(t *testing.T) {
	// The peer end never reads, so no response ever arrives.
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")

	_, err := c.SendRemoteCall("mem-b", "status", nil, 50*time.Millisecond)
	require.Error(t, err)
	require.True(t, protocol.IsTimeout(err))
	require.Contains(t, err.Error(), "status")
	require.Equal(t, 0, c.rpc.inflight())
	require.Equal(t, initialPeerQuality-failureQualityLoss, c.peers.Quality("mem-b"))
}

func TestGossipRoundRespectsBackoff(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")
	c.AddPeer("mem-b")

	c.RunGossipRound()
	first := len(connA.sentEnvelopes(t))
	require.Equal(t, 1, first)

	// The attempt just made leaves the backoff window open.
	c.RunGossipRound()
	require.Equal(t, first, len(connA.sentEnvelopes(t)))
}

func TestRecordSyncBetweenTwoNodes(t *testing.T) {
	connA, connB := newMemPair()
	a, _ := newTestCoordinator(t, connA, "node-a")
	b, storeB := newTestCoordinator(t, connB, "node-b")
	a.AddPeer("mem-b")
	b.AddPeer("mem-a")

	hash, err := a.AnnounceRecord([]byte(`{"sensor":"tank-3","level":0.71}`))
	require.NoError(t, err)

	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	a.RunGossipRound()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if have, err := storeB.Contains(hash); err == nil && have {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %s never reached node-b", hash.Short())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRecordSyncWithPreSharedKey(t *testing.T) {
	sec := secure.Config{
		Mode:        secure.ModePreSharedKey,
		PSKIdentity: "field-mesh",
		PSKKey:      []byte("0123456789abcdef0123456789abcdef"),
	}
	connA, connB := newMemPair()
	a, _ := newTestCoordinatorWithMode(t, connA, "node-a", sec)
	b, storeB := newTestCoordinatorWithMode(t, connB, "node-b", sec)
	a.AddPeer("mem-b")
	b.AddPeer("mem-a")

	hash, err := a.AnnounceRecord([]byte(`{"sensor":"gate-1","open":true}`))
	require.NoError(t, err)

	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	a.RunGossipRound()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if have, err := storeB.Contains(hash); err == nil && have {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %s never reached node-b", hash.Short())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStatsAggregates(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")
	c.AddPeer("mem-b")
	_, err := c.AnnounceRecord([]byte("stat-record"))
	require.NoError(t, err)

	stats := c.Stats()
	require.Equal(t, 1, stats.Peers)
	require.Equal(t, uint64(1), stats.Gossip.Announces)
	require.Equal(t, 0, stats.RPCInflight)
}

func TestMeshBroadcastSuppressesOwnID(t *testing.T) {
	connA, _ := newMemPair()
	c, _ := newTestCoordinator(t, connA, "node-a")
	c.AddPeer("mem-b")

	msg, err := protocol.NewAnnounceMessage(protocol.HashRecord([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, c.MeshBroadcast(msg))

	sent := connA.sentEnvelopes(t)
	require.Len(t, sent, 1)
	payload, err := sent[0].MeshRelay()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(payload.MessageID, "node-a-"))

	// Receiving our own broadcast back must not process it again.
	stats := c.relay.Stats()
	c.handleEnvelope(sent[0], "mem-b")
	require.Equal(t, stats.Duplicates+1, c.relay.Stats().Duplicates)
}
