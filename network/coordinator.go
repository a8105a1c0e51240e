package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"meshsync/coap"
	"meshsync/gossip"
	"meshsync/mesh"
	"meshsync/protocol"
	"meshsync/secure"
	"meshsync/storage"
)

const (
	defaultMaxPeersPerRound = 5
	defaultTickInterval     = 250 * time.Millisecond
	// reconcileScanLimit bounds how many local hashes one round compares
	// against a peer filter. Constrained nodes hold small record sets;
	// anything beyond this is picked up by later rounds.
	reconcileScanLimit = 4096
)

func resolveUDP(addr string) (net.Addr, error) {
	dest, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", protocol.ErrNetwork, addr, err)
	}
	return dest, nil
}

// RPCHandler serves one named remote method. The returned bytes become the
// response payload; a non-nil error produces a failed response.
type RPCHandler func(from string, payload json.RawMessage) (json.RawMessage, error)

// Config carries coordinator settings.
type Config struct {
	// NodeID names this node in relay wrappers and request IDs.
	NodeID string
	// MaxPeersPerRound caps how many peers one gossip round contacts.
	MaxPeersPerRound int
	// RPCTimeout bounds SendRemoteCall when the caller passes none.
	RPCTimeout time.Duration
	// TickInterval paces the coordinator loop.
	TickInterval time.Duration
	// RelayTTL seeds the hop budget of locally originated broadcasts.
	RelayTTL uint8
}

func (c Config) normalized() Config {
	if c.MaxPeersPerRound <= 0 {
		c.MaxPeersPerRound = defaultMaxPeersPerRound
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RelayTTL == 0 {
		c.RelayTTL = mesh.DefaultTTL
	}
	return c
}

// CoordinatorStats aggregates the per-subsystem counters.
type CoordinatorStats struct {
	Peers       int
	RPCInflight int
	Gossip      gossip.ManagerStats
	Mesh        mesh.RelayStats
	Secure      secure.ManagerStats
	Transport   coap.TransportStats
}

// Coordinator glues the transport, gossip manager, relay, session manager
// and stores into one node. It owns the periodic loop that runs gossip
// rounds, drains the outbound queue and sweeps stale remote calls.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	transport *coap.Transport
	sessions  *secure.Manager
	gossip    *gossip.Manager
	relay     *mesh.Relay
	peers     *PeerTable
	records   storage.RecordStore
	meta      storage.MetadataStore
	rpc       *rpcTable
	nextID    RequestIDGenerator
	handlers  map[string]RPCHandler
	resolve   func(addr string) (net.Addr, error)

	stop chan struct{}
	done chan struct{}
}

// NewCoordinator wires the subsystems together and restores the persisted
// peer table. The transport must not have been started yet; Start installs
// the coordinator as its handler.
func NewCoordinator(
	cfg Config,
	transport *coap.Transport,
	sessions *secure.Manager,
	gossipMgr *gossip.Manager,
	relay *mesh.Relay,
	records storage.RecordStore,
	meta storage.MetadataStore,
	logger *slog.Logger,
) (*Coordinator, error) {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.With("component", "coordinator", "node", cfg.NodeID),
		transport: transport,
		sessions:  sessions,
		gossip:    gossipMgr,
		relay:     relay,
		peers:     NewPeerTable(),
		records:   records,
		meta:      meta,
		rpc:       newRPCTable(),
		nextID:    NewRequestIDGenerator(cfg.NodeID),
		handlers:  make(map[string]RPCHandler),
		resolve:   resolveUDP,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if meta != nil {
		if err := c.peers.Load(meta); err != nil {
			return nil, fmt.Errorf("restore peer table: %w", err)
		}
	}
	return c, nil
}

// SetRequestIDGenerator overrides the correlation ID source. Call before
// Start; tests use it for deterministic IDs.
func (c *Coordinator) SetRequestIDGenerator(gen RequestIDGenerator) {
	c.nextID = gen
}

// RegisterHandler exposes a named method to remote callers. Call before
// Start; registration is not synchronized with dispatch.
func (c *Coordinator) RegisterHandler(method string, h RPCHandler) {
	c.handlers[method] = h
}

// AddPeer seeds the peer table with a known address.
func (c *Coordinator) AddPeer(addr string) {
	c.peers.Observe(addr, 0)
}

// Peers returns the peer table for inspection.
func (c *Coordinator) Peers() *PeerTable {
	return c.peers
}

// Start installs the message handler, starts the transport loops and the
// coordinator tick loop.
func (c *Coordinator) Start() {
	c.transport.SetHandler(c.handleDatagram)
	c.transport.Start()
	go c.run()
	c.logger.Info("coordinator started", "addr", c.transport.LocalAddr().String())
}

// Close stops the loop, persists the peer table and closes the transport.
func (c *Coordinator) Close() error {
	close(c.stop)
	<-c.done
	if c.meta != nil {
		if err := c.peers.Save(c.meta); err != nil {
			c.logger.Warn("persisting peer table failed", "error", err)
		}
	}
	return c.transport.Close()
}

func (c *Coordinator) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	if c.gossip.ShouldGossip() {
		c.RunGossipRound()
	}
	c.drainOutbound()
	if n := c.rpc.sweepStale(rpcStaleAfter, c.logger); n > 0 {
		getNetworkMetrics().rpcSwept.Add(float64(n))
	}
}

// RunGossipRound contacts the highest quality peers whose backoff allows an
// attempt, sending each our Bloom filter. Per-peer send failures are logged
// and penalized; the round continues with the remaining peers.
func (c *Coordinator) RunGossipRound() {
	candidates := c.peers.SelectTop(c.cfg.MaxPeersPerRound)
	contacted := 0
	for _, peer := range candidates {
		backoff := c.peers.Backoff(peer.Addr)
		if !backoff.ShouldGossip() {
			continue
		}
		backoff.MarkAttempt()
		if err := c.sendBloomSync(peer.Addr); err != nil {
			c.logger.Warn("gossip round send failed", "peer", peer.Addr, "error", err)
			c.peers.RecordFailure(peer.Addr)
			continue
		}
		contacted++
	}
	c.gossip.GossipComplete(contacted > 0)
	getNetworkMetrics().observeRound()
}

func (c *Coordinator) sendBloomSync(addr string) error {
	msg, err := protocol.NewBloomSyncMessage(c.gossip.FilterBytes())
	if err != nil {
		return err
	}
	return c.sendEnvelope(addr, coap.PathGossip, msg, true)
}

// drainOutbound moves queued gossip messages onto the wire while bandwidth
// tokens remain. Each message fans out to the selected peers, so the token
// charge is one per destination. An empty bucket leaves the queue intact
// for a later tick.
func (c *Coordinator) drainOutbound() {
	targets := c.peers.SelectTop(c.cfg.MaxPeersPerRound)
	if len(targets) == 0 {
		return
	}
	for {
		pm := c.gossip.NextMessageFor(len(targets))
		if pm == nil {
			return
		}
		c.sendToPeers(pm.Message, targets)
	}
}

// broadcastMessage sends an envelope to every selected peer over
// non-confirmable announce traffic, logging per-peer failures.
func (c *Coordinator) broadcastMessage(msg *protocol.Message) {
	c.sendToPeers(msg, c.peers.SelectTop(c.cfg.MaxPeersPerRound))
}

func (c *Coordinator) sendToPeers(msg *protocol.Message, targets []PeerInfo) {
	for _, peer := range targets {
		if err := c.sendEnvelope(peer.Addr, coap.PathAnnounce, msg, false); err != nil {
			c.logger.Warn("broadcast send failed", "peer", peer.Addr, "error", err)
			c.peers.RecordFailure(peer.Addr)
		}
	}
}

// Broadcast queues an envelope for delivery to the current best peers.
func (c *Coordinator) Broadcast(msg *protocol.Message) {
	c.broadcastMessage(msg)
}

// MeshBroadcast wraps an envelope for TTL-bounded multi-hop forwarding and
// sends it to the current best peers. The wrapper's own message ID is marked
// seen first so the broadcast cannot loop back through a relay.
func (c *Coordinator) MeshBroadcast(msg *protocol.Message) error {
	wrapped, messageID, err := c.relay.WrapForRelay(c.cfg.NodeID, msg, c.cfg.RelayTTL)
	if err != nil {
		return err
	}
	c.relay.MarkSeen(messageID)
	c.broadcastMessage(wrapped)
	return nil
}

// SendRemoteCall invokes a named method on a peer and waits for the
// correlated response. A missing response within the timeout surfaces as a
// timeout error carrying the method name and elapsed time.
func (c *Coordinator) SendRemoteCall(addr, method string, payload json.RawMessage, timeout time.Duration) (protocol.RemoteCallResponsePayload, error) {
	if timeout <= 0 {
		timeout = c.cfg.RPCTimeout
	}
	id := c.nextID()
	msg, err := protocol.NewRemoteCallMessage(id, c.cfg.NodeID, method, payload)
	if err != nil {
		return protocol.RemoteCallResponsePayload{}, err
	}
	call := c.rpc.register(id, method)
	start := time.Now()
	if err := c.sendEnvelope(addr, coap.PathRecord, msg, true); err != nil {
		c.rpc.remove(id)
		c.peers.RecordFailure(addr)
		return protocol.RemoteCallResponsePayload{}, err
	}
	select {
	case resp := <-call.ch:
		c.peers.RecordSuccess(addr)
		return resp, nil
	case <-time.After(timeout):
		c.rpc.remove(id)
		c.peers.RecordFailure(addr)
		getNetworkMetrics().observeRPCTimeout()
		return protocol.RemoteCallResponsePayload{}, &protocol.TimeoutError{
			Method:  method,
			Elapsed: time.Since(start),
		}
	}
}

// AnnounceRecord stores a record locally and queues its announcement.
func (c *Coordinator) AnnounceRecord(data []byte) (protocol.ContentHash, error) {
	hash, err := c.records.Put(data)
	if err != nil {
		return hash, err
	}
	if err := c.gossip.Announce(hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// sendEnvelope stamps the session header for the destination and puts the
// envelope on the wire. The stamp is per peer, so a message reused across
// destinations is re-stamped before each encode.
func (c *Coordinator) sendEnvelope(addr, path string, msg *protocol.Message, confirmable bool) error {
	seq, err := c.sessions.NextSequence(addr)
	if err != nil {
		return err
	}
	msg.Seq = seq
	msg.Auth = c.sessions.Seal(seq, msg.Type, msg.Payload)
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	dest, err := c.resolve(addr)
	if err != nil {
		return err
	}
	req := &coap.Message{Code: coap.CodePOST, Payload: raw}
	req.SetPath(path)
	req.SetContentFormat(coap.ContentFormatJSON)
	if confirmable {
		return c.transport.SendConfirmable(dest, req)
	}
	return c.transport.Send(dest, req)
}

// handleDatagram routes one inbound request by path. Confirmable requests
// were already acknowledged by the transport.
func (c *Coordinator) handleDatagram(msg *coap.Message, from net.Addr) {
	switch msg.Path() {
	case coap.PathPing:
		return
	case coap.PathDiscovery:
		if err := c.transport.Send(from, coap.NewDiscoveryResponse(msg)); err != nil {
			c.logger.Debug("discovery response failed", "peer", from.String(), "error", err)
		}
		return
	case coap.PathGossip, coap.PathRecord, coap.PathAnnounce:
	default:
		c.logger.Debug("dropping request for unknown path", "path", msg.Path(), "peer", from.String())
		return
	}
	if len(msg.Payload) == 0 {
		return
	}
	envelope, err := protocol.DecodeMessage(msg.Payload)
	if err != nil {
		c.logger.Debug("dropping undecodable envelope", "peer", from.String(), "error", err)
		return
	}
	c.handleEnvelope(envelope, from.String())
}

// handleEnvelope runs the session checks on a decoded envelope before
// dispatch: the authentication tag where the mode carries key material,
// then the sliding-window replay check on the sequence number. In modes
// without per-message tags any decodable envelope verifies the session.
func (c *Coordinator) handleEnvelope(envelope *protocol.Message, from string) {
	if _, err := c.sessions.GetOrCreateSession(from); err != nil {
		c.logger.Warn("session setup failed", "peer", from, "error", err)
		return
	}
	if !c.sessions.Authenticate(envelope.Seq, envelope.Type, envelope.Payload, envelope.Auth) {
		c.logger.Warn("dropping envelope that failed authentication", "peer", from)
		return
	}
	c.sessions.MarkVerified(from)
	if !c.sessions.VerifySession(from) {
		c.logger.Warn("dropping envelope from unverified session", "peer", from)
		return
	}
	if !c.sessions.ValidateSequence(from, envelope.Seq) {
		c.logger.Debug("dropping replayed envelope", "peer", from, "seq", envelope.Seq)
		return
	}
	c.peers.Observe(from, envelope.Seq)
	c.dispatchEnvelope(envelope, from)
}

// dispatchEnvelope routes a session-checked envelope to its handler.
// Relayed inner envelopes enter here directly: their duplicate suppression
// is the relay's seen registry, not the per-peer replay window.
func (c *Coordinator) dispatchEnvelope(envelope *protocol.Message, from string) {
	var err error
	switch envelope.Type {
	case protocol.MsgTypeBloomSync:
		err = c.handleBloomSync(envelope, from)
	case protocol.MsgTypeRequestRecords:
		err = c.handleRequestRecords(envelope, from)
	case protocol.MsgTypeSendRecords:
		err = c.handleSendRecords(envelope, from)
	case protocol.MsgTypeAnnounce:
		err = c.handleAnnounce(envelope, from)
	case protocol.MsgTypeRemoteCall:
		err = c.handleRemoteCall(envelope, from)
	case protocol.MsgTypeRemoteCallResponse:
		err = c.handleRemoteCallResponse(envelope)
	case protocol.MsgTypeMeshRelay:
		err = c.handleMeshRelay(envelope, from)
	}
	if err != nil {
		c.logger.Warn("handling envelope failed",
			"type", fmt.Sprintf("0x%02x", envelope.Type),
			"peer", from,
			"error", err,
		)
	}
}

// handleBloomSync answers a peer's filter with the records it is missing.
func (c *Coordinator) handleBloomSync(envelope *protocol.Message, from string) error {
	payload, err := envelope.BloomSync()
	if err != nil {
		return err
	}
	peerFilter, err := gossip.BloomFilterFromBytes(payload.Filter, 0)
	if err != nil {
		return err
	}
	c.peers.Backoff(from).RefreshKnown(peerFilter)

	ours, err := c.records.Find("", reconcileScanLimit)
	if err != nil {
		return err
	}
	missing := gossip.FindMissing(peerFilter, ours)
	if len(missing) == 0 {
		c.peers.RecordSuccess(from)
		return nil
	}
	if !c.gossip.CanSendBatch(len(missing)) {
		c.logger.Debug("deferring record transfer, bandwidth exhausted", "peer", from, "missing", len(missing))
		return nil
	}
	if err := c.sendRecords(from, missing); err != nil {
		c.peers.RecordFailure(from)
		return err
	}
	c.peers.RecordSuccess(from)
	return nil
}

func (c *Coordinator) handleRequestRecords(envelope *protocol.Message, from string) error {
	payload, err := envelope.RequestRecords()
	if err != nil {
		return err
	}
	return c.sendRecords(from, payload.Hashes)
}

func (c *Coordinator) sendRecords(addr string, hashes []protocol.ContentHash) error {
	records := make([][]byte, 0, len(hashes))
	for _, hash := range hashes {
		data, err := c.records.Get(hash)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		records = append(records, data)
	}
	if len(records) == 0 {
		return nil
	}
	msg, err := protocol.NewSendRecordsMessage(records)
	if err != nil {
		return err
	}
	getNetworkMetrics().recordsSent.Add(float64(len(records)))
	return c.sendEnvelope(addr, coap.PathRecord, msg, true)
}

// handleSendRecords stores delivered records and marks their hashes known
// so they are not re-requested or re-announced.
func (c *Coordinator) handleSendRecords(envelope *protocol.Message, from string) error {
	payload, err := envelope.SendRecords()
	if err != nil {
		return err
	}
	stored := 0
	for _, data := range payload.Records {
		hash, err := c.records.Put(data)
		if err != nil {
			c.logger.Warn("storing received record failed", "peer", from, "error", err)
			continue
		}
		c.gossip.AddKnown(hash)
		c.peers.Backoff(from).NoteKnown(hash)
		stored++
	}
	if stored > 0 {
		c.peers.RecordSuccess(from)
		getNetworkMetrics().recordsReceived.Add(float64(stored))
	}
	return nil
}

// handleAnnounce requests the announced record unless we already hold it.
func (c *Coordinator) handleAnnounce(envelope *protocol.Message, from string) error {
	payload, err := envelope.Announce()
	if err != nil {
		return err
	}
	c.peers.Backoff(from).NoteKnown(payload.Hash)
	if c.gossip.IsKnown(payload.Hash) {
		return nil
	}
	if have, err := c.records.Contains(payload.Hash); err != nil {
		return err
	} else if have {
		c.gossip.AddKnown(payload.Hash)
		return nil
	}
	req, err := protocol.NewRequestRecordsMessage([]protocol.ContentHash{payload.Hash})
	if err != nil {
		return err
	}
	return c.sendEnvelope(from, coap.PathRecord, req, true)
}

func (c *Coordinator) handleRemoteCall(envelope *protocol.Message, from string) error {
	payload, err := envelope.RemoteCall()
	if err != nil {
		return err
	}
	handler, ok := c.handlers[payload.Method]
	var (
		data    json.RawMessage
		success bool
	)
	if !ok {
		data, _ = json.Marshal(fmt.Sprintf("unknown method %q", payload.Method))
	} else if result, err := handler(from, payload.Payload); err != nil {
		data, _ = json.Marshal(err.Error())
	} else {
		data = result
		success = true
	}
	resp, err := protocol.NewRemoteCallResponseMessage(payload.ID, success, data)
	if err != nil {
		return err
	}
	return c.sendEnvelope(from, coap.PathRecord, resp, true)
}

func (c *Coordinator) handleRemoteCallResponse(envelope *protocol.Message) error {
	payload, err := envelope.RemoteCallResponse()
	if err != nil {
		return err
	}
	if !c.rpc.deliver(payload) {
		c.logger.Debug("dropping response with no pending call", "id", payload.ID)
	}
	return nil
}

// handleMeshRelay applies the duplicate and TTL checks, processes the inner
// envelope locally when allowed, and forwards a re-wrapped copy with the
// decremented TTL when hops remain.
func (c *Coordinator) handleMeshRelay(envelope *protocol.Message, from string) error {
	payload, err := envelope.MeshRelay()
	if err != nil {
		return err
	}
	shouldProcess, shouldRelay, newTTL := c.relay.ProcessRelay(payload.MessageID, payload.TTL)
	if shouldProcess && payload.Inner != nil {
		c.dispatchEnvelope(payload.Inner, from)
	}
	if !shouldRelay {
		return nil
	}
	forward, err := protocol.NewMeshRelayMessage(payload.MessageID, payload.Origin, newTTL, payload.Inner)
	if err != nil {
		return err
	}
	for _, peer := range c.peers.SelectTop(c.cfg.MaxPeersPerRound) {
		if peer.Addr == from {
			continue
		}
		if err := c.sendEnvelope(peer.Addr, coap.PathAnnounce, forward, false); err != nil {
			c.logger.Debug("relay forward failed", "peer", peer.Addr, "error", err)
		}
	}
	return nil
}

// Stats snapshots every subsystem.
func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Peers:       c.peers.Len(),
		RPCInflight: c.rpc.inflight(),
		Gossip:      c.gossip.Stats(),
		Mesh:        c.relay.Stats(),
		Secure:      c.sessions.Stats(),
		Transport:   c.transport.Stats(),
	}
}
