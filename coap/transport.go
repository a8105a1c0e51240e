package coap

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"meshsync/protocol"
)

const (
	// MaxRetransmit bounds resends of an unacknowledged confirmable.
	MaxRetransmit = 4
	// defaultAckTimeout is the fixed wait before a resend. Deliberately
	// not the RFC7252 exponential schedule.
	defaultAckTimeout    = 2 * time.Second
	defaultSweepInterval = 500 * time.Millisecond
	defaultReadBuffer    = 64 * 1024
	defaultInboundRate   = 200.0
	defaultInboundBurst  = 400
	// readRetryDelay paces the read loop after a transient socket error.
	readRetryDelay = 10 * time.Millisecond
)

// PacketConn is the datagram socket surface the transport drives. Concrete
// backends (UDP here, alternative radios elsewhere) are selected at
// configuration time behind this interface; net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Handler consumes inbound application messages.
type Handler func(msg *Message, from net.Addr)

// Config carries transport settings.
type Config struct {
	// BindAddress is the UDP listen address, e.g. "0.0.0.0:5683".
	BindAddress string
	// AckTimeout is the fixed retransmission interval for confirmables.
	AckTimeout time.Duration
	// SweepInterval paces the pending-request sweep.
	SweepInterval time.Duration
	// InboundRate and InboundBurst bound accepted datagrams per second.
	InboundRate  float64
	InboundBurst int
}

func (c Config) normalized() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.InboundRate <= 0 {
		c.InboundRate = defaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = defaultInboundBurst
	}
	return c
}

type pendingRequest struct {
	messageID   uint16
	dest        net.Addr
	data        []byte
	sentAt      time.Time
	retransmits int
}

// TransportStats is a snapshot of delivery bookkeeping.
type TransportStats struct {
	Pending       int
	Retransmits   uint64
	DroppedExpiry uint64
	RateLimited   uint64
}

// Transport sends and receives CoAP-style messages over a datagram socket.
// Confirmable sends are tracked and retransmitted on a fixed interval until
// acknowledged or the retry budget runs out, at which point they are
// dropped with a warning rather than surfaced to the caller.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	conn    PacketConn
	handler Handler
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[uint16]*pendingRequest
	nextID  uint16

	retransmits   uint64
	droppedExpiry uint64
	rateLimited   uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewTransport binds a UDP socket at the configured address.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	conn, err := net.ListenPacket("udp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", protocol.ErrNetwork, cfg.BindAddress, err)
	}
	return NewTransportWithConn(cfg, conn.(*net.UDPConn), logger), nil
}

// NewTransportWithConn wraps an existing datagram socket; tests substitute
// an in-memory conn here.
func NewTransportWithConn(cfg Config, conn PacketConn, logger *slog.Logger) *Transport {
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "coap")),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		pending: make(map[uint16]*pendingRequest),
		nextID:  uint16(rand.Intn(0xFFFF) + 1),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetHandler installs the inbound message handler. Must be called before
// Start.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// Start launches the read and retransmission loops.
func (t *Transport) Start() {
	t.wg.Add(2)
	go t.readLoop()
	go t.sweepLoop()
}

// Close stops the loops and closes the socket.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// NextMessageID hands out the next nonzero 16-bit message id.
func (t *Transport) NextMessageID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextIDLocked()
}

func (t *Transport) nextIDLocked() uint16 {
	id := t.nextID
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	return id
}

// Send transmits a non-confirmable message: fire and forget, no tracking.
func (t *Transport) Send(addr net.Addr, msg *Message) error {
	msg.Type = NonConfirmable
	if msg.MessageID == 0 {
		msg.MessageID = t.NextMessageID()
	}
	return t.write(addr, msg)
}

// SendConfirmable transmits a confirmable message and registers it for
// retransmission until acknowledged. Oversized payloads are fragmented
// into block-wise messages sent back to back without waiting for per-block
// acknowledgments.
func (t *Transport) SendConfirmable(addr net.Addr, msg *Message) error {
	msg.Type = Confirmable
	if len(msg.Payload) > MaxMessagePayload {
		return t.sendBlockwise(addr, msg)
	}
	if msg.MessageID == 0 {
		msg.MessageID = t.NextMessageID()
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	t.track(addr, msg.MessageID, raw)
	return t.writeRaw(addr, raw)
}

func (t *Transport) sendBlockwise(addr net.Addr, template *Message) error {
	blocks := splitBlocks(template.Payload)
	for _, b := range blocks {
		fragment := &Message{
			Type:    Confirmable,
			Code:    template.Code,
			Token:   template.Token,
			Options: append([]Option(nil), template.Options...),
			Payload: b.Data,
		}
		fragment.MessageID = t.NextMessageID()
		fragment.AddOption(OptionBlock1, EncodeBlock1(b.Block))
		raw, err := fragment.Encode()
		if err != nil {
			return err
		}
		t.track(addr, fragment.MessageID, raw)
		if err := t.writeRaw(addr, raw); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) track(addr net.Addr, messageID uint16, raw []byte) {
	t.mu.Lock()
	t.pending[messageID] = &pendingRequest{
		messageID: messageID,
		dest:      addr,
		data:      raw,
		sentAt:    t.now(),
	}
	t.mu.Unlock()
}

// HandleAck clears the pending entry for an acknowledged message id.
func (t *Transport) HandleAck(messageID uint16) {
	t.mu.Lock()
	delete(t.pending, messageID)
	t.mu.Unlock()
}

func (t *Transport) write(addr net.Addr, msg *Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return t.writeRaw(addr, raw)
}

func (t *Transport) writeRaw(addr net.Addr, raw []byte) error {
	if _, err := t.conn.WriteTo(raw, addr); err != nil {
		return fmt.Errorf("%w: send to %s: %v", protocol.ErrNetwork, addr, err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, defaultReadBuffer)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// UDP sockets surface ICMP errors on reads; the socket is
			// still usable afterwards.
			t.logger.Warn("socket read failed", slog.Any("error", err))
			time.Sleep(readRetryDelay)
			continue
		}
		if !t.limiter.Allow() {
			t.mu.Lock()
			t.rateLimited++
			t.mu.Unlock()
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		t.dispatch(raw, from)
	}
}

func (t *Transport) dispatch(raw []byte, from net.Addr) {
	msg, err := Decode(raw)
	if err != nil {
		t.logger.Debug("dropping undecodable datagram",
			slog.String("from", from.String()), slog.Any("error", err))
		return
	}
	switch msg.Type {
	case Acknowledgement, Reset:
		t.HandleAck(msg.MessageID)
		return
	case Confirmable:
		ack := &Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: msg.MessageID}
		if err := t.write(from, ack); err != nil {
			t.logger.Warn("ack send failed", slog.String("to", from.String()), slog.Any("error", err))
		}
	}
	if block, ok, err := Block1FromMessage(msg); err != nil {
		t.logger.Debug("malformed block option", slog.Any("error", err))
	} else if ok {
		// Receiver-side reassembly is not implemented; fragments reach
		// the handler individually.
		t.logger.Debug("block fragment received",
			slog.Int("number", int(block.Number)),
			slog.Bool("more", block.More))
	}
	if t.handler != nil {
		t.handler(msg, from)
	}
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweepPending()
		}
	}
}

// sweepPending resends timed-out confirmables on the fixed interval and
// drops entries whose retry budget is exhausted. Exhaustion is logged, not
// surfaced to the original caller.
func (t *Transport) sweepPending() {
	now := t.now()
	var resend []*pendingRequest

	t.mu.Lock()
	for id, req := range t.pending {
		if now.Sub(req.sentAt) < t.cfg.AckTimeout {
			continue
		}
		if req.retransmits >= MaxRetransmit {
			delete(t.pending, id)
			t.droppedExpiry++
			t.logger.Warn("confirmable dropped after retry budget",
				slog.Int("messageID", int(id)),
				slog.String("dest", req.dest.String()))
			continue
		}
		req.retransmits++
		req.sentAt = now
		t.retransmits++
		resend = append(resend, req)
	}
	t.mu.Unlock()

	for _, req := range resend {
		if err := t.writeRaw(req.dest, req.data); err != nil {
			t.logger.Warn("retransmit failed",
				slog.Int("messageID", int(req.messageID)), slog.Any("error", err))
		}
	}
}

// Stats returns a snapshot of delivery bookkeeping.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransportStats{
		Pending:       len(t.pending),
		Retransmits:   t.retransmits,
		DroppedExpiry: t.droppedExpiry,
		RateLimited:   t.rateLimited,
	}
}
