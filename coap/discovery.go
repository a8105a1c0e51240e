package coap

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// MulticastGroup is the IPv4 group probed for neighbor discovery.
	MulticastGroup = "224.0.1.187"
	// MulticastPort is the conventional CoAP port.
	MulticastPort = 5683

	defaultDiscoveryInterval = 30 * time.Second
)

// LinkFormat is the CoRE Link-Format description of the resources this
// node serves, returned for /.well-known/core probes.
const LinkFormat = `</gossip>;rt="meshsync.gossip",</record>;rt="meshsync.record",</announce>;rt="meshsync.announce",</ping>;rt="meshsync.ping"`

// NewDiscoveryResponse answers a discovery GET with the resource catalog.
func NewDiscoveryResponse(req *Message) *Message {
	resp := &Message{
		Type:      NonConfirmable,
		Code:      CodeContent,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte(LinkFormat),
	}
	resp.SetContentFormat(ContentFormatLinkFormat)
	return resp
}

// Discovery periodically probes the multicast group for neighbors by
// sending a GET to /.well-known/core.
type Discovery struct {
	transport *Transport
	logger    *slog.Logger
	group     *net.UDPAddr
	interval  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDiscovery joins the multicast group on the transport's socket when it
// is a real UDP socket; in-memory test conns skip the join.
func NewDiscovery(t *Transport, interval time.Duration, logger *slog.Logger) (*Discovery, error) {
	if interval <= 0 {
		interval = defaultDiscoveryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	group := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: MulticastPort}
	if udpConn, ok := t.conn.(*net.UDPConn); ok {
		packet := ipv4.NewPacketConn(udpConn)
		if err := packet.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			logger.Warn("multicast join failed, discovery is send-only",
				slog.String("group", MulticastGroup), slog.Any("error", err))
		}
	}
	return &Discovery{
		transport: t,
		logger:    logger.With(slog.String("component", "discovery")),
		group:     group,
		interval:  interval,
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the periodic probe loop.
func (d *Discovery) Start() {
	d.wg.Add(1)
	go d.run()
}

// Close stops the probe loop.
func (d *Discovery) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Discovery) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

func (d *Discovery) probe() {
	req := &Message{Type: NonConfirmable, Code: CodeGET}
	req.SetPath(PathDiscovery)
	if err := d.transport.Send(d.group, req); err != nil {
		d.logger.Debug("discovery probe failed", slog.Any("error", err))
	}
}
