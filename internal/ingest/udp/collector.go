package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"pitlane/internal/domain"
)

// Publisher accepts decoded frames. bus.Producer satisfies it.
type Publisher interface {
	Publish(domain.TelemetryFrame) error
}

type Config struct {
	Host string
	Port int
	// ReadBuffer is the size of the datagram read buffer.
	ReadBuffer int
}

type Stats struct {
	Packets       uint64
	Handshakes    uint64
	Published     uint64
	ParseErrors   uint64
	PublishErrors uint64
}

// Collector listens for simulator datagrams, answers the per-peer handshake
// and publishes every decoded frame.
type Collector struct {
	cfg    Config
	dec    *Decoder
	pub    Publisher
	logger *slog.Logger

	conn   net.PacketConn
	addr   atomic.Value
	closed atomic.Bool

	mu    sync.Mutex
	peers map[string]struct{}

	packets       atomic.Uint64
	handshakes    atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
}

func NewCollector(cfg Config, pub Publisher, logger *slog.Logger) *Collector {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:    cfg,
		dec:    NewDecoder(),
		pub:    pub,
		logger: logger.With("component", "udp_collector"),
		peers:  make(map[string]struct{}),
	}
}

// Listen binds the UDP socket. A bind failure is fatal for the process.
func (c *Collector) Listen() error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp %s: %w", addr, err)
	}
	c.conn = conn
	c.addr.Store(conn.LocalAddr().String())
	c.logger.Info("listening for telemetry", "addr", conn.LocalAddr().String())
	return nil
}

func (c *Collector) Addr() string {
	if v := c.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Serve reads datagrams until ctx is cancelled or Close is called.
func (c *Collector) Serve(ctx context.Context) error {
	if c.conn == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}
	go func() { <-ctx.Done(); _ = c.Close() }()

	buf := make([]byte, c.cfg.ReadBuffer)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logger.Warn("udp read failed", "err", err)
			continue
		}
		c.HandleDatagram(buf[:n], from.String(), func(b []byte) error {
			_, err := c.conn.WriteTo(b, from)
			return err
		})
	}
}

// HandleDatagram runs one datagram through handshake detection, decoding and
// publishing. reply may be nil when there is no peer to answer (replays).
func (c *Collector) HandleDatagram(b []byte, peer string, reply func([]byte) error) {
	c.packets.Add(1)
	if IsHandshake(b) && c.markPeer(peer) {
		c.handshakes.Add(1)
		c.logger.Info("handshake received", "peer", peer)
		if reply != nil {
			if err := reply(HandshakeReply()); err != nil {
				c.logger.Warn("handshake reply failed", "peer", peer, "err", err)
			}
		}
		return
	}
	frame, err := c.dec.Decode(b)
	if err != nil {
		c.logger.Debug("dropping datagram", "peer", peer, "bytes", len(b), "err", err)
		return
	}
	if err := c.pub.Publish(frame); err != nil {
		c.publishErrors.Add(1)
		c.logger.Warn("publish frame failed", "err", err)
		return
	}
	c.published.Add(1)
}

// markPeer records a completed handshake and reports whether it is new.
func (c *Collector) markPeer(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[peer]; ok {
		return false
	}
	c.peers[peer] = struct{}{}
	return true
}

func (c *Collector) Stats() Stats {
	return Stats{
		Packets:       c.packets.Load(),
		Handshakes:    c.handshakes.Load(),
		Published:     c.published.Load(),
		ParseErrors:   c.dec.Errors(),
		PublishErrors: c.publishErrors.Load(),
	}
}

func (c *Collector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
