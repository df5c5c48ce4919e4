package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pitlane/internal/domain"
)

type ProducerConfig struct {
	TopicPrefix   string
	Encoding      Encoding
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered bounds the buffer while the bus is unreachable; the oldest
	// frames are dropped beyond it. Zero means unbounded.
	MaxBuffered int
}

func (c *ProducerConfig) withDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.Encoding == "" {
		c.Encoding = EncodingWire
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
}

type ProducerStats struct {
	Sent     uint64
	Bytes    uint64
	Errors   uint64
	Dropped  uint64
	Buffered int
}

// Producer buffers frames for one (user, session) binding and flushes them to
// the user's topic when the batch fills or the flush interval elapses.
// Publish never blocks on network I/O.
type Producer struct {
	cfg     ProducerConfig
	binding domain.Binding
	topic   string
	sender  Sender
	logger  *slog.Logger

	mu     sync.Mutex
	buf    []Envelope
	closed bool
	// down is the last ErrBusUnavailable from the sender; cleared by the
	// next send that reaches the bus.
	down error

	flushMu  sync.Mutex
	kick     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}

	sent    atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
}

// NewProducer provisions the user's topic, opens a sender and starts the
// periodic flush loop. The topic always exists before the first send.
func NewProducer(ctx context.Context, backend Backend, b domain.Binding, cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	cfg.withDefaults()
	if b.UserID == "" {
		return nil, ErrEmptyUserID
	}
	if b.SessionID == "" {
		return nil, errors.New("bus: session id is required")
	}
	if _, err := ParseEncoding(string(cfg.Encoding)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	topic, err := backend.EnsureUserTopic(ctx, b.UserID)
	if err != nil {
		return nil, fmt.Errorf("ensure topic for user %s: %w", b.UserID, err)
	}
	sender, err := backend.NewSender(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sender: %w", err)
	}
	p := &Producer{
		cfg:      cfg,
		binding:  b,
		topic:    topic,
		sender:   sender,
		logger:   logger.With("component", "producer", "topic", topic, "session_id", b.SessionID),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go p.loop()
	p.logger.Info("producer connected", "user_id", b.UserID, "encoding", string(cfg.Encoding))
	return p, nil
}

func (p *Producer) Topic() string { return p.topic }

// Publish encodes the frame and appends it to the buffer. While the bus is
// unreachable it rejects the frame with an error wrapping ErrBusUnavailable;
// what is already buffered keeps being retried.
func (p *Producer) Publish(f domain.TelemetryFrame) error {
	value, err := EncodeFrame(p.cfg.Encoding, f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     p.topic,
		SessionID: p.binding.SessionID,
		UserID:    p.binding.UserID,
		Encoding:  p.cfg.Encoding,
		Value:     value,
		Timestamp: time.UnixMilli(f.Timestamp),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProducerClosed
	}
	if p.down != nil {
		err := p.down
		p.mu.Unlock()
		return err
	}
	p.buf = append(p.buf, env)
	p.trimLocked()
	full := len(p.buf) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush sends everything buffered. Envelopes the bus did not acknowledge go
// back to the front of the buffer, ahead of frames published meanwhile.
func (p *Producer) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.buf
	p.buf = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	failed, err := p.sender.Send(ctx, batch)
	if len(failed) == 0 && err != nil {
		failed = batch
	}
	delivered := len(batch) - len(failed)
	p.sent.Add(uint64(delivered))
	p.bytes.Add(uint64(payloadBytes(batch) - payloadBytes(failed)))
	p.mu.Lock()
	wasDown := p.down != nil
	if errors.Is(err, ErrBusUnavailable) {
		p.down = err
	} else {
		p.down = nil
	}
	p.mu.Unlock()
	if !wasDown && errors.Is(err, ErrBusUnavailable) {
		p.logger.Error("bus unreachable, rejecting new frames", "err", err)
	} else if wasDown && !errors.Is(err, ErrBusUnavailable) {
		p.logger.Info("bus reachable again")
	}
	if len(failed) == 0 {
		return nil
	}

	p.errors.Add(1)
	p.mu.Lock()
	p.buf = append(append(make([]Envelope, 0, len(failed)+len(p.buf)), failed...), p.buf...)
	p.trimLocked()
	p.mu.Unlock()
	if err == nil {
		err = errors.New("records not acknowledged")
	}
	return fmt.Errorf("flush %d of %d records to %s: %w", len(failed), len(batch), p.topic, err)
}

// Disconnect stops the flush loop, performs a final flush and closes the
// sender. Frames that could not be delivered by then are lost and reported.
func (p *Producer) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	<-p.loopDone

	flushErr := p.Flush(ctx)
	if flushErr != nil {
		p.mu.Lock()
		lost := len(p.buf)
		p.buf = nil
		p.mu.Unlock()
		p.logger.Error("final flush failed", "lost_frames", lost, "err", flushErr)
	}
	st := p.Stats()
	p.logger.Info("producer disconnected", "sent", st.Sent, "errors", st.Errors, "dropped", st.Dropped)
	return errors.Join(flushErr, p.sender.Close())
}

func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	buffered := len(p.buf)
	p.mu.Unlock()
	return ProducerStats{
		Sent:     p.sent.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Dropped:  p.dropped.Load(),
		Buffered: buffered,
	}
}

func (p *Producer) loop() {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if err := p.Flush(context.Background()); err != nil {
			p.logger.Warn("flush failed, records kept for retry", "err", err)
		}
	}
}

func (p *Producer) trimLocked() {
	if p.cfg.MaxBuffered <= 0 || len(p.buf) <= p.cfg.MaxBuffered {
		return
	}
	drop := len(p.buf) - p.cfg.MaxBuffered
	p.buf = append([]Envelope(nil), p.buf[drop:]...)
	p.dropped.Add(uint64(drop))
}

func payloadBytes(envs []Envelope) int {
	n := 0
	for _, e := range envs {
		n += len(e.Value)
	}
	return n
}
