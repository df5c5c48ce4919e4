package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("relay: connection closed")

// sink is the outbound half of a client connection.
type sink interface {
	// Send queues one binary message without blocking.
	Send(payload []byte) error
	// CloseWith starts the closing handshake with the given close code.
	CloseWith(code int, reason string)
}

type closeFrame struct {
	code   int
	reason string
}

// wsConn owns the write side of a websocket. All writes happen on the
// writer goroutine; the queue is bounded and drops its oldest entry when
// full so a slow client always sees the most recent frames.
type wsConn struct {
	ws           *websocket.Conn
	queue        chan []byte
	closeReq     chan closeFrame
	closed       chan struct{}
	pingInterval time.Duration
	writeTimeout time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
	sent      atomic.Uint64
}

func newWSConn(ws *websocket.Conn, queueSize int, pingInterval, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		queue:        make(chan []byte, queueSize),
		closeReq:     make(chan closeFrame, 1),
		closed:       make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) Send(payload []byte) error {
	if c.closing.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- payload:
		return nil
	default:
	}
	select {
	case <-c.queue:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.queue <- payload:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// writeLoop drains the queue and pings the peer until the connection closes
// or a write fails. A close request is written after everything queued
// before it.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.closeReq:
			c.finish(f)
			return
		case payload := <-c.queue:
			if !c.write(payload) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsConn) write(payload []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.shutdown()
		return false
	}
	c.sent.Add(1)
	return true
}

// finish flushes the queue, sends the close frame and gives the peer a
// moment to answer; the read loop then sees the close and tears the
// connection down.
func (c *wsConn) finish(f closeFrame) {
	for drained := false; !drained; {
		select {
		case payload := <-c.queue:
			if !c.write(payload) {
				return
			}
		default:
			drained = true
		}
	}
	msg := websocket.FormatCloseMessage(f.code, f.reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	c.closeOnce.Do(func() { close(c.closed) })
	_ = c.ws.SetReadDeadline(time.Now().Add(c.writeTimeout))
}

// CloseWith asks the writer to close the connection once the messages
// already queued are written. Later sends fail with ErrConnClosed.
func (c *wsConn) CloseWith(code int, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.closeReq <- closeFrame{code: code, reason: reason}
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
	_ = c.ws.Close()
}

// Close releases the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close()
}
