package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"pitlane/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames []domain.TelemetryFrame
	err    error
}

func (r *recordingPublisher) Publish(f domain.TelemetryFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestHandleDatagramHandshakeOncePerPeer(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(Config{}, pub, nil)
	var replies [][]byte
	reply := func(b []byte) error { replies = append(replies, b); return nil }

	c.HandleDatagram(make([]byte, 12), "10.0.0.1:9000", reply)
	if len(replies) != 1 {
		t.Fatalf("expected one handshake reply, got %d", len(replies))
	}
	// a second short datagram from the same peer is a decode failure
	c.HandleDatagram(make([]byte, 12), "10.0.0.1:9000", reply)
	if len(replies) != 1 {
		t.Fatalf("handshake answered twice")
	}
	c.HandleDatagram(packet(50, 0.5, 0, 0, 0.1, 2, 4000, 0, 100), "10.0.0.1:9000", reply)

	st := c.Stats()
	if st.Handshakes != 1 || st.ParseErrors != 1 || st.Published != 1 || st.Packets != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d frames", pub.count())
	}
}

func TestHandleDatagramCountsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("closed")}
	c := NewCollector(Config{}, pub, nil)
	c.HandleDatagram(packet(50, 0.5, 0, 0, 0.1, 2, 4000, 0, 100), "p", nil)
	if st := c.Stats(); st.PublishErrors != 1 || st.Published != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestCollectorServesOverUDP(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewCollector(Config{Host: "127.0.0.1", Port: 0}, pub, nil)
	if err := c.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	conn, err := net.Dial("udp", c.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(make([]byte, 12)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	if n != 4 || binary.LittleEndian.Uint32(buf) != 1 {
		t.Fatalf("unexpected reply %v", buf[:n])
	}

	for i := 0; i < 3; i++ {
		if _, err := conn.Write(packet(float32(100+i), 1, 0, 0, 0.5, 4, 7000, 1, int32(i))); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for pub.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, published %d", pub.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestListenFailsOnBoundPort(t *testing.T) {
	held, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer held.Close()
	port := held.LocalAddr().(*net.UDPAddr).Port
	c := NewCollector(Config{Host: "127.0.0.1", Port: port}, &recordingPublisher{}, nil)
	if err := c.Listen(); err == nil {
		_ = c.Close()
		t.Fatalf("expected bind failure")
	}
}
