package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pitlane/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	ensured  map[string]bool
	sent     []Envelope
	failNext int
	// partial makes a failing send deliver the first element of the batch.
	partial bool
	// unreachable makes every send fail as if the bus could not be dialed.
	unreachable bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{ensured: map[string]bool{}} }

func (f *fakeBackend) EnsureUserTopic(_ context.Context, userID string) (string, error) {
	name, err := TopicName("", userID)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ensure")
	f.ensured[name] = true
	return name, nil
}

func (f *fakeBackend) NewSender(context.Context) (Sender, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "sender")
	f.mu.Unlock()
	return &fakeSender{b: f}, nil
}

func (f *fakeBackend) Subscribe(context.Context, SubscribeRequest, Handler) (Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) setFail(n int, partial bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext, f.partial = n, partial
}

func (f *fakeBackend) delivered() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sent...)
}

type fakeSender struct {
	b      *fakeBackend
	closed bool
}

func (s *fakeSender) Send(_ context.Context, batch []Envelope) ([]Envelope, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, e := range batch {
		if !s.b.ensured[e.Topic] {
			return batch, ErrUnknownTopic
		}
	}
	if s.b.unreachable {
		return batch, fmt.Errorf("redial: %w", ErrBusUnavailable)
	}
	if s.b.failNext > 0 {
		s.b.failNext--
		if s.b.partial && len(batch) > 1 {
			s.b.sent = append(s.b.sent, batch[0])
			return batch[1:], errors.New("partial failure")
		}
		return batch, errors.New("broker unavailable")
	}
	s.b.sent = append(s.b.sent, batch...)
	return nil, nil
}

func (s *fakeSender) Close() error { s.closed = true; return nil }

func frameAt(i int) domain.TelemetryFrame {
	return domain.TelemetryFrame{Timestamp: int64(1000 + i), Speed: float32(i), LapNumber: 1, LapTime: int32(i)}
}

func lapTimes(t *testing.T, envs []Envelope) []int32 {
	t.Helper()
	out := make([]int32, 0, len(envs))
	for _, e := range envs {
		f, err := DecodeFrame(e.Encoding, e.Value)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, f.LapTime)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProducerEnsuresTopicBeforeSending(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())
	if len(be.calls) != 2 || be.calls[0] != "ensure" || be.calls[1] != "sender" {
		t.Fatalf("unexpected call order %v", be.calls)
	}
	if p.Topic() != "telemetry-user-u1" {
		t.Fatalf("topic = %s", p.Topic())
	}
}

func TestProducerFlushesOnBatchSizeInOrder(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 10, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())
	for i := 0; i < 10; i++ {
		if err := p.Publish(frameAt(i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, "size-triggered flush", func() bool { return len(be.delivered()) == 10 })
	got := lapTimes(t, be.delivered())
	for i, v := range got {
		if v != int32(i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
	env := be.delivered()[0]
	if env.SessionID != "s1" || env.UserID != "u1" || env.Encoding != EncodingWire {
		t.Fatalf("unexpected envelope metadata %+v", env)
	}
}

func TestProducerFlushesOnInterval(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())
	if err := p.Publish(frameAt(0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "interval flush", func() bool { return len(be.delivered()) == 1 })
}

func TestProducerRequeuesFailedBatchAtFront(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())
	for i := 0; i < 3; i++ {
		_ = p.Publish(frameAt(i))
	}
	be.setFail(1, true)
	if err := p.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if st := p.Stats(); st.Buffered != 2 || st.Sent != 1 || st.Errors != 1 {
		t.Fatalf("unexpected stats after partial failure: %+v", st)
	}
	for i := 3; i < 5; i++ {
		_ = p.Publish(frameAt(i))
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := lapTimes(t, be.delivered())
	want := []int32{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("delivered %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestProducerDropsOldestBeyondMaxBuffered(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 1000, FlushInterval: time.Hour, MaxBuffered: 3}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())
	for i := 0; i < 5; i++ {
		_ = p.Publish(frameAt(i))
	}
	if st := p.Stats(); st.Dropped != 2 || st.Buffered != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := lapTimes(t, be.delivered())
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("delivered %v", got)
	}
}

func TestProducerDisconnectFlushesAndCloses(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	for i := 0; i < 7; i++ {
		_ = p.Publish(frameAt(i))
	}
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if n := len(be.delivered()); n != 7 {
		t.Fatalf("final flush delivered %d", n)
	}
	if err := p.Publish(frameAt(8)); !errors.Is(err, ErrProducerClosed) {
		t.Fatalf("expected ErrProducerClosed, got %v", err)
	}
	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestProducerDisconnectReportsFinalFlushFailure(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	_ = p.Publish(frameAt(0))
	be.setFail(1, false)
	if err := p.Disconnect(context.Background()); err == nil {
		t.Fatalf("expected final flush error")
	}
}

func TestNewProducerRequiresBinding(t *testing.T) {
	if _, err := NewProducer(context.Background(), newFakeBackend(), domain.Binding{SessionID: "s"}, ProducerConfig{}, nil); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := NewProducer(context.Background(), newFakeBackend(), domain.Binding{UserID: "u"}, ProducerConfig{}, nil); err == nil {
		t.Fatalf("expected missing session error")
	}
	if _, err := NewProducer(context.Background(), newFakeBackend(), domain.Binding{UserID: "u", SessionID: "s"}, ProducerConfig{Encoding: "xml"}, nil); err == nil {
		t.Fatalf("expected encoding error")
	}
}

func TestProducerRejectsFramesWhileBusUnreachable(t *testing.T) {
	be := newFakeBackend()
	p, err := NewProducer(context.Background(), be, domain.Binding{UserID: "u1", SessionID: "s1"}, ProducerConfig{BatchSize: 1000, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Disconnect(context.Background())

	_ = p.Publish(frameAt(0))
	be.mu.Lock()
	be.unreachable = true
	be.mu.Unlock()
	if err := p.Flush(context.Background()); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("flush error = %v", err)
	}
	if err := p.Publish(frameAt(1)); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("publish while unreachable = %v", err)
	}
	if st := p.Stats(); st.Buffered != 1 {
		t.Fatalf("buffered = %d, want the frame accepted before the outage", st.Buffered)
	}

	be.mu.Lock()
	be.unreachable = false
	be.mu.Unlock()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if err := p.Publish(frameAt(2)); err != nil {
		t.Fatalf("publish after recovery: %v", err)
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := lapTimes(t, be.delivered())
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("delivered %v", got)
	}
}
