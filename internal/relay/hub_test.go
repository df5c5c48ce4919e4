package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pitlane/internal/bus"
	"pitlane/internal/bus/membus"
	"pitlane/internal/domain"
	"pitlane/internal/wire"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	mu     sync.Mutex
	msgs   []wire.Message
	code   int
	reason string
	closed bool
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnClosed
	}
	m, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *recordingSink) CloseWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed, s.code, s.reason = true, code, reason
	}
}

func (s *recordingSink) count(t wire.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *recordingSink) closeCode() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.reason
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingBackend wraps membus and tracks how many subscriptions per user
// are open at once. kill stops every open subscription with an error.
type countingBackend struct {
	*membus.Bus
	failSubscribe atomic.Bool

	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	kills   []chan struct{}
}

func newCountingBackend() *countingBackend {
	return &countingBackend{Bus: membus.New(membus.Config{}), active: map[string]int{}, maxSeen: map[string]int{}}
}

func (b *countingBackend) Subscribe(ctx context.Context, req bus.SubscribeRequest, h bus.Handler) (bus.Subscription, error) {
	if b.failSubscribe.Load() {
		return nil, errors.New("broker unavailable")
	}
	inner, err := b.Bus.Subscribe(ctx, req, h)
	if err != nil {
		return nil, err
	}
	kill := make(chan struct{})
	b.mu.Lock()
	b.active[req.UserID]++
	if b.active[req.UserID] > b.maxSeen[req.UserID] {
		b.maxSeen[req.UserID] = b.active[req.UserID]
	}
	b.kills = append(b.kills, kill)
	b.mu.Unlock()
	return bus.StartRunner(ctx, func(ctx context.Context) error {
		select {
		case <-kill:
			return errors.New("broker connection lost")
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func() error {
		b.mu.Lock()
		b.active[req.UserID]--
		b.mu.Unlock()
		return inner.Close(context.Background())
	}), nil
}

func (b *countingBackend) open(user string) (active, max int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[user], b.maxSeen[user]
}

func (b *countingBackend) killAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.kills {
		close(k)
	}
	b.kills = nil
}

func publish(t *testing.T, be bus.Backend, user string, frames ...domain.TelemetryFrame) {
	t.Helper()
	ctx := context.Background()
	p, err := bus.NewProducer(ctx, be, domain.Binding{UserID: user, SessionID: "s-" + user}, bus.ProducerConfig{}, quietLogger())
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	for _, f := range frames {
		if err := p.Publish(f); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func testClient(id, user string) (*client, *recordingSink) {
	s := &recordingSink{}
	return newClient(id, user, s, quietLogger()), s
}

func TestHubBroadcastsToEveryConnectionOfTheUser(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{GroupPrefix: "t", InstanceID: "i1"}, quietLogger())
	ctx := context.Background()

	a, sa := testClient("a", "u1")
	b, sb := testClient("b", "u1")
	other, so := testClient("c", "u2")
	for _, c := range []*client{a, b, other} {
		if err := h.Register(ctx, c); err != nil {
			t.Fatalf("register %s: %v", c.id, err)
		}
	}
	if active, _ := be.open("u1"); active != 1 {
		t.Fatalf("u1 consumers = %d", active)
	}

	publish(t, be, "u1", domain.TelemetryFrame{Gear: 3}, domain.TelemetryFrame{Gear: 4})
	eventually(t, "both u1 connections to receive", func() bool {
		return sa.count(wire.TypeTelemetry) == 2 && sb.count(wire.TypeTelemetry) == 2
	})
	time.Sleep(20 * time.Millisecond)
	if so.count(wire.TypeTelemetry) != 0 {
		t.Fatalf("u2 received u1 telemetry")
	}
	if st := h.Stats(); st.Users != 2 || st.Consumers != 2 || st.FramesRelayed != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHubTearsDownOnLastUnregisterAndRecreates(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	ctx := context.Background()

	a, _ := testClient("a", "u1")
	b, _ := testClient("b", "u1")
	_ = h.Register(ctx, a)
	_ = h.Register(ctx, b)
	if err := h.Unregister(ctx, a); err != nil {
		t.Fatal(err)
	}
	if active, _ := be.open("u1"); active != 1 {
		t.Fatalf("consumer must survive while a connection remains, active=%d", active)
	}
	if err := h.Unregister(ctx, b); err != nil {
		t.Fatal(err)
	}
	if active, _ := be.open("u1"); active != 0 {
		t.Fatalf("consumer must be gone after the last connection, active=%d", active)
	}
	if st := h.Stats(); st.Users != 0 || st.ConsumersStopped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	// unknown or repeated unregister is a no-op
	if err := h.Unregister(ctx, b); err != nil {
		t.Fatal(err)
	}

	c, sc := testClient("c", "u1")
	if err := h.Register(ctx, c); err != nil {
		t.Fatal(err)
	}
	if active, max := be.open("u1"); active != 1 || max != 1 {
		t.Fatalf("active=%d max=%d", active, max)
	}
	publish(t, be, "u1", domain.TelemetryFrame{Gear: 2})
	eventually(t, "recreated consumer to deliver", func() bool { return sc.count(wire.TypeTelemetry) == 1 })
}

func TestHubNeverRunsTwoConsumersForOneUser(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, _ := testClient(string(rune('a'+i))+"-"+string(rune('a'+j)), "u1")
				if err := h.Register(ctx, c); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if err := h.Unregister(ctx, c); err != nil {
					t.Errorf("unregister: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	active, max := be.open("u1")
	if max != 1 {
		t.Fatalf("saw %d concurrent consumers for one user", max)
	}
	if active != 0 {
		t.Fatalf("%d consumers leaked", active)
	}
	if st := h.Stats(); st.ConsumersStarted != st.ConsumersStopped {
		t.Fatalf("started=%d stopped=%d", st.ConsumersStarted, st.ConsumersStopped)
	}
}

func TestHubSkipsConnectionsInDemoMode(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	ctx := context.Background()

	live, sl := testClient("live", "u1")
	demo, sd := testClient("demo", "u1")
	_ = h.Register(ctx, live)
	_ = h.Register(ctx, demo)
	demo.startDemo(make([]domain.TelemetryFrame, 100000), time.Hour)
	defer demo.stopDemo()

	publish(t, be, "u1", domain.TelemetryFrame{Gear: 5})
	eventually(t, "live connection to receive", func() bool { return sl.count(wire.TypeTelemetry) == 1 })
	time.Sleep(20 * time.Millisecond)
	if sd.count(wire.TypeTelemetry) != 0 {
		t.Fatalf("demo connection received live telemetry")
	}
}

func TestHubClosesConnectionsWhenConsumerDies(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	ctx := context.Background()

	a, sa := testClient("a", "u1")
	b, sb := testClient("b", "u1")
	_ = h.Register(ctx, a)
	_ = h.Register(ctx, b)
	be.killAll()

	for _, s := range []*recordingSink{sa, sb} {
		s := s
		eventually(t, "connection close", func() bool {
			code, reason := s.closeCode()
			return code == websocket.CloseInternalServerErr && reason == streamLostReason
		})
	}
	if st := h.Stats(); st.ConsumersLost != 1 {
		t.Fatalf("lost = %d", st.ConsumersLost)
	}

	// a connection arriving before the dead one is unregistered gets a fresh consumer
	c, _ := testClient("c", "u1")
	if err := h.Register(ctx, c); err != nil {
		t.Fatal(err)
	}
	if active, _ := be.open("u1"); active != 1 {
		t.Fatalf("active = %d", active)
	}
}

func TestHubRegisterFailureLeavesNoState(t *testing.T) {
	be := newCountingBackend()
	be.failSubscribe.Store(true)
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	a, _ := testClient("a", "u1")
	if err := h.Register(context.Background(), a); err == nil {
		t.Fatalf("expected register failure")
	}
	if st := h.Stats(); st.Users != 0 || st.Consumers != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHubCloseStopsConsumersAndRejectsRegistration(t *testing.T) {
	be := newCountingBackend()
	h := NewHub(be, HubConfig{InstanceID: "i1"}, quietLogger())
	ctx := context.Background()
	a, _ := testClient("a", "u1")
	_ = h.Register(ctx, a)
	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if active, _ := be.open("u1"); active != 0 {
		t.Fatalf("active = %d", active)
	}
	b, _ := testClient("b", "u1")
	if err := h.Register(ctx, b); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("register after close = %v", err)
	}
	if err := h.Unregister(ctx, a); err != nil {
		t.Fatalf("unregister after close = %v", err)
	}
}
