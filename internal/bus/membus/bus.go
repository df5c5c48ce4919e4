package membus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"pitlane/internal/bus"
)

type Config struct {
	TopicPrefix string
	Partitions  int
	// Retain bounds the records kept per topic; consumers start at the end
	// so old records are only kept for inspection.
	Retain int
}

type record struct {
	env       bus.Envelope
	partition int32
	offset    int64
}

func (r record) id() string {
	if r.env.ID != "" {
		return r.env.ID
	}
	return bus.RecordID(r.env.Topic, r.partition, r.offset)
}

type topic struct {
	name    string
	records []record
	next    int64
	subs    map[*subscriber]struct{}
}

// Bus is an in-process message bus with the same contract as the Kafka and
// RabbitMQ backends. Per-topic order is preserved and every live subscriber
// group sees every record published after it subscribed.
type Bus struct {
	cfg Config

	mu       sync.Mutex
	topics   map[string]*topic
	patterns map[*subscriber]func(string) bool
	closed   bool

	ensured       atomic.Uint64
	subscriptions atomic.Int64
	failSends     atomic.Int64
	handlerErrors atomic.Uint64
}

func New(cfg Config) *Bus {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = bus.DefaultTopicPrefix
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 10
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 1024
	}
	return &Bus{cfg: cfg, topics: make(map[string]*topic), patterns: make(map[*subscriber]func(string) bool)}
}

func (b *Bus) EnsureUserTopic(_ context.Context, userID string) (string, error) {
	name, err := bus.TopicName(b.cfg.TopicPrefix, userID)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("membus: closed")
	}
	if _, ok := b.topics[name]; !ok {
		t := &topic{name: name, subs: make(map[*subscriber]struct{})}
		for s, match := range b.patterns {
			if match(name) {
				t.subs[s] = struct{}{}
			}
		}
		b.topics[name] = t
		b.ensured.Add(1)
	}
	return name, nil
}

// TopicsCreated counts distinct topics provisioned so far.
func (b *Bus) TopicsCreated() uint64 { return b.ensured.Load() }

// ActiveSubscriptions counts subscriptions that have not been closed.
func (b *Bus) ActiveSubscriptions() int { return int(b.subscriptions.Load()) }

// HandlerErrors counts messages whose handler returned an error.
func (b *Bus) HandlerErrors() uint64 { return b.handlerErrors.Load() }

// FailNextSends makes the next n Send calls fail without delivering anything.
func (b *Bus) FailNextSends(n int) { b.failSends.Store(int64(n)) }

func (b *Bus) NewSender(context.Context) (bus.Sender, error) {
	return &sender{bus: b}, nil
}

type sender struct {
	bus    *Bus
	closed atomic.Bool
}

func (s *sender) Send(ctx context.Context, batch []bus.Envelope) ([]bus.Envelope, error) {
	if s.closed.Load() {
		return batch, errors.New("membus: sender closed")
	}
	if err := ctx.Err(); err != nil {
		return batch, err
	}
	if s.bus.failSends.Add(-1) >= 0 {
		return batch, errors.New("membus: injected send failure")
	}
	return s.bus.append(batch)
}

func (s *sender) Close() error {
	s.closed.Store(true)
	return nil
}

func (b *Bus) append(batch []bus.Envelope) ([]bus.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return batch, errors.New("membus: closed")
	}
	for i, env := range batch {
		t, ok := b.topics[env.Topic]
		if !ok {
			return batch[i:], fmt.Errorf("%w: %s", bus.ErrUnknownTopic, env.Topic)
		}
		rec := record{env: env, partition: b.partitionFor(env.SessionID), offset: t.next}
		t.next++
		t.records = append(t.records, rec)
		if over := len(t.records) - b.cfg.Retain; over > 0 {
			t.records = append([]record(nil), t.records[over:]...)
		}
		for s := range t.subs {
			s.push(rec)
		}
	}
	return nil, nil
}

func (b *Bus) partitionFor(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(b.cfg.Partitions))
}

// Records returns a copy of what is retained for a topic, oldest first.
func (b *Bus) Records(topicName string) []bus.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	out := make([]bus.Envelope, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.env)
	}
	return out
}

func (b *Bus) Subscribe(ctx context.Context, req bus.SubscribeRequest, h bus.Handler) (bus.Subscription, error) {
	var match func(string) bool
	switch {
	case req.UserID != "":
		name, err := bus.TopicName(b.cfg.TopicPrefix, req.UserID)
		if err != nil {
			return nil, err
		}
		match = func(t string) bool { return t == name }
	case req.AllUsers:
		re := regexp.MustCompile(bus.TopicPattern(b.cfg.TopicPrefix))
		match = re.MatchString
	default:
		return nil, errors.New("membus: subscribe needs a user id or AllUsers")
	}

	s := &subscriber{notify: make(chan struct{}, 1), errors: &b.handlerErrors}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("membus: closed")
	}
	if req.AllUsers && req.UserID == "" {
		b.patterns[s] = match
	}
	attached := 0
	for name, t := range b.topics {
		if match(name) {
			t.subs[s] = struct{}{}
			attached++
		}
	}
	b.mu.Unlock()
	if req.UserID != "" && attached == 0 {
		return nil, fmt.Errorf("%w: user %s", bus.ErrUnknownTopic, req.UserID)
	}

	b.subscriptions.Add(1)
	detach := func() error {
		b.mu.Lock()
		for _, t := range b.topics {
			delete(t.subs, s)
		}
		delete(b.patterns, s)
		b.mu.Unlock()
		b.subscriptions.Add(-1)
		return nil
	}
	return bus.StartRunner(ctx, func(ctx context.Context) error { return s.run(ctx, h) }, detach), nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type subscriber struct {
	mu     sync.Mutex
	queue  []record
	notify chan struct{}
	errors *atomic.Uint64
}

func (s *subscriber) push(r record) {
	s.mu.Lock()
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context, h bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, r := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			frame, err := bus.DecodeFrame(r.env.Encoding, r.env.Value)
			if err != nil {
				s.errors.Add(1)
				continue
			}
			err = h(ctx, bus.Message{
				ID:        r.id(),
				Frame:     frame,
				SessionID: r.env.SessionID,
				UserID:    r.env.UserID,
				Topic:     r.env.Topic,
				Partition: r.partition,
				Offset:    r.offset,
				Timestamp: orNow(r.env.Timestamp),
			})
			if err != nil {
				s.errors.Add(1)
			}
		}
	}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
