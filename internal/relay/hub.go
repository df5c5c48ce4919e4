package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"pitlane/internal/bus"
	"pitlane/internal/wire"
)

var ErrHubClosed = errors.New("relay: hub closed")

const streamLostReason = "telemetry stream lost"

type HubConfig struct {
	// GroupPrefix and InstanceID name the consumer group of each user.
	GroupPrefix string
	InstanceID  string
}

type HubStats struct {
	Users            int
	Consumers        int
	ConsumersStarted uint64
	ConsumersStopped uint64
	ConsumersLost    uint64
	FramesRelayed    uint64
	BytesRelayed     uint64
}

// Hub keeps at most one bus consumer per user and fans its frames out to
// every connection of that user. Register and Unregister are the only
// mutators; the per-user life lock serializes consumer creation and teardown
// so a user never ends up with two consumers.
type Hub struct {
	backend bus.Backend
	cfg     HubConfig
	logger  *slog.Logger

	mu     sync.RWMutex
	users  map[string]*userSlot
	closed bool

	started atomic.Uint64
	stopped atomic.Uint64
	lost    atomic.Uint64
	frames  atomic.Uint64
	bytes   atomic.Uint64
}

type userSlot struct {
	life sync.Mutex

	// guarded by Hub.mu; sub is only replaced while life is held
	refs  int
	conns map[string]*client
	sub   bus.Subscription
}

func NewHub(backend bus.Backend, cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = bus.DefaultTopicPrefix
	}
	return &Hub{backend: backend, cfg: cfg, logger: logger.With("component", "hub"), users: make(map[string]*userSlot)}
}

// Register attaches c to its user and makes sure the user has a running
// consumer, creating one (and the user's topic) on first use.
func (h *Hub) Register(ctx context.Context, c *client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	slot, ok := h.users[c.userID]
	if !ok {
		slot = &userSlot{conns: make(map[string]*client)}
		h.users[c.userID] = slot
	}
	slot.refs++
	slot.conns[c.id] = c
	h.mu.Unlock()

	slot.life.Lock()
	defer slot.life.Unlock()

	h.mu.RLock()
	cur := slot.sub
	h.mu.RUnlock()
	if cur != nil {
		select {
		case <-cur.Done():
			// died before anyone noticed; replace it below
			h.setSub(slot, nil)
			_ = cur.Close(ctx)
			h.stopped.Add(1)
		default:
			return nil
		}
	}

	sub, err := h.subscribe(ctx, c.userID)
	if err != nil {
		h.detach(slot, c)
		return err
	}
	h.setSub(slot, sub)
	h.started.Add(1)
	go h.watch(c.userID, slot, sub)
	return nil
}

func (h *Hub) subscribe(ctx context.Context, userID string) (bus.Subscription, error) {
	if _, err := h.backend.EnsureUserTopic(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure topic for %s: %w", userID, err)
	}
	req := bus.SubscribeRequest{UserID: userID, GroupID: bus.RelayGroupID(h.cfg.GroupPrefix, h.cfg.InstanceID, userID)}
	sub, err := h.backend.Subscribe(ctx, req, h.handler(userID))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", userID, err)
	}
	h.logger.Info("consumer started", "user_id", userID, "group", req.GroupID)
	return sub, nil
}

// Unregister detaches c. When it was the user's last connection the
// consumer is closed before Unregister returns.
func (h *Hub) Unregister(ctx context.Context, c *client) error {
	slot, last := h.release(c)
	if slot == nil || !last {
		return nil
	}

	slot.life.Lock()
	defer slot.life.Unlock()

	h.mu.Lock()
	if slot.refs > 0 {
		// a connection for the same user arrived meanwhile and reuses the consumer
		h.mu.Unlock()
		return nil
	}
	sub := slot.sub
	slot.sub = nil
	h.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close(ctx)
		h.stopped.Add(1)
		h.logger.Info("consumer stopped", "user_id", c.userID)
	}

	h.mu.Lock()
	if slot.refs == 0 && h.users[c.userID] == slot {
		delete(h.users, c.userID)
	}
	h.mu.Unlock()
	return err
}

func (h *Hub) release(c *client) (*userSlot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.users[c.userID]
	if !ok {
		return nil, false
	}
	if _, ok := slot.conns[c.id]; !ok {
		return nil, false
	}
	delete(slot.conns, c.id)
	slot.refs--
	return slot, slot.refs == 0
}

// detach undoes a failed Register. The caller holds slot.life.
func (h *Hub) detach(slot *userSlot, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := slot.conns[c.id]; !ok {
		return
	}
	delete(slot.conns, c.id)
	slot.refs--
	if slot.refs == 0 && slot.sub == nil && h.users[c.userID] == slot {
		delete(h.users, c.userID)
	}
}

func (h *Hub) setSub(slot *userSlot, sub bus.Subscription) {
	h.mu.Lock()
	slot.sub = sub
	h.mu.Unlock()
}

func (h *Hub) handler(userID string) bus.Handler {
	return func(_ context.Context, m bus.Message) error {
		h.broadcast(userID, m)
		return nil
	}
}

// broadcast encodes the frame once and queues it on every live connection
// of the user.
func (h *Hub) broadcast(userID string, m bus.Message) {
	payload := wire.EncodeTelemetry(m.Frame)
	h.mu.RLock()
	slot := h.users[userID]
	var targets []*client
	if slot != nil {
		targets = make([]*client, 0, len(slot.conns))
		for _, c := range slot.conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.frames.Add(1)
	for _, c := range targets {
		if c.deliverLive(payload) {
			h.bytes.Add(uint64(len(payload)))
		}
	}
}

// watch closes the user's connections when its consumer stops without
// being asked to.
func (h *Hub) watch(userID string, slot *userSlot, sub bus.Subscription) {
	<-sub.Done()
	h.mu.RLock()
	current := slot.sub == sub
	var targets []*client
	if current {
		for _, c := range slot.conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if !current {
		return
	}
	h.lost.Add(1)
	h.logger.Error("consumer stopped unexpectedly", "user_id", userID, "connections", len(targets), "err", sub.Err())
	for _, c := range targets {
		c.out.CloseWith(websocket.CloseInternalServerErr, streamLostReason)
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	st := HubStats{Users: len(h.users)}
	for _, slot := range h.users {
		if slot.sub != nil {
			st.Consumers++
		}
	}
	h.mu.RUnlock()
	st.ConsumersStarted = h.started.Load()
	st.ConsumersStopped = h.stopped.Load()
	st.ConsumersLost = h.lost.Load()
	st.FramesRelayed = h.frames.Load()
	st.BytesRelayed = h.bytes.Load()
	return st
}

// Close stops every consumer. Later Register calls fail with ErrHubClosed.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	slots := make(map[string]*userSlot, len(h.users))
	for u, s := range h.users {
		slots[u] = s
	}
	h.mu.Unlock()

	var errs []error
	for userID, slot := range slots {
		slot.life.Lock()
		h.mu.Lock()
		sub := slot.sub
		slot.sub = nil
		delete(h.users, userID)
		h.mu.Unlock()
		if sub != nil {
			if err := sub.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close consumer for %s: %w", userID, err))
			}
			h.stopped.Add(1)
		}
		slot.life.Unlock()
	}
	return errors.Join(errs...)
}
