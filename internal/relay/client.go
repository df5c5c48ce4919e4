package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pitlane/internal/domain"
	"pitlane/internal/wire"
)

const demoCompleteMessage = "Demo playback complete"

// mode is the delivery mode of a connection: liveMode relays the user's bus
// stream, *demoPlayback replays the demo dataset. Exactly one is active.
type mode interface{ isMode() }

type liveMode struct{}

type demoPlayback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (liveMode) isMode()      {}
func (*demoPlayback) isMode() {}

type client struct {
	id     string
	userID string
	out    sink
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	mode mode
}

func newClient(id, userID string, out sink, logger *slog.Logger) *client {
	return &client{id: id, userID: userID, out: out, logger: logger, now: time.Now, mode: liveMode{}}
}

func (c *client) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mode.(liveMode)
	return ok
}

// deliverLive forwards a pre-encoded bus frame unless the connection is
// playing the demo.
func (c *client) deliverLive(payload []byte) bool {
	if !c.live() {
		return false
	}
	return c.out.Send(payload) == nil
}

func (c *client) send(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return c.out.Send(b)
}

// startDemo replaces any running playback with a new one from frame 0.
func (c *client) startDemo(frames []domain.TelemetryFrame, interval time.Duration) {
	c.stopDemo()
	ctx, cancel := context.WithCancel(context.Background())
	pb := &demoPlayback{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.mode = pb
	c.mu.Unlock()
	c.logger.Info("demo started", "frames", len(frames))
	go c.play(ctx, pb, frames, interval)
}

// stopDemo returns the connection to live mode. It waits for the playback
// goroutine, so no demo frame is queued after it returns.
func (c *client) stopDemo() bool {
	c.mu.Lock()
	pb, ok := c.mode.(*demoPlayback)
	c.mode = liveMode{}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pb.cancel()
	<-pb.done
	c.logger.Info("demo stopped")
	return true
}

func (c *client) play(ctx context.Context, pb *demoPlayback, frames []domain.TelemetryFrame, interval time.Duration) {
	defer close(pb.done)
	defer pb.cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if i >= len(frames) {
			_ = c.send(wire.DemoComplete(c.now().UnixMilli(), demoCompleteMessage))
			c.finish(pb)
			c.logger.Info("demo complete", "frames", len(frames))
			return
		}
		f := frames[i]
		if f.Timestamp == 0 {
			f.Timestamp = c.now().UnixMilli()
		}
		if err := c.out.Send(wire.EncodeTelemetry(f)); err != nil {
			c.finish(pb)
			return
		}
		i++
	}
}

// finish leaves demo mode from inside the playback goroutine.
func (c *client) finish(pb *demoPlayback) {
	c.mu.Lock()
	if c.mode == mode(pb) {
		c.mode = liveMode{}
	}
	c.mu.Unlock()
}
