package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"pitlane/internal/bus"
)

// consumer drives one consumer-group client: poll, decode, hand to the
// handler, then commit the batch. Heartbeats run on the client's own
// goroutine, so a slow handler does not cost group membership until the
// session timeout.
type consumer struct {
	cfg     ConsumerConfig
	handler bus.Handler
	logger  *slog.Logger

	poll           func(context.Context, int) kgo.Fetches
	markCommit     func(...*kgo.Record)
	commitMarked   func(context.Context) error
	allowRebalance func()

	processed     atomic.Uint64
	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
}

func (b *Backend) Subscribe(ctx context.Context, req bus.SubscribeRequest, h bus.Handler) (bus.Subscription, error) {
	if req.GroupID == "" {
		return nil, errors.New("kafka: subscribe needs a group id")
	}
	opts := append(b.baseOpts(),
		kgo.ConsumerGroup(req.GroupID),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.SessionTimeout(b.cfg.Consumer.SessionTimeout),
		kgo.HeartbeatInterval(b.cfg.Consumer.HeartbeatInterval),
		kgo.FetchMaxWait(b.cfg.Consumer.FetchMaxWait),
	)
	var target string
	switch {
	case req.UserID != "":
		topic, err := bus.TopicName(b.cfg.TopicPrefix, req.UserID)
		if err != nil {
			return nil, err
		}
		target = topic
		opts = append(opts, kgo.ConsumeTopics(topic))
	case req.AllUsers:
		target = bus.TopicPattern(b.cfg.TopicPrefix)
		opts = append(opts, kgo.ConsumeRegex(), kgo.ConsumeTopics(target), kgo.MetadataMaxAge(b.cfg.Consumer.SessionTimeout))
	default:
		return nil, errors.New("kafka: subscribe needs a user id or AllUsers")
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer client: %w", err)
	}
	c := newConsumer(cl, b.cfg.Consumer, h, b.logger.With("group", req.GroupID, "topic", target))
	c.logger.Info("consumer subscribed")
	return bus.StartRunner(ctx, c.run, func() error {
		cl.Close()
		c.logger.Info("consumer closed", "processed", c.processed.Load(), "decode_errors", c.decodeErrors.Load(), "handler_errors", c.handlerErrors.Load())
		return nil
	}), nil
}

func newConsumer(cl *kgo.Client, cfg ConsumerConfig, h bus.Handler, logger *slog.Logger) *consumer {
	return &consumer{
		cfg:            cfg,
		handler:        h,
		logger:         logger,
		poll:           cl.PollRecords,
		markCommit:     cl.MarkCommitRecords,
		commitMarked:   cl.CommitMarkedOffsets,
		allowRebalance: cl.AllowRebalance,
	}
}

func (c *consumer) run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches := c.poll(ctx, c.cfg.MaxPollRecords)
		if err := ctx.Err(); err != nil {
			c.allowRebalance()
			return err
		}
		if fetches.IsClientClosed() {
			return errors.New("kafka client closed")
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			failures++
			for _, fe := range errs {
				c.logger.Warn("fetch failed", "topic", fe.Topic, "partition", fe.Partition, "err", fe.Err, "consecutive", failures)
			}
			if c.cfg.MaxFetchFailures > 0 && failures >= c.cfg.MaxFetchFailures {
				c.allowRebalance()
				return fmt.Errorf("kafka consumer gave up after %d consecutive fetch failures: %w", failures, errs[0].Err)
			}
		} else {
			failures = 0
		}
		c.processFetches(ctx, fetches)
		c.allowRebalance()
	}
}

// processFetches hands every record to the handler in partition order and
// commits the whole batch afterwards. Records that fail to decode or whose
// handler fails are logged and committed with the rest.
func (c *consumer) processFetches(ctx context.Context, fetches kgo.Fetches) {
	var done []*kgo.Record
	fetches.EachRecord(func(rec *kgo.Record) {
		c.process(ctx, rec)
		done = append(done, rec)
	})
	if len(done) == 0 {
		return
	}
	c.markCommit(done...)
	if err := c.commitMarked(ctx); err != nil {
		c.logger.Warn("commit offsets failed", "records", len(done), "err", err)
	}
}

func (c *consumer) process(ctx context.Context, rec *kgo.Record) {
	msg, err := toMessage(rec)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Debug("skipping undecodable record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", err)
		return
	}
	if err := c.handler(ctx, msg); err != nil {
		c.handlerErrors.Add(1)
		c.logger.Warn("handler failed, skipping record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", err)
		return
	}
	c.processed.Add(1)
}

func toMessage(rec *kgo.Record) (bus.Message, error) {
	var id, sessionID, userID, enc string
	for _, h := range rec.Headers {
		switch h.Key {
		case bus.HeaderSessionID:
			sessionID = string(h.Value)
		case bus.HeaderUserID:
			userID = string(h.Value)
		case bus.HeaderEncoding:
			enc = string(h.Value)
		case bus.HeaderMessageID:
			id = string(h.Value)
		}
	}
	if id == "" {
		id = bus.RecordID(rec.Topic, rec.Partition, rec.Offset)
	}
	if sessionID == "" {
		sessionID = string(rec.Key)
	}
	frame, err := bus.DecodeFrame(bus.Encoding(enc), rec.Value)
	if err != nil {
		return bus.Message{}, err
	}
	return bus.Message{
		ID:        id,
		Frame:     frame,
		SessionID: sessionID,
		UserID:    userID,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
	}, nil
}
