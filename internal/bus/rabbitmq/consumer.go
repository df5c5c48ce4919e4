package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"pitlane/internal/bus"
)

type consumer struct {
	handler bus.Handler
	logger  *slog.Logger

	processed     atomic.Uint64
	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
}

// Subscribe declares the group queue (auto-deleted once its last consumer
// leaves), binds it and consumes with manual acks.
func (b *Backend) Subscribe(ctx context.Context, req bus.SubscribeRequest, h bus.Handler) (bus.Subscription, error) {
	if req.GroupID == "" {
		return nil, errors.New("rabbitmq: subscribe needs a group id")
	}
	var exchange, key string
	switch {
	case req.UserID != "":
		topic, err := bus.TopicName(b.cfg.TopicPrefix, req.UserID)
		if err != nil {
			return nil, err
		}
		exchange = topic
	case req.AllUsers:
		exchange, key = b.cfg.Exchange, "#"
	default:
		return nil, errors.New("rabbitmq: subscribe needs a user id or AllUsers")
	}

	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (bus.Subscription, error) {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}
	if _, err := ch.QueueDeclare(req.GroupID, false, true, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue %s: %w", req.GroupID, err))
	}
	if err := ch.QueueBind(req.GroupID, key, exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind queue %s to %s: %w", req.GroupID, exchange, err))
	}
	tag := "pitlane-" + uuid.NewString()
	deliveries, err := ch.Consume(req.GroupID, tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume queue %s: %w", req.GroupID, err))
	}

	c := &consumer{handler: h, logger: b.logger.With("queue", req.GroupID, "exchange", exchange)}
	c.logger.Info("consumer subscribed")
	return bus.StartRunner(ctx, func(ctx context.Context) error {
		return c.run(ctx, deliveries)
	}, func() error {
		var errs []error
		if !ch.IsClosed() {
			if err := ch.Cancel(tag, false); err != nil {
				errs = append(errs, err)
			}
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.logger.Info("consumer closed", "processed", c.processed.Load(), "decode_errors", c.decodeErrors.Load(), "handler_errors", c.handlerErrors.Load())
		return errors.Join(errs...)
	}), nil
}

func (c *consumer) run(ctx context.Context, deliveries <-chan amqp091.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			c.processDelivery(ctx, d)
		}
	}
}

// processDelivery acks after the handler returns. Undecodable messages and
// handler failures are dropped without requeue so one bad message cannot
// loop forever.
func (c *consumer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	msg, err := toMessage(d)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Debug("dropping undecodable delivery", "tag", d.DeliveryTag, "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err := c.handler(ctx, msg); err != nil {
		c.handlerErrors.Add(1)
		c.logger.Warn("handler failed, skipping delivery", "tag", d.DeliveryTag, "err", err)
		_ = d.Nack(false, false)
		return
	}
	c.processed.Add(1)
	_ = d.Ack(false)
}

func toMessage(d amqp091.Delivery) (bus.Message, error) {
	frame, err := bus.DecodeFrame(bus.Encoding(headerString(d.Headers, bus.HeaderEncoding)), d.Body)
	if err != nil {
		return bus.Message{}, err
	}
	id := d.MessageId
	if id == "" {
		id = bus.RecordID(d.Exchange, 0, int64(d.DeliveryTag))
	}
	return bus.Message{
		ID:        id,
		Frame:     frame,
		SessionID: headerString(d.Headers, bus.HeaderSessionID),
		UserID:    headerString(d.Headers, bus.HeaderUserID),
		Topic:     d.Exchange,
		Offset:    int64(d.DeliveryTag),
		Timestamp: d.Timestamp,
	}, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}
