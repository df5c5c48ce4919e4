package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"pitlane/internal/bus"
)

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// publishChannel is the confirm-mode channel a sender publishes on.
type publishChannel interface {
	Publish(ctx context.Context, env bus.Envelope) (confirmation, error)
	IsClosed() bool
	Close() error
}

type amqpChannel struct {
	ch *amqp091.Channel
}

func (c amqpChannel) Publish(ctx context.Context, env bus.Envelope) (confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, env.Topic, "", false, false, toPublishing(env))
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (c amqpChannel) IsClosed() bool { return c.ch.IsClosed() }
func (c amqpChannel) Close() error   { return c.ch.Close() }

// sender publishes on one confirm-mode channel and reopens it, redialing
// the connection if needed, when the broker closed it.
type sender struct {
	ch     publishChannel
	open   func() (publishChannel, error)
	logger *slog.Logger
}

// NewSender opens a channel in confirm mode; a batch counts as delivered only
// once the broker has confirmed every message.
func (b *Backend) NewSender(context.Context) (bus.Sender, error) {
	ch, err := b.confirmChannel()
	if err != nil {
		return nil, err
	}
	return &sender{ch: ch, open: b.confirmChannel, logger: b.logger}, nil
}

func (b *Backend) confirmChannel() (publishChannel, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return amqpChannel{ch: ch}, nil
}

func (s *sender) Send(ctx context.Context, batch []bus.Envelope) ([]bus.Envelope, error) {
	if s.ch == nil || s.ch.IsClosed() {
		ch, err := s.open()
		if err != nil {
			return batch, fmt.Errorf("reopen rabbitmq channel: %w: %w", bus.ErrBusUnavailable, err)
		}
		s.ch = ch
		s.logger.Info("rabbitmq publish channel reopened")
	}

	confirms := make([]confirmation, 0, len(batch))
	for i, env := range batch {
		dc, err := s.ch.Publish(ctx, env)
		if err != nil {
			// the channel is unusable; nothing after this point was sent
			failed := collectFailed(ctx, batch[:i], confirms)
			return append(failed, batch[i:]...), fmt.Errorf("publish to %s: %w", env.Topic, err)
		}
		confirms = append(confirms, dc)
	}
	if failed := collectFailed(ctx, batch, confirms); len(failed) > 0 {
		return failed, errors.New("broker did not confirm all messages")
	}
	return nil, nil
}

func collectFailed(ctx context.Context, batch []bus.Envelope, confirms []confirmation) []bus.Envelope {
	var failed []bus.Envelope
	for i, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil || !ok {
			failed = append(failed, batch[i])
		}
	}
	return failed
}

func (s *sender) Close() error {
	if s.ch == nil || s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}

func toPublishing(env bus.Envelope) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  "application/octet-stream",
		MessageId:    env.ID,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    env.Timestamp,
		Headers: amqp091.Table{
			bus.HeaderSessionID: env.SessionID,
			bus.HeaderUserID:    env.UserID,
			bus.HeaderEncoding:  string(env.Encoding),
		},
		Body: env.Value,
	}
}
