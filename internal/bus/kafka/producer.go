package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"pitlane/internal/bus"
)

type sender struct {
	client  *kgo.Client
	produce func(context.Context, ...*kgo.Record) kgo.ProduceResults
}

// NewSender opens an idempotent producer client that waits for all in-sync
// replicas and retries each record with capped exponential backoff.
func (b *Backend) NewSender(context.Context) (bus.Sender, error) {
	opts := append(b.baseOpts(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(b.cfg.Producer.Retries),
		kgo.RetryBackoffFn(b.cfg.Producer.backoff),
		kgo.ProducerLinger(0),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer client: %w", err)
	}
	return &sender{client: cl, produce: cl.ProduceSync}, nil
}

func (s *sender) Send(ctx context.Context, batch []bus.Envelope) ([]bus.Envelope, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	records := make([]*kgo.Record, len(batch))
	index := make(map[*kgo.Record]int, len(batch))
	for i, env := range batch {
		records[i] = toRecord(env)
		index[records[i]] = i
	}

	failedAt := make([]bool, len(batch))
	var firstErr error
	for _, res := range s.produce(ctx, records...) {
		if res.Err == nil {
			continue
		}
		if i, ok := index[res.Record]; ok {
			failedAt[i] = true
		}
		if firstErr == nil {
			firstErr = res.Err
		}
	}
	if firstErr == nil {
		return nil, nil
	}
	var failed []bus.Envelope
	for i, f := range failedAt {
		if f {
			failed = append(failed, batch[i])
		}
	}
	return failed, firstErr
}

func (s *sender) Close() error {
	s.client.Close()
	return nil
}

func toRecord(env bus.Envelope) *kgo.Record {
	return &kgo.Record{
		Topic: env.Topic,
		Key:   []byte(env.SessionID),
		Value: env.Value,
		Headers: []kgo.RecordHeader{
			{Key: bus.HeaderSessionID, Value: []byte(env.SessionID)},
			{Key: bus.HeaderUserID, Value: []byte(env.UserID)},
			{Key: bus.HeaderEncoding, Value: []byte(env.Encoding)},
			{Key: bus.HeaderMessageID, Value: []byte(env.ID)},
		},
		Timestamp: env.Timestamp,
	}
}
