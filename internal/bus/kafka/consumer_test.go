package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"pitlane/internal/bus"
	"pitlane/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func record(t *testing.T, offset int64, f domain.TelemetryFrame) *kgo.Record {
	t.Helper()
	value, err := bus.EncodeFrame(bus.EncodingWire, f)
	if err != nil {
		t.Fatal(err)
	}
	return toRecordAt(bus.Envelope{Topic: "telemetry-user-u1", SessionID: "s1", UserID: "u1", Encoding: bus.EncodingWire, Value: value}, 3, offset)
}

func toRecordAt(env bus.Envelope, partition int32, offset int64) *kgo.Record {
	r := toRecord(env)
	r.Partition = partition
	r.Offset = offset
	return r
}

func fetchesOf(recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "telemetry-user-u1",
		Partitions: []kgo.FetchPartition{{Partition: 3, Records: recs}},
	}}}}
}

func stubConsumer(h bus.Handler) (*consumer, *[]*kgo.Record, *int) {
	marked := &[]*kgo.Record{}
	commits := new(int)
	c := &consumer{
		cfg:            ConsumerConfig{MaxPollRecords: 10},
		handler:        h,
		logger:         quietLogger(),
		markCommit:     func(rs ...*kgo.Record) { *marked = append(*marked, rs...) },
		commitMarked:   func(context.Context) error { *commits++; return nil },
		allowRebalance: func() {},
	}
	return c, marked, commits
}

func TestProcessFetchesAnnotatesAndCommitsAfterHandler(t *testing.T) {
	var got []bus.Message
	c, marked, commits := stubConsumer(func(_ context.Context, m bus.Message) error {
		got = append(got, m)
		return nil
	})
	c.processFetches(context.Background(), fetchesOf(
		record(t, 10, domain.TelemetryFrame{LapTime: 1}),
		record(t, 11, domain.TelemetryFrame{LapTime: 2}),
	))
	if len(got) != 2 || got[0].Frame.LapTime != 1 || got[1].Frame.LapTime != 2 {
		t.Fatalf("unexpected messages %+v", got)
	}
	m := got[1]
	if m.SessionID != "s1" || m.UserID != "u1" || m.Partition != 3 || m.Offset != 11 || m.Topic != "telemetry-user-u1" {
		t.Fatalf("bad annotations %+v", m)
	}
	if len(*marked) != 2 || *commits != 1 {
		t.Fatalf("marked=%d commits=%d", len(*marked), *commits)
	}
}

func TestProcessFetchesSkipsFailuresWithoutStalling(t *testing.T) {
	calls := 0
	c, marked, commits := stubConsumer(func(_ context.Context, m bus.Message) error {
		calls++
		if m.Frame.LapTime == 1 {
			return errors.New("client gone")
		}
		return nil
	})
	bad := record(t, 1, domain.TelemetryFrame{})
	bad.Value = []byte{0xff}
	c.processFetches(context.Background(), fetchesOf(
		bad,
		record(t, 2, domain.TelemetryFrame{LapTime: 1}),
		record(t, 3, domain.TelemetryFrame{LapTime: 2}),
	))
	if calls != 2 {
		t.Fatalf("handler calls = %d", calls)
	}
	if len(*marked) != 3 || *commits != 1 {
		t.Fatalf("failures must still be committed: marked=%d commits=%d", len(*marked), *commits)
	}
	if c.decodeErrors.Load() != 1 || c.handlerErrors.Load() != 1 || c.processed.Load() != 1 {
		t.Fatalf("counters decode=%d handler=%d processed=%d", c.decodeErrors.Load(), c.handlerErrors.Load(), c.processed.Load())
	}
}

func TestRunGivesUpAfterConsecutiveFetchFailures(t *testing.T) {
	c, _, _ := stubConsumer(func(context.Context, bus.Message) error { return nil })
	c.cfg.MaxFetchFailures = 3
	polls := 0
	boom := errors.New("broker unreachable")
	c.poll = func(context.Context, int) kgo.Fetches {
		polls++
		return kgo.NewErrFetch(boom)
	}
	err := c.run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("run error = %v", err)
	}
	if polls != 3 {
		t.Fatalf("polls = %d", polls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := stubConsumer(func(context.Context, bus.Message) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	c.poll = func(ctx context.Context, _ int) kgo.Fetches {
		<-ctx.Done()
		return kgo.NewErrFetch(ctx.Err())
	}
	done := make(chan error, 1)
	go func() { done <- c.run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestToMessageFallsBackToKeyAndJSON(t *testing.T) {
	rec := &kgo.Record{Topic: "telemetry-user-u9", Key: []byte("s9"), Value: []byte(`{"speed":10,"gear":3}`)}
	m, err := toMessage(rec)
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if m.SessionID != "s9" || m.Frame.Gear != 3 || m.Frame.Speed != 10 {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestEnsureUserTopicIsIdempotent(t *testing.T) {
	calls := 0
	var gotConfigs map[string]*string
	b := &Backend{cfg: Config{Brokers: []string{"x"}}, logger: quietLogger(), ensured: map[string]struct{}{}}
	b.cfg.withDefaults()
	b.createTopic = func(_ context.Context, partitions int32, rf int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error) {
		calls++
		gotConfigs = configs
		if partitions != 10 || rf != 1 {
			t.Fatalf("partitions=%d rf=%d", partitions, rf)
		}
		return kadm.CreateTopicResponse{Topic: topic, Err: kerr.TopicAlreadyExists}, nil
	}

	for i := 0; i < 3; i++ {
		topic, err := b.EnsureUserTopic(context.Background(), "u1")
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
		if topic != "telemetry-user-u1" {
			t.Fatalf("topic = %s", topic)
		}
	}
	if calls != 1 {
		t.Fatalf("create called %d times", calls)
	}
	want := map[string]string{"compression.type": "producer", "retention.ms": "3600000", "segment.ms": "600000", "min.insync.replicas": "1"}
	for k, v := range want {
		if gotConfigs[k] == nil || *gotConfigs[k] != v {
			t.Fatalf("config %s = %v, want %s", k, gotConfigs[k], v)
		}
	}
}

func TestEnsureUserTopicPropagatesFailures(t *testing.T) {
	b := &Backend{cfg: Config{Brokers: []string{"x"}}, logger: quietLogger(), ensured: map[string]struct{}{}}
	b.cfg.withDefaults()
	b.createTopic = func(context.Context, int32, int16, map[string]*string, string) (kadm.CreateTopicResponse, error) {
		return kadm.CreateTopicResponse{}, kerr.TopicAuthorizationFailed
	}
	if _, err := b.EnsureUserTopic(context.Background(), "u1"); !errors.Is(err, kerr.TopicAuthorizationFailed) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if len(b.ensured) != 0 {
		t.Fatalf("failed topic must not be cached")
	}
}

func TestSenderReturnsFailedEnvelopesInOrder(t *testing.T) {
	boom := errors.New("not enough replicas")
	s := &sender{produce: func(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
		var out kgo.ProduceResults
		// results arrive out of input order
		for i := len(rs) - 1; i >= 0; i-- {
			var err error
			if i%2 == 0 {
				err = boom
			}
			out = append(out, kgo.ProduceResult{Record: rs[i], Err: err})
		}
		return out
	}}
	batch := []bus.Envelope{{SessionID: "0"}, {SessionID: "1"}, {SessionID: "2"}, {SessionID: "3"}}
	failed, err := s.Send(context.Background(), batch)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(failed) != 2 || failed[0].SessionID != "0" || failed[1].SessionID != "2" {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestRecordCarriesHeadersAndKey(t *testing.T) {
	r := toRecord(bus.Envelope{Topic: "t", SessionID: "s1", UserID: "u1", Encoding: bus.EncodingCBOR})
	if string(r.Key) != "s1" {
		t.Fatalf("key = %q", r.Key)
	}
	headers := map[string]string{}
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["sessionId"] != "s1" || headers["userId"] != "u1" || headers["encoding"] != "cbor" {
		t.Fatalf("headers = %v", headers)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := ProducerConfig{InitialBackoff: 300 * time.Millisecond, MaxBackoff: 30 * time.Second}
	if got := p.backoff(1); got != 300*time.Millisecond {
		t.Fatalf("backoff(1) = %s", got)
	}
	if got := p.backoff(3); got != 1200*time.Millisecond {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got := p.backoff(20); got != 30*time.Second {
		t.Fatalf("backoff(20) = %s", got)
	}
}
