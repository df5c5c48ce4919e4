package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"pitlane/internal/bus"
)

type createTopicFunc func(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)

// Backend is the Kafka implementation of bus.Backend. One admin client is
// shared; every sender and subscription gets its own client.
type Backend struct {
	cfg    Config
	opts   []kgo.Opt
	logger *slog.Logger

	adminClient *kgo.Client
	createTopic createTopicFunc

	mu      sync.Mutex
	ensured map[string]struct{}
}

func New(cfg Config, logger *slog.Logger, opts ...kgo.Opt) (*Backend, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{cfg: cfg, opts: opts, logger: logger.With("component", "kafka"), ensured: make(map[string]struct{})}
	cl, err := kgo.NewClient(b.baseOpts()...)
	if err != nil {
		return nil, fmt.Errorf("new kafka admin client: %w", err)
	}
	b.adminClient = cl
	b.createTopic = kadm.NewClient(cl).CreateTopic
	return b, nil
}

func (b *Backend) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID),
	}
	if b.cfg.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify}))
	}
	return append(opts, b.opts...)
}

// EnsureUserTopic creates the user's topic with the relay's partitioning and
// retention settings. An existing topic is left untouched.
func (b *Backend) EnsureUserTopic(ctx context.Context, userID string) (string, error) {
	topic, err := bus.TopicName(b.cfg.TopicPrefix, userID)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	_, ok := b.ensured[topic]
	b.mu.Unlock()
	if ok {
		return topic, nil
	}

	configs := map[string]*string{
		"compression.type":    kadm.StringPtr("producer"),
		"retention.ms":        kadm.StringPtr(strconv.FormatInt(b.cfg.Retention.Milliseconds(), 10)),
		"segment.ms":          kadm.StringPtr(strconv.FormatInt(b.cfg.Segment.Milliseconds(), 10)),
		"min.insync.replicas": kadm.StringPtr("1"),
	}
	resp, err := b.createTopic(ctx, int32(b.cfg.Partitions), int16(b.cfg.ReplicationFactor), configs, topic)
	if err == nil {
		err = resp.Err
	}
	switch {
	case err == nil:
		b.logger.Info("created user topic", "topic", topic, "partitions", b.cfg.Partitions)
	case errors.Is(err, kerr.TopicAlreadyExists):
	default:
		return "", fmt.Errorf("create topic %s: %w", topic, err)
	}

	b.mu.Lock()
	b.ensured[topic] = struct{}{}
	b.mu.Unlock()
	return topic, nil
}

func (b *Backend) Close() error {
	if b.adminClient != nil {
		b.adminClient.Close()
	}
	return nil
}
