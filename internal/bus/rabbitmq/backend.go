package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"pitlane/internal/bus"
)

type Config struct {
	URL           string
	Exchange      string
	TopicPrefix   string
	PrefetchCount int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "telemetry"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = bus.DefaultTopicPrefix
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 100
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq url is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	return nil
}

// Backend maps the bus onto RabbitMQ. Each user topic is a durable fanout
// exchange bound into one topic exchange (Config.Exchange) under its own
// name as routing key. A consumer group is a queue bound to the user
// exchange, or to the topic exchange with "#" for all users.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	ensured map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger.With("component", "rabbitmq"), ensured: make(map[string]struct{})}, nil
}

// channel opens a channel, dialing (or redialing) the shared connection first.
func (b *Backend) channel() (*amqp091.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := b.dial()
		if err != nil {
			return nil, err
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, nil
}

func (b *Backend) dial() (*amqp091.Connection, error) {
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	dialCfg.Properties.SetClientConnectionName("pitlane")
	if b.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: b.cfg.Auth.Username, Password: b.cfg.Auth.Password}}
	}
	tlsCfg, err := b.cfg.TLS.build()
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg
	conn, err := amqp091.DialConfig(strings.TrimSpace(b.cfg.URL), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func (b *Backend) EnsureUserTopic(_ context.Context, userID string) (string, error) {
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

	ch, err := b.channel()
	if err != nil {
		return "", err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(topic, "fanout", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	if err := ch.ExchangeBind(b.cfg.Exchange, topic, topic, false, nil); err != nil {
		return "", fmt.Errorf("bind exchange %s: %w", topic, err)
	}

	b.mu.Lock()
	b.ensured[topic] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("ensured user exchange", "topic", topic)
	return topic, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func (c TLSConfig) build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.InsecureSkipVerify, ServerName: c.ServerName}
	if c.CAFile != "" {
		pemBytes, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
