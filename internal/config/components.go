package config

import (
	"fmt"
	"log/slog"

	"pitlane/internal/bus"
	"pitlane/internal/bus/kafka"
	"pitlane/internal/bus/membus"
	"pitlane/internal/bus/rabbitmq"
	"pitlane/internal/ingest/udp"
	"pitlane/internal/relay"
)

func (c BusConfig) KafkaConfig() kafka.Config {
	k := c.Kafka
	return kafka.Config{
		Brokers:           k.Brokers,
		ClientID:          k.ClientID,
		TopicPrefix:       c.TopicPrefix,
		Partitions:        k.Partitions,
		ReplicationFactor: k.ReplicationFactor,
		Retention:         k.Retention,
		Segment:           k.Segment,
		TLS:               kafka.TLSConfig{Enabled: k.TLS.Enabled, InsecureSkipVerify: k.TLS.InsecureSkipVerify},
		Producer: kafka.ProducerConfig{
			Retries:        k.Producer.Retries,
			InitialBackoff: k.Producer.InitialBackoff,
			MaxBackoff:     k.Producer.MaxBackoff,
		},
		Consumer: kafka.ConsumerConfig{
			SessionTimeout:    k.Consumer.SessionTimeout,
			HeartbeatInterval: k.Consumer.HeartbeatInterval,
			FetchMaxWait:      k.Consumer.FetchMaxWait,
			MaxPollRecords:    k.Consumer.MaxPollRecords,
			MaxFetchFailures:  k.Consumer.MaxFetchFailures,
		},
	}
}

func (c BusConfig) RabbitMQConfig() rabbitmq.Config {
	r := c.RabbitMQ
	return rabbitmq.Config{
		URL:           r.URL,
		Exchange:      r.Exchange,
		TopicPrefix:   c.TopicPrefix,
		PrefetchCount: r.PrefetchCount,
		TLS: rabbitmq.TLSConfig{
			Enabled:            r.TLS.Enabled,
			InsecureSkipVerify: r.TLS.InsecureSkipVerify,
			ServerName:         r.TLS.ServerName,
			CAFile:             r.TLS.CAFile,
			CertFile:           r.TLS.CertFile,
			KeyFile:            r.TLS.KeyFile,
		},
		Auth: rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
	}
}

// OpenBackend connects the configured bus backend. The memory backend only
// connects components living in the same process.
func (c BusConfig) OpenBackend(logger *slog.Logger) (bus.Backend, error) {
	switch c.Backend {
	case "kafka":
		return kafka.New(c.KafkaConfig(), logger)
	case "rabbitmq":
		return rabbitmq.New(c.RabbitMQConfig(), logger)
	case "memory":
		return membus.New(membus.Config{TopicPrefix: c.TopicPrefix, Partitions: c.Kafka.Partitions}), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", c.Backend)
	}
}

func (c Config) ProducerConfig() bus.ProducerConfig {
	enc, _ := bus.ParseEncoding(c.Bus.Encoding)
	return bus.ProducerConfig{
		TopicPrefix:   c.Bus.TopicPrefix,
		Encoding:      enc,
		BatchSize:     c.Producer.BatchSize,
		FlushInterval: c.Producer.FlushInterval,
		MaxBuffered:   c.Producer.MaxBuffered,
	}
}

func (c IngestConfig) CollectorConfig() udp.Config {
	return udp.Config{Host: c.UDP.Host, Port: c.UDP.Port, ReadBuffer: c.UDP.ReadBuffer}
}

func (c RelayConfig) ServerConfig() relay.Config {
	return relay.Config{
		Path:            c.Path,
		DemoRateHz:      c.DemoRateHz,
		SendQueue:       c.SendQueue,
		PingInterval:    c.PingInterval,
		WriteTimeout:    c.WriteTimeout,
		MaxMessageBytes: c.MaxMessageBytes,
		InboundRate:     c.InboundRate,
		InboundBurst:    c.InboundBurst,
	}
}

func (c Config) HubConfig() relay.HubConfig {
	return relay.HubConfig{GroupPrefix: c.Bus.GroupPrefix, InstanceID: c.Relay.InstanceID}
}
