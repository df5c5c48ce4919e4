package kafka

import (
	"errors"
	"fmt"
	"time"

	"pitlane/internal/bus"
)

type Config struct {
	Brokers           []string
	ClientID          string
	TopicPrefix       string
	Partitions        int
	ReplicationFactor int
	Retention         time.Duration
	Segment           time.Duration
	TLS               TLSConfig
	Producer          ProducerConfig
	Consumer          ConsumerConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type ProducerConfig struct {
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type ConsumerConfig struct {
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxWait      time.Duration
	MaxPollRecords    int
	// MaxFetchFailures is how many consecutive failed polls end a
	// subscription. Zero keeps retrying forever.
	MaxFetchFailures int
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "pitlane"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = bus.DefaultTopicPrefix
	}
	if c.Partitions <= 0 {
		c.Partitions = 10
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.Segment <= 0 {
		c.Segment = 10 * time.Minute
	}
	if c.Producer.Retries <= 0 {
		c.Producer.Retries = 5
	}
	if c.Producer.InitialBackoff <= 0 {
		c.Producer.InitialBackoff = 300 * time.Millisecond
	}
	if c.Producer.MaxBackoff <= 0 {
		c.Producer.MaxBackoff = 30 * time.Second
	}
	if c.Consumer.SessionTimeout <= 0 {
		c.Consumer.SessionTimeout = 30 * time.Second
	}
	if c.Consumer.HeartbeatInterval <= 0 {
		c.Consumer.HeartbeatInterval = 3 * time.Second
	}
	if c.Consumer.FetchMaxWait <= 0 {
		c.Consumer.FetchMaxWait = 100 * time.Millisecond
	}
	if c.Consumer.MaxPollRecords <= 0 {
		c.Consumer.MaxPollRecords = 500
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Partitions > 1<<20 {
		return fmt.Errorf("kafka.partitions %d is out of range", c.Partitions)
	}
	if c.ReplicationFactor > 1<<15-1 {
		return fmt.Errorf("kafka.replication_factor %d is out of range", c.ReplicationFactor)
	}
	if c.Consumer.HeartbeatInterval >= c.Consumer.SessionTimeout {
		return fmt.Errorf("kafka heartbeat interval %s must be below session timeout %s", c.Consumer.HeartbeatInterval, c.Consumer.SessionTimeout)
	}
	return nil
}

// backoff grows exponentially from InitialBackoff and is capped at MaxBackoff.
func (p ProducerConfig) backoff(tries int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < tries && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
