package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"pitlane/internal/domain"
)

const (
	HeaderSessionID = "sessionId"
	HeaderUserID    = "userId"
	HeaderEncoding  = "encoding"
	HeaderMessageID = "messageId"

	DefaultTopicPrefix = "telemetry"
	maxTopicLength     = 249
)

var (
	ErrProducerClosed = errors.New("bus: producer closed")
	ErrUnknownTopic   = errors.New("bus: topic not provisioned")
	ErrEmptyUserID    = errors.New("bus: user id is required")
	// ErrBusUnavailable is wrapped by a Sender that cannot reach the bus at
	// all, as opposed to a batch the bus rejected.
	ErrBusUnavailable = errors.New("bus: backend unavailable")
)

// Envelope is one encoded frame on its way to the bus. ID is assigned once
// by the producer and survives resends.
type Envelope struct {
	ID        string
	Topic     string
	SessionID string
	UserID    string
	Encoding  Encoding
	Value     []byte
	Timestamp time.Time
}

// Message is a frame delivered by a consumer, annotated with where it came from.
type Message struct {
	// ID is the producer-assigned envelope ID, or RecordID when the record
	// carries none. A redelivered or resent record keeps its ID.
	ID        string
	Frame     domain.TelemetryFrame
	SessionID string
	UserID    string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one consumed message. A returned error is logged and the
// message is skipped; it never stalls the consumer.
type Handler func(context.Context, Message) error

// Sender delivers batches to the bus. It returns the envelopes that were not
// acknowledged, in their original order, together with the first error.
// A Sender that lost its connection reconnects on the next Send.
type Sender interface {
	Send(ctx context.Context, batch []Envelope) (failed []Envelope, err error)
	Close() error
}

type SubscribeRequest struct {
	// UserID selects one user topic. Empty together with AllUsers selects every user topic.
	UserID   string
	AllUsers bool
	GroupID  string
}

type Subscription interface {
	// Close stops consumption and releases the underlying client.
	Close(ctx context.Context) error
	// Done is closed when the subscription stops for any reason.
	Done() <-chan struct{}
	// Err reports why the subscription stopped on its own; nil after Close.
	Err() error
}

// Backend is the message bus as seen by producers, the relay and the archiver.
type Backend interface {
	// EnsureUserTopic provisions the user's topic if it does not exist yet
	// and returns its name. It is idempotent.
	EnsureUserTopic(ctx context.Context, userID string) (string, error)
	NewSender(ctx context.Context) (Sender, error)
	Subscribe(ctx context.Context, req SubscribeRequest, h Handler) (Subscription, error)
	Close() error
}

// TopicName derives the per-user topic. Bytes outside [A-Za-z0-9.-] are
// escaped as _hh and '_' as __, so distinct users never share a topic.
func TopicName(prefix, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("-user-")
	escapeName(&b, userID, true)
	if b.Len() > maxTopicLength {
		return "", fmt.Errorf("bus: topic for user %q exceeds %d bytes", userID, maxTopicLength)
	}
	return b.String(), nil
}

// TopicPattern is the anchored regular expression matching every user topic.
func TopicPattern(prefix string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return "^" + regexp.QuoteMeta(prefix) + `-user-.+$`
}

// RecordID names a record by its log position.
func RecordID(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset)
}

// escapeName writes s with '_' doubled and every other byte outside
// [A-Za-z0-9.] (and '-' unless keepDash) as _hh.
func escapeName(b *strings.Builder, s string, keepDash bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-' && keepDash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(b, "_%02x", c)
		}
	}
}

// RelayGroupID is the consumer group of one relay instance for one user.
// Both parts are escaped without '-', so the separators are unambiguous.
func RelayGroupID(prefix, instanceID, userID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("-bridge-")
	escapeName(&b, instanceID, false)
	b.WriteByte('-')
	escapeName(&b, userID, false)
	return b.String()
}

func ArchiveGroupID(prefix string) string {
	return prefix + "-archive"
}
