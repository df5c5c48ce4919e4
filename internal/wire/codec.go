package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"pitlane/internal/domain"
)

type MessageType uint8

const (
	TypeUnknown      MessageType = 0
	TypeConnected    MessageType = 1
	TypeTelemetry    MessageType = 2
	TypeStartDemo    MessageType = 3
	TypeStopDemo     MessageType = 4
	TypeDemoComplete MessageType = 5
	TypePing         MessageType = 6
	TypePong         MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeConnected:
		return "connected"
	case TypeTelemetry:
		return "telemetry"
	case TypeStartDemo:
		return "start_demo"
	case TypeStopDemo:
		return "stop_demo"
	case TypeDemoComplete:
		return "demo_complete"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

const (
	telemetrySize = 8 + 4*4 + 4 + 4 + 4 + 4 + 4 + 1
	statusHeader  = 8 + 2
	maxStatusText = math.MaxUint16
)

const (
	hasSessionTime uint8 = 1 << iota
	hasSessionType
	hasTrackPosition
	hasDelta
)

var (
	ErrTruncated   = errors.New("wire: truncated message")
	ErrUnknownType = errors.New("wire: unknown message type")
	ErrTrailing    = errors.New("wire: trailing bytes")
	ErrInvalid     = errors.New("wire: invalid message")
)

// Status is the payload of Connected, DemoComplete and Pong messages.
type Status struct {
	Timestamp int64
	Message   string
}

// Message is a tagged union: Frame is set for TypeTelemetry, Status for the
// status types, neither for the control types.
type Message struct {
	Type   MessageType
	Frame  *domain.TelemetryFrame
	Status *Status
}

func Telemetry(f domain.TelemetryFrame) Message {
	return Message{Type: TypeTelemetry, Frame: &f}
}

func Connected(ts int64, msg string) Message {
	return Message{Type: TypeConnected, Status: &Status{Timestamp: ts, Message: msg}}
}

func DemoComplete(ts int64, msg string) Message {
	return Message{Type: TypeDemoComplete, Status: &Status{Timestamp: ts, Message: msg}}
}

func Pong(ts int64) Message {
	return Message{Type: TypePong, Status: &Status{Timestamp: ts}}
}

func Control(t MessageType) Message { return Message{Type: t} }

func Encode(m Message) ([]byte, error) {
	switch m.Type {
	case TypeTelemetry:
		if m.Frame == nil {
			return nil, fmt.Errorf("%w: telemetry without frame", ErrInvalid)
		}
		return EncodeTelemetry(*m.Frame), nil
	case TypeConnected, TypeDemoComplete, TypePong:
		st := Status{}
		if m.Status != nil {
			st = *m.Status
		}
		if len(st.Message) > maxStatusText {
			return nil, fmt.Errorf("%w: status text too long (%d bytes)", ErrInvalid, len(st.Message))
		}
		b := make([]byte, 0, 1+statusHeader+len(st.Message))
		b = append(b, byte(m.Type))
		b = binary.LittleEndian.AppendUint64(b, uint64(st.Timestamp))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(st.Message)))
		return append(b, st.Message...), nil
	case TypeStartDemo, TypeStopDemo, TypePing:
		return []byte{byte(m.Type)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
}

// EncodeTelemetry is the allocation-light path used for broadcast.
func EncodeTelemetry(f domain.TelemetryFrame) []byte {
	b := make([]byte, 0, 1+telemetrySize+8+4*3)
	b = append(b, byte(TypeTelemetry))
	return AppendFrame(b, f)
}

// AppendFrame appends the telemetry payload (without discriminator) to b.
func AppendFrame(b []byte, f domain.TelemetryFrame) []byte {
	le := binary.LittleEndian
	b = le.AppendUint64(b, uint64(f.Timestamp))
	b = le.AppendUint32(b, math.Float32bits(f.Speed))
	b = le.AppendUint32(b, math.Float32bits(f.Throttle))
	b = le.AppendUint32(b, math.Float32bits(f.Brake))
	b = le.AppendUint32(b, math.Float32bits(f.Steering))
	b = le.AppendUint32(b, uint32(f.Gear))
	b = le.AppendUint32(b, uint32(f.RPM))
	b = le.AppendUint32(b, math.Float32bits(f.NormalizedPosition))
	b = le.AppendUint32(b, uint32(f.LapNumber))
	b = le.AppendUint32(b, uint32(f.LapTime))

	var mask uint8
	if f.SessionTime != nil {
		mask |= hasSessionTime
	}
	if f.SessionType != nil {
		mask |= hasSessionType
	}
	if f.TrackPosition != nil {
		mask |= hasTrackPosition
	}
	if f.Delta != nil {
		mask |= hasDelta
	}
	b = append(b, mask)
	if f.SessionTime != nil {
		b = le.AppendUint64(b, uint64(*f.SessionTime))
	}
	if f.SessionType != nil {
		b = le.AppendUint32(b, uint32(*f.SessionType))
	}
	if f.TrackPosition != nil {
		b = le.AppendUint32(b, uint32(*f.TrackPosition))
	}
	if f.Delta != nil {
		b = le.AppendUint32(b, uint32(*f.Delta))
	}
	return b
}

func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrTruncated
	}
	t := MessageType(b[0])
	body := b[1:]
	switch t {
	case TypeTelemetry:
		f, rest, err := ReadFrame(body)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrTrailing
		}
		return Message{Type: t, Frame: &f}, nil
	case TypeConnected, TypeDemoComplete, TypePong:
		if len(body) < statusHeader {
			return Message{}, ErrTruncated
		}
		ts := int64(binary.LittleEndian.Uint64(body))
		n := int(binary.LittleEndian.Uint16(body[8:]))
		body = body[statusHeader:]
		if len(body) < n {
			return Message{}, ErrTruncated
		}
		if len(body) > n {
			return Message{}, ErrTrailing
		}
		text := body[:n]
		if !utf8.Valid(text) {
			return Message{}, fmt.Errorf("%w: status text is not utf-8", ErrInvalid)
		}
		return Message{Type: t, Status: &Status{Timestamp: ts, Message: string(text)}}, nil
	case TypeStartDemo, TypeStopDemo, TypePing:
		if len(body) != 0 {
			return Message{}, ErrTrailing
		}
		return Message{Type: t}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
}

// ReadFrame decodes one telemetry payload from the front of b and returns the
// remaining bytes.
func ReadFrame(b []byte) (domain.TelemetryFrame, []byte, error) {
	var f domain.TelemetryFrame
	if len(b) < telemetrySize {
		return f, nil, ErrTruncated
	}
	le := binary.LittleEndian
	f.Timestamp = int64(le.Uint64(b[0:]))
	f.Speed = math.Float32frombits(le.Uint32(b[8:]))
	f.Throttle = math.Float32frombits(le.Uint32(b[12:]))
	f.Brake = math.Float32frombits(le.Uint32(b[16:]))
	f.Steering = math.Float32frombits(le.Uint32(b[20:]))
	f.Gear = int32(le.Uint32(b[24:]))
	f.RPM = int32(le.Uint32(b[28:]))
	f.NormalizedPosition = math.Float32frombits(le.Uint32(b[32:]))
	f.LapNumber = int32(le.Uint32(b[36:]))
	f.LapTime = int32(le.Uint32(b[40:]))
	mask := b[44]
	b = b[telemetrySize:]
	if mask&^(hasSessionTime|hasSessionType|hasTrackPosition|hasDelta) != 0 {
		return f, nil, fmt.Errorf("%w: presence mask %#x", ErrInvalid, mask)
	}
	if mask&hasSessionTime != 0 {
		if len(b) < 8 {
			return f, nil, ErrTruncated
		}
		f.SessionTime = domain.Int64(int64(le.Uint64(b)))
		b = b[8:]
	}
	for _, opt := range []struct {
		bit uint8
		dst **int32
	}{
		{hasSessionType, &f.SessionType},
		{hasTrackPosition, &f.TrackPosition},
		{hasDelta, &f.Delta},
	} {
		if mask&opt.bit == 0 {
			continue
		}
		if len(b) < 4 {
			return f, nil, ErrTruncated
		}
		*opt.dst = domain.Int32(int32(le.Uint32(b)))
		b = b[4:]
	}
	return f, b, nil
}
