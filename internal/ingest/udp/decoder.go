package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"pitlane/internal/domain"
)

// Byte offsets into the simulator's car-info datagram.
const (
	offsetIdentifier         = 0
	offsetSize               = 4
	offsetSpeed              = 8
	offsetLapTime            = 40
	offsetLapCount           = 52
	offsetThrottle           = 56
	offsetBrake              = 60
	offsetRPM                = 68
	offsetSteering           = 72
	offsetGear               = 76
	offsetNormalizedPosition = 308

	MinPacketSize    = 312
	HandshakeMaxSize = 100
)

var (
	ErrPacketTooShort = errors.New("udp: packet shorter than telemetry layout")
	ErrHandshake      = errors.New("udp: handshake datagram")
)

// Decoder turns raw simulator datagrams into TelemetryFrames. It is safe for
// concurrent use; the counters are the only shared state.
type Decoder struct {
	now     func() time.Time
	decoded atomic.Uint64
	errors  atomic.Uint64
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

func (d *Decoder) Decode(b []byte) (domain.TelemetryFrame, error) {
	if len(b) < MinPacketSize {
		d.errors.Add(1)
		return domain.TelemetryFrame{}, fmt.Errorf("%w: %d bytes, need %d", ErrPacketTooShort, len(b), MinPacketSize)
	}
	le := binary.LittleEndian
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }
	i32 := func(off int) int32 { return int32(le.Uint32(b[off:])) }

	f := domain.TelemetryFrame{
		Timestamp:          d.now().UnixMilli(),
		Speed:              finite(f32(offsetSpeed)),
		Throttle:           domain.Clamp01(f32(offsetThrottle)),
		Brake:              domain.Clamp01(f32(offsetBrake)),
		Steering:           domain.ClampUnit(f32(offsetSteering)),
		Gear:               i32(offsetGear),
		RPM:                i32(offsetRPM),
		NormalizedPosition: domain.Clamp01(f32(offsetNormalizedPosition)),
		LapNumber:          i32(offsetLapCount) + 1,
		LapTime:            i32(offsetLapTime),
	}
	d.decoded.Add(1)
	return f, nil
}

// finite maps NaN and ±Inf to 0; speed has no range to clamp into.
func finite(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	return v
}

// Errors reports how many datagrams failed to decode.
func (d *Decoder) Errors() uint64 { return d.errors.Load() }

// Decoded reports how many frames were produced.
func (d *Decoder) Decoded() uint64 { return d.decoded.Load() }

// IsHandshake reports whether b has the shape of the session handshake.
func IsHandshake(b []byte) bool {
	return len(b) > 0 && len(b) < HandshakeMaxSize
}

// HandshakeReply is the acknowledgement sent back to a peer: int32(1), little-endian.
func HandshakeReply() []byte {
	return binary.LittleEndian.AppendUint32(nil, 1)
}

// Header exposes the identifier and size fields that lead every datagram;
// useful when logging unexpected packets.
func Header(b []byte) (identifier, size int32, ok bool) {
	if len(b) < offsetSize+4 {
		return 0, 0, false
	}
	return int32(binary.LittleEndian.Uint32(b[offsetIdentifier:])), int32(binary.LittleEndian.Uint32(b[offsetSize:])), true
}
