package bus

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/protobuf/proto"

	"pitlane/internal/domain"
	"pitlane/internal/wire"
)

// Encoding names the payload format carried in the encoding header.
type Encoding string

const (
	EncodingWire     Encoding = "wire"
	EncodingProtobuf Encoding = "protobuf"
	EncodingJSON     Encoding = "json"
	EncodingCBOR     Encoding = "cbor"
)

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case EncodingWire, EncodingProtobuf, EncodingJSON, EncodingCBOR:
		return e, nil
	case "":
		return EncodingWire, nil
	default:
		return "", fmt.Errorf("bus: unsupported encoding %q", s)
	}
}

func EncodeFrame(enc Encoding, f domain.TelemetryFrame) ([]byte, error) {
	switch enc {
	case EncodingWire, "":
		return wire.EncodeTelemetry(f), nil
	case EncodingProtobuf:
		return proto.Marshal(toProto(f))
	case EncodingJSON:
		return json.Marshal(f)
	case EncodingCBOR:
		return cbor.Marshal(f)
	default:
		return nil, fmt.Errorf("bus: unsupported encoding %q", enc)
	}
}

// DecodeFrame decodes a payload by its encoding header. A missing header means
// JSON, which is what untagged producers write.
func DecodeFrame(enc Encoding, b []byte) (domain.TelemetryFrame, error) {
	var f domain.TelemetryFrame
	switch enc {
	case EncodingWire:
		m, err := wire.Decode(b)
		if err != nil {
			return f, err
		}
		if m.Type != wire.TypeTelemetry {
			return f, fmt.Errorf("bus: wire payload is %s, not telemetry", m.Type)
		}
		return *m.Frame, nil
	case EncodingProtobuf:
		var pb TelemetryFrame
		if err := proto.Unmarshal(b, &pb); err != nil {
			return f, fmt.Errorf("unmarshal protobuf frame: %w", err)
		}
		return fromProto(&pb), nil
	case EncodingJSON, "":
		if err := json.Unmarshal(b, &f); err != nil {
			return f, fmt.Errorf("unmarshal json frame: %w", err)
		}
		return f, nil
	case EncodingCBOR:
		if err := cbor.Unmarshal(b, &f); err != nil {
			return f, fmt.Errorf("unmarshal cbor frame: %w", err)
		}
		return f, nil
	default:
		return f, fmt.Errorf("bus: unsupported encoding %q", enc)
	}
}
