package bus

import (
	"github.com/golang/protobuf/proto"

	"pitlane/internal/domain"
)

// TelemetryFrame is the protobuf form of domain.TelemetryFrame:
//
//	message TelemetryFrame {
//	  optional int64 timestamp = 1;
//	  optional float speed = 2;
//	  ...
//	  optional int32 delta = 14;
//	}
type TelemetryFrame struct {
	Timestamp          *int64   `protobuf:"varint,1,opt,name=timestamp"`
	Speed              *float32 `protobuf:"fixed32,2,opt,name=speed"`
	Throttle           *float32 `protobuf:"fixed32,3,opt,name=throttle"`
	Brake              *float32 `protobuf:"fixed32,4,opt,name=brake"`
	Steering           *float32 `protobuf:"fixed32,5,opt,name=steering"`
	Gear               *int32   `protobuf:"varint,6,opt,name=gear"`
	Rpm                *int32   `protobuf:"varint,7,opt,name=rpm"`
	NormalizedPosition *float32 `protobuf:"fixed32,8,opt,name=normalized_position,json=normalizedPosition"`
	LapNumber          *int32   `protobuf:"varint,9,opt,name=lap_number,json=lapNumber"`
	LapTime            *int32   `protobuf:"varint,10,opt,name=lap_time,json=lapTime"`
	SessionTime        *int64   `protobuf:"varint,11,opt,name=session_time,json=sessionTime"`
	SessionType        *int32   `protobuf:"varint,12,opt,name=session_type,json=sessionType"`
	TrackPosition      *int32   `protobuf:"varint,13,opt,name=track_position,json=trackPosition"`
	Delta              *int32   `protobuf:"varint,14,opt,name=delta"`
}

func (*TelemetryFrame) Reset()         {}
func (*TelemetryFrame) String() string { return "TelemetryFrame" }
func (*TelemetryFrame) ProtoMessage()  {}

func toProto(f domain.TelemetryFrame) *TelemetryFrame {
	return &TelemetryFrame{
		Timestamp:          proto.Int64(f.Timestamp),
		Speed:              proto.Float32(f.Speed),
		Throttle:           proto.Float32(f.Throttle),
		Brake:              proto.Float32(f.Brake),
		Steering:           proto.Float32(f.Steering),
		Gear:               proto.Int32(f.Gear),
		Rpm:                proto.Int32(f.RPM),
		NormalizedPosition: proto.Float32(f.NormalizedPosition),
		LapNumber:          proto.Int32(f.LapNumber),
		LapTime:            proto.Int32(f.LapTime),
		SessionTime:        f.SessionTime,
		SessionType:        f.SessionType,
		TrackPosition:      f.TrackPosition,
		Delta:              f.Delta,
	}
}

func fromProto(pb *TelemetryFrame) domain.TelemetryFrame {
	return domain.TelemetryFrame{
		Timestamp:          deref(pb.Timestamp),
		Speed:              deref(pb.Speed),
		Throttle:           deref(pb.Throttle),
		Brake:              deref(pb.Brake),
		Steering:           deref(pb.Steering),
		Gear:               deref(pb.Gear),
		RPM:                deref(pb.Rpm),
		NormalizedPosition: deref(pb.NormalizedPosition),
		LapNumber:          deref(pb.LapNumber),
		LapTime:            deref(pb.LapTime),
		SessionTime:        pb.SessionTime,
		SessionType:        pb.SessionType,
		TrackPosition:      pb.TrackPosition,
		Delta:              pb.Delta,
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
