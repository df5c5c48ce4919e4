package domain

import "math"

// TelemetryFrame is one instantaneous vehicle sample. Frames are values and
// are never mutated once produced.
type TelemetryFrame struct {
	Timestamp          int64   `json:"timestamp"`
	Speed              float32 `json:"speed"`
	Throttle           float32 `json:"throttle"`
	Brake              float32 `json:"brake"`
	Steering           float32 `json:"steering"`
	Gear               int32   `json:"gear"`
	RPM                int32   `json:"rpm"`
	NormalizedPosition float32 `json:"normalizedPosition"`
	LapNumber          int32   `json:"lapNumber"`
	LapTime            int32   `json:"lapTime"`

	SessionTime   *int64 `json:"sessionTime,omitempty"`
	SessionType   *int32 `json:"sessionType,omitempty"`
	TrackPosition *int32 `json:"trackPosition,omitempty"`
	Delta         *int32 `json:"delta,omitempty"`
}

// Lap groups the frames recorded while LapNumber was constant.
type Lap struct {
	LapNumber int32
	LapTime   int32
	Frames    []TelemetryFrame
}

// Binding pins a producer or consumer to one user and (optionally) one session.
type Binding struct {
	UserID    string
	SessionID string
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float32) float32 {
	return clamp(v, 0, 1)
}

// ClampUnit bounds v to [-1,1]. NaN maps to -1.
func ClampUnit(v float32) float32 {
	return clamp(v, -1, 1)
}

func clamp(v, lo, hi float32) float32 {
	if math.IsNaN(float64(v)) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Int64(v int64) *int64 { return &v }
func Int32(v int32) *int32 { return &v }
