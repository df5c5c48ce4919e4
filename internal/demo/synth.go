package demo

import (
	"math"

	"pitlane/internal/domain"
)

const (
	SynthFrameRate = 60

	upshiftRPM   = 8200
	downshiftRPM = 2600
)

// LapDurations are the synthetic lap lengths in milliseconds.
var LapDurations = []int32{30000, 30500, 31000}

type segment struct {
	from, to  float64
	targetKmh float64
	curvature float64
}

var trackProfile = []segment{
	{0.00, 0.12, 235, 0.05},
	{0.12, 0.18, 95, 0.85},
	{0.18, 0.33, 210, -0.18},
	{0.33, 0.40, 125, -0.65},
	{0.40, 0.55, 205, 0.12},
	{0.55, 0.63, 80, 0.95},
	{0.63, 0.78, 190, -0.22},
	{0.78, 0.90, 145, 0.55},
	{0.90, 1.01, 220, -0.08},
}

var gearRatios = []float64{0, 14.2, 10.4, 7.7, 6.0, 5.0, 4.2}

// Synthesize builds a deterministic three-lap session. Speed chases a
// per-segment target, pedals follow the speed error, steering follows the
// segment curvature and the gear shifts on rpm thresholds.
func Synthesize() Dataset {
	ds := Dataset{
		Description: "Synthetic demo telemetry",
		Track:       "Demo Circuit",
		Car:         "Demo Car",
		FrameRate:   SynthFrameRate,
		Synthetic:   true,
	}
	for i, d := range LapDurations {
		ds.Laps = append(ds.Laps, synthLap(i, d))
	}
	return ds
}

func synthLap(lapIndex int, durationMs int32) domain.Lap {
	total := int(math.Round(float64(durationMs) / 1000 * SynthFrameRate))
	lapNumber := int32(lapIndex + 1)
	variation := 1 + float64(lapIndex-1)*0.012
	dt := 1.0 / SynthFrameRate

	speed := 110 * variation
	gear := 3
	frames := make([]domain.TelemetryFrame, 0, total)

	for i := 0; i < total; i++ {
		t := float64(i) / float64(total)
		seg := segmentAt(t)

		noise := (jitter(lapIndex, i) - 0.5) * 0.08
		target := seg.targetKmh * variation * (1 + noise*0.35)
		curvature := seg.curvature * (1 + noise*0.2)
		speedErr := target - speed

		throttle := clamp(speedErr/55, 0, 1)
		brake := clamp(-speedErr/40, 0, 1)
		cornerLift := clamp(math.Abs(curvature)-0.35, 0, 1)
		throttle = clamp(throttle*(1-0.55*cornerLift), 0, 1)
		if brake > 0.08 {
			throttle = math.Min(throttle, 0.05)
		}

		speedNorm := clamp(speed/240, 0, 1)
		steering := clamp(curvature*(1-0.55*speedNorm)+noise*0.08, -1, 1)

		accel := 30*throttle - 55*brake - 0.028*speed*speed/100 - 10*math.Abs(steering)*speedNorm
		speed = clamp(speed+accel*dt, 35, 260)

		rpm := rpmFor(speed, gear)
		if throttle > 0.55 && rpm > upshiftRPM && gear < 6 {
			gear++
			rpm = rpmFor(speed, gear)
		}
		if brake > 0.25 && rpm < downshiftRPM && gear > 1 {
			gear--
			rpm = rpmFor(speed, gear)
		}

		if throttle > 0.2 && brake < 0.05 {
			throttle = clamp(throttle+math.Sin(t*math.Pi*18)*0.035+noise*0.02, 0, 1)
		}
		if brake > 0.15 {
			brake = clamp(brake+math.Sin(t*math.Pi*14)*0.04+noise*0.02, 0, 1)
		}

		frames = append(frames, domain.TelemetryFrame{
			Speed:              float32(speed),
			Throttle:           float32(throttle),
			Brake:              float32(brake),
			Steering:           float32(steering),
			Gear:               int32(gear),
			RPM:                int32(math.Round(rpm)),
			NormalizedPosition: float32(t),
			LapNumber:          lapNumber,
			LapTime:            int32(math.Round(float64(i) * 1000 / SynthFrameRate)),
		})
	}
	return domain.Lap{LapNumber: lapNumber, LapTime: durationMs, Frames: frames}
}

func segmentAt(pos float64) segment {
	for _, s := range trackProfile {
		if pos >= s.from && pos < s.to {
			return s
		}
	}
	return trackProfile[len(trackProfile)-1]
}

func rpmFor(kmh float64, gear int) float64 {
	ratio := gearRatios[len(gearRatios)-1]
	if gear >= 0 && gear < len(gearRatios) {
		ratio = gearRatios[gear]
	}
	return clamp(kmh*ratio*7.4+1100, 1200, 9200)
}

// jitter is a repeatable pseudo-random value in [0,1) per lap and frame.
func jitter(lapIndex, i int) float64 {
	x := math.Sin(float64(lapIndex+1)*997+float64(i+1)*0.013) * 10000
	return x - math.Floor(x)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
