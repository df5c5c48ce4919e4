package demo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"pitlane/internal/domain"
)

var ErrEmptyDataset = errors.New("demo: dataset has no frames")

// Dataset is a recorded session replayed to clients in demo mode.
type Dataset struct {
	Description string
	Track       string
	Car         string
	FrameRate   int
	Laps        []domain.Lap
	// Synthetic is set when the dataset was generated instead of loaded.
	Synthetic bool
}

// Frames concatenates every lap in order.
func (d Dataset) Frames() []domain.TelemetryFrame {
	n := 0
	for _, lap := range d.Laps {
		n += len(lap.Frames)
	}
	out := make([]domain.TelemetryFrame, 0, n)
	for _, lap := range d.Laps {
		out = append(out, lap.Frames...)
	}
	return out
}

type fileFormat struct {
	Description string    `json:"description"`
	Track       string    `json:"track"`
	Car         string    `json:"car"`
	FrameRate   float64   `json:"frameRate"`
	Laps        []fileLap `json:"laps"`
	// Frames is the older single-lap layout.
	Frames []fileFrame `json:"frames"`
}

type fileLap struct {
	LapNumber float64     `json:"lapNumber"`
	LapTime   float64     `json:"lapTime"`
	Frames    []fileFrame `json:"frames"`
}

// fileFrame mirrors domain.TelemetryFrame but accepts fractional values for
// the integer fields; recording tools write rpm and lapTime with decimals.
type fileFrame struct {
	Timestamp          float64  `json:"timestamp"`
	Speed              float32  `json:"speed"`
	Throttle           float32  `json:"throttle"`
	Brake              float32  `json:"brake"`
	Steering           float32  `json:"steering"`
	Gear               float64  `json:"gear"`
	RPM                float64  `json:"rpm"`
	NormalizedPosition float32  `json:"normalizedPosition"`
	LapNumber          float64  `json:"lapNumber"`
	LapTime            float64  `json:"lapTime"`
	SessionTime        *float64 `json:"sessionTime"`
	SessionType        *float64 `json:"sessionType"`
	TrackPosition      *float64 `json:"trackPosition"`
	Delta              *float64 `json:"delta"`
}

func (f fileFrame) frame() domain.TelemetryFrame {
	out := domain.TelemetryFrame{
		Timestamp:          int64(math.Round(f.Timestamp)),
		Speed:              f.Speed,
		Throttle:           f.Throttle,
		Brake:              f.Brake,
		Steering:           f.Steering,
		Gear:               round32(f.Gear),
		RPM:                round32(f.RPM),
		NormalizedPosition: f.NormalizedPosition,
		LapNumber:          round32(f.LapNumber),
		LapTime:            round32(f.LapTime),
	}
	if f.SessionTime != nil {
		out.SessionTime = domain.Int64(int64(math.Round(*f.SessionTime)))
	}
	if f.SessionType != nil {
		out.SessionType = domain.Int32(round32(*f.SessionType))
	}
	if f.TrackPosition != nil {
		out.TrackPosition = domain.Int32(round32(*f.TrackPosition))
	}
	if f.Delta != nil {
		out.Delta = domain.Int32(round32(*f.Delta))
	}
	return out
}

func round32(v float64) int32 { return int32(math.Round(v)) }

// Load reads a dataset file. Files ending in .zst or .lz4 are decompressed
// on the fly.
func Load(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("open demo dataset: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return Dataset{}, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".lz4"):
		r = lz4.NewReader(f)
	}
	ds, err := Decode(r)
	if err != nil {
		return Dataset{}, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Decode parses the JSON dataset layout. A file with neither laps nor frames
// is rejected with ErrEmptyDataset.
func Decode(r io.Reader) (Dataset, error) {
	var raw fileFormat
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Dataset{}, fmt.Errorf("decode demo dataset: %w", err)
	}
	ds := Dataset{Description: raw.Description, Track: raw.Track, Car: raw.Car, FrameRate: int(math.Round(raw.FrameRate))}
	laps := raw.Laps
	if len(laps) == 0 && len(raw.Frames) > 0 {
		lap := fileLap{Frames: raw.Frames}
		if n := len(raw.Frames); n > 0 {
			lap.LapNumber = raw.Frames[0].LapNumber
			lap.LapTime = raw.Frames[n-1].LapTime
		}
		laps = []fileLap{lap}
	}
	total := 0
	for _, l := range laps {
		lap := domain.Lap{LapNumber: round32(l.LapNumber), LapTime: round32(l.LapTime), Frames: make([]domain.TelemetryFrame, 0, len(l.Frames))}
		for _, f := range l.Frames {
			lap.Frames = append(lap.Frames, f.frame())
		}
		total += len(lap.Frames)
		ds.Laps = append(ds.Laps, lap)
	}
	if total == 0 {
		return Dataset{}, ErrEmptyDataset
	}
	return ds, nil
}

// LoadOrSynthesize loads path and falls back to Synthesize when the file is
// missing or unusable, so demo mode is always available.
func LoadOrSynthesize(path string, logger *slog.Logger) Dataset {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		ds, err := Load(path)
		if err == nil {
			logger.Info("demo dataset loaded", "path", path, "laps", len(ds.Laps), "frames", len(ds.Frames()))
			return ds
		}
		logger.Warn("demo dataset unavailable, using synthetic laps", "path", path, "err", err)
	}
	return Synthesize()
}
