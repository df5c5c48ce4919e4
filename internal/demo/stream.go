package demo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pitlane/internal/bus"
	"pitlane/internal/domain"
)

// Publisher accepts frames. bus.Producer satisfies it.
type Publisher interface {
	Publish(domain.TelemetryFrame) error
}

type StreamConfig struct {
	// RateHz defaults to SynthFrameRate.
	RateHz int
	// Loop starts over from the first lap until the context is done.
	Loop bool
}

type StreamStats struct {
	Frames uint64
	Laps   uint64
	Errors uint64
}

// Stream publishes the dataset lap by lap at the configured rate, stamping
// every frame with the time it is sent. A failed publish is counted and
// skipped; a closed producer ends the stream.
func Stream(ctx context.Context, ds Dataset, pub Publisher, cfg StreamConfig, logger *slog.Logger) (StreamStats, error) {
	if cfg.RateHz <= 0 {
		cfg.RateHz = SynthFrameRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	var st StreamStats
	if len(ds.Frames()) == 0 {
		return st, ErrEmptyDataset
	}
	ticker := time.NewTicker(time.Second / time.Duration(cfg.RateHz))
	defer ticker.Stop()

	for {
		for _, lap := range ds.Laps {
			for _, f := range lap.Frames {
				select {
				case <-ctx.Done():
					return st, ctx.Err()
				case <-ticker.C:
				}
				if err := ctx.Err(); err != nil {
					return st, err
				}
				f.Timestamp = time.Now().UnixMilli()
				if err := pub.Publish(f); err != nil {
					if errors.Is(err, bus.ErrProducerClosed) {
						return st, err
					}
					st.Errors++
					logger.Debug("demo frame not published", "err", err)
					continue
				}
				st.Frames++
			}
			st.Laps++
			logger.Info("demo lap published", "lap_number", lap.LapNumber, "laps_completed", st.Laps)
		}
		if !cfg.Loop {
			return st, nil
		}
	}
}
