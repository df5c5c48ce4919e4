package archive

import (
	"context"
	"log/slog"
	"sync/atomic"

	"pitlane/internal/bus"
)

type SinkStats struct {
	Stored     uint64
	Duplicates uint64
	Errors     uint64
}

// Sink is a bus.Handler that writes each message before returning, so the
// consumer only commits positions whose frames are durable.
type Sink struct {
	store  *Store
	logger *slog.Logger

	stored     atomic.Uint64
	duplicates atomic.Uint64
	errors     atomic.Uint64
}

func NewSink(store *Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger.With("component", "archive")}
}

func (s *Sink) Handle(ctx context.Context, m bus.Message) error {
	n, err := s.store.AppendBatch(ctx, []bus.Message{m})
	if err != nil {
		s.errors.Add(1)
		s.logger.Warn("archive write failed", "topic", m.Topic, "session_id", m.SessionID, "err", err)
		return err
	}
	if n == 0 {
		s.duplicates.Add(1)
		return nil
	}
	s.stored.Add(1)
	return nil
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{Stored: s.stored.Load(), Duplicates: s.duplicates.Load(), Errors: s.errors.Load()}
}
