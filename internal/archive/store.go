package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pitlane/internal/bus"
	"pitlane/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	first_frame_ms INTEGER NOT NULL,
	last_frame_ms INTEGER NOT NULL,
	frame_count INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, first_frame_ms);

CREATE TABLE IF NOT EXISTS laps (
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	lap_number INTEGER NOT NULL,
	lap_time_ms INTEGER NOT NULL,
	frame_count INTEGER NOT NULL DEFAULT 0,
	max_speed REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, lap_number)
);

CREATE TABLE IF NOT EXISTS frames (
	message_id TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	bus_partition INTEGER NOT NULL,
	bus_offset INTEGER NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	user_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	speed REAL NOT NULL,
	throttle REAL NOT NULL,
	brake REAL NOT NULL,
	steering REAL NOT NULL,
	gear INTEGER NOT NULL,
	rpm INTEGER NOT NULL,
	normalized_position REAL NOT NULL,
	lap_number INTEGER NOT NULL,
	lap_time_ms INTEGER NOT NULL,
	session_time_ms INTEGER,
	session_type INTEGER,
	track_position INTEGER,
	delta_ms INTEGER,
	received_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_frames_session_lap ON frames(session_id, lap_number, lap_time_ms);

CREATE TRIGGER IF NOT EXISTS trg_frames_no_update
BEFORE UPDATE ON frames
BEGIN
	SELECT RAISE(ABORT, 'frames are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_frames_no_delete
BEFORE DELETE ON frames
BEGIN
	SELECT RAISE(ABORT, 'frames are append-only: DELETE forbidden');
END;
`

const unknownSession = "unknown"

type Session struct {
	SessionID    string
	UserID       string
	Topic        string
	FirstFrameMs int64
	LastFrameMs  int64
	FrameCount   int64
}

type LapSummary struct {
	LapNumber  int32
	LapTime    int32
	FrameCount int64
	MaxSpeed   float32
}

// Store archives relayed frames in one SQLite file. Frames are keyed by
// their bus message ID, so a redelivered message is stored once.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir archive dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, "archive.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, m bus.Message) error {
	_, err := s.AppendBatch(ctx, []bus.Message{m})
	return err
}

// AppendBatch stores msgs in one transaction and returns how many were new.
// Session and lap aggregates only count newly stored frames.
func (s *Store) AppendBatch(ctx context.Context, msgs []bus.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	inserted := 0
	for _, m := range msgs {
		sessionID := m.SessionID
		if sessionID == "" {
			sessionID = unknownSession
		}
		f := m.Frame
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, user_id, topic, first_frame_ms, last_frame_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`, sessionID, m.UserID, m.Topic, f.Timestamp, f.Timestamp, now); err != nil {
			return 0, fmt.Errorf("upsert session %s: %w", sessionID, err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO frames(
	message_id, topic, bus_partition, bus_offset, session_id, user_id, timestamp_ms,
	speed, throttle, brake, steering, gear, rpm, normalized_position,
	lap_number, lap_time_ms, session_time_ms, session_type, track_position, delta_ms,
	received_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING`,
			messageID(m), m.Topic, m.Partition, m.Offset, sessionID, m.UserID, f.Timestamp,
			f.Speed, f.Throttle, f.Brake, f.Steering, f.Gear, f.RPM, f.NormalizedPosition,
			f.LapNumber, f.LapTime, nullable(f.SessionTime), nullable(f.SessionType), nullable(f.TrackPosition), nullable(f.Delta),
			now)
		if err != nil {
			return 0, fmt.Errorf("insert frame %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, err
		} else if n == 0 {
			continue
		}
		inserted++

		if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET frame_count = frame_count + 1,
	first_frame_ms = min(first_frame_ms, ?),
	last_frame_ms = max(last_frame_ms, ?),
	updated_at_ms = ?
WHERE session_id = ?`, f.Timestamp, f.Timestamp, now, sessionID); err != nil {
			return 0, fmt.Errorf("update session %s: %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO laps(session_id, lap_number, lap_time_ms, frame_count, max_speed)
VALUES(?, ?, ?, 1, ?)
ON CONFLICT(session_id, lap_number) DO UPDATE SET
	lap_time_ms = max(lap_time_ms, excluded.lap_time_ms),
	frame_count = frame_count + 1,
	max_speed = max(max_speed, excluded.max_speed)`, sessionID, f.LapNumber, f.LapTime, f.Speed); err != nil {
			return 0, fmt.Errorf("update lap %s/%d: %w", sessionID, f.LapNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) Session(ctx context.Context, sessionID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, topic, first_frame_ms, last_frame_ms, frame_count
FROM sessions WHERE session_id = ?`, sessionID)
	var out Session
	err := row.Scan(&out.SessionID, &out.UserID, &out.Topic, &out.FirstFrameMs, &out.LastFrameMs, &out.FrameCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return out, true, nil
}

// Sessions lists a user's sessions, oldest first.
func (s *Store) Sessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, user_id, topic, first_frame_ms, last_frame_ms, frame_count
FROM sessions WHERE user_id = ?
ORDER BY first_frame_ms ASC, session_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var item Session
		if err := rows.Scan(&item.SessionID, &item.UserID, &item.Topic, &item.FirstFrameMs, &item.LastFrameMs, &item.FrameCount); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) Laps(ctx context.Context, sessionID string) ([]LapSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT lap_number, lap_time_ms, frame_count, max_speed
FROM laps WHERE session_id = ?
ORDER BY lap_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LapSummary
	for rows.Next() {
		var item LapSummary
		if err := rows.Scan(&item.LapNumber, &item.LapTime, &item.FrameCount, &item.MaxSpeed); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Frames returns one lap of a session ordered by lap time.
func (s *Store) Frames(ctx context.Context, sessionID string, lapNumber int32) ([]domain.TelemetryFrame, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp_ms, speed, throttle, brake, steering, gear, rpm, normalized_position,
	lap_number, lap_time_ms, session_time_ms, session_type, track_position, delta_ms
FROM frames
WHERE session_id = ? AND lap_number = ?
ORDER BY lap_time_ms ASC, topic ASC, bus_partition ASC, bus_offset ASC`, sessionID, lapNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TelemetryFrame
	for rows.Next() {
		var f domain.TelemetryFrame
		var sessionTime, sessionType, trackPosition, delta sql.NullInt64
		if err := rows.Scan(
			&f.Timestamp, &f.Speed, &f.Throttle, &f.Brake, &f.Steering, &f.Gear, &f.RPM, &f.NormalizedPosition,
			&f.LapNumber, &f.LapTime, &sessionTime, &sessionType, &trackPosition, &delta,
		); err != nil {
			return nil, err
		}
		if sessionTime.Valid {
			f.SessionTime = domain.Int64(sessionTime.Int64)
		}
		if sessionType.Valid {
			f.SessionType = domain.Int32(int32(sessionType.Int64))
		}
		if trackPosition.Valid {
			f.TrackPosition = domain.Int32(int32(trackPosition.Int64))
		}
		if delta.Valid {
			f.Delta = domain.Int32(int32(delta.Int64))
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func messageID(m bus.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return bus.RecordID(m.Topic, m.Partition, m.Offset)
}

func nullable[T int32 | int64](v *T) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
