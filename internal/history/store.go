package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/neuryx/voice-capture/internal/config"
	"github.com/neuryx/voice-capture/internal/observability"
	"github.com/neuryx/voice-capture/internal/transcribe"
)

// ErrNotFound is returned by Get for an unknown session
var ErrNotFound = errors.New("session not found")

// Outcomes stored with each session
const (
	OutcomeDone              = "done"
	OutcomeBackendError      = "backend_error"
	OutcomeTransportError    = "transport_error"
	OutcomeMicrophoneBlocked = "microphone_blocked"
	OutcomeCaptureFailed     = "capture_failed"
	OutcomeCancelled         = "cancelled"
)

// Entry is one finished recording session
type Entry struct {
	SessionID      string               `json:"session_id"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
	Outcome        string               `json:"outcome"`
	Detail         string               `json:"detail,omitempty"`
	Transcript     string               `json:"transcript,omitempty"`
	Language       string               `json:"language,omitempty"`
	Duration       float64              `json:"duration,omitempty"`
	ProcessingTime float64              `json:"processing_time,omitempty"`
	Segments       []transcribe.Segment `json:"segments,omitempty"`
	ChunkCount     int                  `json:"chunk_count"`
	AudioBytes     int                  `json:"audio_bytes"`
	Audio          []byte               `json:"-"`
}

// Store archives finished sessions in SQLite and, optionally, writes each
// uploaded recording to a directory. A Store opened without a database path
// keeps nothing in SQLite.
type Store struct {
	db            *sql.DB
	recordingsDir string
	keepAudio     bool
	maxSessions   int
	logger        zerolog.Logger
	clock         func() time.Time
}

// Open initializes the archive from cfg
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		recordingsDir: cfg.RecordingsDir,
		keepAudio:     cfg.HistoryKeepAudio,
		maxSessions:   cfg.HistoryMaxSessions,
		logger:        observability.WithComponent(logger, "history"),
		clock:         time.Now,
	}

	if s.recordingsDir != "" {
		if err := os.MkdirAll(s.recordingsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create recordings dir: %w", err)
		}
	}
	if cfg.HistoryPath == "" {
		return s, nil
	}

	dir := filepath.Dir(cfg.HistoryPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.HistoryPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.Prune(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("History prune on start failed")
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    detail TEXT,
    transcript TEXT,
    language TEXT,
    duration REAL,
    processing_time REAL,
    segments TEXT,
    chunk_count INTEGER,
    audio_bytes INTEGER,
    audio BLOB
);
CREATE INDEX IF NOT EXISTS idx_sessions_finished ON sessions(finished_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Enabled reports whether sessions are persisted to SQLite
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save archives a finished session. When a recordings directory is
// configured the audio is also written there.
func (s *Store) Save(ctx context.Context, e Entry) error {
	if e.FinishedAt.IsZero() {
		e.FinishedAt = s.clock()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.FinishedAt
	}

	if s.recordingsDir != "" && len(e.Audio) > 0 {
		path, err := s.writeRecording(e.FinishedAt, e.SessionID, e.Audio)
		if err != nil {
			return err
		}
		s.logger.Debug().Str("session_id", e.SessionID).Str("path", path).Msg("Recording saved")
	}
	if s.db == nil {
		return nil
	}

	segments, err := json.Marshal(e.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	var audio []byte
	if s.keepAudio {
		audio = e.Audio
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at, finished_at, outcome, detail, transcript, language,
		    duration, processing_time, segments, chunk_count, audio_bytes, audio)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		    finished_at=excluded.finished_at, outcome=excluded.outcome, detail=excluded.detail,
		    transcript=excluded.transcript, language=excluded.language, duration=excluded.duration,
		    processing_time=excluded.processing_time, segments=excluded.segments,
		    chunk_count=excluded.chunk_count, audio_bytes=excluded.audio_bytes, audio=excluded.audio`,
		e.SessionID, e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), e.Outcome, e.Detail, e.Transcript,
		e.Language, e.Duration, e.ProcessingTime, string(segments), e.ChunkCount, e.AudioBytes, audio)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if s.maxSessions > 0 {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("History prune failed")
		}
	}
	return nil
}

// writeRecording stores audio as <unix>_<session>_recording.webm
func (s *Store) writeRecording(at time.Time, sessionID string, audio []byte) (string, error) {
	name := fmt.Sprintf("%d_%s", at.Unix(), transcribe.FileName)
	if sessionID != "" {
		name = fmt.Sprintf("%d_%s_%s", at.Unix(), sessionID, transcribe.FileName)
	}
	path := filepath.Join(s.recordingsDir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return path, nil
}

const selectColumns = `session_id, started_at, finished_at, outcome, detail, transcript, language,
    duration, processing_time, segments, chunk_count, audio_bytes, audio`

// Recent returns up to limit sessions, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sessions ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns one session by ID
func (s *Store) Get(ctx context.Context, sessionID string) (*Entry, error) {
	if s.db == nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                     Entry
		started, finished     int64
		detail, transcript    sql.NullString
		language, segments    sql.NullString
		duration, processing  sql.NullFloat64
		chunkCount, audioSize sql.NullInt64
	)
	if err := row.Scan(&e.SessionID, &started, &finished, &e.Outcome, &detail, &transcript, &language,
		&duration, &processing, &segments, &chunkCount, &audioSize, &e.Audio); err != nil {
		return nil, err
	}
	e.StartedAt = time.UnixMilli(started)
	e.FinishedAt = time.UnixMilli(finished)
	e.Detail = detail.String
	e.Transcript = transcript.String
	e.Language = language.String
	e.Duration = duration.Float64
	e.ProcessingTime = processing.Float64
	e.ChunkCount = int(chunkCount.Int64)
	e.AudioBytes = int(audioSize.Int64)
	if segments.Valid && segments.String != "" {
		if err := json.Unmarshal([]byte(segments.String), &e.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
	}
	return &e, nil
}

// Prune keeps the newest maxSessions sessions and reports how many were removed
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.db == nil || s.maxSessions <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
		SELECT session_id FROM sessions ORDER BY finished_at DESC, rowid DESC LIMIT -1 OFFSET ?
	)`, s.maxSessions)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) (bool, error) {
	if s.db == nil {
		return true, nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}
