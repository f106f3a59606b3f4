// Package store persists recording sessions, segments, and transcriptions in
// SQLite. The pipeline and capture engine write disjoint columns of the
// segments table; SQLite serializes the writes.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tiroq/voxlog/internal/model"
)

// Store provides read-write access to the voxlog SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	createdAt   REAL NOT NULL,
	durationMs  INTEGER NOT NULL DEFAULT 0,
	masterPath  TEXT NOT NULL,
	sampleRate  INTEGER NOT NULL,
	channels    INTEGER NOT NULL,
	bitDepth    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
	id         TEXT PRIMARY KEY,
	sessionId  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	startMs    INTEGER NOT NULL,
	endMs      INTEGER NOT NULL,
	path       TEXT NOT NULL,
	status     TEXT NOT NULL,
	retryCount INTEGER NOT NULL DEFAULT 0,
	progress   REAL NOT NULL DEFAULT 0,
	lastError  TEXT,
	createdAt  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(sessionId, seq);
CREATE INDEX IF NOT EXISTS idx_segments_status ON segments(status, retryCount);
CREATE TABLE IF NOT EXISTS transcriptions (
	id         TEXT PRIMARY KEY,
	segmentId  TEXT NOT NULL UNIQUE REFERENCES segments(id) ON DELETE CASCADE,
	text       TEXT NOT NULL,
	confidence REAL NOT NULL,
	source     TEXT NOT NULL,
	createdAt  REAL NOT NULL
);
`

// Open opens (creating if needed) the database at path with WAL and foreign
// keys enabled, and bootstraps the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The store is shared by the capture and pipeline goroutines; a single
	// connection keeps SQLite's writer discipline trivial.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

// ── sessions ─────────────────────────────────────────────────────────────────

// CreateSession inserts a new session record.
func (s *Store) CreateSession(sess *model.RecordingSession) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, createdAt, durationMs, masterPath, sampleRate, channels, bitDepth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Title, unixFloat(sess.CreatedAt), sess.Duration.Milliseconds(),
		sess.MasterPath, sess.Format.SampleRate, sess.Format.Channels, sess.Format.BitDepth)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionDuration records the session's total captured duration.
func (s *Store) UpdateSessionDuration(id string, d time.Duration) error {
	_, err := s.db.Exec(`UPDATE sessions SET durationMs = ? WHERE id = ?`, d.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("update session duration: %w", err)
	}
	return nil
}

// Session returns the session with the given id, or nil if absent.
func (s *Store) Session(id string) (*model.RecordingSession, error) {
	row := s.db.QueryRow(`
		SELECT id, title, createdAt, durationMs, masterPath, sampleRate, channels, bitDepth
		FROM sessions WHERE id = ?
	`, id)

	var sess model.RecordingSession
	var createdAt float64
	var durationMs int64
	if err := row.Scan(&sess.ID, &sess.Title, &createdAt, &durationMs, &sess.MasterPath,
		&sess.Format.SampleRate, &sess.Format.Channels, &sess.Format.BitDepth); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = timeFromUnix(createdAt)
	sess.Duration = time.Duration(durationMs) * time.Millisecond
	return &sess, nil
}

// DeleteSession removes a session and, via cascade, its segments and
// transcriptions. It returns the file paths (master plus segments) that the
// caller must remove from disk.
func (s *Store) DeleteSession(id string) ([]string, error) {
	var paths []string

	row := s.db.QueryRow(`SELECT masterPath FROM sessions WHERE id = ?`, id)
	var master string
	if err := row.Scan(&master); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan master path: %w", err)
	}
	if master != "" {
		paths = append(paths, master)
	}

	rows, err := s.db.Query(`SELECT path FROM segments WHERE sessionId = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query segment paths: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan segment path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	return paths, nil
}

// ── segments ─────────────────────────────────────────────────────────────────

// CreateSegment inserts a new segment record.
func (s *Store) CreateSegment(seg *model.AudioSegment) error {
	_, err := s.db.Exec(`
		INSERT INTO segments (id, sessionId, seq, startMs, endMs, path, status, retryCount, progress, lastError, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seg.ID, seg.SessionID, seg.Seq, seg.Start.Milliseconds(), seg.End.Milliseconds(),
		seg.Path, string(seg.Status), seg.RetryCount, seg.Progress, nullString(seg.LastError),
		unixFloat(seg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// UpdateSegmentTiming sets the segment's start/end offsets. Only the capture
// engine calls this.
func (s *Store) UpdateSegmentTiming(id string, start, end time.Duration) error {
	_, err := s.db.Exec(`UPDATE segments SET startMs = ?, endMs = ? WHERE id = ?`,
		start.Milliseconds(), end.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("update segment timing: %w", err)
	}
	return nil
}

// UpdateSegmentState sets status, retryCount, progress, and lastError. Only
// the pipeline calls this.
func (s *Store) UpdateSegmentState(id string, status model.SegmentStatus, retryCount int, progress float64, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE segments SET status = ?, retryCount = ?, progress = ?, lastError = ? WHERE id = ?
	`, string(status), retryCount, progress, nullString(lastError), id)
	if err != nil {
		return fmt.Errorf("update segment state: %w", err)
	}
	return nil
}

// Segment returns the segment with the given id, or nil if absent.
func (s *Store) Segment(id string) (*model.AudioSegment, error) {
	row := s.db.QueryRow(`
		SELECT id, sessionId, seq, startMs, endMs, path, status, retryCount, progress, lastError, createdAt
		FROM segments WHERE id = ?
	`, id)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return seg, err
}

// SegmentsForSession returns all segments of a session in chronological
// (insertion) order.
func (s *Store) SegmentsForSession(sessionID string) ([]model.AudioSegment, error) {
	rows, err := s.db.Query(`
		SELECT id, sessionId, seq, startMs, endMs, path, status, retryCount, progress, lastError, createdAt
		FROM segments WHERE sessionId = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segs []model.AudioSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return segs, rows.Err()
}

// SweepableSegments returns every segment the pipeline should pick up again,
// across all sessions: failed with retryCount below bound, plus finalized
// segments stranded in not_started or in_progress (enqueue event lost, or a
// restart mid-attempt). The still-open segment of an active capture has
// endMs == startMs and is excluded.
func (s *Store) SweepableSegments(bound int) ([]model.AudioSegment, error) {
	rows, err := s.db.Query(`
		SELECT id, sessionId, seq, startMs, endMs, path, status, retryCount, progress, lastError, createdAt
		FROM segments
		WHERE (status = ? AND retryCount < ?)
		   OR (status IN (?, ?) AND endMs > startMs)
		ORDER BY createdAt ASC
	`, string(model.StatusFailed), bound, string(model.StatusNotStarted), string(model.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("query sweepable segments: %w", err)
	}
	defer rows.Close()

	var segs []model.AudioSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return segs, rows.Err()
}

// ── transcriptions ───────────────────────────────────────────────────────────

// SaveTranscription stores the transcription for a segment, replacing any
// prior one. A segment has at most one transcription.
func (s *Store) SaveTranscription(t *model.Transcription) error {
	_, err := s.db.Exec(`
		INSERT INTO transcriptions (id, segmentId, text, confidence, source, createdAt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(segmentId) DO UPDATE SET
			text = excluded.text,
			confidence = excluded.confidence,
			source = excluded.source,
			createdAt = excluded.createdAt
	`, t.ID, t.SegmentID, t.Text, t.Confidence, string(t.Source), unixFloat(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("save transcription: %w", err)
	}
	return nil
}

// TranscriptionForSegment returns the segment's transcription, or nil.
func (s *Store) TranscriptionForSegment(segmentID string) (*model.Transcription, error) {
	row := s.db.QueryRow(`
		SELECT id, segmentId, text, confidence, source, createdAt
		FROM transcriptions WHERE segmentId = ?
	`, segmentID)

	var t model.Transcription
	var source string
	var createdAt float64
	if err := row.Scan(&t.ID, &t.SegmentID, &t.Text, &t.Confidence, &source, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transcription: %w", err)
	}
	t.Source = model.TranscriptionSource(source)
	t.CreatedAt = timeFromUnix(createdAt)
	return &t, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(row scanner) (*model.AudioSegment, error) {
	var seg model.AudioSegment
	var startMs, endMs int64
	var status string
	var lastError sql.NullString
	var createdAt float64

	err := row.Scan(&seg.ID, &seg.SessionID, &seg.Seq, &startMs, &endMs, &seg.Path,
		&status, &seg.RetryCount, &seg.Progress, &lastError, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan segment: %w", err)
	}

	seg.Start = time.Duration(startMs) * time.Millisecond
	seg.End = time.Duration(endMs) * time.Millisecond
	seg.Status = model.SegmentStatus(status)
	if lastError.Valid {
		seg.LastError = lastError.String
	}
	seg.CreatedAt = timeFromUnix(createdAt)
	return &seg, nil
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second)))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
