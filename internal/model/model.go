// Package model defines the persisted records shared by the capture engine
// and the transcription pipeline. The capture engine owns the timing fields,
// the pipeline owns status/retry/transcription; no field is written by both.
package model

import "time"

// SegmentStatus is the transcription state of a single segment.
type SegmentStatus string

const (
	StatusNotStarted SegmentStatus = "not_started"
	StatusInProgress SegmentStatus = "in_progress"
	StatusCompleted  SegmentStatus = "completed"
	StatusFailed     SegmentStatus = "failed"
)

// TranscriptionSource identifies which recognizer produced the text.
type TranscriptionSource string

const (
	SourceRemote TranscriptionSource = "remote"
	SourceLocal  TranscriptionSource = "local"
)

// MaxRetries is the remote-attempt ceiling; the attempt after the ceiling
// runs the on-device recognizer instead.
const MaxRetries = 5

// SampleFormat describes the capture format of a session's audio files.
type SampleFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// RecordingSession is one continuous capture run. Segments are ordered by
// Seq, which is also chronological order.
type RecordingSession struct {
	ID         string
	Title      string
	CreatedAt  time.Time
	Duration   time.Duration
	MasterPath string
	Format     SampleFormat
}

// AudioSegment is a bounded time-slice of a session, transcribed
// independently. Start and End are offsets within the session.
type AudioSegment struct {
	ID         string
	SessionID  string
	Seq        int
	Start      time.Duration
	End        time.Duration
	Path       string
	Status     SegmentStatus
	RetryCount int
	Progress   float64 // meaningful only while Status == StatusInProgress
	LastError  string
	CreatedAt  time.Time
}

// Terminal reports whether the segment needs no further pipeline work:
// completed, or failed with the remote ceiling reached (the local fallback
// has already run or terminally failed).
func (s *AudioSegment) Terminal() bool {
	switch s.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return s.RetryCount >= MaxRetries
	default:
		return false
	}
}

// Retryable reports whether the segment is eligible for another remote
// attempt.
func (s *AudioSegment) Retryable() bool {
	return s.Status == StatusFailed && s.RetryCount < MaxRetries
}

// Transcription is the text produced for one segment. A segment has at most
// one; re-transcription replaces it.
type Transcription struct {
	ID         string
	SegmentID  string
	Text       string
	Confidence float64
	Source     TranscriptionSource
	CreatedAt  time.Time
}
