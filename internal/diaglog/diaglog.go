// Package diaglog provides structured NDJSON diagnostic logging for voxlog.
// Activated by VOXLOG_DEBUG=true. When the env var is absent, all Log calls
// are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentCapture      = "capture-engine"
	ComponentLifecycle    = "session-lifecycle"
	ComponentPipeline     = "transcription-pipeline"
	ComponentConnectivity = "connectivity-monitor"
	ComponentRemote       = "remote-transcriber"
	ComponentLocal        = "local-recognizer"
	ComponentEvents       = "events-server"
	ComponentCore         = "voxlogd"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventCaptureStart       = "capture_start"
	EventCaptureStop        = "capture_stop"
	EventSegmentRotated     = "segment_rotated"
	EventCapturePaused      = "capture_paused"
	EventCaptureResumed     = "capture_resumed"
	EventStorageLow         = "storage_low"
	EventEnqueue            = "enqueue"
	EventEnqueueDuplicate   = "enqueue_duplicate"
	EventRemoteAttempt      = "remote_attempt"
	EventRemoteFailed       = "remote_failed"
	EventLocalFallback      = "local_fallback"
	EventSegmentCompleted   = "segment_completed"
	EventSegmentTerminal    = "segment_terminal_failure"
	EventBackoffScheduled   = "backoff_scheduled"
	EventSweep              = "sweep"
	EventOnlineTransition   = "online_transition"
	EventOfflineTransition  = "offline_transition"
	EventRouteChange        = "route_change"
	EventInterruption       = "interruption"
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventConfigReloaded     = "config_reloaded"
	EventSessionProcessed   = "session_processed"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"`
	SegmentID string      `json:"segment_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether VOXLOG_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("VOXLOG_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
