// Package events carries the notifications exchanged between the capture
// engine, the pipeline, and external collaborators (UI, summary generator).
// Cross-component side effects travel through the hub as explicit messages so
// state transitions stay testable.
package events

import (
	"sync"
	"time"

	"github.com/tiroq/voxlog/internal/model"
)

// Event types.
const (
	TypeSegmentFinalized   = "segment_finalized"
	TypeTranscriptionState = "transcription_state_changed"
	TypeSessionProcessed   = "session_fully_processed"
	TypeCaptureLevel       = "capture_level"
	TypeCaptureStopped     = "capture_stopped"
)

// Event is a single notification. Exactly one of the payload fields matching
// Type is populated.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`

	SegmentFinalized   *SegmentFinalized   `json:"segment_finalized,omitempty"`
	TranscriptionState *TranscriptionState `json:"transcription_state,omitempty"`
	SessionProcessed   *SessionProcessed   `json:"session_processed,omitempty"`
	CaptureLevel       *CaptureLevel       `json:"capture_level,omitempty"`
	CaptureStopped     *CaptureStopped     `json:"capture_stopped,omitempty"`
}

// SegmentFinalized is emitted by the capture engine when a segment file has
// been closed and its timing fields written.
type SegmentFinalized struct {
	SessionID string        `json:"session_id"`
	SegmentID string        `json:"segment_id"`
	Path      string        `json:"path"`
	Start     time.Duration `json:"start_ns"`
	End       time.Duration `json:"end_ns"`
}

// TranscriptionState is emitted by the pipeline on every segment state
// transition.
type TranscriptionState struct {
	SessionID  string              `json:"session_id"`
	SegmentID  string              `json:"segment_id"`
	Status     model.SegmentStatus `json:"status"`
	RetryCount int                 `json:"retry_count"`
	Progress   float64             `json:"progress"`
	LastError  string              `json:"last_error,omitempty"`
}

// SessionProcessed is emitted exactly once per session when every segment has
// reached a terminal state and at least one produced non-empty text. The
// summary collaborator listens for this.
type SessionProcessed struct {
	SessionID string `json:"session_id"`
}

// CaptureLevel is the live amplitude side channel for UI metering. Carries no
// correctness obligation.
type CaptureLevel struct {
	SessionID string  `json:"session_id"`
	Level     float64 `json:"level"`
}

// CaptureStopped is emitted when the capture engine stops, with the reason.
type CaptureStopped struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber that
// falls behind drops events rather than stalling the capture path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel receiving all future events. Call the
// returned cancel func to unsubscribe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; dropping beats blocking the
			// audio callback path.
		}
	}
}
