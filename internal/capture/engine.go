// Package capture owns the hardware input stream. It writes a continuous
// master recording and the active segment file simultaneously, meters a live
// amplitude level, and rotates to a fresh segment on a fixed interval,
// handing each finalized segment to the transcription pipeline.
package capture

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/voxlog/internal/diaglog"
	"github.com/tiroq/voxlog/internal/events"
	"github.com/tiroq/voxlog/internal/model"
)

// Store is the persistence surface the engine needs. The engine writes only
// session records and segment timing; segment status belongs to the pipeline.
type Store interface {
	CreateSession(*model.RecordingSession) error
	UpdateSessionDuration(id string, d time.Duration) error
	CreateSegment(*model.AudioSegment) error
	UpdateSegmentTiming(id string, start, end time.Duration) error
}

// Config configures the capture engine.
type Config struct {
	Dir             string        // root directory for session folders
	SegmentInterval time.Duration // rotation interval, default 30s
	MinFreeBytes    uint64        // storage floor, default 50 MiB
	BufferBytes     int           // per-read PCM buffer, default 8 KiB
}

func (c Config) withDefaults() Config {
	if c.SegmentInterval <= 0 {
		c.SegmentInterval = 30 * time.Second
	}
	if c.MinFreeBytes == 0 {
		c.MinFreeBytes = 50 * 1024 * 1024
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = 8192
	}
	return c
}

// Engine is the audio capture engine. All mutable state is guarded by mu;
// the read loop holds it only while writing a buffer, never while blocked on
// the source.
type Engine struct {
	cfg   Config
	store Store
	hub   *events.Hub
	src   Source

	logger  *diaglog.Logger
	onLevel func(float64)

	// freeSpace is injectable for tests; defaults to a statfs probe.
	freeSpace func(dir string) (uint64, error)

	mu       sync.Mutex
	cond     *sync.Cond
	running  bool
	paused   bool
	profile  QualityProfile
	sess     *model.RecordingSession
	master   *wavWriter
	seg      *wavWriter
	cur      *model.AudioSegment
	curDone  bool // cur already finalized; shutdown after a failed rotation must not finalize twice
	bytes    int64 // total PCM bytes captured this session
	sinceFSC int64 // bytes since last free-space check
	lastErr  *Error

	wg sync.WaitGroup
}

// NewEngine creates a capture engine reading from src.
func NewEngine(cfg Config, st Store, hub *events.Hub, src Source) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     st,
		hub:       hub,
		src:       src,
		freeSpace: freeSpace,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetLogger injects a diaglog.Logger for debug logging.
func (e *Engine) SetLogger(l *diaglog.Logger) {
	e.mu.Lock()
	e.logger = l
	e.mu.Unlock()
}

// OnLevel registers a callback receiving the normalized amplitude (0.0–1.0)
// of every captured buffer. Must not block; it runs on the capture loop.
func (e *Engine) OnLevel(fn func(float64)) {
	e.mu.Lock()
	e.onLevel = fn
	e.mu.Unlock()
}

// Err returns the error that terminated the last session, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == nil {
		return nil
	}
	return e.lastErr
}

// Running reports whether a capture session is active (paused counts).
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start begins a capture session. It checks the free-space floor, creates
// the session folder with the master file and the first segment, and starts
// the input stream.
func (e *Engine) Start(title string, profile QualityProfile) (*model.RecordingSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, newError(KindEngineFailure, "already capturing", nil)
	}
	if err := e.checkFreeSpaceLocked(); err != nil {
		return nil, err
	}

	dir := filepath.Join(e.cfg.Dir, time.Now().Format("2006-01-02_1504")+"_"+sanitizeTitle(title))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, newError(KindFileWriteError, "create session directory", err)
	}

	sess := &model.RecordingSession{
		ID:         uuid.NewString(),
		Title:      title,
		CreatedAt:  time.Now(),
		MasterPath: filepath.Join(dir, "master.wav"),
		Format:     profile.Format(),
	}
	if err := e.store.CreateSession(sess); err != nil {
		return nil, newError(KindEngineFailure, "persist session", err)
	}

	master, err := newWAVWriter(sess.MasterPath, profile)
	if err != nil {
		return nil, newError(KindFileWriteError, "create master file", err)
	}

	e.sess = sess
	e.profile = profile
	e.master = master
	e.bytes = 0
	e.sinceFSC = 0
	e.lastErr = nil

	if err := e.openSegmentLocked(0); err != nil {
		master.Close()
		e.sess = nil
		return nil, err
	}

	if err := e.src.Start(profile); err != nil {
		e.seg.Close()
		master.Close()
		e.sess = nil
		return nil, classifySourceErr(err)
	}

	e.running = true
	e.paused = false
	e.wg.Add(1)
	go e.loop()

	e.log(diaglog.LogEntry{
		Event:     diaglog.EventCaptureStart,
		SessionID: sess.ID,
		Payload:   map[string]interface{}{"profile": profile.Name, "sample_rate": profile.SampleRate},
	})
	return sess, nil
}

// Pause stops the input stream without closing files or losing position.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return
	}
	e.paused = true
	_ = e.src.Stop()
	e.log(diaglog.LogEntry{Event: diaglog.EventCapturePaused, SessionID: e.sess.ID})
}

// Resume restarts the input stream, re-applying the quality profile in case
// the hardware route changed while paused.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || !e.paused {
		return nil
	}
	if err := e.src.Start(e.profile); err != nil {
		return classifySourceErr(err)
	}
	e.paused = false
	e.cond.Broadcast()
	e.log(diaglog.LogEntry{Event: diaglog.EventCaptureResumed, SessionID: e.sess.ID})
	return nil
}

// Rotate finalizes the current segment and opens the next one. Normally the
// capture loop rotates on the audio clock; this is the explicit entry point.
func (e *Engine) Rotate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	return e.rotateLocked()
}

// Stop finalizes the last (possibly partial) segment, flushes and closes all
// file handles, and ends the session. Idempotent; no-op if not capturing.
// This path is synchronous so app termination can flush before exit.
func (e *Engine) Stop(reason string) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.shutdownLocked(reason, nil)
	e.mu.Unlock()

	e.wg.Wait()
}

// loop reads buffers from the source and feeds both sinks until stopped.
func (e *Engine) loop() {
	defer e.wg.Done()
	buf := make([]byte, e.cfg.BufferBytes)

	for {
		e.mu.Lock()
		for e.paused && e.running {
			e.cond.Wait()
		}
		if !e.running {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		// Blocking read happens outside the lock; Stop/Pause call src.Stop
		// to release it.
		n, err := e.src.Read(buf)
		if err != nil {
			e.mu.Lock()
			if e.running && !e.paused {
				e.shutdownLocked("input stream failed",
					newError(KindEngineFailure, "read input stream", err))
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			continue
		}
		if n == 0 {
			continue
		}
		if !e.consume(buf[:n]) {
			return
		}
	}
}

// consume writes one buffer to both sinks, meters it, and rotates when the
// segment interval elapses. Returns false when the session terminated.
func (e *Engine) consume(p []byte) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}

	if _, err := e.master.Write(p); err != nil {
		e.shutdownLocked("master write failed", classifyWriteErr(err))
		e.mu.Unlock()
		return false
	}
	if _, err := e.seg.Write(p); err != nil {
		e.shutdownLocked("segment write failed", classifyWriteErr(err))
		e.mu.Unlock()
		return false
	}
	e.bytes += int64(len(p))
	e.sinceFSC += int64(len(p))

	// Re-check the storage floor roughly once per second of audio.
	if e.sinceFSC >= int64(e.profile.bytesPerSecond()) {
		e.sinceFSC = 0
		if err := e.checkFreeSpaceLocked(); err != nil {
			e.log(diaglog.LogEntry{Event: diaglog.EventStorageLow, SessionID: e.sess.ID})
			e.shutdownLocked("storage floor reached", err.(*Error))
			e.mu.Unlock()
			return false
		}
	}

	// Rotation rides the audio clock, not wall time, so segment boundaries
	// are frame-exact: no dropped or duplicated frames across the cut.
	if e.elapsedLocked()-e.cur.Start >= e.cfg.SegmentInterval {
		if err := e.rotateLocked(); err != nil {
			e.shutdownLocked("rotation failed", err.(*Error))
			e.mu.Unlock()
			return false
		}
	}

	level := amplitude(p)
	sessID := e.sess.ID
	onLevel := e.onLevel
	e.mu.Unlock()

	if onLevel != nil {
		onLevel(level)
	}
	e.hub.Publish(events.Event{
		Type:         events.TypeCaptureLevel,
		CaptureLevel: &events.CaptureLevel{SessionID: sessID, Level: level},
	})
	return true
}

// rotateLocked atomically closes the current segment and opens the next one
// starting at the prior end offset.
func (e *Engine) rotateLocked() error {
	end, err := e.finalizeSegmentLocked()
	if err != nil {
		return err
	}
	if err := e.openSegmentLocked(end); err != nil {
		return err
	}
	_ = e.store.UpdateSessionDuration(e.sess.ID, end)
	e.log(diaglog.LogEntry{
		Event:     diaglog.EventSegmentRotated,
		SessionID: e.sess.ID,
		SegmentID: e.cur.ID,
		Payload:   map[string]interface{}{"start_ms": end.Milliseconds()},
	})
	return nil
}

// finalizeSegmentLocked closes the active segment file, writes its true end
// offset, and emits it to the pipeline.
func (e *Engine) finalizeSegmentLocked() (time.Duration, error) {
	end := e.elapsedLocked()
	if e.cur == nil || e.curDone {
		return end, nil
	}
	e.curDone = true
	if err := e.seg.Close(); err != nil {
		return end, classifyWriteErr(err)
	}
	e.cur.End = end
	if err := e.store.UpdateSegmentTiming(e.cur.ID, e.cur.Start, end); err != nil {
		return end, newError(KindEngineFailure, "persist segment timing", err)
	}
	e.hub.Publish(events.Event{
		Type: events.TypeSegmentFinalized,
		SegmentFinalized: &events.SegmentFinalized{
			SessionID: e.sess.ID,
			SegmentID: e.cur.ID,
			Path:      e.cur.Path,
			Start:     e.cur.Start,
			End:       end,
		},
	})
	return end, nil
}

// openSegmentLocked appends a fresh segment record starting at offset start.
func (e *Engine) openSegmentLocked(start time.Duration) error {
	seq := 0
	if e.cur != nil {
		seq = e.cur.Seq + 1
	}
	seg := &model.AudioSegment{
		ID:        uuid.NewString(),
		SessionID: e.sess.ID,
		Seq:       seq,
		Start:     start,
		End:       start,
		Path:      filepath.Join(filepath.Dir(e.sess.MasterPath), fmt.Sprintf("segment_%03d.wav", seq)),
		Status:    model.StatusNotStarted,
		CreatedAt: time.Now(),
	}
	w, err := newWAVWriter(seg.Path, e.profile)
	if err != nil {
		return newError(KindFileWriteError, "create segment file", err)
	}
	if err := e.store.CreateSegment(seg); err != nil {
		w.Close()
		os.Remove(seg.Path)
		return newError(KindEngineFailure, "persist segment", err)
	}
	e.seg = w
	e.cur = seg
	e.curDone = false
	return nil
}

// shutdownLocked finalizes the in-flight segment and closes everything.
// cause is nil on a clean user stop.
func (e *Engine) shutdownLocked(reason string, cause *Error) {
	e.running = false
	e.paused = false
	e.cond.Broadcast()
	_ = e.src.Stop()

	if _, err := e.finalizeSegmentLocked(); err != nil && cause == nil {
		cause = err.(*Error)
	}
	_ = e.master.Close()

	end := e.elapsedLocked()
	e.sess.Duration = end
	_ = e.store.UpdateSessionDuration(e.sess.ID, end)

	e.lastErr = cause
	if cause != nil {
		reason = cause.Error()
	}
	e.hub.Publish(events.Event{
		Type:           events.TypeCaptureStopped,
		CaptureStopped: &events.CaptureStopped{SessionID: e.sess.ID, Reason: reason},
	})
	e.log(diaglog.LogEntry{Event: diaglog.EventCaptureStop, SessionID: e.sess.ID, Reason: reason})
}

// checkFreeSpaceLocked enforces the storage floor.
func (e *Engine) checkFreeSpaceLocked() error {
	free, err := e.freeSpace(e.cfg.Dir)
	if err != nil {
		// A failing probe must not kill capture.
		return nil
	}
	if free < e.cfg.MinFreeBytes {
		return newError(KindInsufficientStorage,
			fmt.Sprintf("%d bytes free, floor is %d", free, e.cfg.MinFreeBytes), nil)
	}
	return nil
}

// elapsedLocked converts the captured byte count to session time.
func (e *Engine) elapsedLocked() time.Duration {
	bps := e.profile.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(e.bytes) * time.Second / time.Duration(bps)
}

func (e *Engine) log(entry diaglog.LogEntry) {
	if entry.Component == "" {
		entry.Component = diaglog.ComponentCapture
	}
	e.logger.Log(entry)
}

// classifySourceErr keeps a source's own classification and wraps anything
// else as an engine failure.
func classifySourceErr(err error) *Error {
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return newError(KindEngineFailure, "start input stream", err)
}

// classifyWriteErr distinguishes disk-full from other write failures.
func classifyWriteErr(err error) *Error {
	if strings.Contains(err.Error(), "no space left") {
		return newError(KindInsufficientStorage, "disk full during write", err)
	}
	return newError(KindFileWriteError, "write audio buffer", err)
}

// amplitude returns the normalized RMS level of a little-endian 16-bit PCM
// buffer.
func amplitude(p []byte) float64 {
	n := len(p) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(p); i += 2 {
		s := int16(uint16(p[i]) | uint16(p[i+1])<<8)
		f := float64(s)
		sum += f * f
	}
	level := math.Sqrt(sum/float64(n)) / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}

var illegalTitleChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
var titleWhitespace = regexp.MustCompile(`[\s_]+`)

// sanitizeTitle makes a session title safe for use in a directory name.
func sanitizeTitle(title string) string {
	if title == "" {
		return "Session"
	}
	s := illegalTitleChars.ReplaceAllString(title, "_")
	s = titleWhitespace.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.TrimRight(s[:50], "-")
	}
	if s == "" {
		return "Session"
	}
	return s
}
