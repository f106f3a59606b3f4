// Package pipeline routes finalized audio segments through transcription: a
// bounded set of concurrent per-segment jobs with exponential-backoff retry,
// network gating, and remote→local fallback after the retry ceiling. Each
// segment is processed by at most one attempt at a time; an in-memory active
// set makes enqueueing idempotent.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/voxlog/internal/diaglog"
	"github.com/tiroq/voxlog/internal/events"
	"github.com/tiroq/voxlog/internal/model"
	"github.com/tiroq/voxlog/internal/transcriber"
)

// Store is the persistence surface the pipeline needs. The pipeline writes
// only status/retry/progress/error and transcriptions; timing belongs to the
// capture engine.
type Store interface {
	Segment(id string) (*model.AudioSegment, error)
	SegmentsForSession(sessionID string) ([]model.AudioSegment, error)
	SweepableSegments(bound int) ([]model.AudioSegment, error)
	UpdateSegmentState(id string, status model.SegmentStatus, retryCount int, progress float64, lastError string) error
	SaveTranscription(*model.Transcription) error
	TranscriptionForSegment(segmentID string) (*model.Transcription, error)
}

// Connectivity is the single boolean the pipeline polls at decision points.
type Connectivity interface {
	Online() bool
}

// Config configures the pipeline.
type Config struct {
	MaxRetries    int           // remote attempts before local fallback, default 5
	BaseDelay     time.Duration // backoff base, default 2s
	SweepInterval time.Duration // periodic re-scan interval, default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = model.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Backoff returns the re-enqueue delay after the nth failure: 2^n * base.
func Backoff(n int, base time.Duration) time.Duration {
	return time.Duration(1<<uint(n)) * base
}

// Pipeline owns per-segment job state.
type Pipeline struct {
	cfg    Config
	store  Store
	remote transcriber.Backend
	local  transcriber.Backend
	conn   Connectivity
	hub    *events.Hub
	logger *diaglog.Logger

	mu        sync.Mutex
	active    map[string]struct{} // segment ids with an attempt in flight
	processed map[string]bool     // sessions whose all-processed event fired

	sweepNow chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pipeline. remote may only be called while conn reports
// online; local has no network dependency.
func New(cfg Config, st Store, remote, local transcriber.Backend, conn Connectivity, hub *events.Hub) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg.withDefaults(),
		store:     st,
		remote:    remote,
		local:     local,
		conn:      conn,
		hub:       hub,
		active:    make(map[string]struct{}),
		processed: make(map[string]bool),
		sweepNow:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (p *Pipeline) SetLogger(l *diaglog.Logger) {
	p.mu.Lock()
	p.logger = l
	p.mu.Unlock()
}

// Run consumes segment-finalized events and drives the periodic sweep until
// ctx is done. Call in a goroutine. Stopping capture does not stop the
// pipeline; enqueued segments still get transcribed.
func (p *Pipeline) Run(ctx context.Context) {
	evs, unsub := p.hub.Subscribe()
	defer unsub()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-evs:
			if ev.Type == events.TypeSegmentFinalized && ev.SegmentFinalized != nil {
				p.Enqueue(ev.SegmentFinalized.SegmentID)
			}
		case <-ticker.C:
			p.Sweep()
		case <-p.sweepNow:
			p.Sweep()
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// TriggerSweep requests an immediate sweep, pre-empting the periodic tick.
// The connectivity monitor calls this on the offline→online edge.
func (p *Pipeline) TriggerSweep() {
	select {
	case p.sweepNow <- struct{}{}:
	default:
	}
}

// Sweep re-enqueues every segment that still needs pipeline work: failed
// under the retry ceiling, plus finalized segments stranded in not_started or
// in_progress (a dropped finalized event, or a restart mid-attempt). Backoff
// timers and the active set live only in memory; this sweep is what recovers
// their segments, at the cost of up to one interval of delay.
func (p *Pipeline) Sweep() {
	segs, err := p.store.SweepableSegments(p.cfg.MaxRetries)
	if err != nil {
		p.log(diaglog.LogEntry{Event: diaglog.EventSweep, Reason: err.Error()})
		return
	}
	p.log(diaglog.LogEntry{Event: diaglog.EventSweep, Payload: map[string]interface{}{"candidates": len(segs)}})
	for i := range segs {
		p.Enqueue(segs[i].ID)
	}
}

// Enqueue starts an attempt for the segment unless one is already in flight.
// Idempotent: a segment enqueued twice while active is a no-op, which is
// what prevents duplicate uploads and racing writes to the same record.
func (p *Pipeline) Enqueue(segmentID string) {
	p.mu.Lock()
	if _, inFlight := p.active[segmentID]; inFlight {
		p.mu.Unlock()
		p.log(diaglog.LogEntry{Event: diaglog.EventEnqueueDuplicate, SegmentID: segmentID})
		return
	}
	p.active[segmentID] = struct{}{}
	p.mu.Unlock()

	p.log(diaglog.LogEntry{Event: diaglog.EventEnqueue, SegmentID: segmentID})
	p.wg.Add(1)
	go p.process(segmentID)
}

// Wait blocks until all in-flight attempts finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight attempts and waits for them.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// process runs one attempt for one segment. It is the only goroutine
// touching this segment while its id is in the active set.
func (p *Pipeline) process(segmentID string) {
	defer func() {
		p.mu.Lock()
		delete(p.active, segmentID)
		p.mu.Unlock()
		p.wg.Done()
	}()

	seg, err := p.store.Segment(segmentID)
	if err != nil || seg == nil {
		return
	}
	if seg.Status == model.StatusCompleted {
		return
	}

	switch {
	case !p.conn.Online():
		// Offline (or user-forced offline): skip the remote branch rather
		// than waiting to fail it.
		p.localAttempt(seg)
	case seg.RetryCount >= p.cfg.MaxRetries:
		p.localAttempt(seg)
	default:
		p.remoteAttempt(seg)
	}
}

// remoteAttempt uploads the segment to the transcription service.
func (p *Pipeline) remoteAttempt(seg *model.AudioSegment) {
	p.setState(seg, model.StatusInProgress, seg.RetryCount, 0.1, seg.LastError)
	p.log(diaglog.LogEntry{Event: diaglog.EventRemoteAttempt, SessionID: seg.SessionID, SegmentID: seg.ID,
		Payload: map[string]interface{}{"retry_count": seg.RetryCount}})

	res, err := p.remote.Transcribe(p.ctx, seg.Path)
	if err == nil {
		// A 200 with no text must not complete the segment; completed
		// requires a non-empty transcription.
		if strings.TrimSpace(res.Text) == "" {
			err = &transcriber.Error{Kind: transcriber.KindEmptyResult, Message: "empty transcript from service"}
		} else {
			p.complete(seg, res, model.SourceRemote)
			return
		}
	}

	retry := seg.RetryCount + 1
	p.setState(seg, model.StatusFailed, retry, 0, err.Error())
	p.log(diaglog.LogEntry{Event: diaglog.EventRemoteFailed, SessionID: seg.SessionID, SegmentID: seg.ID,
		Reason: err.Error(), Payload: map[string]interface{}{"retry_count": retry}})

	if retry >= p.cfg.MaxRetries {
		// Remote path exhausted; the next attempt is local, not another
		// remote backoff.
		p.localAttempt(seg)
		return
	}

	delay := Backoff(retry, p.cfg.BaseDelay)
	p.log(diaglog.LogEntry{Event: diaglog.EventBackoffScheduled, SegmentID: seg.ID,
		Payload: map[string]interface{}{"delay_ms": delay.Milliseconds()}})
	id := seg.ID
	time.AfterFunc(delay, func() {
		select {
		case <-p.ctx.Done():
		default:
			p.Enqueue(id)
		}
	})
}

// localAttempt runs the on-device recognizer. Failure here with the retry
// ceiling reached is terminal and user-visible; there is no further retry.
func (p *Pipeline) localAttempt(seg *model.AudioSegment) {
	p.setState(seg, model.StatusInProgress, seg.RetryCount, 0.1, seg.LastError)
	p.log(diaglog.LogEntry{Event: diaglog.EventLocalFallback, SessionID: seg.SessionID, SegmentID: seg.ID})

	res, err := p.local.Transcribe(p.ctx, seg.Path)
	if err == nil {
		if strings.TrimSpace(res.Text) == "" {
			err = &transcriber.Error{Kind: transcriber.KindEmptyResult, Message: "empty transcript from recognizer"}
		} else {
			p.complete(seg, res, model.SourceLocal)
			return
		}
	}

	p.setState(seg, model.StatusFailed, seg.RetryCount, 0, err.Error())
	if seg.Terminal() {
		p.log(diaglog.LogEntry{Event: diaglog.EventSegmentTerminal, SessionID: seg.SessionID,
			SegmentID: seg.ID, Reason: err.Error()})
	}
	p.checkSessionProcessed(seg.SessionID)
}

// complete stores the transcription and marks the segment done.
func (p *Pipeline) complete(seg *model.AudioSegment, res *transcriber.Result, source model.TranscriptionSource) {
	t := &model.Transcription{
		ID:         seg.ID + ":" + string(source),
		SegmentID:  seg.ID,
		Text:       res.Text,
		Confidence: res.Confidence,
		Source:     source,
		CreatedAt:  time.Now(),
	}
	if err := p.store.SaveTranscription(t); err != nil {
		// Treat a failed save like a failed attempt; the sweep will retry.
		retry := seg.RetryCount + 1
		p.setState(seg, model.StatusFailed, retry, 0, "save transcription: "+err.Error())
		return
	}
	p.setState(seg, model.StatusCompleted, seg.RetryCount, 1.0, "")
	p.log(diaglog.LogEntry{Event: diaglog.EventSegmentCompleted, SessionID: seg.SessionID,
		SegmentID: seg.ID, Payload: map[string]interface{}{"source": string(source)}})
	p.checkSessionProcessed(seg.SessionID)
}

// setState persists the segment state and publishes the change.
func (p *Pipeline) setState(seg *model.AudioSegment, status model.SegmentStatus, retryCount int, progress float64, lastError string) {
	seg.Status = status
	seg.RetryCount = retryCount
	seg.Progress = progress
	seg.LastError = lastError
	_ = p.store.UpdateSegmentState(seg.ID, status, retryCount, progress, lastError)

	p.hub.Publish(events.Event{
		Type: events.TypeTranscriptionState,
		TranscriptionState: &events.TranscriptionState{
			SessionID:  seg.SessionID,
			SegmentID:  seg.ID,
			Status:     status,
			RetryCount: retryCount,
			Progress:   progress,
			LastError:  lastError,
		},
	})
}

// checkSessionProcessed fires the session-fully-processed event once all of
// the session's segments are terminal and at least one produced text. While
// capture is still running the open segment is non-terminal, which holds the
// event back until the session actually ends.
func (p *Pipeline) checkSessionProcessed(sessionID string) {
	segs, err := p.store.SegmentsForSession(sessionID)
	if err != nil || len(segs) == 0 {
		return
	}

	anyText := false
	for i := range segs {
		if !segs[i].Terminal() {
			return
		}
		if segs[i].Status != model.StatusCompleted {
			continue
		}
		t, err := p.store.TranscriptionForSegment(segs[i].ID)
		if err == nil && t != nil && t.Text != "" {
			anyText = true
		}
	}
	if !anyText {
		return
	}

	p.mu.Lock()
	if p.processed[sessionID] {
		p.mu.Unlock()
		return
	}
	p.processed[sessionID] = true
	p.mu.Unlock()

	p.log(diaglog.LogEntry{Event: diaglog.EventSessionProcessed, SessionID: sessionID})
	p.hub.Publish(events.Event{
		Type:             events.TypeSessionProcessed,
		SessionProcessed: &events.SessionProcessed{SessionID: sessionID},
	})
}

func (p *Pipeline) log(entry diaglog.LogEntry) {
	p.mu.Lock()
	l := p.logger
	p.mu.Unlock()
	if entry.Component == "" {
		entry.Component = diaglog.ComponentPipeline
	}
	l.Log(entry)
}
