package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiroq/voxlog/internal/events"
	"github.com/tiroq/voxlog/internal/model"
	"github.com/tiroq/voxlog/internal/transcriber"
	"github.com/tiroq/voxlog/testutil"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu             sync.Mutex
	segments       map[string]*model.AudioSegment
	transcriptions map[string]*model.Transcription
}

func newMemStore() *memStore {
	return &memStore{
		segments:       make(map[string]*model.AudioSegment),
		transcriptions: make(map[string]*model.Transcription),
	}
}

func (m *memStore) add(seg model.AudioSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := seg
	m.segments[seg.ID] = &cp
}

func (m *memStore) get(id string) model.AudioSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.segments[id]
}

func (m *memStore) Segment(id string) (*model.AudioSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return nil, nil
	}
	cp := *seg
	return &cp, nil
}

func (m *memStore) SegmentsForSession(sessionID string) ([]model.AudioSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AudioSegment
	for _, seg := range m.segments {
		if seg.SessionID == sessionID {
			out = append(out, *seg)
		}
	}
	return out, nil
}

func (m *memStore) SweepableSegments(bound int) ([]model.AudioSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AudioSegment
	for _, seg := range m.segments {
		switch {
		case seg.Status == model.StatusFailed && seg.RetryCount < bound:
		case (seg.Status == model.StatusNotStarted || seg.Status == model.StatusInProgress) && seg.End > seg.Start:
		default:
			continue
		}
		out = append(out, *seg)
	}
	return out, nil
}

func (m *memStore) UpdateSegmentState(id string, status model.SegmentStatus, retryCount int, progress float64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return errors.New("no such segment")
	}
	if retryCount < seg.RetryCount {
		return fmt.Errorf("retryCount went backwards: %d -> %d", seg.RetryCount, retryCount)
	}
	seg.Status = status
	seg.RetryCount = retryCount
	seg.Progress = progress
	seg.LastError = lastError
	return nil
}

func (m *memStore) SaveTranscription(t *model.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transcriptions[t.SegmentID] = &cp
	return nil
}

func (m *memStore) TranscriptionForSegment(segmentID string) (*model.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcriptions[segmentID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// fakeBackend scripts transcription outcomes and counts calls.
type fakeBackend struct {
	name  string
	calls atomic.Int64
	fn    func(filePath string) (*transcriber.Result, error)
	block chan struct{} // if non-nil, Transcribe waits on it
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Transcribe(ctx context.Context, filePath string) (*transcriber.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(filePath)
	}
	return &transcriber.Result{Text: "hello", Confidence: 0.9}, nil
}

func alwaysFail(kind transcriber.Kind) func(string) (*transcriber.Result, error) {
	return func(string) (*transcriber.Result, error) {
		return nil, &transcriber.Error{Kind: kind, Message: "scripted failure"}
	}
}

// fakeConn is a settable Connectivity.
type fakeConn struct{ online atomic.Bool }

func (f *fakeConn) Online() bool { return f.online.Load() }

func onlineConn() *fakeConn {
	c := &fakeConn{}
	c.online.Store(true)
	return c
}

func newTestPipeline(st Store, remote, local transcriber.Backend, conn Connectivity) (*Pipeline, *events.Hub) {
	hub := events.NewHub()
	p := New(Config{BaseDelay: time.Millisecond, SweepInterval: time.Hour}, st, remote, local, conn, hub)
	return p, hub
}

func seg(id, session string) model.AudioSegment {
	return model.AudioSegment{
		ID:        id,
		SessionID: session,
		Path:      "/tmp/" + id + ".wav",
		Status:    model.StatusNotStarted,
		End:       30 * time.Second,
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestBackoff_Exponential(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for n := 1; n <= 4; n++ {
		got := Backoff(n, base)
		if got != want[n-1] {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, want[n-1])
		}
	}
}

func TestRemoteSuccess(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.StatusCompleted, got.Status, "status")
	testutil.AssertEqual(t, "", got.LastError, "lastError cleared")
	testutil.AssertEqual(t, 1.0, got.Progress, "progress")
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertEqual(t, model.SourceRemote, tr.Source, "source")
	testutil.AssertEqual(t, int64(0), local.calls.Load(), "local not called")
}

func TestRemoteEmptyText_FailsThroughRetryLadder(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote", fn: func(string) (*transcriber.Result, error) {
		return &transcriber.Result{Text: "   ", Confidence: 0.9}, nil
	}}
	local := &fakeBackend{name: "local"}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted
	}, 5*time.Second, time.Millisecond, "completes via fallback, never on empty text")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.MaxRetries, got.RetryCount, "empty responses consumed the retry ladder")
	testutil.AssertEqual(t, int64(5), remote.calls.Load(), "five remote attempts")
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertEqual(t, model.SourceLocal, tr.Source, "completed by the recognizer, not the empty upload")
	testutil.AssertTrue(t, tr.Text != "", "stored transcription is non-empty")
}

func TestLocalEmptyText_NotCompleted(t *testing.T) {
	st := newMemStore()
	s := seg("s1", "sess")
	s.Status = model.StatusFailed
	s.RetryCount = model.MaxRetries
	st.add(s)
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local", fn: func(string) (*transcriber.Result, error) {
		return &transcriber.Result{Text: "", Confidence: 0.5}, nil
	}}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.StatusFailed, got.Status, "empty text never completes")
	testutil.AssertTrue(t, got.Terminal(), "terminal at the ceiling")
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertTrue(t, tr == nil, "no empty transcription stored")
}

func TestEnqueue_Idempotent(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote", block: make(chan struct{})}
	local := &fakeBackend{name: "local"}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	testutil.AssertEventually(t, func() bool { return remote.calls.Load() == 1 },
		time.Second, time.Millisecond, "first attempt started")

	// Re-enqueue while the first attempt is still in flight.
	p.Enqueue("s1")
	p.Enqueue("s1")
	close(remote.block)
	p.Wait()

	testutil.AssertEqual(t, int64(1), remote.calls.Load(), "attempt ran once")
}

func TestPermanentRemoteFailure_FallsBackToLocal(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote", fn: alwaysFail(transcriber.KindNetwork)}
	local := &fakeBackend{name: "local"}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted
	}, 5*time.Second, time.Millisecond, "segment completes via fallback")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.MaxRetries, got.RetryCount, "retry ceiling reached")
	testutil.AssertEqual(t, int64(5), remote.calls.Load(), "exactly five remote attempts")
	testutil.AssertEqual(t, int64(1), local.calls.Load(), "one local attempt")
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertEqual(t, model.SourceLocal, tr.Source, "source is local")
}

func TestLocalFailure_Terminal(t *testing.T) {
	st := newMemStore()
	s := seg("s1", "sess")
	s.Status = model.StatusFailed
	s.RetryCount = model.MaxRetries
	st.add(s)
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local", fn: alwaysFail(transcriber.KindEmptyResult)}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Enqueue("s1")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.StatusFailed, got.Status, "status")
	testutil.AssertEqual(t, model.MaxRetries, got.RetryCount, "retryCount unchanged")
	testutil.AssertTrue(t, got.Terminal(), "terminal failure")
	testutil.AssertStringContains(t, got.LastError, "no speech", "error recorded")
	testutil.AssertEqual(t, int64(0), remote.calls.Load(), "remote not attempted past ceiling")

	// Terminal means terminal: a sweep must not pick it up again.
	p.Sweep()
	p.Wait()
	testutil.AssertEqual(t, int64(1), local.calls.Load(), "no retry after terminal failure")
}

func TestOffline_SkipsRemote(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	conn := &fakeConn{} // offline
	p, _ := newTestPipeline(st, remote, local, conn)

	p.Enqueue("s1")
	p.Wait()

	testutil.AssertEqual(t, int64(0), remote.calls.Load(), "remote skipped while offline")
	testutil.AssertEqual(t, int64(1), local.calls.Load(), "local ran immediately")
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertEqual(t, model.SourceLocal, tr.Source, "source is local")
}

func TestOfflineLocalFailure_StaysRetryable(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local", fn: alwaysFail(transcriber.KindUnavailable)}
	conn := &fakeConn{}
	p, _ := newTestPipeline(st, remote, local, conn)

	p.Enqueue("s1")
	p.Wait()

	got := st.get("s1")
	testutil.AssertEqual(t, model.StatusFailed, got.Status, "status")
	testutil.AssertFalse(t, got.Terminal(), "still below retry ceiling")

	// Back online, the sweep retries remotely and completes.
	conn.online.Store(true)
	p.Sweep()
	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted
	}, 5*time.Second, time.Millisecond, "recovered once online")
	p.Wait()
	tr, _ := st.TranscriptionForSegment("s1")
	testutil.AssertEqual(t, model.SourceRemote, tr.Source, "remote after recovery")
}

func TestSessionProcessed_ExactlyOnce(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	st.add(seg("s2", "sess"))
	remote := &fakeBackend{name: "remote", fn: func(path string) (*transcriber.Result, error) {
		return &transcriber.Result{Text: "text for " + path, Confidence: 0.9}, nil
	}}
	local := &fakeBackend{name: "local"}
	p, hub := newTestPipeline(st, remote, local, onlineConn())

	evs, cancel := hub.Subscribe()
	defer cancel()
	var processed atomic.Int64
	go func() {
		for ev := range evs {
			if ev.Type == events.TypeSessionProcessed {
				processed.Add(1)
			}
		}
	}()

	// Both segments finalize concurrently.
	p.Enqueue("s1")
	p.Enqueue("s2")
	p.Wait()

	t1, _ := st.TranscriptionForSegment("s1")
	t2, _ := st.TranscriptionForSegment("s2")
	testutil.AssertStringContains(t, t1.Text, "s1", "segment one text")
	testutil.AssertStringContains(t, t2.Text, "s2", "segment two text")

	testutil.AssertEventually(t, func() bool { return processed.Load() == 1 },
		time.Second, time.Millisecond, "all-processed fired")
	// Late enqueue of an already-completed segment must not re-fire it.
	p.Enqueue("s1")
	p.Wait()
	testutil.AssertNever(t, func() bool { return processed.Load() > 1 },
		50*time.Millisecond, 5*time.Millisecond, "all-processed fired once")
}

func TestSessionProcessed_HeldBackByOpenSegment(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	open := seg("s2", "sess") // still capturing
	st.add(open)
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	p, hub := newTestPipeline(st, remote, local, onlineConn())

	evs, cancel := hub.Subscribe()
	defer cancel()
	var processed atomic.Int64
	go func() {
		for ev := range evs {
			if ev.Type == events.TypeSessionProcessed {
				processed.Add(1)
			}
		}
	}()

	p.Enqueue("s1")
	p.Wait()
	testutil.AssertNever(t, func() bool { return processed.Load() > 0 },
		50*time.Millisecond, 5*time.Millisecond, "not fired while a segment is open")
}

func TestRun_SegmentFinalizedEventEnqueues(t *testing.T) {
	st := newMemStore()
	st.add(seg("s1", "sess"))
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	p, hub := newTestPipeline(st, remote, local, onlineConn())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	hub.Publish(events.Event{
		Type:             events.TypeSegmentFinalized,
		SegmentFinalized: &events.SegmentFinalized{SessionID: "sess", SegmentID: "s1"},
	})

	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted
	}, time.Second, time.Millisecond, "finalized segment transcribed")
}

func TestSweep_RecoversStrandedSegmentsAfterRestart(t *testing.T) {
	st := newMemStore()
	// A restart mid-attempt leaves in_progress rows with no in-memory state;
	// a dropped finalized event leaves not_started rows. Both are finalized
	// (End > Start) and must be swept. The open segment of a live capture has
	// End == Start and must not be.
	inflight := seg("s1", "sess")
	inflight.Status = model.StatusInProgress
	st.add(inflight)
	st.add(seg("s2", "sess"))
	open := seg("s3", "sess")
	open.End = 0
	st.add(open)
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	p.Sweep()
	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted &&
			st.get("s2").Status == model.StatusCompleted
	}, time.Second, time.Millisecond, "stranded segments transcribed")
	p.Wait()

	testutil.AssertEqual(t, model.StatusNotStarted, st.get("s3").Status, "open segment untouched")
	testutil.AssertEqual(t, int64(2), remote.calls.Load(), "one attempt per stranded segment")
}

func TestTriggerSweep_PreemptsTicker(t *testing.T) {
	st := newMemStore()
	s := seg("s1", "sess")
	s.Status = model.StatusFailed
	s.RetryCount = 2
	st.add(s)
	remote := &fakeBackend{name: "remote"}
	local := &fakeBackend{name: "local"}
	// Hour-long sweep interval: only the explicit trigger can run it.
	p, _ := newTestPipeline(st, remote, local, onlineConn())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.TriggerSweep()
	testutil.AssertEventually(t, func() bool {
		return st.get("s1").Status == model.StatusCompleted
	}, time.Second, time.Millisecond, "sweep ran immediately on trigger")
}
