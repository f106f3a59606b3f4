package events

import (
	"testing"
	"time"

	"github.com/tiroq/voxlog/testutil"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe()
	defer cancelA()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish(Event{
		Type:             TypeSegmentFinalized,
		SegmentFinalized: &SegmentFinalized{SessionID: "s1", SegmentID: "seg1"},
	})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			testutil.AssertEqual(t, TypeSegmentFinalized, ev.Type, "event type")
			testutil.AssertEqual(t, "seg1", ev.SegmentFinalized.SegmentID, "payload")
			testutil.AssertFalse(t, ev.Timestamp.IsZero(), "timestamp stamped")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()

	cancel()
	cancel() // idempotent

	// The channel is closed; publishing afterwards must not panic.
	hub.Publish(Event{Type: TypeCaptureLevel, CaptureLevel: &CaptureLevel{Level: 0.1}})

	if _, ok := <-ch; ok {
		t.Fatal("received event after cancel")
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; Publish must return regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(Event{Type: TypeCaptureLevel, CaptureLevel: &CaptureLevel{Level: 0.5}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	testutil.AssertEqual(t, 64, len(ch), "buffer holds what fit, rest dropped")
}
