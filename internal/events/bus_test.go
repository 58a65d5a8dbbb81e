package events

import (
	"testing"
	"time"
)

func TestBus_DeliversToMatchingSubscribers(t *testing.T) {
	b := NewBus()

	tunes, cancelTunes := b.Subscribe(KindTuneChanged)
	defer cancelTunes()
	all, cancelAll := b.Subscribe()
	defer cancelAll()

	b.Emit(KindTuneChanged, map[string]string{"tune_id": "t1"})
	b.Emit(KindSyncCompleted, nil)

	select {
	case ev := <-tunes:
		if ev.Kind != KindTuneChanged {
			t.Errorf("kind = %s, want tune_changed", ev.Kind)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}

	// The filtered subscriber must not see the sync event.
	select {
	case ev := <-tunes:
		t.Fatalf("unexpected event %s on filtered subscriber", ev.Kind)
	default:
	}

	// The unfiltered subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("unfiltered subscriber missing event %d", i)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(KindTuneChanged)
	defer cancel()

	// Overflow the subscriber buffer; publishes must still return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(KindTuneChanged, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_CancelIsIdempotent(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(KindTuneChanged)

	cancel()
	cancel() // second cancel must not panic

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic either.
	b.Emit(KindTuneChanged, nil)
}
