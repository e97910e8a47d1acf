package events

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestBus(capacity int) *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBus(capacity, logger)
}

func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events, want %d", len(got), n)
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestPublishDelivery(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("")
	defer sub.Close()

	bus.Publish(Event{Facility: "f1", Kind: KindPingSent})
	bus.Publish(Event{Facility: "f1", Kind: KindPongReceived})

	got := collect(t, sub, 2, time.Second)
	if got[0].Kind != KindPingSent || got[1].Kind != KindPongReceived {
		t.Errorf("got kinds %q, %q in order", got[0].Kind, got[1].Kind)
	}
	if got[0].TS.IsZero() {
		t.Error("publish left TS unset")
	}
}

func TestFacilityFilter(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("f2")
	defer sub.Close()

	bus.Publish(Event{Facility: "f1", Kind: KindPingSent})
	bus.Publish(Event{Facility: "f2", Kind: KindPingSent})
	bus.Publish(Event{Facility: "f3", Kind: KindPingSent})
	bus.Publish(Event{Facility: "f2", Kind: KindPongReceived})

	got := collect(t, sub, 2, time.Second)
	for _, ev := range got {
		if ev.Facility != "f2" {
			t.Errorf("got event for facility %q, want only f2", ev.Facility)
		}
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := newTestBus(10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Facility: "f1", Kind: KindPingSent})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	const capacity = 8
	bus := newTestBus(capacity)
	sub := bus.Subscribe("")
	defer sub.Close()

	// The subscriber is not reading. Flood well past capacity; publish
	// must never block and the retained set must be the most recent
	// events in publish order.
	const total = 100
	for i := 0; i < total; i++ {
		bus.Publish(Event{Facility: "f1", Detail: fmt.Sprintf("%d", i)})
	}

	// One event may already be parked in the delivery channel; everything
	// read must be in order and from the tail of the stream.
	got := collect(t, sub, capacity, time.Second)
	for i := 1; i < len(got); i++ {
		if got[i-1].Detail >= got[i].Detail && len(got[i-1].Detail) == len(got[i].Detail) {
			t.Errorf("events out of publish order: %q before %q", got[i-1].Detail, got[i].Detail)
		}
	}
	last := got[len(got)-1].Detail
	if last != fmt.Sprintf("%d", total-1) {
		t.Errorf("last retained event = %q, want %q (drop-oldest, never drop-newest)", last, fmt.Sprintf("%d", total-1))
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("")
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", bus.SubscriberCount())
	}

	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count after close = %d, want 0", bus.SubscriberCount())
	}

	// Publishing after close must not panic or block.
	bus.Publish(Event{Facility: "f1", Kind: KindPingSent})

	// Events() must eventually close.
	select {
	case _, ok := <-sub.Events():
		if ok {
			// A buffered event delivered before close is fine; the
			// channel must still close after it.
			for range sub.Events() {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Events() not closed after unsubscribe")
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := newTestBus(10)
	sub := bus.Subscribe("")
	sub.Close()
	sub.Close()
}
