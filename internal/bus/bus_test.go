package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/user/claudedeck/internal/protocol"
)

// TestFanOut publishes one event and expects every subscriber to get it.
func TestFanOut(t *testing.T) {
	b := New()
	subs := []*Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}

	b.Publish(protocol.Event{Event: "session.created"})

	for i, sub := range subs {
		select {
		case ev := <-sub.C():
			if ev.Event != "session.created" {
				t.Errorf("subscriber %d got %q", i, ev.Event)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

// TestSlowSubscriberDropsOldest overfills a small queue and verifies
// the oldest events were evicted, the newest kept, and the lag counted.
func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(4)

	for i := 0; i < 10; i++ {
		b.Publish(protocol.Event{Event: fmt.Sprintf("ev-%d", i)})
	}

	if got := sub.Lagged(); got != 6 {
		t.Errorf("Lagged = %d, want 6", got)
	}
	want := []string{"ev-6", "ev-7", "ev-8", "ev-9"}
	for _, name := range want {
		ev := <-sub.C()
		if ev.Event != name {
			t.Errorf("got %q, want %q", ev.Event, name)
		}
	}
}

// TestLaggardDoesNotAffectOthers stalls one subscriber while a fast one
// drains; the fast one must see every event.
func TestLaggardDoesNotAffectOthers(t *testing.T) {
	b := New()
	slow := b.SubscribeBuffered(2)
	fast := b.SubscribeBuffered(64)

	const n = 50
	done := make(chan struct{})
	got := 0
	go func() {
		defer close(done)
		for range fast.C() {
			got++
			if got == n {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		b.Publish(protocol.Event{Event: "pty.output"})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber saw %d/%d events", got, n)
	}
	if slow.Lagged() == 0 {
		t.Error("slow subscriber should have lagged")
	}
}

// TestCloseUnsubscribes closes a subscriber, publishes, and expects its
// channel to be closed rather than receiving.
func TestCloseUnsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	b.Publish(protocol.Event{Event: "x"})

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after Close")
	}
}

// TestShutdownClosesAll shuts down the bus and expects all subscriber
// channels closed and later publishes to be no-ops.
func TestShutdownClosesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Shutdown()

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after Shutdown")
	}
	b.Publish(protocol.Event{Event: "x"}) // must not panic
}
