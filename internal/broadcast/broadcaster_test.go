package broadcast

import (
	"testing"

	"orderflow/internal/model"
)

func snapshot(ts int64) *model.Snapshot {
	return &model.Snapshot{Symbol: "BTCUSDT", TimestampMs: ts}
}

func TestFullSubscriberDropsForThatSubscriberOnly(t *testing.T) {
	b := NewBroadcaster(1, 1)
	slow := b.Subscribe("slow")
	fast := b.Subscribe("fast")

	first := snapshot(1000)
	second := snapshot(2000)

	b.PublishSnapshot(first)
	if got := <-fast.Snapshots(); got != first {
		t.Fatalf("fast subscriber got %+v, want first snapshot", got)
	}

	// slow still holds the first snapshot, so its buffer is full.
	b.PublishSnapshot(second)

	if got := <-fast.Snapshots(); got != second {
		t.Fatalf("fast subscriber got %+v, want second snapshot", got)
	}
	if fast.Dropped() != 0 {
		t.Fatalf("fast subscriber dropped %d, want 0", fast.Dropped())
	}
	if slow.Dropped() != 1 {
		t.Fatalf("slow subscriber dropped %d, want 1", slow.Dropped())
	}
	if got := <-slow.Snapshots(); got != first {
		t.Fatalf("slow subscriber got %+v, want first snapshot", got)
	}
	if len(slow.Snapshots()) != 0 {
		t.Fatal("slow subscriber should not have received the dropped snapshot")
	}
}

func TestDeliveryOrderFollowsSubscriptionOrder(t *testing.T) {
	b := NewBroadcaster(4, 4)
	b.Subscribe("dashboard")
	second := b.Subscribe("signal")
	b.Subscribe("recorder")

	names := b.SubscriberNames()
	want := []string{"dashboard", "signal", "recorder"}
	if len(names) != len(want) {
		t.Fatalf("got %d subscribers, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("subscriber %d is %q, want %q", i, names[i], want[i])
		}
	}

	b.Unsubscribe(second)
	names = b.SubscriberNames()
	if len(names) != 2 || names[0] != "dashboard" || names[1] != "recorder" {
		t.Fatalf("after unsubscribe got %v, want [dashboard recorder]", names)
	}
}

func TestSubscribersShareOneSnapshot(t *testing.T) {
	b := NewBroadcaster(1, 1)
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	snap := snapshot(5000)
	b.PublishSnapshot(snap)

	if got := <-a.Snapshots(); got != snap {
		t.Fatal("first subscriber received a different snapshot")
	}
	if got := <-c.Snapshots(); got != snap {
		t.Fatal("second subscriber received a different snapshot")
	}
}

func TestEventsDropWhenBufferFull(t *testing.T) {
	b := NewBroadcaster(1, 1)
	sub := b.Subscribe("signal")

	trade := &model.Trade{Exchange: model.ExchangeBinance, Symbol: "BTCUSDT", Notional: 2_000_000}
	b.PublishEvent(Event{Type: EventLargeTrade, TimestampMs: 1000, Trade: trade})
	b.PublishEvent(Event{Type: EventLargeTrade, TimestampMs: 2000, Trade: trade})

	if sub.Dropped() != 1 {
		t.Fatalf("dropped %d events, want 1", sub.Dropped())
	}
	got := <-sub.Events()
	if got.Type != EventLargeTrade || got.TimestampMs != 1000 {
		t.Fatalf("got event %+v, want the first large trade", got)
	}
	if len(sub.Events()) != 0 {
		t.Fatal("second event should have been dropped")
	}
}

func TestUnsubscribeClosesChannelsAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster(2, 2)
	gone := b.Subscribe("gone")
	kept := b.Subscribe("kept")

	b.Unsubscribe(gone)
	if _, ok := <-gone.Snapshots(); ok {
		t.Fatal("snapshot channel should be closed after unsubscribe")
	}
	if _, ok := <-gone.Events(); ok {
		t.Fatal("event channel should be closed after unsubscribe")
	}

	snap := snapshot(1000)
	b.PublishSnapshot(snap)
	if got := <-kept.Snapshots(); got != snap {
		t.Fatal("remaining subscriber should still receive snapshots")
	}
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	b := NewBroadcaster(2, 2)
	sub := b.Subscribe("only")

	b.Close()
	if _, ok := <-sub.Snapshots(); ok {
		t.Fatal("snapshot channel should be closed")
	}

	// Publishing after close is a no-op rather than a panic.
	b.PublishSnapshot(snapshot(1000))
	b.PublishEvent(Event{Type: EventCascade, TimestampMs: 1000})

	late := b.Subscribe("late")
	if _, ok := <-late.Snapshots(); ok {
		t.Fatal("subscriptions made after close should start closed")
	}
}
