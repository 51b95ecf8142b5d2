package event

import (
	"testing"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []int
	bus.Subscribe(CategoryAdded, func(Message) { got = append(got, 1) })
	bus.Subscribe(CategoryAdded, func(Message) { got = append(got, 2) })
	bus.Subscribe(CategoryAdded, func(Message) { got = append(got, 3) })

	bus.Publish(CategoryAdded, nil)

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	unsub := bus.Subscribe(HobbyUpdated, func(Message) { calls++ })
	bus.Publish(HobbyUpdated, nil)
	unsub()
	bus.Publish(HobbyUpdated, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := bus.SubscriberCount(HobbyUpdated); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewBus(nil)
	unsub := bus.Subscribe(GoalAdded, func(Message) {})
	unsub()
	unsub()
	if n := bus.SubscriberCount(GoalAdded); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe(ProgressAdded, func(Message) { panic("handler bug") })
	bus.Subscribe(ProgressAdded, func(Message) { delivered = true })

	bus.Publish(ProgressAdded, nil)

	if !delivered {
		t.Error("panic in one handler suppressed delivery to the next")
	}
}

func TestPublishCarriesSource(t *testing.T) {
	bus := NewBus(nil)

	var got Source
	bus.Subscribe(DatabaseChanged, func(msg Message) { got = msg.Source })

	bus.PublishFrom(DatabaseChanged, nil, SourceRemote)
	if got != SourceRemote {
		t.Errorf("source = %s, want remote", got)
	}

	bus.Publish(DatabaseChanged, nil)
	if got != SourceLocal {
		t.Errorf("source = %s, want local", got)
	}
}

func TestForTable(t *testing.T) {
	events, ok := ForTable("hobbies")
	if !ok {
		t.Fatal("hobbies should have events")
	}
	if events.Added != HobbyAdded || events.Deleted != HobbyDeleted {
		t.Errorf("wrong events for hobbies: %+v", events)
	}
	if _, ok := ForTable("nonsense"); ok {
		t.Error("unknown table should have no events")
	}
}

func TestKnown(t *testing.T) {
	if !Known(GoalUpdated) {
		t.Error("GOAL_UPDATED should be known")
	}
	if !Known(EntitySyncStatusChanged.ForTable("goals")) {
		t.Error("per-table sync status variant should be known")
	}
	if Known("TOTALLY_MADE_UP") {
		t.Error("made-up name should not be known")
	}
}

func TestChangedVariant(t *testing.T) {
	got, ok := ChangedVariant(CategoryDeleted)
	if !ok || got != CategoryChanged {
		t.Errorf("ChangedVariant(CATEGORY_DELETED) = %s, %v", got, ok)
	}
	if _, ok := ChangedVariant(SyncStarted); ok {
		t.Error("sync events have no changed variant")
	}
}
