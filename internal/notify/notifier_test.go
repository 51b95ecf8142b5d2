package notify

import (
	"errors"
	"testing"

	"github.com/mkrall/hobbyd/internal/event"
)

type fakeBroadcaster struct {
	sent []event.Name
	err  error
}

func (f *fakeBroadcaster) Broadcast(typ event.Name, data any) error {
	f.sent = append(f.sent, typ)
	return f.err
}

func TestNotifyChangeFansOut(t *testing.T) {
	bus := event.NewBus(nil)
	bc := &fakeBroadcaster{}
	n := New(bus, bc, nil)

	var local []event.Name
	for _, name := range []event.Name{event.GoalAdded, event.GoalChanged, event.DatabaseChanged} {
		nm := name
		bus.Subscribe(nm, func(event.Message) { local = append(local, nm) })
	}

	n.NotifyChange(event.GoalAdded, event.IDPayload{ID: "g1"})

	if len(local) != 3 {
		t.Fatalf("local fan-out = %v", local)
	}
	if local[0] != event.GoalAdded || local[1] != event.GoalChanged || local[2] != event.DatabaseChanged {
		t.Errorf("fan-out order = %v", local)
	}

	// Only the specific event crosses instances; derived umbrella events
	// are recomputed on the receiving side.
	if len(bc.sent) != 1 || bc.sent[0] != event.GoalAdded {
		t.Errorf("broadcast = %v, want just GOAL_ADDED", bc.sent)
	}
}

func TestBroadcastFailureDoesNotBlockLocal(t *testing.T) {
	bus := event.NewBus(nil)
	bc := &fakeBroadcaster{err: errors.New("hub down")}
	n := New(bus, bc, nil)

	delivered := false
	bus.Subscribe(event.CategoryAdded, func(event.Message) { delivered = true })

	n.NotifyChange(event.CategoryAdded, nil)

	if !delivered {
		t.Error("local delivery should not depend on broadcast success")
	}
}

func TestStandaloneWithoutBroadcaster(t *testing.T) {
	bus := event.NewBus(nil)
	n := New(bus, nil, nil)

	delivered := false
	bus.Subscribe(event.HobbyAdded, func(event.Message) { delivered = true })
	n.NotifyChange(event.HobbyAdded, nil)

	if !delivered {
		t.Error("standalone notifier should still publish locally")
	}
}

func TestPublishIsLocalOnly(t *testing.T) {
	bus := event.NewBus(nil)
	bc := &fakeBroadcaster{}
	n := New(bus, bc, nil)

	n.Publish(event.SyncStarted, nil)

	if len(bc.sent) != 0 {
		t.Errorf("Publish should never broadcast, sent %v", bc.sent)
	}
}
