// Package notify is the thin façade the data layer publishes through: one
// NotifyChange call fans out to the local event bus, mirrors to other
// instances via the broadcast adapter, and raises the generic
// DATABASE_CHANGED umbrella event.
package notify

import (
	"log"
	"os"

	"github.com/mkrall/hobbyd/internal/event"
)

// Broadcaster mirrors an event to other instances. *broadcast.Adapter
// satisfies this; a nil Broadcaster means the instance runs standalone.
type Broadcaster interface {
	Broadcast(typ event.Name, data any) error
}

// Notifier combines the bus and the broadcast channel into one call.
type Notifier struct {
	bus       *event.Bus
	broadcast Broadcaster
	logger    *log.Logger
}

// New creates a notifier. broadcast may be nil for standalone operation.
func New(bus *event.Bus, broadcast Broadcaster, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{
		bus:       bus,
		broadcast: broadcast,
		logger:    logger,
	}
}

// NotifyChange publishes an event locally, mirrors it to other instances,
// and raises the umbrella events: the per-entity {ENTITY}_CHANGED variant
// when typ is a lifecycle event, and DATABASE_CHANGED always. Broadcast
// failures are logged, never propagated: by the time a notification fires
// the commit has already succeeded, and notification is fire-and-forget.
func (n *Notifier) NotifyChange(typ event.Name, payload any) {
	n.bus.Publish(typ, payload)

	if changed, ok := event.ChangedVariant(typ); ok {
		n.bus.Publish(changed, payload)
	}

	if n.broadcast != nil {
		if err := n.broadcast.Broadcast(typ, payload); err != nil {
			n.logger.Printf("Failed to broadcast %s: %v", typ, err)
		}
	}

	if typ != event.DatabaseChanged {
		n.bus.Publish(event.DatabaseChanged, payload)
	}
}

// Publish publishes locally without the DATABASE_CHANGED umbrella or the
// cross-instance mirror. Used for derived events (global sync state) that
// each instance recomputes for itself.
func (n *Notifier) Publish(typ event.Name, payload any) {
	n.bus.Publish(typ, payload)
}

// Bus exposes the underlying event bus for subscribers.
func (n *Notifier) Bus() *event.Bus {
	return n.bus
}
