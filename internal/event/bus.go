// Package event provides the in-process publish/subscribe fabric every
// other hobbyd component publishes through.
//
// Delivery is synchronous and fire-and-forget: Publish invokes each
// subscriber in subscription order on the calling goroutine and returns
// nothing. A failing subscriber is isolated - it is recovered and logged,
// and must not prevent sibling subscribers from running or propagate to
// the publisher. Handlers therefore must not block.
package event

import (
	"log"
	"os"
	"sort"
	"sync"
)

// Source tags where a message originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Message is what subscribers receive.
type Message struct {
	Name   Name
	Data   any
	Source Source
}

// Handler consumes one published message.
type Handler func(msg Message)

// Bus is a process-local synchronous publish/subscribe registry keyed by
// event name. The zero value is not usable; construct with NewBus. Its
// lifecycle is the process lifetime: Clear/ClearAll are for teardown and
// tests only, never normal operation.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Name][]subscription
	logger *log.Logger
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an event bus. If logger is nil a default stderr logger is
// used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[Name][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for an event and returns an unsubscribe
// closure. Handlers for the same event run in subscription order.
func (b *Bus) Subscribe(name Name, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[name]
		i := sort.Search(len(subs), func(i int) bool { return subs[i].id >= id })
		if i < len(subs) && subs[i].id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
		}
	}
}

// Publish delivers a locally-originated message to every subscriber of the
// event, synchronously, in subscription order.
func (b *Bus) Publish(name Name, data any) {
	b.PublishFrom(name, data, SourceLocal)
}

// PublishFrom delivers a message with an explicit provenance tag. The
// broadcast adapter republishes relayed envelopes through this with
// SourceRemote.
func (b *Bus) PublishFrom(name Name, data any, source Source) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	msg := Message{Name: name, Data: data, Source: source}
	for _, sub := range subs {
		b.dispatch(name, sub, msg)
	}
}

// dispatch runs one handler, containing any panic so siblings and the
// publisher are unaffected.
func (b *Bus) dispatch(name Name, sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Subscriber for %s panicked: %v", name, r)
		}
	}()
	sub.handler(msg)
}

// Clear removes all subscriptions for one event.
func (b *Bus) Clear(name Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, name)
}

// ClearAll removes every subscription.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Name][]subscription)
}

// SubscriberCount reports how many handlers are registered for an event.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
