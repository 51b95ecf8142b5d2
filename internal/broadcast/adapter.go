package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkrall/hobbyd/internal/event"
)

// Envelope is the cross-instance message format. Timestamp is Unix
// milliseconds at send time; Source is rewritten to "remote" before the
// envelope is republished on the receiving side's bus.
type Envelope struct {
	Type      event.Name      `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Source    event.Source    `json:"source"`
}

// Adapter is one instance's end of the broadcast channel. On construction
// it dials the hub and installs a receive loop that validates inbound
// envelopes and republishes them on the local event bus tagged as remote.
//
// Close must be called exactly once at application teardown; broadcasting
// after Close fails.
type Adapter struct {
	conn   *websocket.Conn
	bus    *event.Bus
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAdapter dials the hub at url (see Hub.URL) and starts receiving.
func NewAdapter(ctx context.Context, url string, bus *event.Bus, logger *log.Logger) (*Adapter, error) {
	if logger == nil {
		logger = log.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broadcast hub %s: %w", url, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	a := &Adapter{
		conn:   conn,
		bus:    bus,
		logger: logger,
		ctx:    runCtx,
		cancel: runCancel,
	}

	a.wg.Add(1)
	go a.receiveLoop()

	return a, nil
}

// Broadcast posts an event to the hub for delivery to other instances.
// There is no acknowledgment protocol; delivery is best effort.
func (a *Adapter) Broadcast(typ event.Name, data any) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("broadcast adapter is closed")
	}
	a.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload for %s: %w", typ, err)
	}

	env := Envelope{
		Type:      typ,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
		Source:    event.SourceLocal,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", typ, err)
	}

	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()

	if err := a.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", typ, err)
	}
	return nil
}

// Close releases the channel. Safe against double invocation only in that
// the second call reports an error rather than panicking.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("broadcast adapter already closed")
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	err := a.conn.Close(websocket.StatusNormalClosure, "adapter closing")
	a.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close broadcast connection: %w", err)
	}
	return nil
}

// writeFrame sends a pre-encoded frame as-is. Tests use it to exercise
// the receiving side's envelope validation.
func (a *Adapter) writeFrame(ctx context.Context, raw []byte) error {
	return a.conn.Write(ctx, websocket.MessageText, raw)
}

// receiveLoop reads relayed envelopes and republishes valid ones on the
// local bus. Malformed envelopes are logged and dropped, never
// republished.
func (a *Adapter) receiveLoop() {
	defer a.wg.Done()

	for {
		_, raw, err := a.conn.Read(a.ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.logger.Printf("Dropping malformed broadcast message: %v", err)
			continue
		}
		if !event.Known(env.Type) {
			a.logger.Printf("Dropping broadcast message with unrecognized type %q", env.Type)
			continue
		}
		if env.Timestamp == 0 {
			a.logger.Printf("Dropping broadcast message for %s without timestamp", env.Type)
			continue
		}

		a.bus.PublishFrom(env.Type, env.Data, event.SourceRemote)
	}
}
