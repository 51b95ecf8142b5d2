// Package broadcast mirrors locally published events to other hobbyd
// instances on the same host, the way a browser BroadcastChannel mirrors
// events across same-origin tabs.
//
// A Hub is the shared relay: every application instance connects an
// Adapter to it over WebSocket. An envelope posted by one instance is
// relayed to every *other* connected instance; the originator does not
// receive its own messages back.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub relays envelopes between connected adapters.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	peers   map[*websocket.Conn]bool
	peersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:7411". Use port 0 for an
	// ephemeral port (tests).
	Addr string

	// Logger for hub activity (default: process logger).
	Logger *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Addr:   "127.0.0.1:7411",
		Logger: log.Default(),
	}
}

// NewHub creates a relay hub.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		addr:   config.Addr,
		peers:  make(map[*websocket.Conn]bool),
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
}

// Start begins listening and accepting adapter connections.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/channel", h.handleChannel)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Broadcast hub listening on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Hub server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the hub and disconnects all peers.
func (h *Hub) Stop() error {
	h.logger.Println("Stopping broadcast hub")

	h.cancel()

	h.peersMu.Lock()
	for conn := range h.peers {
		_ = conn.Close(websocket.StatusGoingAway, "Hub shutting down")
		delete(h.peers, conn)
	}
	h.peersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()
	return nil
}

// Addr returns the hub's listening address.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// URL returns the WebSocket URL adapters should dial.
func (h *Hub) URL() string {
	return fmt.Sprintf("ws://%s/channel", h.Addr())
}

// PeerCount returns the current number of connected adapters.
func (h *Hub) PeerCount() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

// handleChannel upgrades an adapter connection and relays its messages.
func (h *Hub) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("Channel upgrade failed: %v", err)
		return
	}

	h.peersMu.Lock()
	h.peers[conn] = true
	count := len(h.peers)
	h.peersMu.Unlock()

	h.logger.Printf("Peer connected (total: %d)", count)

	h.wg.Add(1)
	go h.relayLoop(conn)
}

// relayLoop reads envelopes from one peer and forwards each to every other
// peer. Messages that are not even JSON are dropped here; envelope shape
// validation belongs to the receiving adapter.
func (h *Hub) relayLoop(from *websocket.Conn) {
	defer h.wg.Done()
	defer h.removePeer(from)

	for {
		typ, data, err := from.Read(h.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText || !json.Valid(data) {
			h.logger.Printf("Dropping non-JSON relay message (%d bytes)", len(data))
			continue
		}

		h.peersMu.RLock()
		peers := make([]*websocket.Conn, 0, len(h.peers)-1)
		for conn := range h.peers {
			if conn != from {
				peers = append(peers, conn)
			}
		}
		h.peersMu.RUnlock()

		for _, conn := range peers {
			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Printf("Failed to relay to peer: %v", err)
				h.removePeer(conn)
			}
		}
	}
}

// removePeer safely drops a peer connection.
func (h *Hub) removePeer(conn *websocket.Conn) {
	h.peersMu.Lock()
	if _, exists := h.peers[conn]; exists {
		delete(h.peers, conn)
		count := len(h.peers)
		h.peersMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Peer disconnected (total: %d)", count)
	} else {
		h.peersMu.Unlock()
	}
}

// handleHealth returns hub health status.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.peersMu.RLock()
	count := len(h.peers)
	h.peersMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"peers":  count,
	})
}
