// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

const broadcastBuffer = 256

// Message types on the live feed.
const (
	TypeData     = "data"
	TypeAlert    = "alert"
	TypeSecurity = "security_event"
	TypeHistory  = "history"
)

// joinRequest carries an optional first frame that the hub queues before
// any broadcast can reach the new client.
type joinRequest struct {
	client  *Client
	initial []byte
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte      // Channel for messages to broadcast
	register   chan joinRequest // Channel for registering clients
	unregister chan *Client     // Channel for unregistering clients
	done       chan struct{}
	mu         sync.RWMutex

	// OnCount is called with the client count after every change.
	OnCount func(n int)
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan joinRequest),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.notify()
			return

		case req := <-h.register:
			client := req.client
			joined := true
			h.mu.Lock()
			h.clients[client] = true
			if req.initial != nil {
				select {
				case client.Send <- req.initial:
				default:
					joined = false
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
			if joined {
				log.Printf("WebSocket client registered: %s", client.addr())
			} else {
				log.Printf("WebSocket client %s cannot take its first frame, removing.", client.addr())
			}
			h.notify()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				log.Printf("WebSocket client unregistered: %s", client.addr())
			}
			h.mu.Unlock()
			h.notify()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Assume client is blocked or gone, unregister
					log.Printf("WebSocket client %s send buffer full or closed, removing.", client.addr())
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) notify() {
	if h.OnCount != nil {
		h.OnCount(h.Count())
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient safely registers a new client to the hub. It reports false
// once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	return h.Join(client, nil)
}

// Join registers client and, when initial is non-nil, queues it as the
// client's first frame. Send is only ever written and closed by the hub
// goroutine, so the frame cannot race a concurrent unregister or shutdown.
func (h *Hub) Join(client *Client, initial []byte) bool {
	select {
	case h.register <- joinRequest{client: client, initial: initial}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client; a no-op after the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastData sends an accepted reading to all clients.
func (h *Hub) BroadcastData(payload any) { h.publish(TypeData, payload) }

// BroadcastAlert sends a threshold alert to all clients.
func (h *Hub) BroadcastAlert(alert any) { h.publish(TypeAlert, alert) }

// BroadcastEvent sends a security event to all clients.
func (h *Hub) BroadcastEvent(event any) { h.publish(TypeSecurity, event) }

// publish never blocks the caller; when the hub is saturated the message is dropped.
func (h *Hub) publish(kind string, payload any) {
	messageBytes, err := Encode(kind, payload)
	if err != nil {
		log.Printf("Error marshalling %s for broadcast: %v", kind, err)
		return
	}
	select {
	case h.broadcast <- messageBytes:
	default:
		log.Warnf("WebSocket broadcast queue full, dropping %s message", kind)
	}
}

// Encode wraps payload in the feed envelope {"type": ..., "payload": ...}.
func Encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(map[string]any{"type": kind, "payload": payload})
}
