// Package websocket pushes sync status to the UI shell. The daemon binds to
// localhost only; the UI opens one socket and receives every coordinator
// transition and merge report as it happens.
package websocket

import (
	"encoding/json"
	"log"
	"sync"
)

// Hub maintains the set of connected UI clients and fans events out to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// lastEvent is replayed to clients that connect mid-session, so a UI
	// reload never shows a stale screen.
	mu        sync.RWMutex
	lastEvent []byte
}

// NewHub creates a hub. Call Run on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 16),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			log.Printf("🖥️ UI client connected (%d active)", len(h.clients))

			h.mu.RLock()
			last := h.lastEvent
			h.mu.RUnlock()
			if last != nil {
				select {
				case client.send <- last:
				default:
				}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("🖥️ UI client disconnected (%d active)", len(h.clients))
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			h.lastEvent = message
			h.mu.Unlock()

			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow or dead client; drop it rather than block the feed.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Broadcast sends an event to every connected UI client.
func (h *Hub) Broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("⚠️ Could not encode UI event: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("⚠️ UI event dropped, broadcast queue full")
	}
}
