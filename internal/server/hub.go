package server

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event types pushed to websocket clients. Events carry no payload; clients
// re-read state over the REST API.
const (
	EventChanged = "changed" // the client's conversation history changed
	EventOutbox  = "outbox"  // some optimistic send changed state
	EventPrices  = "prices"  // the tracked-item list changed
)

type event struct {
	Type string `json:"type"`
}

func encodeEvent(kind string) []byte {
	b, _ := json.Marshal(event{Type: kind})
	return b
}

// Hub tracks connected websocket clients and fans process-wide events out
// to all of them.
type Hub struct {
	log *slog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	// Owned by Run.
	clients map[*Client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:        log.With("component", "ws_hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run is the hub's event loop. When ctx ends every client is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
			}
			h.clients = nil
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug("client connected", "conversation_id", c.conversationID, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.log.Debug("client disconnected", "conversation_id", c.conversationID, "clients", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				// Slow consumers are dropped rather than stalling everyone else.
				if !c.push(msg) {
					delete(h.clients, c)
					c.close()
					h.log.Warn("dropping slow client", "conversation_id", c.conversationID)
				}
			}
		}
	}
}

// Register adds c to the hub. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues an event for every client. It never blocks; if the queue
// is full the event is dropped, which is safe because events are idempotent.
func (h *Hub) Broadcast(kind string) {
	select {
	case h.broadcast <- encodeEvent(kind):
	default:
		h.log.Debug("broadcast queue full, event dropped", "type", kind)
	}
}
