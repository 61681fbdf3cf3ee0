package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"snagit/internal/chat"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum message size allowed from peer.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// command is what a websocket client may send.
type command struct {
	Type string `json:"type"` // "send" or "load_older"
	Text string `json:"text,omitempty"`
}

// Client is one websocket connection watching a single conversation.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	conversationID uuid.UUID

	// Buffered channel of outbound events.
	send chan []byte

	quit      chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, conversationID uuid.UUID) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan []byte, 256),
		quit:           make(chan struct{}),
	}
}

// push queues msg without blocking. It reports false if the client is
// closed or its buffer is full.
func (c *Client) push(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// readPump handles commands from the peer until the connection drops, then
// tears the client down. The subscription and observer are released first
// so no further change events are queued.
func (c *Client) readPump(s *Server, sub *chat.Subscription, unobserve func()) {
	defer func() {
		sub.Stop()
		unobserve()
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read failed", "conversation_id", c.conversationID, "err", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.log.Debug("ignoring malformed command", "conversation_id", c.conversationID, "err", err)
			continue
		}
		s.handleCommand(c, cmd)
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCommand(c *Client, cmd command) {
	switch cmd.Type {
	case "send":
		if _, err := s.outbox.Send(c.conversationID, cmd.Text); err != nil {
			s.log.Debug("ws send rejected", "conversation_id", c.conversationID, "err", err)
		}
	case "load_older":
		ctx, cancel := context.WithTimeout(s.base, 30*time.Second)
		defer cancel()
		if _, err := s.chat.LoadOlder(ctx, c.conversationID); err != nil {
			s.log.Debug("ws load older failed", "conversation_id", c.conversationID, "err", err)
		}
	default:
		s.log.Debug("unknown ws command", "type", cmd.Type)
	}
}
