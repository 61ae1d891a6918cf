// Package wsstatus exposes the Consistency Coordinator's ack stream over a
// websocket connection for out-of-process observers (dashboards). Purely
// additive: nothing in the dispatch path depends on anyone connecting.
// Grounded on picoclaw's pkg/api/ws.go hub (register/unregister/broadcast
// channels, one goroutine owns the client map, drop-if-slow fan-out).
package wsstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/pubsub"
	"github.com/eventrouter/dispatch/runtimelog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // same-origin requests carry no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
				return true
			}
		}
		runtimelog.WarnCF("wsstatus", "rejected websocket from disallowed origin", runtimelog.Fields{"origin": origin})
		return false
	},
}

// StatusEvent is one message pushed to every connected observer.
type StatusEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Client is a single connected websocket observer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans consistency acks out to every connected websocket observer. It
// does not participate in dispatch: it only taps the same ack topic the
// Consistency Coordinator consumes.
type Hub struct {
	bus        pubsub.Bus
	clients    map[*Client]bool
	broadcast  chan StatusEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub that will tap bus for consistency.Ack messages once
// Run is started.
func NewHub(bus pubsub.Bus) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan StatusEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run subscribes to the ack feed and drives the hub's main loop until ctx is
// done. Call it once from the process's own goroutine pool.
func (h *Hub) Run(ctx context.Context) {
	acks, cancel := h.bus.Subscribe(consistency.AckTopic)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case msg, ok := <-acks:
			if !ok {
				return
			}
			ack, ok := msg.(consistency.Ack)
			if !ok {
				continue
			}
			h.Broadcast("consistency_ack", ack)

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			runtimelog.InfoCF("wsstatus", "observer connected", nil)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			runtimelog.InfoCF("wsstatus", "observer disconnected", nil)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast pushes an arbitrary status event to every connected observer,
// dropping it if the broadcast channel is saturated rather than blocking
// the caller.
func (h *Hub) Broadcast(eventType string, data any) {
	event := StatusEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	select {
	case h.broadcast <- event:
	default:
	}
}

// HandleWebSocket upgrades an HTTP request to a websocket connection and
// registers it as an observer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		runtimelog.ErrorCF("wsstatus", "websocket upgrade failed", runtimelog.Fields{"error": err.Error()})
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
