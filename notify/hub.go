// Package notify is the notification pub-sub for control-plane transitions.
//
// A single hub goroutine owns the subscriber set; HA status changes and
// other control-plane notifications are broadcast as JSON frames over
// WebSocket. Single broadcaster pattern prevents N duplicate pollers.
package notify

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

const maxConnections = 100

// Notification is one broadcast frame.
type Notification struct {
	Type string                 `json:"type"`
	TS   string                 `json:"ts"`
	Data map[string]interface{} `json:"data"`
}

// NewNotification stamps a notification with the current time.
func NewNotification(notifType string, data map[string]interface{}) Notification {
	return Notification{
		Type: notifType,
		TS:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: data,
	}
}

// Hub manages WebSocket subscribers and broadcasts notifications.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Notification

	upgrader websocket.Upgrader
}

// NewHub creates an idle hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Notification, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true }, // internal network
		},
	}
}

// Run starts the hub's main loop. Blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("Notify: connection rejected, max subscribers (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			observability.NotificationClients.Set(float64(total))
			log.Printf("Notify: subscriber registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.NotificationClients.Set(float64(total))

		case n := <-h.broadcast:
			h.sendAll(n)
		}
	}
}

// Broadcast queues a notification for all subscribers. Never blocks the
// caller: if the hub is saturated the frame is dropped.
func (h *Hub) Broadcast(n Notification) {
	select {
	case h.broadcast <- n:
	default:
		log.Printf("Notify: broadcast queue full, dropping %s notification", n.Type)
	}
}

// ServeWS upgrades an HTTP request into a subscriber connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Notify: websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	// Read pump: drain control frames, unregister on error/close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendAll(n Notification) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(n); err != nil {
			log.Printf("Notify: write error, dropping subscriber: %v", err)
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("Notify: shutting down hub with %d subscribers", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
