package notify

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire shape delivered to subscribers.
type envelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// client is one subscriber connection. Writes are serialized per connection
// since gorilla/websocket allows only one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub broadcasts events to every connected WebSocket subscriber. Delivery is
// best-effort: a subscriber whose write fails is dropped, and Publish never
// returns an error for it.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish implements Publisher by fanning the event out to all subscribers.
func (h *Hub) Publish(topic string, event Event) error {
	msg := envelope{Topic: topic, Event: event}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			slog.Warn("dropping unreachable subscriber", "error", err)
			h.remove(c)
		}
	}
	return nil
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away. Inbound messages are read and discarded so close and
// ping frames are processed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.add(c)
	slog.Info("notification subscriber connected", "remote", conn.RemoteAddr())

	defer func() {
		h.remove(c)
		slog.Info("notification subscriber disconnected", "remote", conn.RemoteAddr())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
