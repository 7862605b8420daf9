// Package monitor streams ring events to websocket clients.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	tankring "go-tankring"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

// MessageType tags every frame sent to a client.
type MessageType string

const (
	MessageSnapshot  MessageType = "snapshot"
	MessageRingEvent MessageType = "ring_event"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type    MessageType         `json:"type"`
	Event   *tankring.RingEvent `json:"event,omitempty"`
	Members []MemberView        `json:"members,omitempty"`
}

// MemberView is a ring member as shown to clients.
type MemberView struct {
	ID       string         `json:"id"`
	Addr     netip.AddrPort `json:"addr"`
	LastSeen time.Time      `json:"last_seen"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one connected websocket.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans ring events out to every connected client. It implements
// tankring.Observer. Slow clients whose buffer fills up are dropped.
type Hub struct {
	snapshot func() []tankring.Member
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

var _ tankring.Observer = (*Hub)(nil)

// NewHub creates a hub. snapshot, if not nil, supplies the ring sent to
// each client when it connects.
func NewHub(snapshot func() []tankring.Member, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to websocket", "error", err)
		return
	}

	var c = &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	if h.snapshot != nil {
		if data, err := h.snapshotMessage(); err != nil {
			h.logger.Error("failed to encode ring snapshot", "error", err)
		} else {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	var total = len(h.clients)
	h.mu.Unlock()

	h.logger.Info("monitor client connected", "remote", r.RemoteAddr, "total_clients", total)

	// Each client has exactly one writer and one reader goroutine.
	go c.writePump()
	go c.readPump()
}

// ObserveRingEvent broadcasts event to all clients.
func (h *Hub) ObserveRingEvent(_ context.Context, event tankring.RingEvent) error {
	var data, err = json.Marshal(Message{Type: MessageRingEvent, Event: &event})
	if err != nil {
		return fmt.Errorf("failed to encode ring event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("monitor client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) snapshotMessage() ([]byte, error) {
	var (
		members = h.snapshot()
		views   = make([]MemberView, len(members))
	)
	for i, m := range members {
		views[i] = MemberView{ID: m.ID, Addr: m.Addr, LastSeen: m.LastSeen}
	}
	return json.Marshal(Message{Type: MessageSnapshot, Members: views})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("monitor client disconnected", "total_clients", len(h.clients))
	}
}

// readPump only serves keep-alives; clients have nothing to say.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("monitor client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump is the only writer to the connection.
func (c *client) writePump() {
	var ticker = time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
