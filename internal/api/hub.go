package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/capturesync/internal/logging"
)

// EventChangesAvailable tells a device to pull.
const EventChangesAvailable = "changes.available"

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Envelope wraps all websocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one connected device.
type Client struct {
	userID   string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

type notification struct {
	userID string
	origin string
	msg    []byte
}

// Hub tracks connected devices and tells a user's devices when another of
// their devices committed changes.
type Hub struct {
	upgrader websocket.Upgrader

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	notify     chan notification
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub and starts its loop. Browser connections must come
// from the same host or one of allowedOrigins; native clients send no
// Origin header and are always accepted.
func NewHub(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notify:     make(chan notification, 256),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
	go h.run()
	return h
}

// run manages client connections and notifications.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Device connected", map[string]interface{}{
				"user_id":   c.userID,
				"device_id": c.deviceID,
				"total":     total,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case n := <-h.notify:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != n.userID || (n.origin != "" && c.deviceID == n.origin) {
					continue
				}
				select {
				case c.send <- n.msg:
				default:
					// Send buffer is full; drop the slow client.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected devices of userID.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// NotifyChanges tells userID's other devices that written records changed.
// The originating device is taken from ctx. It never blocks; notifications
// are dropped while the hub is saturated.
func (h *Hub) NotifyChanges(ctx context.Context, userID string, written int) {
	origin := DeviceIDFrom(ctx)
	msg, err := json.Marshal(Envelope{
		Type: EventChangesAvailable,
		Data: map[string]interface{}{
			"count":         written,
			"origin_device": origin,
		},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to encode notification", err, nil)
		return
	}

	select {
	case h.notify <- notification{userID: userID, origin: origin, msg: msg}:
	case <-h.done:
	default:
		logging.Warn("Dropping change notification", map[string]interface{}{"user_id": userID})
	}
}

// ServeWS handles GET /api/v1/sync/events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &Client{
		userID:   UserIDFrom(r.Context()),
		deviceID: DeviceIDFrom(r.Context()),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads until the connection fails. Clients may send
// {"action":"ping"}; everything else is ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(message, &msg) != nil || msg.Action != "ping" {
			continue
		}
		pong, _ := json.Marshal(Envelope{Type: "pong", Timestamp: time.Now().UnixMilli()})
		c.hub.mu.RLock()
		_, live := c.hub.clients[c]
		if live {
			select {
			case c.send <- pong:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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
