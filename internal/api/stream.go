package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paper-exchange/internal/engine"
	"paper-exchange/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// auth happens via the api_key parameter, not the origin
		return true
	},
}

// Hub fans each user's engine events out to that user's WebSocket
// clients. One pump goroutine per live engine reads the event channel and
// broadcasts; it exits when the engine stops.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*Client]bool
	pumps   map[int64]bool
	logger  *slog.Logger
}

// Client is one connected WebSocket consumer.
type Client struct {
	hub    *Hub
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]bool),
		pumps:   make(map[int64]bool),
		logger:  logger.With("component", "ws-hub"),
	}
}

// Subscribe registers a connection for a user's event stream, starting
// the engine pump if it is not running yet.
func (h *Hub) Subscribe(userID int64, eng *engine.Engine, conn *websocket.Conn) {
	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]bool)
	}
	h.clients[userID][client] = true
	startPump := !h.pumps[userID]
	if startPump {
		h.pumps[userID] = true
	}
	count := len(h.clients[userID])
	h.mu.Unlock()

	h.logger.Info("stream client connected", "user_id", userID, "count", count)

	if startPump {
		go h.pump(userID, eng)
	}
	go client.writePump()
	go client.readPump()
}

// pump forwards one engine's events to the user's clients until the
// engine stops.
func (h *Hub) pump(userID int64, eng *engine.Engine) {
	defer func() {
		h.mu.Lock()
		delete(h.pumps, userID)
		for client := range h.clients[userID] {
			close(client.send)
			delete(h.clients[userID], client)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case ev := <-eng.Events():
			h.broadcast(userID, ev)
		case <-eng.Done():
			return
		}
	}
}

func (h *Hub) broadcast(userID int64, ev types.EngineEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			// client can't keep up, drop it
			close(client.send)
			delete(h.clients[userID], client)
		}
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID][c] {
		delete(h.clients[c.userID], c)
		close(c.send)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

// readPump drains the connection until it errors; the stream is one-way.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}
