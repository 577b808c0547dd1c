package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

// Identity is the authenticated user behind a connection. The zero value is
// an anonymous connection.
type Identity struct {
	UserID   string
	Username string
}

// Connection is one websocket client. Its session memberships are owned by
// the hub goroutine.
type Connection struct {
	ID       string
	Identity Identity

	ws   *websocket.Conn // The underlying Websocket connection
	hub  *Hub
	send chan []byte // Buffered channel of outbound messages.

	sessions map[string]bool
	current  string

	logger *zap.Logger
}

// NewConnection wraps an upgraded websocket
func NewConnection(ws *websocket.Conn, hub *Hub, identity Identity, logger *zap.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:       id,
		Identity: identity,
		ws:       ws,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		sessions: make(map[string]bool),
		logger:   logger.With(zap.String("connection_id", id)),
	}
}

// actor is who a move is attributed to: the user when authenticated,
// otherwise the connection
func (c *Connection) actor() string {
	if c.Identity.UserID != "" {
		return c.Identity.UserID
	}
	return c.ID
}

// ReadPump handles inbound messages from the client
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		// We only handle text
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.Submit(c, msg)
	}
}

// WritePump handles outbound messages to the client
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.logger.Debug("send channel closed")
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON queues v for the client. It never blocks: a client that stops
// reading loses messages once its buffer is full.
func (c *Connection) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Error marshaling JSON", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}
