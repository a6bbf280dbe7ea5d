package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/roomchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Client is one authenticated websocket connection.
type Client struct {
	UserID   string
	Username string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// owned by the hub goroutine
	channels map[string]bool
	tracked  map[string]models.PresenceEntry
	// entries whose ttl ran out while the connection stayed open; the next
	// heartbeat tracks them again
	lapsed   map[string]models.PresenceEntry
}

// NewClient wraps an upgraded connection for the given user.
func NewClient(hub *Hub, conn *websocket.Conn, userID, username string) *Client {
	return &Client{
		UserID:   userID,
		Username: username,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
		tracked:  make(map[string]models.PresenceEntry),
		lapsed:   make(map[string]models.PresenceEntry),
	}
}

// ReadPump forwards frames from the connection to the hub until the
// connection fails, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug().Err(err).Str("user_id", c.UserID).Msg("realtime read failed")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.hub.logger.Debug().Err(err).Str("user_id", c.UserID).Msg("invalid realtime frame")
			continue
		}
		if !c.hub.receive(c, f) {
			return
		}
	}
}

// WritePump writes queued frames and keepalive pings to the connection.
func (c *Client) WritePump() {
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
