package hubstub

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

const (
	RolePublisher  = "pub"
	RoleSubscriber = "sub"
)

// Client is one hub socket, either a publisher writing envelopes or a
// subscriber receiving them.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	room        string
	role        string
	publisherId string
	onMessage   func(c *Client, data []byte)
	logger      *slog.Logger
}

// ReadPump pumps frames from the socket to onMessage.
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("[HUBSTUB] Unexpected close", "room", c.room, "role", c.role, "error", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.role == RolePublisher && c.onMessage != nil {
			c.onMessage(c, message)
		}
	}
}

// WritePump pumps room payloads from the hub to the socket.
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
				c.logger.Error("[HUBSTUB] Failed to write", "room", c.room, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("[HUBSTUB] Failed to send ping", "room", c.room, "error", err)
				return
			}
		}
	}
}
