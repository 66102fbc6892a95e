package ws

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client is one websocket real-time session. It has no identity at this
// layer; collaborator logic attaches identity if it needs one.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{id: id, conn: conn, log: logger}
}

// ID returns the session identifier.
func (c *Client) ID() string {
	return c.id
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "session", c.id, "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
