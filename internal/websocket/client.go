package websocket

import (
	"context"
	"encoding/json"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client represents a single WebSocket connection.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte
}

func NewClient(hub *Hub, conn *ws.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Run registers the client, queues the optional greeting, starts the write
// pump and runs the read pump. It blocks until the connection is closed.
func (c *Client) Run(ctx context.Context, greeting *Message) {
	if greeting != nil {
		if data, err := json.Marshal(greeting); err == nil {
			c.send <- data
		}
	}

	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump discards incoming messages until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump drains the send channel and pings periodically to detect stale
// connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, func(ctx context.Context) error {
				return c.conn.Write(ctx, ws.MessageText, msg)
			}); err != nil {
				c.hub.logger.Debug().Err(err).Msg("write failed, dropping client")
				return
			}
		case <-ticker.C:
			if err := c.write(ctx, c.conn.Ping); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// write bounds a single frame so a stalled peer cannot hold the pump.
func (c *Client) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return fn(ctx)
}
