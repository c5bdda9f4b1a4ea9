package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxMessageSize = 64 * 1024

// Client is one websocket observer.
type Client struct {
	id   string
	user string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// closeCode is written by the hub before send is closed
	closeCode int
}

func newClient(hub *Hub, conn *websocket.Conn, user string) *Client {
	return &Client{
		id:        uuid.New().String(),
		user:      user,
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) logger() logrus.FieldLogger {
	return c.hub.logger.WithField("client_id", c.id)
}

// ReadPump pumps messages from the websocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	timing := c.hub.timing
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(timing.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timing.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger().WithError(err).Warn("websocket read error")
			}
			return
		}
		// any frame proves the peer is alive
		_ = c.conn.SetReadDeadline(time.Now().Add(timing.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.SendError(c, "", "invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump pumps messages from the hub to the websocket connection and keeps it alive with pings.
func (c *Client) WritePump() {
	timing := c.hub.timing
	ticker := time.NewTicker(timing.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timing.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger().WithError(err).Debug("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		c.hub.Subscribe(ctx, c, msg.JobID)
	case MessageUnsubscribe:
		c.hub.Unsubscribe(c, msg.JobID)
	case MessagePing:
		c.hub.Send(c, MessagePong, "", nil)
	case MessageListActive:
		c.hub.Send(c, MessageActiveJobs, "", c.hub.Active())
	default:
		c.hub.SendError(c, msg.JobID, "unknown message type "+string(msg.Type))
	}
}
