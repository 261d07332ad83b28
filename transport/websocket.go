package transport

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsChannel adapts a WebSocket connection to the Channel interface.
// A single write pump owns the connection's write side and keeps the
// peer alive with pings; Send only queues.
type wsChannel struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	c := &wsChannel{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	go c.writePump()
	return c
}

func (c *wsChannel) Recv() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		select {
		case <-c.done:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	return msg, nil
}

func (c *wsChannel) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.markDone()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markDone()
				return
			}
		}
	}
}

func (c *wsChannel) Close() error {
	c.markDone()
	return nil
}

func (c *wsChannel) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsChannel) Kind() string   { return "websocket" }
func (c *wsChannel) Remote() string { return c.conn.RemoteAddr().String() }
