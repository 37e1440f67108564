package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/internal/models"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// socketConn adapts a gorilla websocket to Conn. Writes are queued on a
// bounded channel and drained by writePump, the only goroutine that writes
// to the socket.
type socketConn struct {
	socket    *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	ping      time.Duration
}

func newSocketConn(socket *websocket.Conn, buffer int, writeWait, ping time.Duration) *socketConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &socketConn{
		socket:    socket,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
		ping:      ping,
	}
}

// Send queues payload without blocking. A full queue means the peer is not
// keeping up, so the connection is closed.
func (c *socketConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return models.ErrConnectionUnavailable
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return models.ErrConnectionUnavailable
	default:
		_ = c.Close()
		return fmt.Errorf("%w: send buffer full", models.ErrConnectionUnavailable)
	}
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *socketConn) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}
