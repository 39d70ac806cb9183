package socket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/caseline/relay/internal/model/relay"
	"github.com/caseline/relay/internal/service/dispatch"
)

const (
	writeWait = 10 * time.Second
)

// connection adapts one websocket to dispatch.Conn. Outbound messages go
// through a bounded channel drained by writePump, so Send never blocks the
// dispatch lock.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan relay.Message

	mu     sync.Mutex
	closed bool
	reason string
	done   chan struct{}
}

func newConnection(ws *websocket.Conn, buffer int) *connection {
	if buffer < 1 {
		buffer = 1
	}
	return &connection{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan relay.Message, buffer),
		done: make(chan struct{}),
	}
}

func (c *connection) ID() string { return c.id }

// Send buffers msg for the write pump.
func (c *connection) Send(msg relay.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return dispatch.ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return dispatch.ErrSlowConsumer
	}
}

// Close asks the write pump to flush what is buffered, send a close frame
// and shut the socket. It does not call back into the service.
func (c *connection) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.reason = reason
	close(c.done)
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump owns every write to the socket.
func (c *connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			reason := c.closeReason()
			code := websocket.ClosePolicyViolation
			switch reason {
			case dispatch.ReasonShutdown:
				code = websocket.CloseGoingAway
			case "":
				code = websocket.CloseNormalClosure
			}
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain writes whatever was buffered before Close.
func (c *connection) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) write(msg relay.Message) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}
