package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Conn is the slice of *websocket.Conn the pool writes to. Tests swap
// in fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live websocket connection. UserID stays zero until the
// connection authenticates and the registry binds it. All outbound
// traffic goes through the buffered send channel; only the write pump
// touches the socket.
type Client struct {
	UserID int64
	ConnID uuid.UUID

	conn   Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	clock  clockwork.Clock
	closed int32
}

func NewClient(conn Conn, clock clockwork.Clock, sendBuffer int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ConnID: uuid.New(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		clock:  clock,
	}
}

// Context is canceled when the client closes, so in-flight operations
// started for this connection get canceled with it.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send enqueues data without blocking. A consumer that cannot keep up
// with its buffer is closed rather than allowed to stall fan-out.
func (c *Client) Send(data []byte) bool {
	if data == nil || atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logrus.Warnf("user %d connection %s is too slow, disconnecting", c.UserID, c.ConnID)
		c.Close()
		return false
	}
}

// Close is idempotent. It cancels the client context, which stops the
// write pump, and closes the socket, which unblocks the read loop.
func (c *Client) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		_ = c.conn.Close()
	}
}

// WritePump drains the send channel onto the socket and keeps the
// connection alive with pings. Runs as a goroutine per client; exits
// when the client closes or a write fails.
func (c *Client) WritePump() {
	ticker := c.clock.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logrus.Debugf("write to user %d failed: %v", c.UserID, err)
				return
			}
		case <-ticker.Chan():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
