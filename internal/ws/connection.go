package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classhub/pkg/types"
)

// Transport-level errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Conn wraps a gorilla connection behind a single writer goroutine. All
// writes funnel through a buffered channel, which both serializes frames and
// preserves, per recipient, the order in which the hub enqueued them.
type Conn struct {
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConn wraps an upgraded WebSocket connection and starts its writer.
func NewConn(wsConn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           wsConn,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

// Send enqueues a message for delivery. It never blocks: a closed connection
// or a full buffer (a client too slow to drain it) reports an error, which
// the broadcast engine treats as an implicit disconnect.
func (c *Conn) Send(msg types.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times. Pending buffered messages are flushed with a short
// deadline before the socket closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) writeLoop() {
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush drains whatever was enqueued before Close so a final
// force_disconnect or error frame still reaches the client.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
