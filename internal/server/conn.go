package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send queue is full")
)

// Conn is one authenticated socket. Send is safe for concurrent use.
type Conn struct {
	id              string
	userID          string
	authenticatedAt time.Time

	ws      *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
	closed  atomic.Bool

	// queue holds relayed frames for writePump
	queue chan []byte
	done  chan struct{}
}

func newConn(id string, ws *websocket.Conn, limiter *rate.Limiter, queueSize int) *Conn {
	return &Conn{
		id:      id,
		ws:      ws,
		limiter: limiter,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string                 { return c.id }
func (c *Conn) UserID() string             { return c.userID }
func (c *Conn) AuthenticatedAt() time.Time { return c.authenticatedAt }

// Send writes ev as one text frame.
func (c *Conn) Send(ev events.Event) error {
	data, err := events.ToJSON(ev)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

func (c *Conn) SendRaw(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// enqueue hands data to writePump without blocking. A socket whose queue is
// full is closed so it cannot hold up fan-out to the others.
func (c *Conn) enqueue(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.queue <- data:
		return nil
	default:
		// close may wait on a stuck write
		go c.close(websocket.CloseTryAgainLater, "slow consumer")
		return ErrSlowConsumer
	}
}

// writePump drains the queue until the connection closes.
func (c *Conn) writePump(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			if err := c.SendRaw(data); err != nil {
				logger.Debug("queued send failed", slogx.Error(err))
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

// close sends a close frame with code and reason and closes the socket.
func (c *Conn) close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
