// Package client is a reconnecting WebSocket client for the chat protocol.
//
// Events sent while the socket is down are queued and flushed in order once
// it opens. Lost connections are retried with exponential backoff up to a
// fixed number of attempts.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/gorilla/websocket"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	writeWait          = 10 * time.Second
)

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("client closed")
)

// Listener receives events of the type it was registered for.
type Listener func(events.Event)

type listener struct {
	id uint64
	fn Listener
}

type Client struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	onExhausted func(error)
	after       func(time.Duration) <-chan time.Time

	mu           sync.Mutex
	state        State
	ws           *websocket.Conn
	queue        [][]byte
	attempts     int
	reconnecting bool
	closed       bool

	lmu       sync.RWMutex
	listeners map[string][]listener
	nextID    uint64

	// streaming holds the users with a chat request in flight
	streaming *haxmap.Map[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	WithDialer      = opts.ForName[Client, *websocket.Dialer]("dialer")
	WithHeader      = opts.ForName[Client, http.Header]("header")
	WithLogger      = opts.ForName[Client, *slog.Logger]("logger")
	WithBaseDelay   = opts.ForName[Client, time.Duration]("baseDelay")
	WithMaxAttempts = opts.ForName[Client, int]("maxAttempts")
)

// WithOnExhausted registers fn to be called with ErrReconnectExhausted once
// the client gives up reconnecting.
func WithOnExhausted(fn func(error)) opts.Option[Client] {
	return opts.Type[Client](func(c *Client) error {
		c.onExhausted = fn
		return nil
	})
}

// New creates a disconnected client for url. Nothing is dialed until Connect
// or Send.
func New(url string, options ...opts.Option[Client]) (*Client, error) {
	c := &Client{
		url:         url,
		dialer:      websocket.DefaultDialer,
		logger:      slog.Default().With(slogx.LoggerName("client")),
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		after:       time.After,
		listeners:   make(map[string][]listener),
		streaming:   haxmap.New[string, struct{}](),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	if c.maxAttempts < 0 {
		return nil, fmt.Errorf("client: max attempts must not be negative, got %d", c.maxAttempts)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.On(events.TypeAIChatResponse, c.release)
	c.On(events.TypeAIChatError, c.release)
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == Open
}

// Connect dials the server unless the socket is already open or being
// opened. A failed dial schedules a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Open || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.logger.Warn("websocket dial failed", slogx.Error(err))
		c.scheduleReconnect()
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.state = Open
	c.attempts = 0
	c.flushLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("websocket connected")
	go c.readLoop(ws)
	return nil
}

// flushLocked writes queued frames in order while the socket stays open.
func (c *Client) flushLocked() {
	for len(c.queue) > 0 && c.state == Open {
		if err := c.writeLocked(c.queue[0]); err != nil {
			c.logger.Warn("failed to flush queued event", slogx.Error(err))
			return
		}
		c.queue = c.queue[1:]
	}
}

func (c *Client) writeLocked(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Send writes ev if the socket is open. Otherwise ev is queued and a
// connection attempt is started.
func (c *Client) Send(ev events.Event) error {
	data, err := events.ToJSON(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Open {
		err := c.writeLocked(data)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		c.logger.Warn("websocket write failed, queueing event", slogx.Error(err))
	}
	c.queue = append(c.queue, data)
	idle := c.state == Disconnected && !c.reconnecting
	if idle {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if idle {
		go func() {
			defer c.wg.Done()
			_ = c.Connect(c.ctx)
		}()
	}
	return nil
}

// SendChat sends req unless a chat request for userID is still in flight.
// It reports whether the request was sent or queued.
func (c *Client) SendChat(userID string, req events.AIChatRequest) bool {
	if _, inFlight := c.streaming.GetOrSet(userID, struct{}{}); inFlight {
		c.logger.Warn("ignoring chat request while a stream is active", slogx.UserID(userID))
		return false
	}
	if err := c.Send(req); err != nil {
		c.streaming.Del(userID)
		c.logger.Warn("failed to send chat request", slogx.UserID(userID), slogx.Error(err))
		return false
	}
	return true
}

// release ends the in-flight chat request of the user a terminal event
// belongs to.
func (c *Client) release(ev events.Event) {
	var userID string
	switch e := ev.(type) {
	case events.AIChatResponse:
		userID = e.UserID
	case events.AIChatError:
		userID = e.UserID
	}
	if userID != "" {
		c.streaming.Del(userID)
		return
	}
	var all []string
	c.streaming.ForEach(func(id string, _ struct{}) bool {
		all = append(all, id)
		return true
	})
	c.streaming.Del(all...)
}

// On registers fn for events of type typ and returns a func that removes it.
// Listeners run on the read goroutine in registration order.
func (c *Client) On(typ string, fn Listener) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[typ] = append(c.listeners[typ], listener{id: id, fn: fn})
	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		c.listeners[typ] = slices.DeleteFunc(c.listeners[typ], func(l listener) bool { return l.id == id })
		if len(c.listeners[typ]) == 0 {
			delete(c.listeners, typ)
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", slogx.Error(err))
			}
			break
		}
		ev, err := events.Parse(data)
		if err != nil {
			c.logger.Debug("ignoring malformed event", slogx.Error(err))
			continue
		}
		c.dispatch(ev)
	}

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.state = Disconnected
	}
	closed := c.closed
	c.mu.Unlock()
	_ = ws.Close()

	if !closed {
		c.logger.Info("websocket disconnected")
		c.scheduleReconnect()
	}
}

func (c *Client) dispatch(ev events.Event) {
	c.lmu.RLock()
	ls := slices.Clone(c.listeners[ev.EventType()])
	c.lmu.RUnlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

// scheduleReconnect waits base·2^attempt before dialing again, giving up
// after maxAttempts tries.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.logger.Error("giving up on reconnecting", slog.Int("attempts", c.maxAttempts))
		if c.onExhausted != nil {
			c.onExhausted(ErrReconnectExhausted)
		}
		return
	}
	delay := c.baseDelay << c.attempts
	c.attempts++
	c.reconnecting = true
	attempt := c.attempts
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	go func() {
		defer c.wg.Done()
		select {
		case <-c.ctx.Done():
			return
		case <-c.after(delay):
		}
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		_ = c.Connect(c.ctx)
	}()
}

// Close stops reconnecting, closes the socket and waits for the client's
// goroutines. Queued events are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Closing
	ws := c.ws
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = Disconnected
	c.ws = nil
	c.mu.Unlock()
	return nil
}
