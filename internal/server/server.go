// Package server accepts authenticated WebSocket connections and routes their
// frames to handlers, the orchestrator and the broadcast channel.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/internal/broker"
	"github.com/casualjim/slipstream/internal/orchestrator"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/casualjim/slipstream/pkg/uuidx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"
)

// CloseUnauthorized is the close code sent when the upgrade token is rejected.
const CloseUnauthorized = 4001

const (
	DefaultReadLimit    = 1 << 20
	DefaultPingInterval = 30 * time.Second
	DefaultInboundRate  = rate.Limit(20)
	DefaultInboundBurst = 40
	DefaultSendQueue    = 256
)

// ErrShuttingDown is returned for work submitted after Shutdown started.
var ErrShuttingDown = errors.New("server is shutting down")

// Bus is the part of the broker the server needs.
type Bus interface {
	Publish(ctx context.Context, channel, typ string, ev events.Event) error
	PublishRaw(ctx context.Context, channel, typ string, data []byte) error
	Subscribe(ctx context.Context, channel, typ string, h broker.Handler) (func(), error)
}

// Generator runs one generation for a user and streams its events to sink.
type Generator interface {
	HandleGenerationRequest(ctx context.Context, userID string, req events.AIChatRequest, sink orchestrator.Sink) error
}

// HandlerFunc handles one allow-listed inbound event from c.
type HandlerFunc func(ctx context.Context, c *Conn, ev events.Event) error

// userEvents are forwarded from the user channel to each of the user's sockets.
var userEvents = []string{
	events.TypeConversationCreated,
	events.TypeConversationTitleUpdated,
	events.TypeConversationDeleted,
}

type Server struct {
	verifier  Verifier
	bus       Bus
	generator Generator
	logger    *slog.Logger
	now       func() time.Time

	broadcast    string
	readLimit    int64
	pingInterval time.Duration
	inboundRate  rate.Limit
	inboundBurst int
	sendQueue    int
	onClose      []func(*Conn)

	upgrader websocket.Upgrader
	handlers *haxmap.Map[string, HandlerFunc]
	conns    *haxmap.Map[string, *Conn]

	// ctx outlives individual sockets so generations survive a disconnect
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	// mu orders wg.Add against Shutdown
	mu      sync.Mutex
	closing bool
}

var (
	WithGenerator        = opts.ForName[Server, Generator]("generator")
	WithLogger           = opts.ForName[Server, *slog.Logger]("logger")
	WithBroadcastChannel = opts.ForName[Server, string]("broadcast")
	WithReadLimit        = opts.ForName[Server, int64]("readLimit")
	WithPingInterval     = opts.ForName[Server, time.Duration]("pingInterval")
	WithInboundRate      = opts.ForName[Server, rate.Limit]("inboundRate")
	WithInboundBurst     = opts.ForName[Server, int]("inboundBurst")
	// WithSendQueue sets how many relayed frames may wait for a slow socket
	// before it is disconnected.
	WithSendQueue = opts.ForName[Server, int]("sendQueue")
)

// WithOnClose registers a hook that runs after a socket closes.
func WithOnClose(fn func(*Conn)) opts.Option[Server] {
	return opts.Type[Server](func(s *Server) error {
		s.onClose = append(s.onClose, fn)
		return nil
	})
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) opts.Option[Server] {
	return opts.Type[Server](func(s *Server) error {
		s.upgrader.CheckOrigin = fn
		return nil
	})
}

// New creates a server and subscribes it to the broadcast channel.
func New(verifier Verifier, bus Bus, options ...opts.Option[Server]) (*Server, error) {
	if verifier == nil {
		return nil, errors.New("server: a token verifier is required")
	}
	if bus == nil {
		return nil, errors.New("server: a bus is required")
	}
	s := &Server{
		verifier:     verifier,
		bus:          bus,
		logger:       slog.Default().With(slogx.LoggerName("server")),
		now:          time.Now,
		broadcast:    events.DefaultBroadcastChannel,
		readLimit:    DefaultReadLimit,
		pingInterval: DefaultPingInterval,
		inboundRate:  DefaultInboundRate,
		inboundBurst: DefaultInboundBurst,
		sendQueue:    DefaultSendQueue,
		handlers:     haxmap.New[string, HandlerFunc](),
		conns:        haxmap.New[string, *Conn](),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.sendQueue <= 0 {
		s.sendQueue = DefaultSendQueue
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.Handle(events.TypePing, s.handlePing)
	s.Handle(events.TypeTyping, s.handleTyping)
	if s.generator != nil {
		s.Handle(events.TypeAIChatRequest, s.handleChatRequest)
	}

	for _, typ := range []string{events.TypeTyping, events.TypeMessage} {
		unsub, err := bus.Subscribe(s.ctx, s.broadcast, typ, s.relay)
		if err != nil {
			s.Shutdown(context.Background())
			return nil, err
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return s, nil
}

// Handle registers fn for typ, replacing any previous handler. Frames whose
// type has no handler are published to the broadcast channel.
func (s *Server) Handle(typ string, fn HandlerFunc) {
	if fn == nil {
		s.handlers.Del(typ)
		return
	}
	s.handlers.Set(typ, fn)
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	return int(s.conns.Len())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		s.health(w, r)
	case "/":
		if !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
			return
		}
		s.serveWS(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
		"timestamp":   s.now().UnixMilli(),
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		s.logger.Debug("websocket upgrade failed", slogx.Error(err))
		return
	}
	c := newConn(uuidx.NewString(), ws, rate.NewLimiter(s.inboundRate, s.inboundBurst), s.sendQueue)

	userID, err := s.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Info("rejected websocket connection", slogx.Error(err), slog.String("remote_addr", r.RemoteAddr))
		c.close(CloseUnauthorized, "Unauthorized")
		return
	}
	c.userID = userID
	c.authenticatedAt = s.now()

	logger := s.logger.With(slogx.UserID(userID), slog.String("conn_id", c.id))
	if !s.register(c) {
		logger.Info("rejected websocket connection during shutdown")
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	logger.Info("websocket connected")
	go c.writePump(logger)

	unsubs := s.subscribeUser(c, logger)
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		s.conns.Del(c.id)
		c.close(websocket.CloseNormalClosure, "")
		for _, fn := range s.onClose {
			fn(c)
		}
		logger.Info("websocket disconnected")
	}()

	stopPing := s.keepAlive(c, logger)
	defer stopPing()
	s.readLoop(c, logger)
}

// subscribeUser forwards conversation events for c's user to c.
func (s *Server) subscribeUser(c *Conn, logger *slog.Logger) []func() {
	channel := events.UserChannel(c.userID)
	forward := func(msg broker.Message) {
		if err := c.enqueue(msg.Payload); err != nil {
			logger.Debug("dropping user event", slogx.EventType(msg.Type), slogx.Error(err))
		}
	}
	var unsubs []func()
	for _, typ := range userEvents {
		unsub, err := s.bus.Subscribe(s.ctx, channel, typ, forward)
		if err != nil {
			logger.Warn("failed to subscribe to user channel", slogx.Channel(channel), slogx.Error(err))
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs
}

func (s *Server) keepAlive(c *Conn, logger *slog.Logger) func() {
	if s.pingInterval <= 0 {
		return func() {}
	}
	pongWait := 2 * s.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
				if err != nil {
					logger.Debug("websocket ping failed", slogx.Error(err))
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Server) readLoop(c *Conn, logger *slog.Logger) {
	c.ws.SetReadLimit(s.readLimit)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", slogx.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			logger.Debug("dropping non-text frame")
			continue
		}
		if !c.limiter.Allow() {
			logger.Warn("inbound rate limit exceeded, dropping frame")
			continue
		}
		s.dispatch(c, data, logger)
	}
}

// dispatch routes one inbound frame. Frames that are not allow-listed or do
// not decode are dropped without a reply.
func (s *Server) dispatch(c *Conn, data []byte, logger *slog.Logger) {
	typ, err := events.TypeOf(data)
	if err != nil {
		logger.Warn("dropping malformed frame", slogx.Error(err), slogx.ByteString("frame", truncate(data)))
		return
	}
	if !events.IsAllowed(typ) {
		logger.Warn("dropping frame with disallowed type", slogx.EventType(typ))
		return
	}

	ev, err := events.Parse(data)
	if err != nil {
		logger.Warn("dropping undecodable frame", slogx.EventType(typ), slogx.Error(err), slogx.ByteString("frame", truncate(data)))
		return
	}
	handler, ok := s.handlers.Get(typ)
	if !ok {
		s.broadcastFrame(c, typ, data, logger)
		return
	}
	if err := handler(s.ctx, c, ev); err != nil {
		logger.Warn("handler failed", slogx.EventType(typ), slogx.Error(err))
	}
}

// broadcastFrame publishes data on the broadcast channel with the sender and
// a server timestamp attached.
func (s *Server) broadcastFrame(c *Conn, typ string, data []byte, logger *slog.Logger) {
	out, err := sjson.SetBytes(data, "userId", c.userID)
	if err == nil {
		out, err = sjson.SetBytes(out, "timestamp", s.now().UnixMilli())
	}
	if err != nil {
		logger.Warn("dropping frame that cannot be annotated", slogx.EventType(typ), slogx.Error(err))
		return
	}
	if err := s.bus.PublishRaw(s.ctx, s.broadcast, typ, out); err != nil {
		logger.Warn("broadcast publish failed", slogx.EventType(typ), slogx.Channel(s.broadcast), slogx.Error(err))
	}
}

func (s *Server) handlePing(_ context.Context, c *Conn, _ events.Event) error {
	return c.Send(events.Pong{UserID: c.userID})
}

func (s *Server) handleTyping(ctx context.Context, c *Conn, ev events.Event) error {
	t, ok := ev.(events.Typing)
	if !ok {
		return broker.ErrTypeMismatch
	}
	t.UserID = c.userID
	t.Timestamp = s.now().UnixMilli()
	return s.bus.Publish(ctx, s.broadcast, events.TypeTyping, t)
}

// handleChatRequest starts the generation on its own goroutine so the socket
// keeps reading while it streams.
func (s *Server) handleChatRequest(ctx context.Context, c *Conn, ev events.Event) error {
	req, ok := ev.(events.AIChatRequest)
	if !ok {
		return broker.ErrTypeMismatch
	}
	if !s.track() {
		return ErrShuttingDown
	}
	go func() {
		defer s.wg.Done()
		err := s.generator.HandleGenerationRequest(ctx, c.userID, req, c)
		switch {
		case errors.Is(err, orchestrator.ErrStreamActive):
			s.logger.Warn("ignoring chat request while a stream is active", slogx.UserID(c.userID))
		case err != nil:
			s.logger.Error("chat request failed", slogx.UserID(c.userID), slogx.Error(err))
		}
	}()
	return nil
}

// register adds c to the open sockets unless the server is shutting down.
// The caller must call s.wg.Done when register returns true.
func (s *Server) register(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	s.conns.Set(c.id, c)
	return true
}

// track counts one background task unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// relay delivers broadcast events to the local sockets. A typing event is
// not echoed to its sender.
func (s *Server) relay(msg broker.Message) {
	var sender string
	if t, ok := msg.Event.(events.Typing); ok {
		sender = t.UserID
	}
	s.conns.ForEach(func(_ string, c *Conn) bool {
		if sender != "" && c.userID == sender {
			return true
		}
		if err := c.enqueue(msg.Payload); err != nil {
			s.logger.Debug("relay send failed", slogx.UserID(c.userID), slogx.EventType(msg.Type), slogx.Error(err))
		}
		return true
	})
}

// Shutdown closes every socket, drops the broadcast subscriptions and waits
// for in-flight generations or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.conns.ForEach(func(_ string, c *Conn) bool {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func truncate(data []byte) []byte {
	const limit = 256
	if len(data) > limit {
		return data[:limit]
	}
	return data
}
