package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const DefaultHeartbeat = 20 * time.Second

// keySep joins channel and type in handler keys. Channels and types may
// both contain ':' so a control character keeps the split unambiguous.
const keySep = "\x1f"

func handlerKey(channel, typ string) string { return channel + keySep + typ }

type channelConn struct {
	conn Conn
	// dead is set while conn is closed and no replacement could be opened
	dead bool
	stop context.CancelFunc
	done chan struct{}
}

type Bus struct {
	transport Transport
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// handlers maps channel+keySep+type to the handlers keyed by id
	handlers *haxmap.Map[string, *haxmap.Map[uint64, Handler]]
	conns    *haxmap.Map[string, *channelConn]
	nextID   atomic.Uint64

	// mu serializes connection open and teardown
	mu     sync.Mutex
	closed bool
}

var (
	// WithHeartbeat sets how often open channel connections are pinged.
	WithHeartbeat = opts.ForName[Bus, time.Duration]("heartbeat")
	WithLogger    = opts.ForName[Bus, *slog.Logger]("logger")
)

func New(transport Transport, options ...opts.Option[Bus]) *Bus {
	b := &Bus{
		transport: transport,
		heartbeat: DefaultHeartbeat,
		logger:    slog.Default().With(slogx.LoggerName("broker")),
		now:       time.Now,
		handlers:  haxmap.New[string, *haxmap.Map[uint64, Handler]](),
		conns:     haxmap.New[string, *channelConn](),
	}
	if err := opts.Apply(b, options); err != nil {
		b.logger.Warn("ignoring invalid broker option", slogx.Error(err))
	}
	return b
}

// Publish serializes ev and publishes it on channel. typ must match the
// event's own type.
func (b *Bus) Publish(ctx context.Context, channel, typ string, ev events.Event) error {
	if ev == nil || ev.EventType() != typ {
		got := "<nil>"
		if ev != nil {
			got = ev.EventType()
		}
		b.logger.Warn("refusing to publish mismatched event", slogx.Channel(channel), slogx.EventType(typ), slog.String("actual", got))
		return fmt.Errorf("%w: declared %q, payload is %q", ErrTypeMismatch, typ, got)
	}
	data, err := events.ToJSON(ev)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, channel, typ, data)
}

// PublishRaw publishes an already serialized event. The payload's "type"
// must equal typ; a millisecond "timestamp" is added when absent.
func (b *Bus) PublishRaw(ctx context.Context, channel, typ string, data []byte) error {
	got, err := events.TypeOf(data)
	if err != nil {
		b.logger.Warn("refusing to publish untyped payload", slogx.Channel(channel), slogx.EventType(typ), slogx.Error(err))
		return err
	}
	if got != typ {
		b.logger.Warn("refusing to publish mismatched event", slogx.Channel(channel), slogx.EventType(typ), slog.String("actual", got))
		return fmt.Errorf("%w: declared %q, payload is %q", ErrTypeMismatch, typ, got)
	}
	if !gjson.GetBytes(data, "timestamp").Exists() {
		data, err = sjson.SetBytes(data, "timestamp", b.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("stamp payload: %w", err)
		}
	}
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish %s on %s: %w", typ, channel, err)
	}
	return nil
}

// Subscribe registers h for events of type typ on channel and returns the
// function that removes it. The channel's transport connection is opened on
// the first subscription.
func (b *Bus) Subscribe(ctx context.Context, channel, typ string, h Handler) (func(), error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	if !events.Known(typ) {
		return nil, fmt.Errorf("%w: %q", events.ErrUnknownType, typ)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	key := handlerKey(channel, typ)
	set, _ := b.handlers.GetOrCompute(key, func() *haxmap.Map[uint64, Handler] {
		return haxmap.New[uint64, Handler]()
	})
	id := b.nextID.Add(1)
	set.Set(id, h)

	if _, ok := b.conns.Get(channel); !ok {
		if err := b.open(ctx, channel); err != nil {
			b.remove(channel, key, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(channel, key, id)
		})
	}, nil
}

// remove drops one handler and closes the channel connection when no
// handler for any type remains. Callers hold b.mu.
func (b *Bus) remove(channel, key string, id uint64) {
	if set, ok := b.handlers.Get(key); ok {
		set.Del(id)
		if set.Len() == 0 {
			b.handlers.Del(key)
		}
	}
	if !b.hasHandlers(channel) {
		b.teardown(channel)
	}
}

func (b *Bus) hasHandlers(channel string) bool {
	prefix := channel + keySep
	found := false
	b.handlers.ForEach(func(k string, _ *haxmap.Map[uint64, Handler]) bool {
		if strings.HasPrefix(k, prefix) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (b *Bus) open(ctx context.Context, channel string) error {
	conn, err := b.transport.Open(ctx, channel, func(data []byte) { b.dispatch(channel, data) })
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	hbCtx, stop := context.WithCancel(context.Background())
	cc := &channelConn{conn: conn, stop: stop, done: make(chan struct{})}
	b.conns.Set(channel, cc)
	go b.keepAlive(hbCtx, channel, cc)
	b.logger.Debug("channel opened", slogx.Channel(channel))
	return nil
}

func (b *Bus) teardown(channel string) {
	cc, ok := b.conns.GetAndDel(channel)
	if !ok {
		return
	}
	cc.stop()
	<-cc.done
	if cc.dead {
		return
	}
	if err := cc.conn.Close(); err != nil {
		b.logger.Warn("failed to close channel connection", slogx.Channel(channel), slogx.Error(err))
	}
	b.logger.Debug("channel closed", slogx.Channel(channel))
}

func (b *Bus) keepAlive(ctx context.Context, channel string, cc *channelConn) {
	defer close(cc.done)
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cc.dead {
				b.reopen(ctx, channel, cc)
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, b.heartbeat/2)
			err := cc.conn.Ping(pingCtx)
			cancel()
			if err == nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("channel heartbeat failed, reopening", slogx.Channel(channel), slogx.Error(err))
			b.reopen(ctx, channel, cc)
		}
	}
}

// reopen replaces a dead transport connection. Only the keepAlive goroutine
// of cc writes cc.conn and cc.dead; teardown reads them after cc.done is
// closed. A failed open is retried on the next tick.
func (b *Bus) reopen(ctx context.Context, channel string, cc *channelConn) {
	if !cc.dead {
		if err := cc.conn.Close(); err != nil {
			b.logger.Debug("failed to close dead channel connection", slogx.Channel(channel), slogx.Error(err))
		}
		cc.dead = true
	}
	conn, err := b.transport.Open(ctx, channel, func(data []byte) { b.dispatch(channel, data) })
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("failed to reopen channel", slogx.Channel(channel), slogx.Error(err))
		}
		return
	}
	cc.conn = conn
	cc.dead = false
	b.logger.Info("channel reopened", slogx.Channel(channel))
}

func (b *Bus) dispatch(channel string, data []byte) {
	typ, err := events.TypeOf(data)
	if err != nil {
		b.logger.Warn("dropping untyped payload", slogx.Channel(channel), slogx.ByteString("payload", data), slogx.Error(err))
		return
	}
	set, ok := b.handlers.Get(handlerKey(channel, typ))
	if !ok {
		return
	}
	ev, err := events.Parse(data)
	if err != nil {
		b.logger.Warn("dropping malformed payload", slogx.Channel(channel), slogx.EventType(typ), slogx.Error(err))
		return
	}
	msg := Message{Channel: channel, Type: typ, Event: ev, Payload: data}
	set.ForEach(func(_ uint64, h Handler) bool {
		h(msg)
		return true
	})
}

// Channels returns the channels with an open transport connection.
func (b *Bus) Channels() []string {
	var out []string
	b.conns.ForEach(func(k string, _ *channelConn) bool {
		out = append(out, k)
		return true
	})
	return out
}

// Close tears down every channel connection. Further subscriptions fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.Channels() {
		b.teardown(ch)
	}
	b.handlers.Clear()
	return nil
}
