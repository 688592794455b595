package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/slipstream/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// countingTransport wraps Local and records connection lifecycle calls
type countingTransport struct {
	*localTransport
	opens, closes, pings atomic.Int32
	openErr              error
	pingErr              error

	mu        sync.Mutex
	published [][]byte
}

func newCountingTransport() *countingTransport {
	return &countingTransport{localTransport: Local()}
}

func (c *countingTransport) Publish(ctx context.Context, channel string, data []byte) error {
	c.mu.Lock()
	c.published = append(c.published, data)
	c.mu.Unlock()
	return c.localTransport.Publish(ctx, channel, data)
}

func (c *countingTransport) Open(ctx context.Context, channel string, deliver func([]byte)) (Conn, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opens.Add(1)
	conn, err := c.localTransport.Open(ctx, channel, deliver)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, parent: c}, nil
}

func (c *countingTransport) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		return nil
	}
	return c.published[len(c.published)-1]
}

type countingConn struct {
	Conn
	parent *countingTransport
}

func (c *countingConn) Ping(ctx context.Context) error {
	c.parent.pings.Add(1)
	if c.parent.pingErr != nil {
		return c.parent.pingErr
	}
	return c.Conn.Ping(ctx)
}

func (c *countingConn) Close() error {
	c.parent.closes.Add(1)
	return c.Conn.Close()
}

func nop(Message) {}

func TestBus_ConnectionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("one connection per channel shared across types", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		defer bus.Close()

		u1, err := bus.Subscribe(ctx, "stream:c1", events.TypeAIChatChunk, nop)
		require.NoError(t, err)
		u2, err := bus.Subscribe(ctx, "stream:c1", events.TypeAIChatResponse, nop)
		require.NoError(t, err)
		u3, err := bus.Subscribe(ctx, "stream:c1", events.TypeAIChatChunk, nop)
		require.NoError(t, err)
		assert.Equal(t, int32(1), tr.opens.Load())
		assert.Equal(t, []string{"stream:c1"}, bus.Channels())

		u1()
		u2()
		assert.Equal(t, int32(0), tr.closes.Load(), "a handler is still registered")
		u3()
		assert.Equal(t, int32(1), tr.closes.Load())
		assert.Empty(t, bus.Channels())
	})

	t.Run("channels sharing a prefix are independent", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		defer bus.Close()

		u1, err := bus.Subscribe(ctx, "stream:c1", events.TypeAIChatChunk, nop)
		require.NoError(t, err)
		u2, err := bus.Subscribe(ctx, "stream:c1:x", events.TypeAIChatChunk, nop)
		require.NoError(t, err)
		assert.Equal(t, int32(2), tr.opens.Load())

		u1()
		assert.Equal(t, []string{"stream:c1:x"}, bus.Channels())
		u2()
		assert.Empty(t, bus.Channels())
	})

	t.Run("open failure leaves no handler behind", func(t *testing.T) {
		tr := newCountingTransport()
		tr.openErr = errors.New("refused")
		bus := New(tr)
		defer bus.Close()

		_, err := bus.Subscribe(ctx, "c", events.TypeTyping, nop)
		require.Error(t, err)
		assert.False(t, bus.hasHandlers("c"))

		tr.openErr = nil
		unsub, err := bus.Subscribe(ctx, "c", events.TypeTyping, nop)
		require.NoError(t, err)
		unsub()
	})

	t.Run("close tears everything down", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		_, err := bus.Subscribe(ctx, "a", events.TypeTyping, nop)
		require.NoError(t, err)
		_, err = bus.Subscribe(ctx, "b", events.TypeTyping, nop)
		require.NoError(t, err)

		require.NoError(t, bus.Close())
		assert.Equal(t, int32(2), tr.closes.Load())
		_, err = bus.Subscribe(ctx, "a", events.TypeTyping, nop)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestBus_Heartbeat(t *testing.T) {
	tr := newCountingTransport()
	tr.pingErr = errors.New("dead connection")
	bus := New(tr, WithHeartbeat(10*time.Millisecond))
	defer bus.Close()

	unsub, err := bus.Subscribe(context.Background(), "hb", events.TypeTyping, nop)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return tr.pings.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, tr.opens.Load(), int32(2), "a failed heartbeat reopens the connection")

	unsub()
	stopped := tr.pings.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, tr.pings.Load(), "heartbeat stops with the connection")
}

func TestBus_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects a mismatched type", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		err := bus.Publish(ctx, "c", events.TypeAIChatChunk, events.Typing{UserID: "u"})
		assert.ErrorIs(t, err, ErrTypeMismatch)
		err = bus.Publish(ctx, "c", events.TypeTyping, nil)
		assert.ErrorIs(t, err, ErrTypeMismatch)
		assert.Nil(t, tr.last())
	})

	t.Run("raw payloads are checked", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		assert.ErrorIs(t, bus.PublishRaw(ctx, "c", events.TypeTyping, []byte(`{"type":"ping"}`)), ErrTypeMismatch)
		assert.ErrorIs(t, bus.PublishRaw(ctx, "c", events.TypeTyping, []byte(`{"userId":"u"}`)), events.ErrMissingType)
		assert.Nil(t, tr.last())
	})

	t.Run("adds a timestamp when missing", func(t *testing.T) {
		tr := newCountingTransport()
		bus := New(tr)
		fixed := time.UnixMilli(1_700_000_000_000)
		bus.now = func() time.Time { return fixed }

		require.NoError(t, bus.PublishRaw(ctx, "c", events.TypeTyping, []byte(`{"type":"typing","userId":"u"}`)))
		assert.Equal(t, fixed.UnixMilli(), gjson.GetBytes(tr.last(), "timestamp").Int())

		require.NoError(t, bus.PublishRaw(ctx, "c", events.TypeTyping, []byte(`{"type":"typing","userId":"u","timestamp":42}`)))
		assert.Equal(t, int64(42), gjson.GetBytes(tr.last(), "timestamp").Int())
	})
}

func TestBus_Subscribe(t *testing.T) {
	ctx := context.Background()
	bus := New(Local())
	defer bus.Close()

	_, err := bus.Subscribe(ctx, "c", events.TypeTyping, nil)
	assert.ErrorIs(t, err, ErrNoHandler)
	_, err = bus.Subscribe(ctx, "c", "made_up", nop)
	assert.ErrorIs(t, err, events.ErrUnknownType)
}

func TestBus_DropsMalformedPayloads(t *testing.T) {
	tr := Local()
	bus := New(tr)
	defer bus.Close()
	ctx := context.Background()

	r := newRecorder(1)
	unsub, err := bus.Subscribe(ctx, "c", events.TypeAIChatChunk, r.handle)
	require.NoError(t, err)
	defer unsub()

	// bypass the bus checks and write straight to the transport
	require.NoError(t, tr.Publish(ctx, "c", []byte(`not json`)))
	require.NoError(t, tr.Publish(ctx, "c", []byte(`{"type":"ai_chat_chunk","conversationId":1}`)))
	require.NoError(t, tr.Publish(ctx, "c", []byte(`{"type":"ai_chat_chunk","conversationId":"c","userId":"u","chunk":"ok"}`)))
	r.wait(t)

	msgs := r.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Event.(events.AIChatChunk).Chunk)
	assert.JSONEq(t, `{"type":"ai_chat_chunk","conversationId":"c","userId":"u","chunk":"ok"}`, string(msgs[0].Payload))
}

func TestLocal_SlowSubscriber(t *testing.T) {
	tr := Local().WithSlowSubscriberTimeout(10 * time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	var received atomic.Int32
	conn, err := tr.Open(ctx, "slow", func([]byte) {
		<-release
		received.Add(1)
	})
	require.NoError(t, err)

	for range 60 {
		require.NoError(t, tr.Publish(ctx, "slow", []byte(`{"type":"ping"}`)))
	}
	close(release)

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.ErrorIs(t, conn.Ping(ctx2), ErrClosed, "slow subscriber is dropped")
	assert.Less(t, received.Load(), int32(60))
}

func TestBus_RecoversDroppedSubscription(t *testing.T) {
	tr := Local().WithSlowSubscriberTimeout(10 * time.Millisecond)
	bus := New(tr, WithHeartbeat(20*time.Millisecond))
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var stall sync.Once
	got := make(chan string, 128)
	unsub, err := bus.Subscribe(ctx, "chat", events.TypeTyping, func(m Message) {
		stall.Do(func() { <-release })
		got <- m.Event.(events.Typing).UserID
	})
	require.NoError(t, err)
	defer unsub()

	// overflow the subscriber so the transport drops it
	for range 60 {
		require.NoError(t, bus.Publish(ctx, "chat", events.TypeTyping, typing("burst")))
	}
	close(release)

	assert.Eventually(t, func() bool {
		_ = bus.Publish(ctx, "chat", events.TypeTyping, typing("after"))
		deadline := time.After(20 * time.Millisecond)
		for {
			select {
			case id := <-got:
				if id == "after" {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "channel delivers again once the subscription is replaced")
	assert.Equal(t, []string{"chat"}, bus.Channels())
}
