package broker

import (
	"context"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

type localTransport struct {
	topics                *haxmap.Map[string, *topic]
	slowSubscriberTimeout time.Duration
}

// Local returns an in-process transport. Subscribers that cannot keep up
// for longer than the slow subscriber timeout are dropped.
func Local() *localTransport {
	return &localTransport{
		topics:                haxmap.New[string, *topic](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures the timeout for detecting slow subscribers
func (l *localTransport) WithSlowSubscriberTimeout(timeout time.Duration) *localTransport {
	l.slowSubscriberTimeout = timeout
	return l
}

func (l *localTransport) topic(name string) *topic {
	t, _ := l.topics.GetOrCompute(name, func() *topic {
		return &topic{
			name:                  name,
			subscriptions:         haxmap.New[string, *subscription](),
			slowSubscriberTimeout: l.slowSubscriberTimeout,
		}
	})
	return t
}

func (l *localTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t, ok := l.topics.Get(channel); ok {
		t.publish(ctx, data)
	}
	return nil
}

func (l *localTransport) Open(ctx context.Context, channel string, deliver func([]byte)) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.topic(channel).subscribe(deliver), nil
}

type topic struct {
	name                  string
	subscriptions         *haxmap.Map[string, *subscription]
	slowSubscriberTimeout time.Duration
}

func (t *topic) publish(ctx context.Context, data []byte) {
	t.subscriptions.ForEach(func(_ string, sub *subscription) bool {
		if sub == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-sub.done:
			return true
		default:
		}

		timer := time.NewTimer(t.slowSubscriberTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-sub.done:
		case sub.channel <- data:
		case <-timer.C:
			// still full after the timeout, drop the subscriber
			_ = sub.Close()
		}
		return true
	})
}

func (t *topic) subscribe(deliver func([]byte)) *subscription {
	id := uuidx.NewString()
	sub := &subscription{
		id:      id,
		channel: make(chan []byte, 50),
		done:    make(chan struct{}),
		onClose: func() { t.subscriptions.Del(id) },
		deliver: deliver,
	}
	t.subscriptions.Set(id, sub)
	go sub.forward()
	return sub
}

type subscription struct {
	id        string
	channel   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	deliver   func([]byte)
}

func (s *subscription) Ping(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
	return nil
}

func (s *subscription) forward() {
	for {
		select {
		case data := <-s.channel:
			s.deliver(data)
		case <-s.done:
			return
		}
	}
}
