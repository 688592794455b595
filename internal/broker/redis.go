package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type redisTransport struct {
	client redis.UniversalClient
}

// Redis returns a transport built on PUBLISH/SUBSCRIBE.
func Redis(client redis.UniversalClient) *redisTransport {
	return &redisTransport{client: client}
}

func (t *redisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

// Open subscribes and waits for the server's confirmation so that a publish
// issued right after Open is not missed.
func (t *redisTransport) Open(ctx context.Context, channel string, deliver func([]byte)) (Conn, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	go func() {
		for msg := range ps.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()
	return &redisConn{ps: ps}, nil
}

type redisConn struct {
	ps *redis.PubSub
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.ps.Ping(ctx)
}

// Close ends the subscription; the delivery goroutine exits once the
// message channel drains.
func (c *redisConn) Close() error {
	return c.ps.Close()
}
