package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

const natsPingTimeout = 5 * time.Second

type natsTransport struct {
	client *nats.Conn
}

// NATS returns a transport publishing each channel on the subject of the
// same name.
func NATS(client *nats.Conn) *natsTransport {
	return &natsTransport{client: client}
}

func (t *natsTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.client.Publish(channel, data)
}

func (t *natsTransport) Open(ctx context.Context, channel string, deliver func([]byte)) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := t.client.Subscribe(channel, func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return &natsConn{client: t.client, sub: sub}, nil
}

type natsConn struct {
	client *nats.Conn
	sub    *nats.Subscription
}

// Ping round-trips to the server, which also confirms the subscription
// interest has been registered.
func (c *natsConn) Ping(ctx context.Context) error {
	if !c.sub.IsValid() {
		return nats.ErrBadSubscription
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsPingTimeout)
		defer cancel()
	}
	return c.client.FlushWithContext(ctx)
}

func (c *natsConn) Close() error {
	if !c.sub.IsValid() {
		return nil
	}
	return c.sub.Unsubscribe()
}
