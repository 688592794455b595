package broker

import (
	"context"
	"errors"

	"github.com/casualjim/slipstream/events"
)

var (
	// ErrTypeMismatch is returned when a payload's type differs from the
	// declared event type.
	ErrTypeMismatch = errors.New("event type mismatch")
	ErrClosed       = errors.New("broker closed")
	ErrNoHandler    = errors.New("handler is required")
)

// Transport moves serialized events between processes.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Open subscribes to channel; deliver is called for every payload until
	// the returned Conn is closed.
	Open(ctx context.Context, channel string, deliver func([]byte)) (Conn, error)
}

// Conn is one transport subscription.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Message is what a handler receives.
type Message struct {
	Channel string
	Type    string
	Event   events.Event
	// Payload is the raw frame as published, including fields the typed
	// event does not model.
	Payload []byte
}

type Handler func(Message)
