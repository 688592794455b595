package provider

import (
	"context"
	"errors"
	"time"

	"github.com/go-openapi/strfmt"
)

// ErrUnexpectedEnd is reported when an upstream closes the stream without a
// finish signal.
var ErrUnexpectedEnd = errors.New("stream ended without a finish signal")

// Emitter delivers canonical events to a stream channel. It guarantees that
// at most one terminal event is sent and that sends never block past ctx.
type Emitter struct {
	ctx        context.Context
	out        chan<- StreamEvent
	terminated bool
	now        func() time.Time
}

func (e *Emitter) send(ev StreamEvent) bool {
	if e.terminated {
		return false
	}
	select {
	case <-e.ctx.Done():
		return false
	case e.out <- ev:
		return true
	}
}

func (e *Emitter) stamp() strfmt.DateTime {
	return strfmt.DateTime(e.now())
}

// Text emits a TextDelta. Empty text is ignored.
func (e *Emitter) Text(text string) bool {
	if text == "" {
		return !e.terminated
	}
	return e.send(TextDelta{Text: text, Timestamp: e.stamp()})
}

// Reasoning emits a ReasoningDelta. Empty text is ignored.
func (e *Emitter) Reasoning(text string) bool {
	if text == "" {
		return !e.terminated
	}
	return e.send(ReasoningDelta{Text: text, Timestamp: e.stamp()})
}

// Inline emits base64 data of the given MIME type as an InlineData data URL.
// Empty data is ignored.
func (e *Emitter) Inline(mimeType, b64 string, final bool) bool {
	if b64 == "" {
		return !e.terminated
	}
	return e.send(InlineData{URL: "data:" + mimeType + ";base64," + b64, Final: final, Timestamp: e.stamp()})
}

// KeepAlive reports upstream activity without payload.
func (e *Emitter) KeepAlive() bool {
	return e.send(KeepAlive{Timestamp: e.stamp()})
}

// Done emits the finish signal and terminates the stream.
func (e *Emitter) Done(reason string, usage *Usage) bool {
	ok := e.send(Done{FinishReason: reason, Usage: usage, Timestamp: e.stamp()})
	e.terminated = true
	return ok
}

// Fail emits an Error and terminates the stream.
func (e *Emitter) Fail(err error) bool {
	ok := e.send(Error{Err: err, Timestamp: e.stamp()})
	e.terminated = true
	return ok
}

// Terminated reports whether Done or Fail was called.
func (e *Emitter) Terminated() bool { return e.terminated }

// Stream runs fn on its own goroutine and returns the channel it emits to.
// When fn returns without a terminal event, its error (or ctx's error) is
// emitted as Error; a nil error becomes ErrUnexpectedEnd. The channel is
// closed once fn has returned.
func Stream(ctx context.Context, fn func(context.Context, *Emitter) error) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		em := &Emitter{ctx: ctx, out: events, now: time.Now}
		err := fn(ctx, em)
		if em.Terminated() {
			return
		}
		switch {
		case err != nil:
			em.Fail(err)
		case ctx.Err() != nil:
			em.Fail(ctx.Err())
		default:
			em.Fail(ErrUnexpectedEnd)
		}
	}()
	return events
}
