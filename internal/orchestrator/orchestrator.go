// Package orchestrator runs generation requests: one in flight per user,
// deltas relayed to the requesting socket and the bus, periodic checkpoints
// and exactly one terminal event per accepted request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/casualjim/slipstream/internal/store"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/models"
	"github.com/fogfish/opts"
)

var (
	ErrStreamActive = errors.New("a generation is already in flight for this user")
	ErrIdleTimeout  = errors.New("stream idle timeout")
)

const (
	DefaultCheckpointEvery = 10
	DefaultIdleTimeout     = 60 * time.Second
	DefaultProvider        = "openai"

	titleTimeout      = 10 * time.Second
	sideEffectTimeout = 5 * time.Second
)

// Sink is the requesting socket.
type Sink interface {
	Send(events.Event) error
}

type SinkFunc func(events.Event) error

func (f SinkFunc) Send(ev events.Event) error { return f(ev) }

// Publisher is the bus side of event delivery.
type Publisher interface {
	Publish(ctx context.Context, channel, typ string, ev events.Event) error
}

// Resolver builds the adapter for a provider name.
type Resolver func(name string, creds models.Credentials) (provider.Provider, models.Entry, error)

type Orchestrator struct {
	guard           Guard
	checkpoints     checkpoint.Store
	publisher       Publisher
	conversations   store.Conversations
	keys            store.Keys
	resolver        Resolver
	titles          TitleGenerator
	baseURLs        map[string]string
	httpClient      *http.Client
	checkpointEvery int
	idleTimeout     time.Duration
	logger          *slog.Logger
	now             func() time.Time

	// effects tracks best-effort side effects still running
	effects sync.WaitGroup
}

var (
	WithGuard         = opts.ForName[Orchestrator, Guard]("guard")
	WithCheckpoints   = opts.ForName[Orchestrator, checkpoint.Store]("checkpoints")
	WithPublisher     = opts.ForName[Orchestrator, Publisher]("publisher")
	WithConversations = opts.ForName[Orchestrator, store.Conversations]("conversations")
	WithKeys          = opts.ForName[Orchestrator, store.Keys]("keys")
	WithResolver      = opts.ForName[Orchestrator, Resolver]("resolver")
	WithTitles        = opts.ForName[Orchestrator, TitleGenerator]("titles")
	// WithBaseURLs overrides upstream roots by provider name.
	WithBaseURLs    = opts.ForName[Orchestrator, map[string]string]("baseURLs")
	WithHTTPClient  = opts.ForName[Orchestrator, *http.Client]("httpClient")
	WithIdleTimeout = opts.ForName[Orchestrator, time.Duration]("idleTimeout")
	WithLogger      = opts.ForName[Orchestrator, *slog.Logger]("logger")
)

// WithCheckpointEvery sets how many text chunks pass between checkpoints.
func WithCheckpointEvery(n int) opts.Option[Orchestrator] {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		if n <= 0 {
			return errors.New("checkpoint interval must be positive")
		}
		o.checkpointEvery = n
		return nil
	})
}

// New creates an orchestrator. Unset collaborators default to process-local
// implementations and the built-in provider registry.
func New(options ...opts.Option[Orchestrator]) (*Orchestrator, error) {
	o := &Orchestrator{
		checkpointEvery: DefaultCheckpointEvery,
		idleTimeout:     DefaultIdleTimeout,
		logger:          slog.Default().With(slogx.LoggerName("orchestrator")),
		now:             time.Now,
	}
	if err := opts.Apply(o, options); err != nil {
		return nil, err
	}
	if o.guard == nil {
		o.guard = NewLocalGuard()
	}
	if o.checkpoints == nil {
		o.checkpoints = checkpoint.NewMemory(checkpoint.DefaultTTL)
	}
	if o.publisher == nil {
		o.publisher = discard{}
	}
	if o.conversations == nil {
		o.conversations = store.NewMemory()
	}
	if o.keys == nil {
		o.keys = store.NewKeyring()
	}
	if o.resolver == nil {
		o.resolver = models.Resolve
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = DefaultIdleTimeout
	}
	return o, nil
}

type discard struct{}

func (discard) Publish(context.Context, string, string, events.Event) error { return nil }

// HandleGenerationRequest runs req for userID to completion, delivering
// events to sink. It returns ErrStreamActive without contacting any upstream
// when the user already has a generation in flight. Once accepted, every
// failure is reported to sink as ai_chat_error and the returned error is nil.
//
// ctx bounds the generation itself; a dropped client is not a reason to
// cancel it.
func (o *Orchestrator) HandleGenerationRequest(ctx context.Context, userID string, req events.AIChatRequest, sink Sink) error {
	ok, err := o.guard.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Warn("ignoring generation request, stream already active", slogx.UserID(userID), slogx.ConversationID(req.ConversationID))
		return ErrStreamActive
	}
	defer o.guard.Release(context.WithoutCancel(ctx), userID)

	s := o.newSession(userID, req, sink)
	s.run(ctx)
	return nil
}

// Wait blocks until outstanding best-effort side effects have finished.
func (o *Orchestrator) Wait() {
	o.effects.Wait()
}

// bestEffort runs fn off the streaming path. Its error is logged and
// discarded.
func (o *Orchestrator) bestEffort(what string, attrs []any, fn func(context.Context) error) {
	o.effects.Add(1)
	go func() {
		defer o.effects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Warn(what+" failed", append(attrs, slogx.Error(err))...)
		}
	}()
}

// publishAsync publishes ev without ordering guarantees relative to other
// events of the session.
func (o *Orchestrator) publishAsync(channel string, ev events.Event, attrs ...any) {
	o.bestEffort("publish "+ev.EventType(), append(attrs, slogx.Channel(channel)), func(ctx context.Context) error {
		return o.publisher.Publish(ctx, channel, ev.EventType(), ev)
	})
}

// safeMessage is the user facing text for a generation failure.
func safeMessage(providerName string, err error) string {
	if herr, ok := provider.IsHTTPError(err); ok {
		return fmt.Sprintf("%s request failed with status %d", formatProvider(providerName), herr.StatusCode)
	}
	switch {
	case errors.Is(err, ErrIdleTimeout):
		return ErrIdleTimeout.Error()
	case errors.Is(err, models.ErrUnknownProvider):
		return "unsupported provider: " + providerName
	case errors.Is(err, provider.ErrUnexpectedEnd):
		return "the provider closed the stream unexpectedly"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden):
		return "conversation not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "generation was cancelled"
	}
	var uerr interface{ UpstreamMessage() string }
	if errors.As(err, &uerr) {
		if msg := strings.TrimSpace(uerr.UpstreamMessage()); msg != "" {
			return msg
		}
	}
	return "generation failed"
}
