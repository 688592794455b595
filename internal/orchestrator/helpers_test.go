package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/casualjim/slipstream/internal/store"
	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/models"
	"github.com/fogfish/opts"
	"github.com/stretchr/testify/require"
)

// step is one scripted upstream action.
type step struct {
	ev   provider.StreamEvent
	wait <-chan struct{}
	// hang blocks until the upstream context ends
	hang bool
}

func text(s string) step { return step{ev: provider.TextDelta{Text: s}} }
func thought(s string) step { return step{ev: provider.ReasoningDelta{Text: s}} }
func done() step { return step{ev: provider.Done{FinishReason: "stop", Usage: &provider.Usage{TotalTokens: 42}}} }
func fail(err error) step { return step{ev: provider.Error{Err: err}} }
func gate(ch <-chan struct{}) step { return step{wait: ch} }

// image replays base64 PNG data; URL holds the raw payload until the
// emitter wraps it.
func image(b64 string, final bool) step {
	return step{ev: provider.InlineData{URL: b64, Final: final}}
}
func hang() step { return step{hang: true} }
func texts(parts ...string) (out []step) {
	for _, p := range parts {
		out = append(out, text(p))
	}
	return out
}

// scriptedProvider replays steps through provider.Stream.
type scriptedProvider struct {
	name     string
	steps    []step
	startErr error

	mu       sync.Mutex
	calls    int
	params   []provider.CompletionParams
	ctxCause error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.calls++
	p.params = append(p.params, params)
	p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		for _, st := range p.steps {
			switch {
			case st.hang:
				<-ctx.Done()
				p.mu.Lock()
				p.ctxCause = context.Cause(ctx)
				p.mu.Unlock()
				return ctx.Err()
			case st.wait != nil:
				select {
				case <-st.wait:
				case <-ctx.Done():
					return ctx.Err()
				}
			default:
				switch ev := st.ev.(type) {
				case provider.TextDelta:
					em.Text(ev.Text)
				case provider.ReasoningDelta:
					em.Reasoning(ev.Text)
				case provider.InlineData:
					em.Inline("image/png", ev.URL, ev.Final)
				case provider.Done:
					em.Done(ev.FinishReason, ev.Usage)
				case provider.Error:
					em.Fail(ev.Err)
				}
			}
		}
		return nil
	}), nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) lastParams() provider.CompletionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params[len(p.params)-1]
}

func resolverFor(p provider.Provider) Resolver {
	return func(name string, _ models.Credentials) (provider.Provider, models.Entry, error) {
		if name == "nope" {
			return nil, models.Entry{}, models.ErrUnknownProvider
		}
		return p, models.Entry{DefaultModel: "default-model"}, nil
	}
}

// recordingSink records what the requesting socket received. failAfter > 0
// makes every send after that many fail.
type recordingSink struct {
	mu        sync.Mutex
	events    []events.Event
	failAfter int
}

func (s *recordingSink) Send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("socket closed")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *recordingSink) chunks() []events.AIChatChunk {
	var out []events.AIChatChunk
	for _, ev := range s.all() {
		if c, ok := ev.(events.AIChatChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingSink) terminals() []events.Event {
	var out []events.Event
	for _, ev := range s.all() {
		switch ev.(type) {
		case events.AIChatResponse, events.AIChatError:
			out = append(out, ev)
		}
	}
	return out
}

type published struct {
	channel string
	typ     string
	ev      events.Event
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel, typ string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{channel: channel, typ: typ, ev: ev})
	return nil
}

func (p *recordingPublisher) on(channel string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.got {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// recordingStore records every checkpoint write on top of a memory store.
type recordingStore struct {
	checkpoint.Store
	mu     sync.Mutex
	saves  []snapshot
	delays time.Duration
}

func (r *recordingStore) Save(ctx context.Context, id string, chunks []string, meta checkpoint.Metadata, thinking []string) error {
	if r.delays > 0 {
		time.Sleep(r.delays)
	}
	r.mu.Lock()
	r.saves = append(r.saves, snapshot{chunks: slices.Clone(chunks), thinking: slices.Clone(thinking), meta: meta})
	r.mu.Unlock()
	return r.Store.Save(ctx, id, chunks, meta, thinking)
}

func (r *recordingStore) recorded() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.saves)
}

type fixture struct {
	orch  *Orchestrator
	prov  *scriptedProvider
	pub   *recordingPublisher
	cps   *recordingStore
	convs store.Conversations
}

func newFixture(t *testing.T, steps []step, extra ...opts.Option[Orchestrator]) *fixture {
	t.Helper()
	f := &fixture{
		prov:  &scriptedProvider{name: "openai", steps: steps},
		pub:   &recordingPublisher{},
		cps:   &recordingStore{Store: checkpoint.NewMemory(time.Hour)},
		convs: store.NewMemory(),
	}
	options := append([]opts.Option[Orchestrator]{
		WithResolver(resolverFor(f.prov)),
		WithPublisher(f.pub),
		WithCheckpoints(f.cps),
		WithConversations(f.convs),
	}, extra...)
	orch, err := New(options...)
	require.NoError(t, err)
	f.orch = orch
	t.Cleanup(orch.Wait)
	return f
}

func newChat(prompt string) events.AIChatRequest {
	return events.AIChatRequest{
		ConversationID: events.NewChatSentinel,
		Prompt:         prompt,
		Provider:       "openai",
		Model:          "gpt-4o-mini",
	}
}

// seedConversation stores a conversation with one completed exchange.
func seedConversation(t *testing.T, convs store.Conversations, userID string) string {
	t.Helper()
	ctx := context.Background()
	conv, err := convs.CreateOrUpdateConversationWithUserTurn(ctx, store.UserTurn{UserID: userID, Prompt: "first question", Provider: "grok", Model: "grok-4"})
	require.NoError(t, err)
	require.NoError(t, convs.AppendAITurn(ctx, store.AITurn{ConversationID: conv.ID, UserID: userID, Content: "first answer", Provider: "grok", Model: "grok-4", Title: "Existing"}))
	return conv.ID
}

func checkpointMeta(providerName, model, title string) checkpoint.Metadata {
	return checkpoint.Metadata{Provider: providerName, Model: model, Title: title, TotalChunks: 2}
}
