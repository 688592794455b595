package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/casualjim/slipstream/internal/store"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/models"
)

// session is one in-flight generation. It is owned by the goroutine running
// HandleGenerationRequest and is not safe for concurrent use.
type session struct {
	o      *Orchestrator
	userID string
	req    events.AIChatRequest
	sink   Sink
	logger *slog.Logger

	providerName   string
	model          string
	conversationID string
	isNew          bool
	// established is set once the conversation is stored
	established bool

	title          string
	titleCh        chan string
	titleGenerated bool

	chunks           []string
	thinking         []string
	thinkingStarted  time.Time
	thinkingDuration int64

	cp         *checkpointer
	terminated bool
	sinkFailed bool
}

func (o *Orchestrator) newSession(userID string, req events.AIChatRequest, sink Sink) *session {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		name = DefaultProvider
	}
	return &session{
		o:              o,
		userID:         userID,
		req:            req,
		sink:           sink,
		logger:         o.logger.With(slogx.UserID(userID), slog.String("provider", name)),
		providerName:   name,
		model:          req.Model,
		conversationID: req.ConversationID,
		isNew:          req.IsNewChat() || req.ConversationID == "",
	}
}

func (s *session) run(ctx context.Context) {
	prov, params, err := s.prepare(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	s.stream(ctx, prov, params)
}

// prepare resolves the adapter, records the user turn, resumes from a
// checkpoint when one exists and builds the upstream request.
func (s *session) prepare(ctx context.Context) (provider.Provider, provider.CompletionParams, error) {
	var params provider.CompletionParams

	apiKey := s.req.APIKey
	if apiKey == "" {
		key, err := s.o.keys.Lookup(ctx, s.userID, s.providerName)
		if err != nil {
			return nil, params, err
		}
		apiKey = key
	}
	prov, entry, err := s.o.resolver(s.providerName, models.Credentials{
		APIKey:     apiKey,
		BaseURL:    s.o.baseURLs[s.providerName],
		HTTPClient: s.o.httpClient,
	})
	if err != nil {
		return nil, params, err
	}
	if s.model == "" {
		s.model = entry.DefaultModel
	}

	turn := store.UserTurn{
		UserID:   s.userID,
		Prompt:   s.req.Prompt,
		Provider: s.providerName,
		Model:    s.model,
		Settings: store.Settings{
			SystemPrompt: s.req.SystemPrompt,
			Temperature:  s.req.Temperature,
			TopP:         s.req.TopP,
		},
	}
	if !s.isNew {
		turn.ConversationID = s.req.ConversationID
	}
	conv, err := s.o.conversations.CreateOrUpdateConversationWithUserTurn(ctx, turn)
	if err != nil {
		return nil, params, err
	}
	s.conversationID = conv.ID
	s.established = true
	s.title = conv.Title
	s.logger = s.logger.With(slogx.ConversationID(conv.ID))
	if s.title == "" {
		s.startTitle(ctx)
	}

	s.cp = newCheckpointer(s.o.checkpoints, s.conversationID, s.logger)
	s.resume(ctx)

	system, msgs := buildMessages(conv, s.req.SystemPrompt, s.isNew)
	params = provider.CompletionParams{
		Model:       s.model,
		System:      system,
		Messages:    msgs,
		Temperature: s.req.Temperature,
		TopP:        s.req.TopP,
		MaxTokens:   s.req.MaxTokens,
		User:        s.userID,
	}
	return prov, params, nil
}

func (s *session) stream(ctx context.Context, prov provider.Provider, params provider.CompletionParams) {
	upstreamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stream, err := prov.ChatCompletion(upstreamCtx, params)
	if err != nil {
		s.fail(err)
		return
	}

	idle := time.NewTimer(s.o.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				s.fail(provider.ErrUnexpectedEnd)
				return
			}
			idle.Reset(s.o.idleTimeout)

			switch ev := ev.(type) {
			case provider.TextDelta:
				s.text(ev.Text)
			case provider.ReasoningDelta:
				s.reasoning(ev.Text)
			case provider.InlineData:
				s.emit(events.AIChatInlineData{Generation: s.generation(true), Data: ev.URL, Done: ev.Final})
			case provider.KeepAlive:
			case provider.Done:
				s.finish(ev)
				return
			case provider.Error:
				s.fail(ev.Err)
				return
			}

		case <-idle.C:
			s.logger.Warn("upstream stream went idle, aborting", slog.Duration("idle_timeout", s.o.idleTimeout), slog.Int("chunks", len(s.chunks)))
			cancel(ErrIdleTimeout)
			s.fail(ErrIdleTimeout)
			return

		case <-ctx.Done():
			s.fail(context.Cause(ctx))
			return
		}
	}
}

func (s *session) text(delta string) {
	s.chunks = append(s.chunks, delta)
	if !s.thinkingStarted.IsZero() && s.thinkingDuration == 0 {
		s.thinkingDuration = s.o.now().Sub(s.thinkingStarted).Milliseconds()
	}
	s.emit(events.AIChatChunk{Generation: s.generation(true), Chunk: delta})
	if len(s.chunks)%s.o.checkpointEvery == 0 {
		s.cp.submit(s.snapshot(false))
	}
}

func (s *session) reasoning(delta string) {
	now := s.o.now()
	if s.thinkingStarted.IsZero() {
		s.thinkingStarted = now
	}
	s.thinking = append(s.thinking, delta)
	s.emit(events.AIChatChunk{
		Generation:       s.generation(true),
		IsThinking:       true,
		ThinkingText:     delta,
		ThinkingDuration: now.Sub(s.thinkingStarted).Milliseconds(),
	})
}

func (s *session) finish(done provider.Done) {
	s.terminated = true
	aggregate := strings.Join(s.chunks, "")
	s.cp.save(s.snapshot(true))

	turn := store.AITurn{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		Content:        aggregate,
		Provider:       s.providerName,
		Model:          s.model,
	}
	gen := s.generation(true)
	if s.titleGenerated {
		turn.Title = s.title
	}
	s.withTimeout(func(ctx context.Context) {
		if err := s.o.conversations.AppendAITurn(ctx, turn); err != nil {
			s.logger.Error("failed to persist response", slogx.Error(err))
		}
	})

	resp := events.AIChatResponse{Generation: gen, Chunk: aggregate, Usage: done.Usage.Total()}
	if len(s.thinking) > 0 {
		resp.ThinkingText = strings.Join(s.thinking, "")
		resp.ThinkingDuration = s.thinkingDuration
	}
	s.emit(resp)

	s.withTimeout(func(ctx context.Context) {
		if err := s.o.checkpoints.Delete(ctx, s.conversationID); err != nil {
			s.logger.Warn("failed to delete checkpoint", slogx.Error(err))
		}
	})
	s.logger.Info("generation completed", slog.Int("chunks", len(s.chunks)), slog.String("finish_reason", done.FinishReason), slog.Int64("usage", done.Usage.Total()))
}

// fail emits the terminal error. Partial output stays checkpointed until it
// expires.
func (s *session) fail(err error) {
	s.terminated = true
	if s.cp != nil {
		if len(s.chunks) > 0 {
			s.cp.save(s.snapshot(false))
		} else {
			s.cp.stop()
		}
	}

	ev := events.AIChatError{Generation: s.generation(false), Message: safeMessage(s.providerName, err)}
	if errors.Is(err, ErrIdleTimeout) {
		ev.StopReason = "idle_timeout"
	}
	s.emit(ev)
	s.logger.Error("generation failed", slog.Int("chunks", len(s.chunks)), slogx.Error(err))
}

// resume picks up the chunks of an interrupted generation of this
// conversation and replays them to the client as one chunk.
func (s *session) resume(ctx context.Context) {
	if s.isNew {
		return
	}
	cp, err := s.o.checkpoints.Load(ctx, s.conversationID)
	if err != nil {
		s.logger.Warn("failed to load checkpoint", slogx.Error(err))
		return
	}
	if cp == nil || cp.Metadata.Completed {
		return
	}
	s.chunks = slices.Clone(cp.Chunks)
	s.thinking = slices.Clone(cp.ThinkingChunks)
	s.logger.Info("resuming from checkpoint", slog.Int("chunks", len(s.chunks)))

	s.publish(events.ConversationStreamChannel(s.conversationID), events.StreamResumed{
		ConversationID: s.conversationID,
		ResumedAt:      len(cp.Chunks),
		Chunks:         cp.Chunks,
		Title:          cp.Metadata.Title,
		Model:          cp.Metadata.Model,
		Provider:       cp.Metadata.Provider,
	})

	gen := s.baseGeneration()
	gen.Model = cp.Metadata.Model
	gen.Provider = cp.Metadata.Provider
	if cp.Metadata.Title != "" {
		gen.Title = cp.Metadata.Title
	}
	s.send(events.AIChatChunk{Generation: gen, Chunk: strings.Join(cp.Chunks, "")})
}

func (s *session) startTitle(ctx context.Context) {
	s.titleCh = make(chan string, 1)
	if s.o.titles == nil {
		s.titleCh <- cleanTitle(s.req.Prompt)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
		defer cancel()
		raw, err := s.o.titles.GenerateTitle(ctx, s.req.Prompt)
		if err != nil {
			s.logger.Warn("title generation failed", slogx.Error(err))
			s.titleCh <- formatProvider(s.providerName)
			return
		}
		s.titleCh <- cleanTitle(raw)
	}()
}

// resolveTitle collects a pending title. When wait is false and the title is
// not ready yet, the provider name stands in.
func (s *session) resolveTitle(wait bool) {
	if s.titleCh == nil {
		return
	}
	if wait {
		s.title = <-s.titleCh
	} else {
		select {
		case s.title = <-s.titleCh:
		default:
			s.title = formatProvider(s.providerName)
		}
	}
	s.titleCh = nil
	s.titleGenerated = true

	if s.isNew {
		s.o.publishAsync(events.UserChannel(s.userID), events.ConversationCreated{
			ConversationID: s.conversationID,
			UserID:         s.userID,
			Title:          s.title,
			Timestamp:      s.o.now().UnixMilli(),
		}, slogx.UserID(s.userID), slogx.ConversationID(s.conversationID))
	}
}

func (s *session) generation(waitTitle bool) events.Generation {
	s.resolveTitle(waitTitle)
	return s.baseGeneration()
}

func (s *session) baseGeneration() events.Generation {
	return events.Generation{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		Provider:       s.providerName,
		Model:          s.model,
		Title:          s.title,
		SystemPrompt:   s.req.SystemPrompt,
		Temperature:    s.req.Temperature,
		TopP:           s.req.TopP,
	}
}

func (s *session) snapshot(completed bool) snapshot {
	return snapshot{
		chunks:   slices.Clone(s.chunks),
		thinking: slices.Clone(s.thinking),
		meta: checkpoint.Metadata{
			Model:        s.model,
			Provider:     s.providerName,
			Title:        s.title,
			TotalChunks:  len(s.chunks),
			Completed:    completed,
			SystemPrompt: s.req.SystemPrompt,
			Temperature:  s.req.Temperature,
			TopP:         s.req.TopP,
		},
	}
}

// emit delivers ev to the requesting socket and then to the conversation's
// stream channel.
func (s *session) emit(ev events.Event) {
	s.send(ev)
	if !s.established {
		return
	}
	s.publish(events.ConversationStreamChannel(s.conversationID), ev)
}

// send is best effort: a gone client does not stop the generation.
func (s *session) send(ev events.Event) {
	if err := s.sink.Send(ev); err != nil && !s.sinkFailed {
		s.sinkFailed = true
		s.logger.Warn("client send failed, continuing without it", slogx.EventType(ev.EventType()), slogx.Error(err))
	}
}

// publish is synchronous so the channel sees the session's events in order.
func (s *session) publish(channel string, ev events.Event) {
	s.withTimeout(func(ctx context.Context) {
		if err := s.o.publisher.Publish(ctx, channel, ev.EventType(), ev); err != nil {
			s.logger.Warn("publish failed", slogx.Channel(channel), slogx.EventType(ev.EventType()), slogx.Error(err))
		}
	})
}

func (s *session) withTimeout(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	fn(ctx)
}
