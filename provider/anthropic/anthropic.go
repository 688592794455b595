// Package anthropic streams Claude messages through anthropic-sdk-go and
// maps the SDK's typed stream events onto canonical deltas.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/casualjim/slipstream/provider"
)

const DefaultMaxTokens int64 = 8192

// MessagesClient is the subset of the SDK's Messages service the adapter
// needs. *sdk.MessageService satisfies it.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type Options struct {
	// MaxTokens defaults to DefaultMaxTokens
	MaxTokens int64
	// ThinkingBudget enables extended thinking when at least 1024 and below
	// the effective max tokens.
	ThinkingBudget int64
}

type Provider struct {
	msg  MessagesClient
	opts Options
}

var _ provider.Provider = (*Provider)(nil)

// New builds a provider on the default SDK client.
func New(apiKey string, reqOpts ...option.RequestOption) *Provider {
	client := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)...)
	return NewWithClient(&client.Messages, Options{})
}

func NewWithClient(msg MessagesClient, opts Options) *Provider {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Provider{msg: msg, opts: opts}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	body, err := p.buildParams(params)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, body)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, translateError(err)
	}
	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		defer stream.Close()
		return Consume(ctx, stream, em)
	}), nil
}

func (p *Provider) buildParams(params provider.CompletionParams) (sdk.MessageNewParams, error) {
	if params.Model == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: model is required")
	}
	msgs := make([]sdk.MessageParam, 0, len(params.Messages))
	var system []sdk.TextBlockParam
	if strings.TrimSpace(params.System) != "" {
		system = append(system, sdk.TextBlockParam{Text: params.System})
	}
	for _, m := range params.Messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case provider.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user/assistant message is required")
	}

	maxTokens := p.opts.MaxTokens
	if params.MaxTokens != nil && *params.MaxTokens > 0 && *params.MaxTokens < maxTokens {
		maxTokens = *params.MaxTokens
	}
	body := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  msgs,
		Model:     sdk.Model(params.Model),
	}
	if len(system) > 0 {
		body.System = system
	}
	if params.User != "" {
		body.Metadata = sdk.MetadataParam{UserID: sdk.String(params.User)}
	}
	if b := p.opts.ThinkingBudget; b >= 1024 && b < maxTokens {
		// sampling parameters are rejected while thinking is enabled
		body.Thinking = sdk.ThinkingConfigParamOfEnabled(b)
		return body, nil
	}
	if params.Temperature != nil {
		body.Temperature = sdk.Float(*params.Temperature)
	}
	if params.TopP != nil {
		body.TopP = sdk.Float(*params.TopP)
	}
	return body, nil
}

// Consume drains an SDK stream into em.
func Consume(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], em *provider.Emitter) error {
	var (
		usage      provider.Usage
		stopReason string
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens = ev.Message.Usage.InputTokens
			if !em.KeepAlive() {
				return ctx.Err()
			}
		case sdk.ContentBlockDeltaEvent:
			ok := true
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				ok = em.Text(delta.Text)
			case sdk.ThinkingDelta:
				ok = em.Reasoning(delta.Thinking)
			default:
				ok = em.KeepAlive()
			}
			if !ok {
				return ctx.Err()
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.OutputTokens = ev.Usage.OutputTokens
			if !em.KeepAlive() {
				return ctx.Err()
			}
		case sdk.MessageStopEvent:
			em.Done(finishReason(stopReason), &usage)
			return nil
		default:
			if !em.KeepAlive() {
				return ctx.Err()
			}
		}
	}
	if err := stream.Err(); err != nil {
		return translateError(err)
	}
	return ctx.Err()
}

func finishReason(stop string) string {
	switch stop {
	case "", "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stop
	}
}

func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &provider.HTTPError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Body:       snippet(apiErr.RawJSON()),
		}
	}
	return fmt.Errorf("anthropic stream: %w", err)
}

func snippet(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
