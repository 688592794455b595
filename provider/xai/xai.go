// Package xai streams Grok chat completions.
//
// Grok speaks the Chat Completions wire format but its deltas are a union of
// shapes that carry no tag: a start frame with role and content, role alone,
// role with reasoning_content, bare content, bare reasoning_content, and an
// empty object on the final frame. Frames are told apart by which keys exist.
package xai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/openaicompat"
	"github.com/tidwall/gjson"
)

const BaseURL = "https://api.x.ai/v1"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Provider struct {
	cfg Config
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "grok" }

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	body, err := openaicompat.BuildBody(params, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := provider.PostStream(ctx, p.cfg.HTTPClient, p.Name(), openaicompat.Endpoint(p.cfg.BaseURL), provider.BearerHeaders(p.cfg.APIKey), body)
	if err != nil {
		return nil, err
	}
	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		defer resp.Body.Close()
		return openaicompat.Consume(ctx, resp.Body, em, DecodeDelta)
	}), nil
}

// DeltaKind names the shape of a Grok delta.
type DeltaKind int

const (
	KindUnknown DeltaKind = iota
	// KindStart is a role frame, optionally with the first content.
	KindStart
	// KindThinkingStart is a role frame opening a reasoning phase.
	KindThinkingStart
	KindContent
	KindReasoning
	// KindEmpty is the {} delta sent with the finish reason.
	KindEmpty
)

func (k DeltaKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindThinkingStart:
		return "thinking_start"
	case KindContent:
		return "content"
	case KindReasoning:
		return "reasoning"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Classify discriminates a delta object by the keys it holds.
func Classify(delta gjson.Result) DeltaKind {
	if !delta.IsObject() {
		return KindUnknown
	}
	role := delta.Get("role")
	content := delta.Get("content")
	reasoning := delta.Get("reasoning_content")
	hasRole := role.Exists() && role.String() == "assistant"

	switch {
	case hasRole && reasoning.Type == gjson.String:
		return KindThinkingStart
	case hasRole:
		return KindStart
	case reasoning.Type == gjson.String:
		return KindReasoning
	case content.Type == gjson.String:
		return KindContent
	}
	empty := true
	delta.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	if empty {
		return KindEmpty
	}
	return KindUnknown
}

// DecodeDelta maps a Grok chunk to a Delta. The empty delta with
// finish_reason "stop" is the completion signal.
func DecodeDelta(chunk gjson.Result) (openaicompat.Delta, bool) {
	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return openaicompat.Delta{}, false
	}
	delta := choice.Get("delta")
	finish := choice.Get("finish_reason").String()

	var d openaicompat.Delta
	switch Classify(delta) {
	case KindStart, KindContent:
		d.Text = delta.Get("content").String()
	case KindThinkingStart, KindReasoning:
		d.Reasoning = delta.Get("reasoning_content").String()
	default:
		// {} without a finish reason is a heartbeat
		if finish == "" {
			return openaicompat.Delta{}, false
		}
	}
	d.FinishReason = finish
	return d, true
}
