package openaicompat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/sse"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	OpenAIBaseURL  = "https://api.openai.com/v1"
	VercelBaseURL  = "https://api.v0.dev/v1"
	GatewayBaseURL = "https://ai-gateway.vercel.sh/v1"
	GeminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// Config describes one OpenAI compatible upstream.
type Config struct {
	// Name is reported by Provider.Name and in errors
	Name string
	// BaseURL is the API root, "/chat/completions" is appended
	BaseURL string
	APIKey  string
	// Headers are added to every request
	Headers http.Header
	// HTTPClient defaults to provider.DefaultHTTPClient
	HTTPClient *http.Client
	// IncludeUsage asks the upstream for a trailing usage chunk
	IncludeUsage bool
}

type Provider struct {
	cfg Config
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &Provider{cfg: cfg}
}

// OpenAI returns the Chat Completions adapter for api.openai.com.
func OpenAI(apiKey string) *Provider {
	return New(Config{Name: "openai", BaseURL: OpenAIBaseURL, APIKey: apiKey, IncludeUsage: true})
}

// Vercel returns the adapter for the v0 model API.
func Vercel(apiKey string) *Provider {
	return New(Config{Name: "vercel", BaseURL: VercelBaseURL, APIKey: apiKey})
}

// Gateway returns the adapter for an AI-Gateway style proxy.
func Gateway(apiKey string) *Provider {
	return New(Config{Name: "gateway", BaseURL: GatewayBaseURL, APIKey: apiKey, IncludeUsage: true})
}

// Gemini returns the adapter for Gemini's OpenAI compatible endpoint.
func Gemini(apiKey string) *Provider {
	return New(Config{Name: "gemini", BaseURL: GeminiBaseURL, APIKey: apiKey})
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	body, err := BuildBody(params, p.cfg.IncludeUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	headers := provider.BearerHeaders(p.cfg.APIKey)
	for k, vs := range p.cfg.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	resp, err := provider.PostStream(ctx, p.cfg.HTTPClient, p.cfg.Name, Endpoint(p.cfg.BaseURL), headers, body)
	if err != nil {
		return nil, err
	}

	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		defer resp.Body.Close()
		return Consume(ctx, resp.Body, em, DecodeDelta)
	}), nil
}

// Endpoint returns the chat completions URL under baseURL.
func Endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/chat/completions"
}

// BuildBody renders params as a streaming Chat Completions request.
func BuildBody(params provider.CompletionParams, includeUsage bool) ([]byte, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(params.Messages)+1)
	if strings.TrimSpace(params.System) != "" {
		msgs = append(msgs, openai.SystemMessage(params.System))
	}
	for _, m := range params.Messages {
		switch m.Role {
		case provider.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	req := openai.ChatCompletionNewParams{
		Messages: openai.F(msgs),
		Model:    openai.F(params.Model),
	}
	if params.Temperature != nil {
		req.Temperature = openai.Float(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = openai.Float(*params.TopP)
	}
	if params.MaxTokens != nil {
		req.MaxTokens = openai.Int(*params.MaxTokens)
	}
	if params.User != "" {
		req.User = openai.String(params.User)
	}

	body, err := req.MarshalJSON()
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, err
	}
	if includeUsage {
		body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Delta is what a dialect extracts from the first choice of a valid chunk.
type Delta struct {
	Text         string
	Reasoning    string
	FinishReason string
}

// DeltaDecoder extracts a Delta from a validated chunk. ok is false when the
// chunk carried nothing the orchestrator cares about.
type DeltaDecoder func(chunk gjson.Result) (Delta, bool)

// Validate parses data and checks the chunk shape. Anything that is not a
// chat.completion.chunk with a choices array is rejected.
func Validate(data string) (gjson.Result, bool) {
	if !gjson.Valid(data) {
		return gjson.Result{}, false
	}
	chunk := gjson.Parse(data)
	if chunk.Get("object").String() != "chat.completion.chunk" {
		return gjson.Result{}, false
	}
	if !chunk.Get("choices").IsArray() {
		return gjson.Result{}, false
	}
	return chunk, true
}

// DecodeDelta reads the standard OpenAI delta. Reasoning text is taken from
// "reasoning_content" or "reasoning", the two spellings seen in the wild.
func DecodeDelta(chunk gjson.Result) (Delta, bool) {
	choice := chunk.Get("choices.0")
	if !choice.Exists() {
		return Delta{}, false
	}
	d := Delta{
		Text:         choice.Get("delta.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
	}
	if r := choice.Get("delta.reasoning_content"); r.Type == gjson.String {
		d.Reasoning = r.String()
	} else if r := choice.Get("delta.reasoning"); r.Type == gjson.String {
		d.Reasoning = r.String()
	}
	return d, true
}

// UsageOf reads the usage object of a chunk, nil when absent or null.
func UsageOf(chunk gjson.Result) *provider.Usage {
	u := chunk.Get("usage")
	if !u.IsObject() {
		return nil
	}
	return &provider.Usage{
		InputTokens:  u.Get("prompt_tokens").Int(),
		OutputTokens: u.Get("completion_tokens").Int(),
		TotalTokens:  u.Get("total_tokens").Int(),
	}
}

// Consume reads an SSE body of chat completion chunks into em. The stream
// finishes on [DONE]; a finish_reason seen earlier is reported then, so that
// a trailing usage chunk is not lost. A body that ends after a finish_reason
// but without [DONE] still finishes cleanly.
func Consume(ctx context.Context, body io.Reader, em *provider.Emitter, decode DeltaDecoder) error {
	var (
		finish string
		usage  *provider.Usage
		ended  bool
	)
	err := sse.Read(ctx, body, func(ev sse.Event) bool {
		switch {
		case ev.Done:
			ended = true
			return false
		case ev.Comment:
			return em.KeepAlive()
		}

		chunk, ok := Validate(ev.Data)
		if !ok {
			return em.KeepAlive()
		}
		if u := UsageOf(chunk); u != nil {
			usage = u
		}
		d, ok := decode(chunk)
		if !ok {
			return em.KeepAlive()
		}
		if !em.Reasoning(d.Reasoning) || !em.Text(d.Text) {
			return false
		}
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		return true
	})
	if err != nil {
		return err
	}
	if ended || finish != "" {
		if finish == "" {
			finish = "stop"
		}
		em.Done(finish, usage)
		return nil
	}
	return ctx.Err()
}
