// Package responses streams from Responses-style endpoints (OpenAI and xAI
// /responses). Events are tagged; the tag comes from the SSE event field when
// the server sends one and from the JSON "type" otherwise.
package responses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/sse"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	EventOutputTextDelta       = "response.output_text.delta"
	EventOutputTextDone        = "response.output_text.done"
	EventReasoningTextDelta    = "response.reasoning_text.delta"
	EventReasoningSummaryDelta = "response.reasoning_summary_text.delta"
	EventCompleted             = "response.completed"
	EventIncomplete            = "response.incomplete"
	EventFailed                = "response.failed"
	EventError                 = "response.error"
	EventBareError             = "error"
	EventImagePartial          = "response.image_generation_call.partial_image"
	EventOutputItemDone        = "response.output_item.done"
)

type Config struct {
	// Name defaults to "openai"
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Provider struct {
	cfg Config
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	body, err := BuildBody(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/responses"
	resp, err := provider.PostStream(ctx, p.cfg.HTTPClient, p.cfg.Name, url, provider.BearerHeaders(p.cfg.APIKey), body)
	if err != nil {
		return nil, err
	}
	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		defer resp.Body.Close()
		return Consume(ctx, resp.Body, em)
	}), nil
}

// BuildBody renders params as a streaming Responses request. The system
// prompt travels as instructions, the turns as input messages.
func BuildBody(params provider.CompletionParams) ([]byte, error) {
	if params.Model == "" {
		return nil, errors.New("model is required")
	}
	body := []byte(`{"stream":true,"input":[]}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, value)
		}
	}
	set("model", params.Model)
	if strings.TrimSpace(params.System) != "" {
		set("instructions", params.System)
	}
	for _, m := range params.Messages {
		set("input.-1", map[string]string{"role": string(m.Role), "content": m.Content})
	}
	if params.Temperature != nil {
		set("temperature", *params.Temperature)
	}
	if params.TopP != nil {
		set("top_p", *params.TopP)
	}
	if params.MaxTokens != nil {
		set("max_output_tokens", *params.MaxTokens)
	}
	if params.User != "" {
		set("user", params.User)
	}
	return body, err
}

// UpstreamError is an error event reported inside the stream.
type UpstreamError struct {
	Type    string
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return e.Type + ": " + e.Message
}

// UpstreamMessage is the message the upstream reported, safe to show users.
func (e *UpstreamError) UpstreamMessage() string { return e.Message }

// Consume reads a Responses SSE body into em. response.completed (or
// [DONE]) finishes the stream. A body that ends after output_text.done but
// before response.completed also finishes cleanly, without usage.
func Consume(ctx context.Context, body io.Reader, em *provider.Emitter) error {
	textDone := false
	err := sse.Read(ctx, body, func(ev sse.Event) bool {
		if ev.Done {
			em.Done("stop", nil)
			return false
		}
		if ev.Comment || ev.Data == "" {
			return em.KeepAlive()
		}
		if !gjson.Valid(ev.Data) {
			return em.KeepAlive()
		}
		data := gjson.Parse(ev.Data)
		typ := ev.Name
		if typ == "" {
			typ = data.Get("type").String()
		}

		switch typ {
		case EventOutputTextDelta:
			return em.Text(data.Get("delta").String())
		case EventReasoningTextDelta, EventReasoningSummaryDelta:
			return em.Reasoning(data.Get("delta").String())
		case EventImagePartial:
			return em.Inline(imageMIME(data.Get("output_format")), data.Get("partial_image_b64").String(), false)
		case EventOutputItemDone:
			item := data.Get("item")
			if item.Get("type").String() != "image_generation_call" {
				return em.KeepAlive()
			}
			return em.Inline(imageMIME(item.Get("output_format")), item.Get("result").String(), true)
		case EventOutputTextDone:
			textDone = true
			return em.KeepAlive()
		case EventCompleted:
			em.Done("stop", usageOf(data.Get("response.usage")))
			return false
		case EventIncomplete:
			reason := data.Get("response.incomplete_details.reason").String()
			if reason == "" || reason == "max_output_tokens" {
				reason = "length"
			}
			em.Done(reason, usageOf(data.Get("response.usage")))
			return false
		case EventError, EventBareError, EventFailed:
			em.Fail(errorOf(typ, data))
			return false
		default:
			return em.KeepAlive()
		}
	})
	if err != nil || em.Terminated() {
		return err
	}
	if textDone {
		em.Done("stop", nil)
		return nil
	}
	return ctx.Err()
}

func imageMIME(format gjson.Result) string {
	if f := format.String(); f != "" {
		return "image/" + f
	}
	return "image/png"
}

func errorOf(typ string, data gjson.Result) error {
	ue := &UpstreamError{Type: typ}
	for _, path := range []string{"error", "response.error", "@this"} {
		e := data.Get(path)
		if msg := e.Get("message").String(); msg != "" {
			ue.Message = msg
			ue.Code = e.Get("code").String()
			return ue
		}
	}
	ue.Message = "unknown error"
	return ue
}

func usageOf(u gjson.Result) *provider.Usage {
	if !u.IsObject() {
		return nil
	}
	return &provider.Usage{
		InputTokens:  u.Get("input_tokens").Int(),
		OutputTokens: u.Get("output_tokens").Int(),
		TotalTokens:  u.Get("total_tokens").Int(),
	}
}
