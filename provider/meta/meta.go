// Package meta streams chat completions from the Llama API.
//
// The Llama API does not send Chat Completions chunks. Each frame is an
// {event:{event_type, delta:{type, text}}} object; the adapter turns the
// frame stream into an iterator and normalizes that.
package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/sse"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const BaseURL = "https://api.llama.com/v1"

const (
	EventStart    = "start"
	EventProgress = "progress"
	EventComplete = "complete"
)

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

func (p *Provider) Name() string { return "meta" }

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	body, err := BuildBody(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	resp, err := provider.PostStream(ctx, p.cfg.HTTPClient, p.Name(), url, provider.BearerHeaders(p.cfg.APIKey), body)
	if err != nil {
		return nil, err
	}
	return provider.Stream(ctx, func(ctx context.Context, em *provider.Emitter) error {
		defer resp.Body.Close()
		return Normalize(ctx, Frames(ctx, resp.Body), em)
	}), nil
}

// BuildBody renders the Llama API request.
func BuildBody(params provider.CompletionParams) ([]byte, error) {
	if params.Model == "" {
		return nil, errors.New("model is required")
	}
	body := []byte(`{"stream":true,"messages":[]}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, value)
		}
	}
	set("model", params.Model)

	if strings.TrimSpace(params.System) != "" {
		set("messages.-1", map[string]string{"role": string(provider.RoleSystem), "content": params.System})
	}
	for _, m := range params.Messages {
		set("messages.-1", map[string]string{"role": string(m.Role), "content": m.Content})
	}
	if params.Temperature != nil {
		set("temperature", *params.Temperature)
	}
	if params.TopP != nil {
		set("top_p", *params.TopP)
	}
	if params.MaxTokens != nil {
		set("max_completion_tokens", *params.MaxTokens)
	}
	if params.User != "" {
		set("user", params.User)
	}
	return body, err
}

// Frames yields one parsed JSON value per SSE data frame in r. Frames that are
// not valid JSON are yielded as the zero Result so the consumer can count them
// as activity. A read failure is yielded once as the final element.
func Frames(ctx context.Context, r io.Reader) iter.Seq2[gjson.Result, error] {
	return func(yield func(gjson.Result, error) bool) {
		stopped := false
		err := sse.Read(ctx, r, func(ev sse.Event) bool {
			if ev.Done {
				return false
			}
			var frame gjson.Result
			if !ev.Comment && gjson.Valid(ev.Data) {
				frame = gjson.Parse(ev.Data)
			}
			if !yield(frame, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(gjson.Result{}, err)
		}
	}
}

// Normalize drains frames into em. A "complete" event finishes the stream;
// text deltas are forwarded; everything else is activity only.
func Normalize(ctx context.Context, frames iter.Seq2[gjson.Result, error], em *provider.Emitter) error {
	for frame, err := range frames {
		if err != nil {
			return err
		}
		event := frame.Get("event")
		if !event.IsObject() {
			if !em.KeepAlive() {
				return ctx.Err()
			}
			continue
		}

		delta := event.Get("delta")
		if delta.Get("type").String() == "text" {
			if !em.Text(delta.Get("text").String()) {
				return ctx.Err()
			}
		} else if !em.KeepAlive() {
			return ctx.Err()
		}

		if event.Get("event_type").String() == EventComplete {
			reason := event.Get("stop_reason").String()
			if reason == "" {
				reason = "stop"
			}
			em.Done(reason, usageOf(event.Get("metrics")))
			return nil
		}
	}
	return ctx.Err()
}

func usageOf(metrics gjson.Result) *provider.Usage {
	if !metrics.IsArray() {
		return nil
	}
	var u provider.Usage
	found := false
	metrics.ForEach(func(_, m gjson.Result) bool {
		switch m.Get("metric").String() {
		case "num_prompt_tokens":
			u.InputTokens, found = m.Get("value").Int(), true
		case "num_completion_tokens":
			u.OutputTokens, found = m.Get("value").Int(), true
		case "num_total_tokens":
			u.TotalTokens, found = m.Get("value").Int(), true
		}
		return true
	})
	if !found {
		return nil
	}
	return &u
}
