package openaicompat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/casualjim/slipstream/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func sseServer(t *testing.T, status int, frames ...string) (*httptest.Server, *[]byte) {
	t.Helper()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("upstream exploded"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			_, _ = w.Write([]byte(f))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func chunk(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = `"` + finish + `"`
	}
	return `data: {"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + content + `"},"finish_reason":` + fr + `}]}` + "\n\n"
}

func drain(ch <-chan provider.StreamEvent) []provider.StreamEvent {
	var out []provider.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func texts(evs []provider.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range evs {
		if td, ok := ev.(provider.TextDelta); ok {
			sb.WriteString(td.Text)
		}
	}
	return sb.String()
}

func newTestProvider(srv *httptest.Server) *Provider {
	return New(Config{Name: "openai", BaseURL: srv.URL + "/v1", APIKey: "test-key", HTTPClient: srv.Client(), IncludeUsage: true})
}

func TestChatCompletion(t *testing.T) {
	t.Run("streams text and finishes on DONE", func(t *testing.T) {
		srv, body := sseServer(t, http.StatusOK,
			": keep-alive\n\n",
			chunk("Hel", ""),
			chunk("lo", ""),
			`data: {"not":"a chunk"}`+"\n\n",
			"data: {broken json\n\n",
			chunk("", "stop"),
			`data: {"object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`+"\n\n",
			"data: [DONE]\n\n",
		)
		p := newTestProvider(srv)
		temp := 0.3
		ch, err := p.ChatCompletion(context.Background(), provider.CompletionParams{
			Model:       "gpt-4o-mini",
			System:      "be brief",
			Messages:    []provider.ChatMessage{provider.User("hi")},
			Temperature: &temp,
		})
		require.NoError(t, err)
		evs := drain(ch)

		assert.Equal(t, "Hello", texts(evs))
		done, ok := evs[len(evs)-1].(provider.Done)
		require.True(t, ok)
		assert.Equal(t, "stop", done.FinishReason)
		require.NotNil(t, done.Usage)
		assert.Equal(t, int64(5), done.Usage.Total())

		keepAlives := 0
		for _, ev := range evs {
			if _, ok := ev.(provider.KeepAlive); ok {
				keepAlives++
			}
		}
		assert.Equal(t, 4, keepAlives)

		req := gjson.ParseBytes(*body)
		assert.True(t, req.Get("stream").Bool())
		assert.True(t, req.Get("stream_options.include_usage").Bool())
		assert.Equal(t, "gpt-4o-mini", req.Get("model").String())
		assert.Equal(t, "system", req.Get("messages.0.role").String())
		assert.Equal(t, "user", req.Get("messages.1.role").String())
		assert.InDelta(t, 0.3, req.Get("temperature").Float(), 1e-9)
	})

	t.Run("non-2xx is a hard error", func(t *testing.T) {
		srv, _ := sseServer(t, http.StatusInternalServerError)
		_, err := newTestProvider(srv).ChatCompletion(context.Background(), provider.CompletionParams{
			Model:    "gpt-4o-mini",
			Messages: []provider.ChatMessage{provider.User("hi")},
		})
		herr, ok := provider.IsHTTPError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusInternalServerError, herr.StatusCode)
		assert.Equal(t, "upstream exploded", herr.Body)
	})

	t.Run("truncated stream is an error", func(t *testing.T) {
		srv, _ := sseServer(t, http.StatusOK, chunk("partial", ""))
		ch, err := newTestProvider(srv).ChatCompletion(context.Background(), provider.CompletionParams{
			Model:    "gpt-4o-mini",
			Messages: []provider.ChatMessage{provider.User("hi")},
		})
		require.NoError(t, err)
		evs := drain(ch)
		last, ok := evs[len(evs)-1].(provider.Error)
		require.True(t, ok)
		assert.ErrorIs(t, last, provider.ErrUnexpectedEnd)
	})

	t.Run("finish reason without DONE still completes", func(t *testing.T) {
		srv, _ := sseServer(t, http.StatusOK, chunk("all", "length"))
		ch, err := newTestProvider(srv).ChatCompletion(context.Background(), provider.CompletionParams{
			Model:    "gpt-4o-mini",
			Messages: []provider.ChatMessage{provider.User("hi")},
		})
		require.NoError(t, err)
		evs := drain(ch)
		done, ok := evs[len(evs)-1].(provider.Done)
		require.True(t, ok)
		assert.Equal(t, "length", done.FinishReason)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"valid", `{"object":"chat.completion.chunk","choices":[]}`, true},
		{"wrong object", `{"object":"chat.completion","choices":[]}`, false},
		{"choices not array", `{"object":"chat.completion.chunk","choices":{}}`, false},
		{"missing choices", `{"object":"chat.completion.chunk"}`, false},
		{"invalid json", `{"object":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Validate(tt.data)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestDecodeDelta(t *testing.T) {
	frame, ok := Validate(`{"object":"chat.completion.chunk","choices":[{"delta":{"reasoning_content":"think"},"finish_reason":null}]}`)
	require.True(t, ok)
	d, ok := DecodeDelta(frame)
	require.True(t, ok)
	assert.Equal(t, "think", d.Reasoning)
	assert.Empty(t, d.Text)
	assert.Empty(t, d.FinishReason)
}

func TestBuildBody(t *testing.T) {
	_, err := BuildBody(provider.CompletionParams{}, false)
	assert.Error(t, err)

	maxTokens := int64(64)
	body, err := BuildBody(provider.CompletionParams{
		Model:     "v0-1.5-md",
		Messages:  []provider.ChatMessage{provider.User("a"), provider.Assistant("b"), provider.User("c")},
		MaxTokens: &maxTokens,
	}, false)
	require.NoError(t, err)
	req := gjson.ParseBytes(body)
	assert.Equal(t, int64(3), req.Get("messages.#").Int())
	assert.Equal(t, "assistant", req.Get("messages.1.role").String())
	assert.Equal(t, int64(64), req.Get("max_tokens").Int())
	assert.False(t, req.Get("stream_options").Exists())
}
