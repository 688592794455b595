package meta

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/casualjim/slipstream/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func seqOf(frames ...string) iter.Seq2[gjson.Result, error] {
	return func(yield func(gjson.Result, error) bool) {
		for _, f := range frames {
			if !yield(gjson.Parse(f), nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, fn func(context.Context, *provider.Emitter) error) []provider.StreamEvent {
	t.Helper()
	var out []provider.StreamEvent
	for ev := range provider.Stream(context.Background(), fn) {
		out = append(out, ev)
	}
	return out
}

func textOf(evs []provider.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range evs {
		if td, ok := ev.(provider.TextDelta); ok {
			sb.WriteString(td.Text)
		}
	}
	return sb.String()
}

func TestNormalize(t *testing.T) {
	t.Run("text until complete", func(t *testing.T) {
		evs := collect(t, func(ctx context.Context, em *provider.Emitter) error {
			return Normalize(ctx, seqOf(
				`{"event":{"event_type":"start","delta":{"type":"text","text":""}}}`,
				`{"event":{"event_type":"progress","delta":{"type":"text","text":"Hello"}}}`,
				`{"id":"heartbeat"}`,
				`{"event":{"event_type":"progress","delta":{"type":"text","text":" there"}}}`,
				`{"event":{"event_type":"complete","delta":{"type":"text","text":""},"stop_reason":"stop","metrics":[{"metric":"num_completion_tokens","value":2},{"metric":"num_prompt_tokens","value":5},{"metric":"num_total_tokens","value":7}]}}`,
				`{"event":{"event_type":"progress","delta":{"type":"text","text":"ignored"}}}`,
			), em)
		})
		assert.Equal(t, "Hello there", textOf(evs))
		done, ok := evs[len(evs)-1].(provider.Done)
		require.True(t, ok)
		assert.Equal(t, "stop", done.FinishReason)
		require.NotNil(t, done.Usage)
		assert.Equal(t, int64(5), done.Usage.InputTokens)
		assert.Equal(t, int64(7), done.Usage.Total())
	})

	t.Run("complete without stop reason", func(t *testing.T) {
		evs := collect(t, func(ctx context.Context, em *provider.Emitter) error {
			return Normalize(ctx, seqOf(`{"event":{"event_type":"complete","delta":{"type":"text","text":"x"}}}`), em)
		})
		assert.Equal(t, "x", textOf(evs))
		done, ok := evs[len(evs)-1].(provider.Done)
		require.True(t, ok)
		assert.Equal(t, "stop", done.FinishReason)
		assert.Nil(t, done.Usage)
	})

	t.Run("iterator error ends the stream", func(t *testing.T) {
		boom := errors.New("connection reset")
		evs := collect(t, func(ctx context.Context, em *provider.Emitter) error {
			return Normalize(ctx, func(yield func(gjson.Result, error) bool) {
				if yield(gjson.Parse(`{"event":{"event_type":"progress","delta":{"type":"text","text":"a"}}}`), nil) {
					yield(gjson.Result{}, boom)
				}
			}, em)
		})
		last, ok := evs[len(evs)-1].(provider.Error)
		require.True(t, ok)
		assert.ErrorIs(t, last, boom)
	})

	t.Run("exhausted without complete", func(t *testing.T) {
		evs := collect(t, func(ctx context.Context, em *provider.Emitter) error {
			return Normalize(ctx, seqOf(`{"event":{"event_type":"progress","delta":{"type":"text","text":"a"}}}`), em)
		})
		last, ok := evs[len(evs)-1].(provider.Error)
		require.True(t, ok)
		assert.ErrorIs(t, last, provider.ErrUnexpectedEnd)
	})
}

func TestChatCompletion(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		b := new(bytes.Buffer)
		_, _ = b.ReadFrom(r.Body)
		body = b.String()
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			`data: {"event":{"event_type":"progress","delta":{"type":"text","text":"Llama"}}}` + "\n\n" +
				": ping\n\n" +
				"data: not json\n\n" +
				`data: {"event":{"event_type":"complete","delta":{"type":"text","text":"!"},"stop_reason":"stop"}}` + "\n\n"))
	}))
	defer srv.Close()

	temp := 0.5
	ch, err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "k", HTTPClient: srv.Client()}).ChatCompletion(context.Background(), provider.CompletionParams{
		Model:       "Llama-4-Maverick-17B-128E-Instruct-FP8",
		System:      "sys",
		Messages:    []provider.ChatMessage{provider.User("hi"), provider.Assistant("[meta/x] \nhello"), provider.User("again")},
		Temperature: &temp,
		User:        "u1",
	})
	require.NoError(t, err)
	var evs []provider.StreamEvent
	for ev := range ch {
		evs = append(evs, ev)
	}
	assert.Equal(t, "Llama!", textOf(evs))
	_, ok := evs[len(evs)-1].(provider.Done)
	assert.True(t, ok)

	req := gjson.Parse(body)
	assert.True(t, req.Get("stream").Bool())
	assert.Equal(t, int64(4), req.Get("messages.#").Int())
	assert.Equal(t, "system", req.Get("messages.0.role").String())
	assert.Equal(t, "again", req.Get("messages.3.content").String())
	assert.InDelta(t, 0.5, req.Get("temperature").Float(), 1e-9)
	assert.Equal(t, "u1", req.Get("user").String())
}

func TestBuildBody(t *testing.T) {
	t.Run("roles are rendered as strings", func(t *testing.T) {
		maxTokens := int64(256)
		body, err := BuildBody(provider.CompletionParams{
			Model:     "Llama-4-Scout",
			System:    "be brief",
			Messages:  []provider.ChatMessage{provider.User("hi"), provider.Assistant("hello")},
			MaxTokens: &maxTokens,
		})
		require.NoError(t, err)

		req := gjson.ParseBytes(body)
		assert.Equal(t, "Llama-4-Scout", req.Get("model").String())
		assert.Equal(t, "system", req.Get("messages.0.role").String())
		assert.Equal(t, "be brief", req.Get("messages.0.content").String())
		assert.Equal(t, "user", req.Get("messages.1.role").String())
		assert.Equal(t, "assistant", req.Get("messages.2.role").String())
		assert.Equal(t, int64(256), req.Get("max_completion_tokens").Int())
		assert.False(t, req.Get("temperature").Exists())
	})

	t.Run("blank system prompt is omitted", func(t *testing.T) {
		body, err := BuildBody(provider.CompletionParams{Model: "m", System: "  ", Messages: []provider.ChatMessage{provider.User("hi")}})
		require.NoError(t, err)
		assert.Equal(t, "user", gjson.GetBytes(body, "messages.0.role").String())
		assert.Equal(t, int64(1), gjson.GetBytes(body, "messages.#").Int())
	})

	t.Run("model is required", func(t *testing.T) {
		_, err := BuildBody(provider.CompletionParams{})
		require.Error(t, err)
	})
}
