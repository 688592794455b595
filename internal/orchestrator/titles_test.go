package orchestrator

import (
	"context"
	"testing"

	"github.com/casualjim/slipstream/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Quantum Computing Basics"`, "Quantum Computing Basics"},
		{"Planning a trip to Lisbon.", "Planning a trip to Lisbon"},
		{"  'Single quoted.'  ", "Single quoted"},
		{"“Curly quotes”", "Curly quotes"},
		{"one two three four five six seven eight nine ten eleven twelve", "one two three four five six seven eight nine ten"},
		{"", DefaultTitle},
		{`""`, DefaultTitle},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanTitle(tt.in))
		})
	}
}

func TestFormatProvider(t *testing.T) {
	assert.Equal(t, "OpenAI", formatProvider("openai"))
	assert.Equal(t, "OpenAI", formatProvider("openai-chat"))
	assert.Equal(t, "Grok", formatProvider("xai"))
	assert.Equal(t, "Anthropic", formatProvider("Anthropic"))
	assert.Equal(t, "Gemini", formatProvider("gemini"))
	assert.Equal(t, "Mistral", formatProvider("mistral"))
	assert.Equal(t, DefaultTitle, formatProvider(""))
}

func TestProviderTitles(t *testing.T) {
	ctx := context.Background()

	t.Run("collects the text", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", steps: append(texts(`"Trip `, `Planning"`), done())}
		title, err := ProviderTitles{Provider: p, Model: "small"}.GenerateTitle(ctx, "help me plan a trip")
		require.NoError(t, err)
		assert.Equal(t, `"Trip Planning"`, title)

		params := p.lastParams()
		assert.Equal(t, "small", params.Model)
		require.Len(t, params.Messages, 1)
		assert.Contains(t, params.Messages[0].Content, `"help me plan a trip"`)
		assert.Contains(t, params.Messages[0].Content, "max 10 words")
	})

	t.Run("reports stream errors", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", steps: []step{fail(assert.AnError)}}
		_, err := ProviderTitles{Provider: p}.GenerateTitle(ctx, "x")
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("rejects empty output", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", steps: []step{done()}}
		_, err := ProviderTitles{Provider: p}.GenerateTitle(ctx, "x")
		assert.Error(t, err)
	})

	t.Run("start failures", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", startErr: &provider.HTTPError{StatusCode: 401}}
		_, err := ProviderTitles{Provider: p}.GenerateTitle(ctx, "x")
		_, ok := provider.IsHTTPError(err)
		assert.True(t, ok)
	})
}
