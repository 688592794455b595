package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casualjim/slipstream/provider"
)

const (
	DefaultTitle  = "New Chat"
	maxTitleWords = 10
)

// TitleGenerator derives a conversation title from the first prompt.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

// TitleFunc adapts a function to TitleGenerator.
type TitleFunc func(ctx context.Context, prompt string) (string, error)

func (f TitleFunc) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ProviderTitles asks a model for a short title.
type ProviderTitles struct {
	Provider provider.Provider
	Model    string
}

func (p ProviderTitles) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	stream, err := p.Provider.ChatCompletion(ctx, provider.CompletionParams{
		Model: p.Model,
		Messages: []provider.ChatMessage{
			provider.User(fmt.Sprintf("Generate a concise, descriptive title (max 10 words) for this user-submitted-prompt: %q", prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range stream {
		switch ev := ev.(type) {
		case provider.TextDelta:
			sb.WriteString(ev.Text)
		case provider.Error:
			return "", ev
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty title")
	}
	return sb.String(), nil
}

// cleanTitle strips surrounding quotes and a trailing period and caps the
// title at ten words.
func cleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, "\"'`“”‘’")
	t = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "."))
	words := strings.Fields(t)
	if len(words) == 0 {
		return DefaultTitle
	}
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}

// formatProvider is the display name used when no title could be generated.
func formatProvider(name string) string {
	switch strings.ToLower(name) {
	case "openai", "openai-chat":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "gemini":
		return "Gemini"
	case "grok", "xai":
		return "Grok"
	case "meta", "llama":
		return "Llama"
	case "vercel", "v0":
		return "v0"
	case "gateway":
		return "AI Gateway"
	case "":
		return DefaultTitle
	default:
		return strings.ToUpper(name[:1]) + name[1:]
	}
}
