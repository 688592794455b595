// Package models maps provider names to adapter factories.
package models

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/casualjim/slipstream/internal/registry"
	"github.com/casualjim/slipstream/provider"
	"github.com/casualjim/slipstream/provider/anthropic"
	"github.com/casualjim/slipstream/provider/meta"
	"github.com/casualjim/slipstream/provider/openaicompat"
	"github.com/casualjim/slipstream/provider/responses"
	"github.com/casualjim/slipstream/provider/xai"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Credentials carry what a factory needs to reach its upstream.
type Credentials struct {
	APIKey string
	// BaseURL overrides the upstream root when set
	BaseURL    string
	HTTPClient *http.Client
}

type Factory func(Credentials) provider.Provider

// Entry is a registered provider family.
type Entry struct {
	Factory Factory
	// DefaultModel is used when a request names none
	DefaultModel string
}

var Global = registry.New[Entry]()

func Add(name string, entry Entry) {
	Global.Add(name, entry)
}

func Get(name string) (Entry, bool) {
	return Global.Get(name)
}

func Del(name string) {
	Global.Del(name)
}

func Names() []string {
	return Global.Names()
}

// Resolve builds the adapter registered under name.
func Resolve(name string, creds Credentials) (provider.Provider, Entry, error) {
	entry, ok := Global.Get(name)
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return entry.Factory(creds), entry, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func compat(name, baseURL string, includeUsage bool) Factory {
	return func(c Credentials) provider.Provider {
		return openaicompat.New(openaicompat.Config{
			Name:         name,
			BaseURL:      orDefault(c.BaseURL, baseURL),
			APIKey:       c.APIKey,
			HTTPClient:   c.HTTPClient,
			IncludeUsage: includeUsage,
		})
	}
}

func init() {
	Add("openai", Entry{
		DefaultModel: "gpt-5-mini",
		Factory: func(c Credentials) provider.Provider {
			return responses.New(responses.Config{Name: "openai", BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: c.HTTPClient})
		},
	})
	Add("openai-chat", Entry{DefaultModel: "gpt-4.1-mini", Factory: compat("openai", openaicompat.OpenAIBaseURL, true)})
	Add("vercel", Entry{DefaultModel: "v0-1.5-md", Factory: compat("vercel", openaicompat.VercelBaseURL, false)})
	Add("v0", Entry{DefaultModel: "v0-1.5-md", Factory: compat("v0", openaicompat.VercelBaseURL, false)})
	Add("gateway", Entry{DefaultModel: "openai/gpt-4.1-mini", Factory: compat("gateway", openaicompat.GatewayBaseURL, true)})
	Add("gemini", Entry{DefaultModel: "gemini-2.5-flash", Factory: compat("gemini", openaicompat.GeminiBaseURL, false)})

	grok := Entry{
		DefaultModel: "grok-4-0709",
		Factory: func(c Credentials) provider.Provider {
			return xai.New(xai.Config{BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: c.HTTPClient})
		},
	}
	Add("grok", grok)
	Add("xai", grok)

	Add("meta", Entry{
		DefaultModel: "Llama-4-Maverick-17B-128E-Instruct-FP8",
		Factory: func(c Credentials) provider.Provider {
			return meta.New(meta.Config{BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: c.HTTPClient})
		},
	})

	Add("anthropic", Entry{
		DefaultModel: "claude-sonnet-4-20250514",
		Factory: func(c Credentials) provider.Provider {
			var opts []option.RequestOption
			if c.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(c.BaseURL))
			}
			if c.HTTPClient != nil {
				opts = append(opts, option.WithHTTPClient(c.HTTPClient))
			}
			return anthropic.New(c.APIKey, opts...)
		},
	})
}
