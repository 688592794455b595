package store

import (
	"context"
	"os"
	"strings"

	"github.com/alphadose/haxmap"
)

// EnvVar is the environment variable holding the system key for a provider.
func EnvVar(provider string) string {
	switch strings.ToLower(provider) {
	case "openai", "openai-chat":
		return "OPENAI_API_KEY"
	case "grok", "xai":
		return "XAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "meta", "llama":
		return "LLAMA_API_KEY"
	case "vercel", "v0":
		return "V0_API_KEY"
	case "gateway":
		return "AI_GATEWAY_API_KEY"
	default:
		return strings.ToUpper(strings.NewReplacer("-", "_", "/", "_").Replace(provider)) + "_API_KEY"
	}
}

type keyring struct {
	user   *haxmap.Map[string, string]
	getenv func(string) string
}

// Keyring is a Keys implementation with per-user keys held in memory. A user
// key overrides the system default read from the environment.
type Keyring interface {
	Keys
	Set(userID, provider, key string)
	Remove(userID, provider string)
}

func NewKeyring() Keyring {
	return &keyring{user: haxmap.New[string, string](), getenv: os.Getenv}
}

func keyringKey(userID, provider string) string {
	return userID + "\x1f" + strings.ToLower(provider)
}

func (k *keyring) Set(userID, provider, key string) {
	k.user.Set(keyringKey(userID, provider), key)
}

func (k *keyring) Remove(userID, provider string) {
	k.user.Del(keyringKey(userID, provider))
}

func (k *keyring) Lookup(_ context.Context, userID, provider string) (string, error) {
	if key, ok := k.user.Get(keyringKey(userID, provider)); ok && key != "" {
		return key, nil
	}
	return k.getenv(EnvVar(provider)), nil
}
