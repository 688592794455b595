package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a conversation with the first turn", func(t *testing.T) {
		s := NewMemory()
		conv, err := s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{UserID: "u1", Prompt: "hi", Provider: "openai", Model: "m"})
		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
		assert.Empty(t, conv.Title)
		require.Len(t, conv.Turns, 1)
		assert.Equal(t, SenderUser, conv.Turns[0].Sender)
		assert.Equal(t, "hi", conv.Turns[0].Content)
	})

	t.Run("appends turns in order", func(t *testing.T) {
		s := NewMemory()
		conv, err := s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{UserID: "u1", Prompt: "one"})
		require.NoError(t, err)
		require.NoError(t, s.AppendAITurn(ctx, AITurn{ConversationID: conv.ID, UserID: "u1", Content: "two", Provider: "grok", Model: "g", Title: "Numbers"}))
		conv, err = s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{ConversationID: conv.ID, UserID: "u1", Prompt: "three"})
		require.NoError(t, err)

		var contents []string
		for _, turn := range conv.Turns {
			contents = append(contents, turn.Content)
		}
		assert.Equal(t, []string{"one", "two", "three"}, contents)
		assert.Equal(t, "Numbers", conv.Title)
		assert.Equal(t, SenderAI, conv.Turns[1].Sender)
		assert.Equal(t, "grok", conv.Turns[1].Provider)
	})

	t.Run("snapshots are isolated", func(t *testing.T) {
		s := NewMemory()
		conv, err := s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{UserID: "u1", Prompt: "one"})
		require.NoError(t, err)
		conv.Turns[0].Content = "changed"

		got, err := s.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "one", got.Turns[0].Content)
	})

	t.Run("enforces ownership", func(t *testing.T) {
		s := NewMemory()
		conv, err := s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{UserID: "u1", Prompt: "one"})
		require.NoError(t, err)

		_, err = s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{ConversationID: conv.ID, UserID: "u2", Prompt: "x"})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.ErrorIs(t, s.AppendAITurn(ctx, AITurn{ConversationID: conv.ID, UserID: "u2"}), ErrForbidden)
		assert.ErrorIs(t, s.Delete(ctx, "u2", conv.ID), ErrForbidden)
		require.NoError(t, s.Delete(ctx, "u1", conv.ID))
		_, err = s.Get(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		s := NewMemory()
		_, err := s.CreateOrUpdateConversationWithUserTurn(ctx, UserTurn{ConversationID: "nope", UserID: "u1"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.AppendAITurn(ctx, AITurn{ConversationID: "nope"}), ErrNotFound)
	})
}

func TestKeyring(t *testing.T) {
	ctx := context.Background()
	env := map[string]string{"OPENAI_API_KEY": "sys-openai", "XAI_API_KEY": "sys-xai"}
	k := NewKeyring().(*keyring)
	k.getenv = func(name string) string { return env[name] }

	key, err := k.Lookup(ctx, "u1", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sys-openai", key)

	k.Set("u1", "OpenAI", "user-openai")
	key, _ = k.Lookup(ctx, "u1", "openai")
	assert.Equal(t, "user-openai", key)
	key, _ = k.Lookup(ctx, "u2", "openai")
	assert.Equal(t, "sys-openai", key, "keys are per user")

	key, _ = k.Lookup(ctx, "u1", "grok")
	assert.Equal(t, "sys-xai", key)
	key, _ = k.Lookup(ctx, "u1", "anthropic")
	assert.Empty(t, key)

	k.Remove("u1", "openai")
	key, _ = k.Lookup(ctx, "u1", "openai")
	assert.Equal(t, "sys-openai", key)
}

func TestEnvVar(t *testing.T) {
	cases := map[string]string{
		"openai":      "OPENAI_API_KEY",
		"openai-chat": "OPENAI_API_KEY",
		"xai":         "XAI_API_KEY",
		"Grok":        "XAI_API_KEY",
		"meta":        "LLAMA_API_KEY",
		"v0":          "V0_API_KEY",
		"gateway":     "AI_GATEWAY_API_KEY",
		"my-thing":    "MY_THING_API_KEY",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, EnvVar(in))
		})
	}
}
