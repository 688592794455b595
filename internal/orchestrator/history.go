package orchestrator

import (
	"github.com/casualjim/slipstream/internal/store"
	"github.com/casualjim/slipstream/provider"
)

const (
	taggingNote   = "\n\nNote: Previous responses may be tagged with their source model for context in the form of [PROVIDER/MODEL] notation."
	taggingPrompt = "Previous responses in this conversation may be tagged with their source model for context in the form of [PROVIDER/MODEL] notation."
)

// buildMessages turns a conversation into the system prompt and turns sent
// upstream. The conversation already ends with the prompt being answered.
// A new conversation sends only that prompt. Otherwise AI turns are prefixed
// with the provider and model that produced them so a model can tell its own
// answers from another model's.
func buildMessages(conv *store.Conversation, systemPrompt string, isNew bool) (string, []provider.ChatMessage) {
	if isNew || len(conv.Turns) == 0 {
		var prompt string
		if n := len(conv.Turns); n > 0 {
			prompt = conv.Turns[n-1].Content
		}
		return systemPrompt, []provider.ChatMessage{provider.User(prompt)}
	}

	system := taggingPrompt
	if systemPrompt != "" {
		system = systemPrompt + taggingNote
	}
	msgs := make([]provider.ChatMessage, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		switch turn.Sender {
		case store.SenderAI:
			msgs = append(msgs, provider.Assistant(modelTag(turn.Provider, turn.Model)+turn.Content))
		default:
			msgs = append(msgs, provider.User(turn.Content))
		}
	}
	return system, msgs
}

func modelTag(providerName, model string) string {
	return "[" + providerName + "/" + model + "] \n"
}
