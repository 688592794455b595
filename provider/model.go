package provider

import (
	"context"
)

// Provider defines the interface for upstream model families. Implementations
// translate CompletionParams into the upstream request and the upstream
// response into StreamEvents.
type Provider interface {
	// Name is the provider identifier used on the wire ("openai", "grok", ...).
	Name() string
	// ChatCompletion starts a streaming completion. Errors returned here
	// happen before any output was produced; a non-2xx upstream status is
	// reported as *HTTPError.
	ChatCompletion(context.Context, CompletionParams) (<-chan StreamEvent, error)
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of the history sent upstream.
type ChatMessage struct {
	Role    Role
	Content string
}

// User returns a user turn.
func User(content string) ChatMessage { return ChatMessage{Role: RoleUser, Content: content} }

// Assistant returns an assistant turn.
func Assistant(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// CompletionParams encapsulates all parameters needed for a chat completion
// request.
type CompletionParams struct {
	// Model is the upstream model identifier
	Model string

	// System is the system prompt or instructions, empty when absent
	System string

	// Messages is the conversation in chronological order, ending with the
	// user turn being answered
	Messages []ChatMessage

	Temperature *float64
	TopP        *float64
	MaxTokens   *int64

	// User is an opaque end-user identifier some upstreams accept for abuse
	// monitoring
	User string

	// Prevents unkeyed literals
	_ struct{}
}
