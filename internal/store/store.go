// Package store holds the persistence collaborators the orchestrator talks
// to: conversation history and per-user provider keys.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrForbidden = errors.New("conversation belongs to another user")
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Turn is one persisted chat message.
type Turn struct {
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Settings are the sampling parameters last used in a conversation.
type Settings struct {
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	Settings  Settings  `json:"settings"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserTurn is the input of CreateOrUpdateConversationWithUserTurn. An empty
// ConversationID creates a new conversation.
type UserTurn struct {
	ConversationID string
	UserID         string
	Prompt         string
	Provider       string
	Model          string
	Settings       Settings
}

// AITurn is the completed answer appended to a conversation. A non-empty
// Title replaces the conversation's title.
type AITurn struct {
	ConversationID string
	UserID         string
	Content        string
	Provider       string
	Model          string
	Title          string
}

// Conversations persists chat history.
type Conversations interface {
	// CreateOrUpdateConversationWithUserTurn appends the user's prompt and
	// returns the conversation including that turn.
	CreateOrUpdateConversationWithUserTurn(context.Context, UserTurn) (*Conversation, error)
	AppendAITurn(context.Context, AITurn) error
	Get(ctx context.Context, conversationID string) (*Conversation, error)
	Delete(ctx context.Context, userID, conversationID string) error
}

// Keys resolves the provider API key for a user. An empty result means no
// key is configured.
type Keys interface {
	Lookup(ctx context.Context, userID, provider string) (string, error)
}
