// Package checkpoint persists in-flight generations so a dropped client can
// pick a stream back up. A checkpoint exists only while a generation is
// unfinished; successful completion deletes it.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultTTL       = time.Hour
	DefaultKeyPrefix = "stream:state:"
)

// ErrCorrupt is returned when a stored field cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: corrupt record")

type Metadata struct {
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Title        string   `json:"title"`
	TotalChunks  int      `json:"totalChunks"`
	Completed    bool     `json:"completed"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
}

type Checkpoint struct {
	ConversationID string
	Chunks         []string
	ThinkingChunks []string
	Metadata       Metadata
}

// Store saves, loads and deletes checkpoints by conversation id. Load returns
// (nil, nil) when nothing usable is stored.
type Store interface {
	Save(ctx context.Context, conversationID string, chunks []string, meta Metadata, thinkingChunks []string) error
	Load(ctx context.Context, conversationID string) (*Checkpoint, error)
	Delete(ctx context.Context, conversationID string) error
}
