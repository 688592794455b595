package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/pkg/uuidx"
)

type memConversation struct {
	mu   sync.Mutex
	conv Conversation
}

type memoryConversations struct {
	convs *haxmap.Map[string, *memConversation]
	now   func() time.Time
}

// NewMemory returns a process-local Conversations implementation.
func NewMemory() Conversations {
	return &memoryConversations{convs: haxmap.New[string, *memConversation](), now: time.Now}
}

func (m *memoryConversations) CreateOrUpdateConversationWithUserTurn(_ context.Context, in UserTurn) (*Conversation, error) {
	now := m.now()
	turn := Turn{Sender: SenderUser, Content: in.Prompt, Provider: in.Provider, Model: in.Model, CreatedAt: now}

	if in.ConversationID == "" {
		mc := &memConversation{conv: Conversation{
			ID:        uuidx.NewString(),
			UserID:    in.UserID,
			Settings:  in.Settings,
			Turns:     []Turn{turn},
			CreatedAt: now,
			UpdatedAt: now,
		}}
		m.convs.Set(mc.conv.ID, mc)
		return mc.snapshot(), nil
	}

	mc, ok := m.convs.Get(in.ConversationID)
	if !ok {
		return nil, ErrNotFound
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.conv.UserID != in.UserID {
		return nil, ErrForbidden
	}
	mc.conv.Turns = append(mc.conv.Turns, turn)
	mc.conv.Settings = in.Settings
	mc.conv.UpdatedAt = now
	return mc.snapshotLocked(), nil
}

func (m *memoryConversations) AppendAITurn(_ context.Context, in AITurn) error {
	mc, ok := m.convs.Get(in.ConversationID)
	if !ok {
		return ErrNotFound
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.conv.UserID != in.UserID {
		return ErrForbidden
	}
	now := m.now()
	mc.conv.Turns = append(mc.conv.Turns, Turn{
		Sender:    SenderAI,
		Content:   in.Content,
		Provider:  in.Provider,
		Model:     in.Model,
		CreatedAt: now,
	})
	if in.Title != "" {
		mc.conv.Title = in.Title
	}
	mc.conv.UpdatedAt = now
	return nil
}

func (m *memoryConversations) Get(_ context.Context, id string) (*Conversation, error) {
	mc, ok := m.convs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return mc.snapshot(), nil
}

func (m *memoryConversations) Delete(_ context.Context, userID, id string) error {
	mc, ok := m.convs.Get(id)
	if !ok {
		return ErrNotFound
	}
	mc.mu.Lock()
	owner := mc.conv.UserID
	mc.mu.Unlock()
	if owner != userID {
		return ErrForbidden
	}
	m.convs.Del(id)
	return nil
}

func (mc *memConversation) snapshot() *Conversation {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.snapshotLocked()
}

func (mc *memConversation) snapshotLocked() *Conversation {
	c := mc.conv
	c.Turns = slices.Clone(mc.conv.Turns)
	return &c
}
