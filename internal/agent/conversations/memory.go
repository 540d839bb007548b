package conversations

import (
	"context"
	"sync"

	"github.com/spy-chat-core/server/internal/agent/model"
)

// MemoryStore keeps conversations in process memory. Each conversation has
// its own lock; there is no store-wide lock on the read or append path.
type MemoryStore struct {
	conversations sync.Map // conversation id -> *memoryConversation
}

type memoryConversation struct {
	mu       sync.RWMutex
	messages []model.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) conversation(id string) *memoryConversation {
	v, _ := s.conversations.LoadOrStore(id, &memoryConversation{})
	return v.(*memoryConversation)
}

func (s *MemoryStore) Load(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.conversations.Load(conversationID)
	if !ok {
		return []model.Message{}, nil
	}
	c := v.(*memoryConversation)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, conversationID string, batch []model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ValidateBatch(c.messages, batch); err != nil {
		return err
	}
	c.messages = append(c.messages, batch...)
	return nil
}

func (s *MemoryStore) Window(ctx context.Context, conversationID string, maxMessages int) ([]model.Message, error) {
	msgs, err := s.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return WindowMessages(msgs, maxMessages), nil
}

var _ model.ConversationStore = (*MemoryStore)(nil)
