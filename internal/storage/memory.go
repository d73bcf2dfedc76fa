package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu            sync.RWMutex
	lastID        int64
	conversations map[int64]types.Conversation
	messages      map[int64][]types.Message // conversation id -> messages ascending by id
	sessions      map[string]types.VisitorSession
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]types.Conversation),
		messages:      make(map[int64][]types.Message),
		sessions:      make(map[string]types.VisitorSession),
	}
}

func (s *MemoryStore) NextConversationID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv types.Conversation, messages []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %d: %w", conv.ID, ErrAlreadyExists)
	}
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = append([]types.Message(nil), messages...)
	if conv.ID > s.lastID {
		s.lastID = conv.ID
	}
	return nil
}

func (s *MemoryStore) SaveConversation(_ context.Context, conv types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) FindConversation(_ context.Context, id int64) (types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return types.Conversation{}, fmt.Errorf("conversation %d: %w", id, types.ErrNotFound)
	}
	return conv, nil
}

func (s *MemoryStore) QueryConversations(_ context.Context, filter types.ConversationFilter) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Conversation, 0)
	for _, conv := range s.conversations {
		if matchesFilter(conv, filter) {
			result = append(result, conv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[msg.ConversationID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= msg.ID })
	if i < len(msgs) && msgs[i].ID == msg.ID {
		msgs[i] = msg
		return nil
	}
	msgs = append(msgs, types.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[msg.ConversationID] = msgs
	return nil
}

func (s *MemoryStore) QueryMessages(_ context.Context, query types.MessageQuery) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[query.ConversationID]
	end := len(msgs)
	if query.BeforeID > 0 {
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= query.BeforeID })
	}

	result := make([]types.Message, 0)
	for i := end - 1; i >= 0; i-- {
		result = append(result, msgs[i])
		if query.Limit > 0 && len(result) == query.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, session types.VisitorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) FindSession(_ context.Context, id string) (types.VisitorSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return types.VisitorSession{}, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return session, nil
}

func (s *MemoryStore) Close() error { return nil }
