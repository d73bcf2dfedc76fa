package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// ErrAlreadyExists is returned by CreateConversation when the id is taken
var ErrAlreadyExists = errors.New("already exists")

// Store persists conversations, messages and visitor sessions.
// Find methods return types.ErrNotFound for unknown ids.
type Store interface {
	// NextConversationID hands out strictly increasing conversation ids
	NextConversationID(ctx context.Context) (int64, error)
	// CreateConversation persists a new conversation together with its first
	// messages, all or nothing. A taken id yields ErrAlreadyExists.
	CreateConversation(ctx context.Context, conv types.Conversation, messages []types.Message) error
	SaveConversation(ctx context.Context, conv types.Conversation) error
	FindConversation(ctx context.Context, id int64) (types.Conversation, error)
	// QueryConversations returns matching conversations ordered by id ascending
	QueryConversations(ctx context.Context, filter types.ConversationFilter) ([]types.Conversation, error)

	SaveMessage(ctx context.Context, msg types.Message) error
	// QueryMessages returns messages with id below BeforeID, newest first
	QueryMessages(ctx context.Context, query types.MessageQuery) ([]types.Message, error)

	SaveSession(ctx context.Context, session types.VisitorSession) error
	FindSession(ctx context.Context, id string) (types.VisitorSession, error)

	Close() error
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case ModeDynamoLocal, ModeDynamoAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	case ModeSQLite, ModePostgres:
		store, err := NewGormStore(string(cfg.Mode), cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("mode", string(cfg.Mode)).Msg("GORM store initialized")
		return store, nil
	case ModeMemory, "":
		logger.Info().Msg("using in-memory store (STORE_MODE=memory)")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store mode %q", cfg.Mode)
	}
}

func matchesFilter(conv types.Conversation, filter types.ConversationFilter) bool {
	if filter.Status != "" && conv.Status != filter.Status {
		return false
	}
	if filter.VisitorID != "" && conv.VisitorID != filter.VisitorID {
		return false
	}
	if filter.AgentID != "" && conv.AgentID != filter.AgentID {
		return false
	}
	return true
}

// paginate applies offset and limit to an already ordered slice
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
