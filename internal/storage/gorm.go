package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

// OpenGorm opens a sqlite or postgres database
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver == "sqlite" {
			dsn = "livedesk.db"
		} else {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if strings.HasPrefix(lower, "file:") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return stripQuery(strings.TrimPrefix(raw, "file:")), true
		}
		if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		return stripQuery(strings.TrimPrefix(raw, "file:")), true
	}
	return stripQuery(raw), true
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}

// GormStore implements Store on a relational database through GORM
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	if strings.EqualFold(strings.TrimSpace(driver), "sqlite") || driver == "" {
		// sqlite allows one writer; serialize through a single connection
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&conversationRow{}, &messageRow{}, &sessionRow{}, &counterRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *GormStore) NextConversationID(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := counterRow{Name: conversationCounter}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("ensure counter: %w", err)
		}
		if err := tx.Model(&counterRow{}).
			Where("name = ?", conversationCounter).
			Update("value", gorm.Expr("value + 1")).Error; err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
		if err := tx.Where("name = ?", conversationCounter).Take(&row).Error; err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		next = row.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *GormStore) CreateConversation(ctx context.Context, conv types.Conversation, messages []types.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&conversationRow{}).Where("id = ?", conv.ID).Count(&taken).Error; err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("conversation %d: %w", conv.ID, ErrAlreadyExists)
		}

		row := conversationRowFromRecord(conv)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		for _, msg := range messages {
			msgRow, err := messageRowFromRecord(msg)
			if err != nil {
				return err
			}
			if err := tx.Create(&msgRow).Error; err != nil {
				return fmt.Errorf("create message: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) SaveConversation(ctx context.Context, conv types.Conversation) error {
	row := conversationRowFromRecord(conv)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *GormStore) FindConversation(ctx context.Context, id int64) (types.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Conversation{}, fmt.Errorf("conversation %d: %w", id, types.ErrNotFound)
		}
		return types.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) QueryConversations(ctx context.Context, filter types.ConversationFilter) ([]types.Conversation, error) {
	q := s.db.WithContext(ctx).Model(&conversationRow{}).Order("id ASC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.VisitorID != "" {
		q = q.Where("visitor_id = ?", filter.VisitorID)
	}
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// sqlite rejects OFFSET without LIMIT
			q = q.Limit(math.MaxInt32)
		}
		q = q.Offset(filter.Offset)
	}

	var rows []conversationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	convs := make([]types.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, row.toRecord())
	}
	return convs, nil
}

func (s *GormStore) SaveMessage(ctx context.Context, msg types.Message) error {
	row, err := messageRowFromRecord(msg)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *GormStore) QueryMessages(ctx context.Context, query types.MessageQuery) ([]types.Message, error) {
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", query.ConversationID).
		Order("id DESC")
	if query.BeforeID > 0 {
		q = q.Where("id < ?", query.BeforeID)
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) SaveSession(ctx context.Context, session types.VisitorSession) error {
	row := sessionRowFromRecord(session)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) FindSession(ctx context.Context, id string) (types.VisitorSession, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.VisitorSession{}, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
		}
		return types.VisitorSession{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
