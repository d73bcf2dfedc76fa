package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

type conversationRow struct {
	ID         int64      `gorm:"primaryKey;autoIncrement:false"`
	VisitorID  string     `gorm:"size:191;index;not null"`
	Status     string     `gorm:"size:32;index;not null"`
	CreatedAt  time.Time  `gorm:"not null"`
	SlotTime   *time.Time `gorm:"index"`
	AgentID    string     `gorm:"size:191;index"`
	AssignedAt *time.Time
	ClosedAt   *time.Time
}

func (conversationRow) TableName() string {
	return "conversations"
}

func (r conversationRow) toRecord() types.Conversation {
	return types.Conversation{
		ID:         r.ID,
		VisitorID:  r.VisitorID,
		Status:     types.ConversationStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
		SlotTime:   utcPtr(r.SlotTime),
		AgentID:    r.AgentID,
		AssignedAt: utcPtr(r.AssignedAt),
		ClosedAt:   utcPtr(r.ClosedAt),
	}
}

func conversationRowFromRecord(rec types.Conversation) conversationRow {
	return conversationRow{
		ID:         rec.ID,
		VisitorID:  rec.VisitorID,
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt,
		SlotTime:   rec.SlotTime,
		AgentID:    rec.AgentID,
		AssignedAt: rec.AssignedAt,
		ClosedAt:   rec.ClosedAt,
	}
}

type messageRow struct {
	ConversationID int64     `gorm:"primaryKey;autoIncrement:false"`
	ID             int64     `gorm:"primaryKey;autoIncrement:false"`
	SenderKind     string    `gorm:"size:32;not null"`
	SenderID       string    `gorm:"size:191"`
	Text           string    `gorm:"type:text"`
	FileJSON       string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toRecord() (types.Message, error) {
	msg := types.Message{
		ConversationID: r.ConversationID,
		ID:             r.ID,
		Sender:         types.Sender{Kind: types.SenderKind(r.SenderKind), ID: r.SenderID},
		Body:           types.MessageBody{Text: r.Text},
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.FileJSON != "" {
		var file types.FileDescriptor
		if err := json.Unmarshal([]byte(r.FileJSON), &file); err != nil {
			return types.Message{}, fmt.Errorf("decode file descriptor of message %d/%d: %w", r.ConversationID, r.ID, err)
		}
		msg.Body.File = &file
	}
	return msg, nil
}

func messageRowFromRecord(rec types.Message) (messageRow, error) {
	row := messageRow{
		ConversationID: rec.ConversationID,
		ID:             rec.ID,
		SenderKind:     string(rec.Sender.Kind),
		SenderID:       rec.Sender.ID,
		Text:           rec.Body.Text,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.Body.File != nil {
		encoded, err := json.Marshal(rec.Body.File)
		if err != nil {
			return messageRow{}, fmt.Errorf("encode file descriptor: %w", err)
		}
		row.FileJSON = string(encoded)
	}
	return row, nil
}

type sessionRow struct {
	ID          string    `gorm:"primaryKey;size:191"`
	DisplayName string    `gorm:"size:191"`
	Locale      string    `gorm:"size:32"`
	CreatedAt   time.Time `gorm:"not null"`
	LastSeen    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "visitor_sessions"
}

func (r sessionRow) toRecord() types.VisitorSession {
	return types.VisitorSession{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Locale:      r.Locale,
		CreatedAt:   r.CreatedAt.UTC(),
		LastSeen:    r.LastSeen.UTC(),
	}
}

func sessionRowFromRecord(rec types.VisitorSession) sessionRow {
	return sessionRow{
		ID:          rec.ID,
		DisplayName: rec.DisplayName,
		Locale:      rec.Locale,
		CreatedAt:   rec.CreatedAt,
		LastSeen:    rec.LastSeen,
	}
}

type counterRow struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null;default:0"`
}

func (counterRow) TableName() string {
	return "counters"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
