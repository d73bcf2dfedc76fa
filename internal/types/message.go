package types

import "time"

// SenderKind identifies who authored a message
type SenderKind string

const (
	SenderVisitor SenderKind = "visitor"
	SenderAgent   SenderKind = "agent"
	SenderSystem  SenderKind = "system"
)

// Sender is the author of a message
type Sender struct {
	Kind SenderKind `json:"kind" dynamodbav:"Kind"`
	ID   string     `json:"id,omitempty" dynamodbav:"ID,omitempty"`
}

// SystemSender is the author of generated messages such as greetings
var SystemSender = Sender{Kind: SenderSystem}

// FileDescriptor describes an uploaded file; the bytes live in the file store
type FileDescriptor struct {
	ID       string `json:"id" dynamodbav:"ID"`
	Name     string `json:"name" dynamodbav:"Name"`
	MimeType string `json:"mimeType" dynamodbav:"MimeType"`
	Size     int64  `json:"size" dynamodbav:"Size"`
}

// MessageBody holds either text or a file
type MessageBody struct {
	Text string          `json:"text,omitempty" dynamodbav:"Text,omitempty"`
	File *FileDescriptor `json:"file,omitempty" dynamodbav:"File,omitempty"`
}

// Empty reports whether the body carries nothing
func (b MessageBody) Empty() bool {
	return b.Text == "" && b.File == nil
}

// Message belongs to exactly one conversation. IDs are 1, 2, 3... within a conversation.
type Message struct {
	ConversationID int64       `json:"conversationId" dynamodbav:"ConversationID"`
	ID             int64       `json:"id" dynamodbav:"ID"`
	Sender         Sender      `json:"sender" dynamodbav:"Sender"`
	Body           MessageBody `json:"body" dynamodbav:"Body"`
	CreatedAt      time.Time   `json:"createdAt" dynamodbav:"CreatedAt"`
}

// MessageQuery selects a page of messages older than BeforeID, newest first.
// BeforeID 0 means "from the newest message".
type MessageQuery struct {
	ConversationID int64
	BeforeID       int64
	Limit          int // 0 = no limit
}
