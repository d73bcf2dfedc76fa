package types

import "time"

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending" // Waiting in the queue for an agent
	StatusActive  ConversationStatus = "active"  // Assigned to an agent
	StatusSlot    ConversationStatus = "slot"    // Converted to a scheduled appointment
	StatusClosed  ConversationStatus = "closed"  // Terminal
)

// Valid reports whether s is a known status
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSlot, StatusClosed:
		return true
	}
	return false
}

// VisitorSession is one visitor's browser identity
type VisitorSession struct {
	ID          string    `json:"id" dynamodbav:"ID"`
	DisplayName string    `json:"displayName" dynamodbav:"DisplayName"`
	Locale      string    `json:"locale" dynamodbav:"Locale"`
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
	LastSeen    time.Time `json:"lastSeen" dynamodbav:"LastSeen"`
}

// Conversation is one visitor-agent interaction
type Conversation struct {
	ID         int64              `json:"id" dynamodbav:"ID"`
	VisitorID  string             `json:"visitorId" dynamodbav:"VisitorID"`
	Status     ConversationStatus `json:"status" dynamodbav:"Status"`
	CreatedAt  time.Time          `json:"createdAt" dynamodbav:"CreatedAt"`
	SlotTime   *time.Time         `json:"slotTime,omitempty" dynamodbav:"SlotTime,omitempty"`
	AgentID    string             `json:"agentId,omitempty" dynamodbav:"AgentID,omitempty"`
	AssignedAt *time.Time         `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	ClosedAt   *time.Time         `json:"closedAt,omitempty" dynamodbav:"ClosedAt,omitempty"`
}

// Closed reports whether the conversation reached its terminal state
func (c Conversation) Closed() bool {
	return c.Status == StatusClosed
}

// ConversationFilter narrows a conversation query
type ConversationFilter struct {
	Status    ConversationStatus // empty matches any
	VisitorID string
	AgentID   string
	Limit     int
	Offset    int
}
