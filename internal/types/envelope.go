package types

import (
	"fmt"
	"time"
)

// EventType is the type of a wire envelope
type EventType string

const (
	EventConversationCreated   EventType = "conversation.created"
	EventConversationClosed    EventType = "conversation.closed"
	EventConversationAssigned  EventType = "conversation.assigned"
	EventConversationScheduled EventType = "conversation.scheduled"
	EventMessageSent           EventType = "message.sent"
	EventCallInvited           EventType = "call.invited"
	EventCallSignal            EventType = "call.signal"
	EventCallAccepted          EventType = "call.accepted"
	EventCallState             EventType = "call.state"
	EventCallRenegotiate       EventType = "call.renegotiate"
	EventCallEnded             EventType = "call.ended"
	EventCallMissed            EventType = "call.missed"
	EventQueueUpdated          EventType = "queue.updated"
)

// Envelope is the JSON wire format of every published event
type Envelope struct {
	Type           EventType `json:"type"`
	ConversationID int64     `json:"conversationId,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time
func NewEnvelope(t EventType, conversationID int64, payload any) Envelope {
	return Envelope{
		Type:           t,
		ConversationID: conversationID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
}

// GlobalTopic carries presence and queue updates
const GlobalTopic = "global"

// ConversationTopic is shared by every participant of a conversation
func ConversationTopic(id int64) string {
	return fmt.Sprintf("conversation.%d", id)
}

// PartyTopic addresses one side of a conversation (call signaling)
func PartyTopic(id int64, role PartyRole) string {
	return fmt.Sprintf("conversation.%d.%s", id, role)
}

// AgentTopic addresses one agent across conversations
func AgentTopic(agentID string) string {
	return "agent." + agentID
}
