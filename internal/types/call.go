package types

import (
	"encoding/json"
	"time"
)

// CallPhase is the state of the call state machine
type CallPhase string

const (
	CallIdle       CallPhase = "idle"
	CallRinging    CallPhase = "ringing"
	CallConnecting CallPhase = "connecting"
	CallActive     CallPhase = "active"
	CallEnded      CallPhase = "ended"
	CallFailed     CallPhase = "failed"
)

// PartyRole is the side of a conversation a participant is on
type PartyRole string

const (
	RoleVisitor PartyRole = "visitor"
	RoleAgent   PartyRole = "agent"
)

// Other returns the opposite role
func (r PartyRole) Other() PartyRole {
	if r == RoleVisitor {
		return RoleAgent
	}
	return RoleVisitor
}

// Party is one participant of a call
type Party struct {
	Role PartyRole `json:"role"`
	ID   string    `json:"id"`
}

// HangupReason explains why a call ended
type HangupReason string

const (
	ReasonNormal     HangupReason = "normal"
	ReasonDeclined   HangupReason = "declined"
	ReasonTimeout    HangupReason = "timeout"
	ReasonError      HangupReason = "error"
	ReasonDisconnect HangupReason = "disconnect"
)

// Valid reports whether r is a known reason
func (r HangupReason) Valid() bool {
	switch r {
	case ReasonNormal, ReasonDeclined, ReasonTimeout, ReasonError, ReasonDisconnect:
		return true
	}
	return false
}

// MediaOptions are the negotiated media of one side
type MediaOptions struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// CallState is a snapshot of a conversation's call
type CallState struct {
	State      CallPhase                  `json:"state"`
	Initiator  *Party                     `json:"initiator,omitempty"`
	StartedAt  *time.Time                 `json:"startedAt,omitempty"`
	EndedAt    *time.Time                 `json:"endedAt,omitempty"`
	Media      map[PartyRole]MediaOptions `json:"media,omitempty"`
	LastReason HangupReason               `json:"lastReason,omitempty"`
}

// CallInvite is the payload of call.invited
type CallInvite struct {
	From  Party        `json:"from"`
	Media MediaOptions `json:"media"`
}

// CallSignal is the payload of call.signal. Signal is relayed verbatim.
type CallSignal struct {
	From   Party           `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// CallAccepted is the payload of call.accepted
type CallAccepted struct {
	By    Party        `json:"by"`
	Media MediaOptions `json:"media"`
}

// CallRenegotiation is the payload of call.renegotiate
type CallRenegotiation struct {
	From   Party           `json:"from"`
	Media  MediaOptions    `json:"media"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// CallEndedPayload is the payload of call.ended and call.missed
type CallEndedPayload struct {
	By     *Party       `json:"by,omitempty"`
	Reason HangupReason `json:"reason"`
}
