package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/dennisdiepolder/livedesk/internal/call"
	"github.com/dennisdiepolder/livedesk/internal/types"
)

// withCall runs a call transition inside the conversation's critical section
func (s *Session) withCall(party types.Party, op func(r *call.Relay) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv.Closed() {
		return fmt.Errorf("conversation %d: %w", s.conv.ID, types.ErrClosedConversation)
	}
	if err := s.checkParticipantLocked(party); err != nil {
		return err
	}
	return op(s.relay)
}

// InitiateCall rings the other party. Calls need an assigned agent.
func (s *Session) InitiateCall(from types.Party, media types.MediaOptions) error {
	return s.withCall(from, func(r *call.Relay) error {
		if s.conv.Status != types.StatusActive {
			return fmt.Errorf("conversation %d is %s: %w", s.conv.ID, s.conv.Status, types.ErrStaleCallSignal)
		}
		return r.Initiate(from, media)
	})
}

// RelayCallSignal forwards an opaque handshake payload to the other party
func (s *Session) RelayCallSignal(from types.Party, signal json.RawMessage) error {
	return s.withCall(from, func(r *call.Relay) error {
		return r.RelaySignal(from, signal)
	})
}

// AcceptCall answers a ringing call
func (s *Session) AcceptCall(by types.Party, media types.MediaOptions) error {
	return s.withCall(by, func(r *call.Relay) error {
		return r.Accept(by, media)
	})
}

// DeclineCall rejects a ringing call
func (s *Session) DeclineCall(by types.Party) error {
	return s.withCall(by, func(r *call.Relay) error {
		return r.Decline(by)
	})
}

// ReportMediaEstablished records that a party's media is flowing
func (s *Session) ReportMediaEstablished(party types.Party) (types.CallPhase, error) {
	var phase types.CallPhase
	err := s.withCall(party, func(r *call.Relay) error {
		var err error
		phase, err = r.ReportMediaEstablished(party)
		return err
	})
	return phase, err
}

// CallNegotiationFailed reports that the media handshake failed
func (s *Session) CallNegotiationFailed(party types.Party) error {
	return s.withCall(party, func(r *call.Relay) error {
		return r.NegotiationFailed(party)
	})
}

// AckCall acknowledges a failed call
func (s *Session) AckCall(party types.Party) error {
	return s.withCall(party, func(r *call.Relay) error {
		return r.Ack(party)
	})
}

// RenegotiateCall relays a media change of an active call
func (s *Session) RenegotiateCall(from types.Party, media types.MediaOptions, signal json.RawMessage) error {
	return s.withCall(from, func(r *call.Relay) error {
		return r.Renegotiate(from, media, signal)
	})
}

// HangupCall ends the call in progress
func (s *Session) HangupCall(by types.Party, reason types.HangupReason) error {
	return s.withCall(by, func(r *call.Relay) error {
		return r.Hangup(by, reason)
	})
}

// CallState returns the current call snapshot
func (s *Session) CallState() types.CallState {
	return s.relay.Snapshot()
}

// Call command actions
const (
	ActionInitiate    = "initiate"
	ActionAccept      = "accept"
	ActionDecline     = "decline"
	ActionSignal      = "signal"
	ActionEstablished = "established"
	ActionFailed      = "failed"
	ActionAck         = "ack"
	ActionHangup      = "hangup"
	ActionRenegotiate = "renegotiate"
)

// CallCommand is a call operation addressed by name, as sent by clients
type CallCommand struct {
	Action string             `json:"action"`
	Media  types.MediaOptions `json:"media"`
	Signal json.RawMessage    `json:"signal,omitempty"`
	Reason types.HangupReason `json:"reason,omitempty"`
}

// Dispatch runs a call command on behalf of party
func (s *Session) Dispatch(party types.Party, cmd CallCommand) error {
	switch cmd.Action {
	case ActionInitiate:
		return s.InitiateCall(party, cmd.Media)
	case ActionAccept:
		return s.AcceptCall(party, cmd.Media)
	case ActionDecline:
		return s.DeclineCall(party)
	case ActionSignal:
		if len(cmd.Signal) == 0 {
			return fmt.Errorf("signal payload is required: %w", types.ErrInvalidInput)
		}
		return s.RelayCallSignal(party, cmd.Signal)
	case ActionEstablished:
		_, err := s.ReportMediaEstablished(party)
		return err
	case ActionFailed:
		return s.CallNegotiationFailed(party)
	case ActionAck:
		return s.AckCall(party)
	case ActionHangup:
		reason := cmd.Reason
		if reason == "" {
			reason = types.ReasonNormal
		}
		return s.HangupCall(party, reason)
	case ActionRenegotiate:
		return s.RenegotiateCall(party, cmd.Media, cmd.Signal)
	}
	return fmt.Errorf("unknown call action %q: %w", cmd.Action, types.ErrInvalidInput)
}
