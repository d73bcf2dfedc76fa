package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultRingTimeout    = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Publisher delivers envelopes to topic subscribers
type Publisher interface {
	Publish(topic string, env types.Envelope)
}

// Options configures the call timers and confirmation rule
type Options struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	// OneConfirmsBoth activates the call on the first media report instead of waiting for both sides
	OneConfirmsBoth bool
}

// DefaultOptions returns 30s ringing and connecting timeouts
func DefaultOptions() Options {
	return Options{
		RingTimeout:    DefaultRingTimeout,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Relay is the call state machine of one conversation. Every message it
// relays goes to the other party's topic; lifecycle events go to the
// conversation topic. Timers are bound to a generation so a timer that fires
// after its phase ended does nothing.
type Relay struct {
	conversationID int64
	bus            Publisher
	opts           Options
	logger         zerolog.Logger

	mu          sync.Mutex
	state       types.CallPhase
	initiator   *types.Party
	startedAt   *time.Time
	endedAt     *time.Time
	media       map[types.PartyRole]types.MediaOptions
	established map[types.PartyRole]bool
	lastReason  types.HangupReason
	gen         uint64
	timer       *time.Timer
}

// NewRelay creates an idle relay for a conversation
func NewRelay(conversationID int64, bus Publisher, opts Options, logger zerolog.Logger) *Relay {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Relay{
		conversationID: conversationID,
		bus:            bus,
		opts:           opts,
		logger: logger.With().
			Str("component", "call_relay").
			Int64("conversation_id", conversationID).
			Logger(),
		state:       types.CallIdle,
		media:       make(map[types.PartyRole]types.MediaOptions),
		established: make(map[types.PartyRole]bool),
	}
}

func (r *Relay) stale(op string, from types.Party) error {
	metrics.Get().RecordStaleCallSignal()
	return fmt.Errorf("%s from %s in state %s: %w", op, from.Role, r.state, types.ErrStaleCallSignal)
}

// Initiate starts ringing the other party. Only legal while idle.
func (r *Relay) Initiate(from types.Party, media types.MediaOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallIdle {
		return r.stale("initiate", from)
	}

	now := time.Now().UTC()
	initiator := from
	r.initiator = &initiator
	r.startedAt = &now
	r.endedAt = nil
	r.lastReason = ""
	r.media = map[types.PartyRole]types.MediaOptions{from.Role: media}
	r.established = make(map[types.PartyRole]bool)
	r.transitionLocked(types.CallRinging)
	r.armLocked(r.opts.RingTimeout, types.CallRinging)

	r.bus.Publish(types.PartyTopic(r.conversationID, from.Role.Other()),
		types.NewEnvelope(types.EventCallInvited, r.conversationID, types.CallInvite{From: from, Media: media}))

	metrics.Get().RecordCallInitiated()
	r.logger.Info().
		Str("initiator", string(from.Role)).
		Bool("video", media.Video).
		Msg("call ringing")
	return nil
}

// RelaySignal forwards an opaque handshake payload to the other party
func (r *Relay) RelaySignal(from types.Party, signal json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case types.CallRinging, types.CallConnecting, types.CallActive:
	default:
		return r.stale("signal", from)
	}

	r.bus.Publish(types.PartyTopic(r.conversationID, from.Role.Other()),
		types.NewEnvelope(types.EventCallSignal, r.conversationID, types.CallSignal{From: from, Signal: signal}))
	return nil
}

// Accept answers a ringing call. Only the invited party can accept.
func (r *Relay) Accept(by types.Party, media types.MediaOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallRinging || r.initiator.Role == by.Role {
		return r.stale("accept", by)
	}

	r.media[by.Role] = media
	r.transitionLocked(types.CallConnecting)
	r.armLocked(r.opts.ConnectTimeout, types.CallConnecting)

	r.bus.Publish(types.PartyTopic(r.conversationID, by.Role.Other()),
		types.NewEnvelope(types.EventCallAccepted, r.conversationID, types.CallAccepted{By: by, Media: media}))

	r.logger.Info().Str("by", string(by.Role)).Msg("call accepted")
	return nil
}

// Decline rejects a ringing call. The caller withdrawing uses Hangup instead.
func (r *Relay) Decline(by types.Party) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallRinging || r.initiator.Role == by.Role {
		return r.stale("decline", by)
	}
	r.endLocked(&by, types.ReasonDeclined, types.EventCallEnded)
	return nil
}

// ReportMediaEstablished records that a party's media flows. The call turns
// active once both sides reported, or on the first report with OneConfirmsBoth.
func (r *Relay) ReportMediaEstablished(party types.Party) (types.CallPhase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case types.CallConnecting:
	case types.CallActive:
		return r.state, nil
	default:
		return r.state, r.stale("media established", party)
	}

	r.established[party.Role] = true
	if !r.opts.OneConfirmsBoth && !(r.established[types.RoleVisitor] && r.established[types.RoleAgent]) {
		return r.state, nil
	}

	r.disarmLocked()
	r.transitionLocked(types.CallActive)
	metrics.Get().RecordCallActivated()
	r.logger.Info().Msg("call active")
	return r.state, nil
}

// NegotiationFailed moves a connecting call to failed. The call returns to
// idle on Ack, or by itself after the connect timeout.
func (r *Relay) NegotiationFailed(party types.Party) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallConnecting {
		return r.stale("negotiation failed", party)
	}

	now := time.Now().UTC()
	r.endedAt = &now
	r.lastReason = types.ReasonError
	r.transitionLocked(types.CallFailed)
	r.armLocked(r.opts.ConnectTimeout, types.CallFailed)

	by := party
	r.bus.Publish(types.ConversationTopic(r.conversationID),
		types.NewEnvelope(types.EventCallEnded, r.conversationID, types.CallEndedPayload{By: &by, Reason: types.ReasonError}))
	metrics.Get().RecordCallEnded(types.ReasonError)

	r.logger.Warn().Str("by", string(party.Role)).Msg("call negotiation failed")
	return nil
}

// Ack acknowledges a failed call and returns the relay to idle
func (r *Relay) Ack(party types.Party) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallFailed {
		return r.stale("ack", party)
	}
	r.resetLocked()
	return nil
}

// Renegotiate relays a media change of an active call without changing state
func (r *Relay) Renegotiate(from types.Party, media types.MediaOptions, signal json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != types.CallActive {
		return r.stale("renegotiate", from)
	}

	r.media[from.Role] = media
	r.bus.Publish(types.PartyTopic(r.conversationID, from.Role.Other()),
		types.NewEnvelope(types.EventCallRenegotiate, r.conversationID,
			types.CallRenegotiation{From: from, Media: media, Signal: signal}))
	return nil
}

// Hangup ends a call in any non-idle state
func (r *Relay) Hangup(by types.Party, reason types.HangupReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == types.CallIdle {
		return r.stale("hangup", by)
	}
	if !reason.Valid() {
		reason = types.ReasonNormal
	}
	if r.state == types.CallFailed {
		r.closeFailedLocked()
		return nil
	}
	r.endLocked(&by, reason, types.EventCallEnded)
	return nil
}

// Reset ends whatever call is in progress without a party, used when the
// conversation closes. Reports whether a call was running.
func (r *Relay) Reset(reason types.HangupReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case types.CallIdle:
		return false
	case types.CallFailed:
		r.closeFailedLocked()
	default:
		r.endLocked(nil, reason, types.EventCallEnded)
	}
	return true
}

// State returns the current phase
func (r *Relay) State() types.CallPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the call state
func (r *Relay) Snapshot() types.CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Relay) snapshotLocked() types.CallState {
	snap := types.CallState{
		State:      r.state,
		LastReason: r.lastReason,
	}
	if r.initiator != nil {
		initiator := *r.initiator
		snap.Initiator = &initiator
	}
	if r.startedAt != nil {
		t := *r.startedAt
		snap.StartedAt = &t
	}
	if r.endedAt != nil {
		t := *r.endedAt
		snap.EndedAt = &t
	}
	if len(r.media) > 0 {
		snap.Media = make(map[types.PartyRole]types.MediaOptions, len(r.media))
		for role, m := range r.media {
			snap.Media[role] = m
		}
	}
	return snap
}

func (r *Relay) transitionLocked(next types.CallPhase) {
	r.state = next
	r.bus.Publish(types.ConversationTopic(r.conversationID),
		types.NewEnvelope(types.EventCallState, r.conversationID, r.snapshotLocked()))
}

// endLocked publishes the terminal event and returns to idle
func (r *Relay) endLocked(by *types.Party, reason types.HangupReason, event types.EventType) {
	now := time.Now().UTC()
	r.endedAt = &now
	r.lastReason = reason
	r.transitionLocked(types.CallEnded)

	r.bus.Publish(types.ConversationTopic(r.conversationID),
		types.NewEnvelope(event, r.conversationID, types.CallEndedPayload{By: by, Reason: reason}))

	if event == types.EventCallMissed {
		metrics.Get().RecordCallMissed()
	} else {
		metrics.Get().RecordCallEnded(reason)
	}
	r.logger.Info().Str("reason", string(reason)).Str("event", string(event)).Msg("call ended")

	r.resetLocked()
}

// closeFailedLocked takes a failed call through ended to idle. Its
// call.ended was already published when negotiation failed.
func (r *Relay) closeFailedLocked() {
	r.disarmLocked()
	r.transitionLocked(types.CallEnded)
	r.resetLocked()
}

func (r *Relay) resetLocked() {
	r.disarmLocked()
	r.initiator = nil
	r.media = make(map[types.PartyRole]types.MediaOptions)
	r.established = make(map[types.PartyRole]bool)
	r.transitionLocked(types.CallIdle)
}

// armLocked replaces the running timer with one for the given phase
func (r *Relay) armLocked(d time.Duration, phase types.CallPhase) {
	r.disarmLocked()
	gen := r.gen
	r.timer = time.AfterFunc(d, func() { r.expire(gen, phase) })
}

func (r *Relay) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Relay) expire(gen uint64, phase types.CallPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen || r.state != phase {
		return
	}
	r.timer = nil

	switch phase {
	case types.CallRinging:
		r.endLocked(nil, types.ReasonTimeout, types.EventCallMissed)
	case types.CallConnecting:
		r.endLocked(nil, types.ReasonTimeout, types.EventCallEnded)
	case types.CallFailed:
		r.resetLocked()
	}
}
