package conversation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRequiresActiveConversation(t *testing.T) {
	s, _ := newTestSession(t, storage.NewMemoryStore())
	visitor := types.Party{Role: types.RoleVisitor, ID: testVisitor.ID}

	err := s.InitiateCall(visitor, types.MediaOptions{Audio: true})
	assert.True(t, errors.Is(err, types.ErrStaleCallSignal))
}

func TestCallChecksParticipants(t *testing.T) {
	s, _ := newTestSession(t, storage.NewMemoryStore())
	require.NoError(t, s.Activate("agent-1"))

	stranger := types.Party{Role: types.RoleAgent, ID: "agent-2"}
	assert.True(t, errors.Is(s.InitiateCall(stranger, types.MediaOptions{Audio: true}), types.ErrNotParticipant))

	impostor := types.Party{Role: types.RoleVisitor, ID: "visitor-2"}
	assert.True(t, errors.Is(s.RelayCallSignal(impostor, json.RawMessage(`{}`)), types.ErrNotParticipant))
}

func TestCallThroughSession(t *testing.T) {
	s, bus := newTestSession(t, storage.NewMemoryStore())
	require.NoError(t, s.Activate("agent-1"))

	agent := types.Party{Role: types.RoleAgent, ID: "agent-1"}
	visitor := types.Party{Role: types.RoleVisitor, ID: testVisitor.ID}

	require.NoError(t, s.InitiateCall(agent, types.MediaOptions{Audio: true, Video: true}))
	assert.Equal(t, 1, bus.count(types.PartyTopic(s.ID(), types.RoleVisitor), types.EventCallInvited))

	require.NoError(t, s.RelayCallSignal(agent, json.RawMessage(`{"type":"offer"}`)))
	require.NoError(t, s.AcceptCall(visitor, types.MediaOptions{Audio: true}))
	require.NoError(t, s.RelayCallSignal(visitor, json.RawMessage(`{"type":"answer"}`)))

	_, err := s.ReportMediaEstablished(visitor)
	require.NoError(t, err)
	phase, err := s.ReportMediaEstablished(agent)
	require.NoError(t, err)
	assert.Equal(t, types.CallActive, phase)

	require.NoError(t, s.RenegotiateCall(visitor, types.MediaOptions{Audio: true, Screen: true}, nil))
	require.NoError(t, s.HangupCall(visitor, types.ReasonNormal))
	assert.Equal(t, types.CallIdle, s.Snapshot().Call.State)

	assert.True(t, errors.Is(s.HangupCall(visitor, types.ReasonNormal), types.ErrStaleCallSignal))
}

func TestCallFailureThroughSession(t *testing.T) {
	s, _ := newTestSession(t, storage.NewMemoryStore())
	require.NoError(t, s.Activate("agent-1"))

	agent := types.Party{Role: types.RoleAgent, ID: "agent-1"}
	visitor := types.Party{Role: types.RoleVisitor, ID: testVisitor.ID}

	require.NoError(t, s.InitiateCall(visitor, types.MediaOptions{Audio: true}))
	assert.True(t, errors.Is(s.DeclineCall(visitor), types.ErrStaleCallSignal))
	require.NoError(t, s.AcceptCall(agent, types.MediaOptions{Audio: true}))
	require.NoError(t, s.CallNegotiationFailed(agent))
	assert.Equal(t, types.CallFailed, s.CallState().State)
	require.NoError(t, s.AckCall(visitor))
	assert.Equal(t, types.CallIdle, s.CallState().State)

	require.NoError(t, s.InitiateCall(visitor, types.MediaOptions{Audio: true}))
	require.NoError(t, s.DeclineCall(agent))
	assert.Equal(t, types.ReasonDeclined, s.CallState().LastReason)
}

func TestDispatch(t *testing.T) {
	s, _ := newTestSession(t, storage.NewMemoryStore())
	require.NoError(t, s.Activate("agent-1"))

	agent := types.Party{Role: types.RoleAgent, ID: "agent-1"}
	visitor := types.Party{Role: types.RoleVisitor, ID: testVisitor.ID}

	steps := []struct {
		party types.Party
		cmd   CallCommand
		want  types.CallPhase
	}{
		{visitor, CallCommand{Action: ActionInitiate, Media: types.MediaOptions{Audio: true}}, types.CallRinging},
		{visitor, CallCommand{Action: ActionSignal, Signal: json.RawMessage(`{"sdp":"offer"}`)}, types.CallRinging},
		{agent, CallCommand{Action: ActionAccept, Media: types.MediaOptions{Audio: true}}, types.CallConnecting},
		{agent, CallCommand{Action: ActionEstablished}, types.CallConnecting},
		{visitor, CallCommand{Action: ActionEstablished}, types.CallActive},
		{agent, CallCommand{Action: ActionRenegotiate, Media: types.MediaOptions{Audio: true, Video: true}}, types.CallActive},
		{agent, CallCommand{Action: ActionHangup}, types.CallIdle},
	}
	for _, step := range steps {
		require.NoError(t, s.Dispatch(step.party, step.cmd), step.cmd.Action)
		assert.Equal(t, step.want, s.CallState().State, step.cmd.Action)
	}
	assert.Equal(t, types.ReasonNormal, s.CallState().LastReason)

	err := s.Dispatch(visitor, CallCommand{Action: "teleport"})
	assert.True(t, errors.Is(err, types.ErrInvalidInput))

	err = s.Dispatch(visitor, CallCommand{Action: ActionSignal})
	assert.True(t, errors.Is(err, types.ErrInvalidInput))

	err = s.Dispatch(visitor, CallCommand{Action: ActionAccept})
	assert.True(t, errors.Is(err, types.ErrStaleCallSignal))
}
