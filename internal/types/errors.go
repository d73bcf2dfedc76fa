package types

import "errors"

var (
	// ErrClosedConversation is returned when mutating a closed conversation
	ErrClosedConversation = errors.New("conversation closed")

	// ErrSlotConflict is returned when a slot is not (or no longer) available
	ErrSlotConflict = errors.New("slot conflict")

	// ErrCapacityExceeded is returned when an agent already holds its max active conversations
	ErrCapacityExceeded = errors.New("agent capacity exceeded")

	// ErrStaleCallSignal is returned for call messages not valid in the current call state
	ErrStaleCallSignal = errors.New("stale call signal")

	// ErrNotFound is returned for unknown conversation, session, slot or file ids
	ErrNotFound = errors.New("not found")

	// ErrTransientIO wraps collaborator failures that survived retries
	ErrTransientIO = errors.New("transient io error")

	// ErrQueueEmpty is returned by NextForAgent when nothing is pending
	ErrQueueEmpty = errors.New("no pending conversation")

	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotParticipant is returned when a caller is not a party of the conversation
	ErrNotParticipant = errors.New("not a participant")

	// ErrInvalidTransition is returned for status changes the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorCode returns the stable wire code for err, "internal" when unknown
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrClosedConversation):
		return "conversation_closed"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrStaleCallSignal):
		return "stale_call_signal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrTransientIO):
		return "unavailable"
	}
	return "internal"
}
