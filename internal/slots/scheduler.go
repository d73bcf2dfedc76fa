package slots

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// Booking is a conversation that can be moved onto and off a slot
type Booking interface {
	ID() int64
	// ScheduleAt moves a pending conversation onto the slot
	ScheduleAt(slotTime time.Time) error
	// Unschedule returns a slot conversation to pending and reports the freed slot
	Unschedule() (time.Time, error)
}

// Scheduler hands out slots from the grid without double-booking
type Scheduler struct {
	grid     *Grid
	reserved map[int64]int64 // unix minute -> conversation id
	mu       sync.Mutex
	now      func() time.Time
	logger   zerolog.Logger
}

// NewScheduler creates a new scheduler over the grid
func NewScheduler(grid *Grid, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		grid:     grid,
		reserved: make(map[int64]int64),
		now:      time.Now,
		logger:   logger.With().Str("component", "slot_scheduler").Logger(),
	}
}

// SetClock replaces the time source, used by tests
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Grid returns the availability grid
func (s *Scheduler) Grid() *Grid {
	return s.grid
}

func minuteKey(t time.Time) int64 {
	return t.Unix() / 60
}

// ListAvailable lazily yields free slot starts in [from, to). Each candidate is
// checked against the reservation set when it is produced, so a listing is not
// a snapshot; re-list after a reservation.
func (s *Scheduler) ListAvailable(from, to time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for t := range s.grid.Slots(from, to) {
			s.mu.Lock()
			_, taken := s.reserved[minuteKey(t)]
			past := t.Before(s.now())
			s.mu.Unlock()

			if taken || past {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// IsAvailable reports whether slotTime can currently be reserved
func (s *Scheduler) IsAvailable(slotTime time.Time) bool {
	if !s.grid.Contains(slotTime) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.reserved[minuteKey(slotTime)]
	return !taken && !slotTime.Before(s.now())
}

// Reserve claims slotTime for the booking. The claim on the reservation set is a
// compare-and-set; if the booking then refuses the slot the claim is rolled back.
func (s *Scheduler) Reserve(b Booking, slotTime time.Time) error {
	if !s.grid.Contains(slotTime) {
		return fmt.Errorf("%s is not a slot in the grid: %w", slotTime.Format(time.RFC3339), types.ErrSlotConflict)
	}
	key := minuteKey(slotTime)

	s.mu.Lock()
	if slotTime.Before(s.now()) {
		s.mu.Unlock()
		return fmt.Errorf("%s is in the past: %w", slotTime.Format(time.RFC3339), types.ErrSlotConflict)
	}
	if owner, taken := s.reserved[key]; taken {
		s.mu.Unlock()
		s.logger.Debug().
			Int64("conversation_id", b.ID()).
			Int64("owner_id", owner).
			Time("slot_time", slotTime).
			Msg("slot already reserved")
		return fmt.Errorf("slot %s: %w", slotTime.Format(time.RFC3339), types.ErrSlotConflict)
	}
	s.reserved[key] = b.ID()
	s.mu.Unlock()

	if err := b.ScheduleAt(slotTime); err != nil {
		s.mu.Lock()
		if s.reserved[key] == b.ID() {
			delete(s.reserved, key)
		}
		s.mu.Unlock()
		return err
	}

	metrics.Get().RecordSlotReserved()
	s.logger.Info().
		Int64("conversation_id", b.ID()).
		Time("slot_time", slotTime).
		Msg("slot reserved")
	return nil
}

// Release returns a slot conversation to pending and frees its slot
func (s *Scheduler) Release(b Booking) error {
	slotTime, err := b.Unschedule()
	if err != nil {
		return err
	}
	s.free(b.ID(), slotTime)

	s.logger.Info().
		Int64("conversation_id", b.ID()).
		Time("slot_time", slotTime).
		Msg("slot released")
	return nil
}

// Forget frees the slot held by a conversation that was closed while scheduled
func (s *Scheduler) Forget(conversationID int64, slotTime time.Time) {
	s.free(conversationID, slotTime)
}

func (s *Scheduler) free(conversationID int64, slotTime time.Time) {
	key := minuteKey(slotTime)
	s.mu.Lock()
	if s.reserved[key] == conversationID {
		delete(s.reserved, key)
	}
	s.mu.Unlock()
}

// Restore marks a slot as reserved without touching the conversation, used when
// rebuilding state from persisted slot conversations
func (s *Scheduler) Restore(slotTime time.Time, conversationID int64) {
	s.mu.Lock()
	s.reserved[minuteKey(slotTime)] = conversationID
	s.mu.Unlock()
}

// ReservedCount returns the number of reserved slots
func (s *Scheduler) ReservedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reserved)
}
