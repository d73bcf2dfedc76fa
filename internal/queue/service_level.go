package queue

import (
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

// SLTracker tracks how many conversations an agent picked up within the threshold.
// It is not safe for concurrent use; the queue guards it.
type SLTracker struct {
	target        int
	threshold     time.Duration
	answeredInSL  int
	totalAnswered int
}

// NewSLTracker creates a new SL tracker with the given target percentage
func NewSLTracker(target int, threshold time.Duration) *SLTracker {
	return &SLTracker{
		target:    target,
		threshold: threshold,
	}
}

// RecordPickup records a conversation being picked up after waiting
func (s *SLTracker) RecordPickup(wait time.Duration) {
	s.totalAnswered++
	if wait <= s.threshold {
		s.answeredInSL++
	}
}

// CurrentSL returns the current service level percentage
func (s *SLTracker) CurrentSL() float64 {
	if s.totalAnswered == 0 {
		return 100.0
	}
	return float64(s.answeredInSL) / float64(s.totalAnswered) * 100.0
}

// Snapshot returns a ServiceLevel snapshot
func (s *SLTracker) Snapshot() types.ServiceLevel {
	return types.ServiceLevel{
		Target:        s.target,
		ThresholdSecs: int(s.threshold / time.Second),
		AnsweredInSL:  s.answeredInSL,
		TotalAnswered: s.totalAnswered,
		CurrentSL:     s.CurrentSL(),
	}
}
