package queue

import (
	"github.com/dennisdiepolder/livedesk/internal/types"
)

// RoutingStrategy selects the agent that should take the next conversation
type RoutingStrategy interface {
	SelectAgent(available []types.AgentPresence) *types.AgentPresence
}

// LongestIdleFirst selects the agent who has been free the longest
type LongestIdleFirst struct{}

// SelectAgent picks the agent with the oldest IdleSince. Agents that are busy
// (zero IdleSince) are only chosen when nobody is idle.
func (l *LongestIdleFirst) SelectAgent(available []types.AgentPresence) *types.AgentPresence {
	if len(available) == 0 {
		return nil
	}

	best := &available[0]
	for i := 1; i < len(available); i++ {
		candidate := &available[i]
		switch {
		case best.IdleSince.IsZero() && !candidate.IdleSince.IsZero():
			best = candidate
		case !candidate.IdleSince.IsZero() && candidate.IdleSince.Before(best.IdleSince):
			best = candidate
		}
	}
	return best
}
