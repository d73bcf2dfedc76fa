package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
)

// DefaultStaleAfter is the window after which an agent without heartbeats goes offline
const DefaultStaleAfter = 15 * time.Second

// Tracker maintains the online state of all agents
type Tracker struct {
	agents map[string]*types.AgentPresence // agentID -> presence
	mu     sync.RWMutex
	now    func() time.Time
}

// NewTracker creates a new presence tracker
func NewTracker() *Tracker {
	return &Tracker{
		agents: make(map[string]*types.AgentPresence),
		now:    time.Now,
	}
}

// SetClock replaces the time source, used by tests
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Heartbeat marks an agent online and refreshes its last heartbeat.
// Returns true if the agent was offline before.
func (t *Tracker) Heartbeat(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	existing, exists := t.agents[agentID]
	if !exists {
		t.agents[agentID] = &types.AgentPresence{
			AgentID:       agentID,
			Online:        true,
			OnlineSince:   now,
			LastHeartbeat: now,
			IdleSince:     now,
		}
		return true
	}

	cameOnline := !existing.Online
	if cameOnline {
		existing.Online = true
		existing.OnlineSince = now
		existing.IdleSince = now
	}
	existing.LastHeartbeat = now
	return cameOnline
}

// MarkOffline marks an agent offline. Returns true if it was online.
func (t *Tracker) MarkOffline(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	agent, exists := t.agents[agentID]
	if !exists || !agent.Online {
		return false
	}
	agent.Online = false
	return true
}

// SweepStale marks agents offline whose last heartbeat is older than maxAge
// and returns the ids that went offline in this sweep
func (t *Tracker) SweepStale(maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-maxAge)
	var wentOffline []string
	for id, agent := range t.agents {
		if agent.Online && agent.LastHeartbeat.Before(threshold) {
			agent.Online = false
			wentOffline = append(wentOffline, id)
		}
	}
	sort.Strings(wentOffline)
	return wentOffline
}

// MarkBusy clears the idle marker of an agent that just took a conversation
func (t *Tracker) MarkBusy(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if agent, exists := t.agents[agentID]; exists {
		agent.IdleSince = time.Time{}
	}
}

// MarkIdle records when an agent became free again
func (t *Tracker) MarkIdle(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if agent, exists := t.agents[agentID]; exists && agent.IdleSince.IsZero() {
		agent.IdleSince = t.now()
	}
}

// IsOnline reports whether an agent is currently online
func (t *Tracker) IsOnline(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agent, exists := t.agents[agentID]
	return exists && agent.Online
}

// OnlineCount returns the number of online agents
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, agent := range t.agents {
		if agent.Online {
			count++
		}
	}
	return count
}

// Online returns a copy of all online agents ordered by agent id
func (t *Tracker) Online() []types.AgentPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	online := make([]types.AgentPresence, 0, len(t.agents))
	for _, agent := range t.agents {
		if agent.Online {
			online = append(online, *agent)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].AgentID < online[j].AgentID })
	return online
}

// GetAll returns all tracked agents, online or not
func (t *Tracker) GetAll() []types.AgentPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]types.AgentPresence, 0, len(t.agents))
	for _, agent := range t.agents {
		all = append(all, *agent)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AgentID < all[j].AgentID })
	return all
}

// RemoveOffline forgets agents that have been offline for longer than maxAge
func (t *Tracker) RemoveOffline(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-maxAge)
	removed := 0
	for id, agent := range t.agents {
		if !agent.Online && agent.LastHeartbeat.Before(threshold) {
			delete(t.agents, id)
			removed++
		}
	}
	return removed
}
