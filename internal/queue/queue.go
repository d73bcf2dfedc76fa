package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// Conversation is what the queue needs from a conversation session
type Conversation interface {
	ID() int64
	// Activate assigns a pending conversation to an agent
	Activate(agentID string) error
}

// Policy controls how many conversations an agent may hold
type Policy struct {
	// MaxActivePerAgent caps concurrent active conversations per agent, 0 means unlimited
	MaxActivePerAgent int
	// SLTarget and SLThreshold define the pickup service level
	SLTarget    int
	SLThreshold time.Duration
}

// DefaultPolicy allows one active conversation per agent and targets 80% pickup within 60s
func DefaultPolicy() Policy {
	return Policy{
		MaxActivePerAgent: 1,
		SLTarget:          80,
		SLThreshold:       60 * time.Second,
	}
}

type pendingEntry struct {
	conv       Conversation
	enqueuedAt time.Time
}

// Queue orders pending conversations by id and hands them to agents
type Queue struct {
	pending map[int64]pendingEntry
	order   []int64                      // pending ids ascending
	active  map[string]map[int64]struct{} // agentID -> held conversation ids
	policy  Policy
	sl      *SLTracker
	mu      sync.Mutex
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a new conversation queue
func New(policy Policy, logger zerolog.Logger) *Queue {
	return &Queue{
		pending: make(map[int64]pendingEntry),
		active:  make(map[string]map[int64]struct{}),
		policy:  policy,
		sl:      NewSLTracker(policy.SLTarget, policy.SLThreshold),
		now:     time.Now,
		logger:  logger.With().Str("component", "conversation_queue").Logger(),
	}
}

// SetClock replaces the time source, used by tests
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Enqueue adds a pending conversation and returns its 1-based position.
// Enqueueing a conversation that is already pending only reports its position.
func (q *Queue) Enqueue(conv Conversation) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	position := q.insertLocked(pendingEntry{conv: conv, enqueuedAt: q.now()})

	q.logger.Debug().
		Int64("conversation_id", conv.ID()).
		Int("position", position).
		Int("queue_depth", len(q.order)).
		Msg("conversation enqueued")

	return position
}

func (q *Queue) insertLocked(entry pendingEntry) int {
	id := entry.conv.ID()
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= id })
	if i < len(q.order) && q.order[i] == id {
		return i + 1
	}
	q.order = append(q.order, 0)
	copy(q.order[i+1:], q.order[i:])
	q.order[i] = id
	q.pending[id] = entry
	return i + 1
}

// PositionOf returns the number of pending conversations with an id less than
// or equal to conversationID
func (q *Queue) PositionOf(conversationID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[conversationID]; !ok {
		return 0, fmt.Errorf("conversation %d is not pending: %w", conversationID, types.ErrNotFound)
	}
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= conversationID })
	return i + 1, nil
}

// NextForAgent pops the lowest-id pending conversation and activates it for the agent.
// The pop and the capacity claim happen under the queue lock; activation runs
// outside it. A conversation that fails activation transiently is put back.
func (q *Queue) NextForAgent(agentID string) (Conversation, error) {
	for {
		q.mu.Lock()
		if q.atCapacityLocked(agentID) {
			q.mu.Unlock()
			return nil, fmt.Errorf("agent %s holds %d conversations: %w", agentID, q.policy.MaxActivePerAgent, types.ErrCapacityExceeded)
		}
		if len(q.order) == 0 {
			q.mu.Unlock()
			return nil, types.ErrQueueEmpty
		}
		id := q.order[0]
		q.order = q.order[1:]
		entry := q.pending[id]
		delete(q.pending, id)
		q.holdLocked(agentID, id)
		q.mu.Unlock()

		err := entry.conv.Activate(agentID)
		if err == nil {
			q.mu.Lock()
			wait := q.now().Sub(entry.enqueuedAt)
			q.sl.RecordPickup(wait)
			q.mu.Unlock()

			q.logger.Debug().
				Int64("conversation_id", id).
				Str("agent_id", agentID).
				Float64("wait_time", wait.Seconds()).
				Msg("conversation assigned to agent")
			return entry.conv, nil
		}

		q.mu.Lock()
		q.releaseLocked(agentID, id)
		if errors.Is(err, types.ErrTransientIO) {
			q.insertLocked(entry)
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()

		// Closed or scheduled in the meantime, it no longer belongs in the queue
		q.logger.Debug().
			Err(err).
			Int64("conversation_id", id).
			Msg("dropping conversation that refused activation")
	}
}

// Remove takes a conversation out of the pending set. Returns false if it was not pending.
func (q *Queue) Remove(conversationID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[conversationID]; !ok {
		return false
	}
	delete(q.pending, conversationID)
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= conversationID })
	q.order = append(q.order[:i], q.order[i+1:]...)
	return true
}

// Release frees the capacity an agent held for a conversation
func (q *Queue) Release(agentID string, conversationID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(agentID, conversationID)
}

// Hold records an already active conversation against an agent's capacity,
// used when rebuilding state from storage
func (q *Queue) Hold(agentID string, conversationID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.holdLocked(agentID, conversationID)
}

func (q *Queue) holdLocked(agentID string, conversationID int64) {
	held, ok := q.active[agentID]
	if !ok {
		held = make(map[int64]struct{})
		q.active[agentID] = held
	}
	held[conversationID] = struct{}{}
}

func (q *Queue) releaseLocked(agentID string, conversationID int64) {
	held, ok := q.active[agentID]
	if !ok {
		return
	}
	delete(held, conversationID)
	if len(held) == 0 {
		delete(q.active, agentID)
	}
}

func (q *Queue) atCapacityLocked(agentID string) bool {
	return q.policy.MaxActivePerAgent > 0 && len(q.active[agentID]) >= q.policy.MaxActivePerAgent
}

// HasCapacity reports whether the agent may take another conversation
func (q *Queue) HasCapacity(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.atCapacityLocked(agentID)
}

// ActiveCount returns the number of conversations the agent holds
func (q *Queue) ActiveCount(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active[agentID])
}

// Len returns the number of pending conversations
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Snapshot returns the current queue state
func (q *Queue) Snapshot(onlineAgents int) types.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := 0
	for _, held := range q.active {
		active += len(held)
	}

	longest := 0.0
	now := q.now()
	for _, entry := range q.pending {
		if wait := now.Sub(entry.enqueuedAt).Seconds(); wait > longest {
			longest = wait
		}
	}

	return types.QueueSnapshot{
		PendingCount:    len(q.order),
		ActiveCount:     active,
		OnlineAgents:    onlineAgents,
		LongestWaitSecs: longest,
		ServiceLevel:    q.sl.Snapshot(),
	}
}
