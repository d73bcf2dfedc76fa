package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// fakeConversation mimics the pending -> active transition of a session
type fakeConversation struct {
	mu       sync.Mutex
	id       int64
	status   types.ConversationStatus
	agentID  string
	failOnce error
}

func newConv(id int64) *fakeConversation {
	return &fakeConversation{id: id, status: types.StatusPending}
}

func (c *fakeConversation) ID() int64 { return c.id }

func (c *fakeConversation) Activate(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnce != nil {
		err := c.failOnce
		c.failOnce = nil
		return err
	}
	if c.status != types.StatusPending {
		return types.ErrInvalidTransition
	}
	c.status = types.StatusActive
	c.agentID = agentID
	return nil
}

func unlimited() Policy {
	p := DefaultPolicy()
	p.MaxActivePerAgent = 0
	return p
}

func TestEnqueuePositions(t *testing.T) {
	q := New(DefaultPolicy(), zerolog.Nop())

	if pos := q.Enqueue(newConv(10)); pos != 1 {
		t.Errorf("expected position 1, got %d", pos)
	}
	if pos := q.Enqueue(newConv(12)); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}
	// A lower id arriving late still sorts first
	if pos := q.Enqueue(newConv(11)); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}

	pos, err := q.PositionOf(12)
	if err != nil || pos != 3 {
		t.Errorf("expected position 3, got %d (%v)", pos, err)
	}

	// Idempotent
	if pos := q.Enqueue(newConv(12)); pos != 3 {
		t.Errorf("expected re-enqueue to report position 3, got %d", pos)
	}
	if q.Len() != 3 {
		t.Errorf("expected 3 pending, got %d", q.Len())
	}
}

func TestPositionScenario(t *testing.T) {
	// Two pending conversations, agent takes the first, the second moves up
	q := New(DefaultPolicy(), zerolog.Nop())
	q.Enqueue(newConv(1))
	q.Enqueue(newConv(2))

	if pos, _ := q.PositionOf(2); pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}

	conv, err := q.NextForAgent("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.ID() != 1 {
		t.Errorf("expected conversation 1, got %d", conv.ID())
	}

	if pos, _ := q.PositionOf(2); pos != 1 {
		t.Errorf("expected position 1, got %d", pos)
	}
	if _, err := q.PositionOf(1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for assigned conversation, got %v", err)
	}
}

func TestNextForAgentEmpty(t *testing.T) {
	q := New(DefaultPolicy(), zerolog.Nop())
	if _, err := q.NextForAgent("agent-1"); !errors.Is(err, types.ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestNextForAgentCapacity(t *testing.T) {
	q := New(DefaultPolicy(), zerolog.Nop())
	q.Enqueue(newConv(1))
	q.Enqueue(newConv(2))

	if _, err := q.NextForAgent("agent-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.NextForAgent("agent-1"); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("capacity refusal must not pop, pending=%d", q.Len())
	}

	q.Release("agent-1", 1)
	if _, err := q.NextForAgent("agent-1"); err != nil {
		t.Errorf("expected success after release, got %v", err)
	}
}

func TestNextForAgentReinsertsOnTransientFailure(t *testing.T) {
	q := New(DefaultPolicy(), zerolog.Nop())
	c := newConv(1)
	c.failOnce = types.ErrTransientIO
	q.Enqueue(c)

	if _, err := q.NextForAgent("agent-1"); !errors.Is(err, types.ErrTransientIO) {
		t.Fatalf("expected ErrTransientIO, got %v", err)
	}
	if pos, err := q.PositionOf(1); err != nil || pos != 1 {
		t.Errorf("expected conversation back at position 1, got %d (%v)", pos, err)
	}
	if q.ActiveCount("agent-1") != 0 {
		t.Error("capacity claim must be released on failure")
	}

	conv, err := q.NextForAgent("agent-1")
	if err != nil || conv.ID() != 1 {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestNextForAgentSkipsRefusedConversation(t *testing.T) {
	q := New(unlimited(), zerolog.Nop())
	scheduled := newConv(1)
	scheduled.status = types.StatusSlot
	q.Enqueue(scheduled)
	q.Enqueue(newConv(2))

	conv, err := q.NextForAgent("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.ID() != 2 {
		t.Errorf("expected conversation 2, got %d", conv.ID())
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestConcurrentNextForAgentIsExclusive(t *testing.T) {
	q := New(unlimited(), zerolog.Nop())
	const n = 100
	convs := make([]*fakeConversation, n)
	for i := 0; i < n; i++ {
		convs[i] = newConv(int64(i + 1))
		q.Enqueue(convs[i])
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for {
				conv, err := q.NextForAgent(agentID)
				if errors.Is(err, types.ErrQueueEmpty) {
					return
				}
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := seen[conv.ID()]; dup {
					t.Errorf("conversation %d assigned twice (%s and %s)", conv.ID(), prev, agentID)
				}
				seen[conv.ID()] = agentID
				mu.Unlock()
			}
		}(string(rune('a' + a)))
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d assignments, got %d", n, len(seen))
	}
	for _, c := range convs {
		if c.status != types.StatusActive {
			t.Errorf("conversation %d not active", c.id)
		}
	}
}

func TestRemove(t *testing.T) {
	q := New(DefaultPolicy(), zerolog.Nop())
	q.Enqueue(newConv(1))
	q.Enqueue(newConv(2))
	q.Enqueue(newConv(3))

	if !q.Remove(2) {
		t.Error("expected remove to succeed")
	}
	if q.Remove(2) {
		t.Error("expected second remove to report false")
	}
	if pos, _ := q.PositionOf(3); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	q := New(DefaultPolicy(), zerolog.Nop())
	q.SetClock(func() time.Time { return now })
	q.Enqueue(newConv(1))
	q.Enqueue(newConv(2))

	now = now.Add(90 * time.Second)
	if _, err := q.NextForAgent("agent-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := q.Snapshot(3)
	if snap.PendingCount != 1 || snap.ActiveCount != 1 || snap.OnlineAgents != 3 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.LongestWaitSecs != 90 {
		t.Errorf("expected longest wait 90s, got %v", snap.LongestWaitSecs)
	}
	// Picked up after 90s against a 60s threshold
	if snap.ServiceLevel.TotalAnswered != 1 || snap.ServiceLevel.AnsweredInSL != 0 {
		t.Errorf("unexpected service level: %+v", snap.ServiceLevel)
	}
}

func TestServiceLevelCalculation(t *testing.T) {
	sl := NewSLTracker(80, 20*time.Second)

	if sl.CurrentSL() != 100.0 {
		t.Errorf("expected 100%% SL with nothing picked up, got %.1f%%", sl.CurrentSL())
	}

	sl.RecordPickup(10 * time.Second)
	sl.RecordPickup(20 * time.Second)
	sl.RecordPickup(30 * time.Second)
	sl.RecordPickup(5 * time.Second)

	if sl.CurrentSL() != 75.0 {
		t.Errorf("expected 75%% SL, got %.1f%%", sl.CurrentSL())
	}
	if snap := sl.Snapshot(); snap.ThresholdSecs != 20 || snap.Target != 80 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}
