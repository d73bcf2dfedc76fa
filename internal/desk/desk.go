package desk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/presence"
	"github.com/dennisdiepolder/livedesk/internal/queue"
	"github.com/dennisdiepolder/livedesk/internal/retry"
	"github.com/dennisdiepolder/livedesk/internal/slots"
	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// SlotHorizon is how far ahead slots are offered when no agent is online
	SlotHorizon = 7 * 24 * time.Hour
	// MaxOfferedSlots caps the slots returned with a new conversation
	MaxOfferedSlots = 20
)

// Desk ties the queue, the scheduler, presence and the open conversation
// sessions together. It keeps one Session per open conversation so every
// write to a conversation goes through a single critical section.
type Desk struct {
	store     storage.Store
	bus       conversation.Publisher
	queue     *queue.Queue
	scheduler *slots.Scheduler
	presence  *presence.Tracker
	opts      conversation.Options
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[int64]*conversation.Session
}

// New creates a desk over already constructed components
func New(store storage.Store, bus conversation.Publisher, q *queue.Queue, scheduler *slots.Scheduler, tracker *presence.Tracker, opts conversation.Options, logger zerolog.Logger) *Desk {
	return &Desk{
		store:     store,
		bus:       bus,
		queue:     q,
		scheduler: scheduler,
		presence:  tracker,
		opts:      opts,
		logger:    logger.With().Str("component", "desk").Logger(),
		sessions:  make(map[int64]*conversation.Session),
	}
}

// Queue returns the conversation queue
func (d *Desk) Queue() *queue.Queue { return d.queue }

// Scheduler returns the slot scheduler
func (d *Desk) Scheduler() *slots.Scheduler { return d.scheduler }

// Presence returns the presence tracker
func (d *Desk) Presence() *presence.Tracker { return d.presence }

// Hydrate rebuilds the queue, agent capacity and slot reservations from
// every open conversation in storage. Call it once before serving.
func (d *Desk) Hydrate(ctx context.Context) error {
	restored := 0
	for _, status := range []types.ConversationStatus{types.StatusPending, types.StatusActive, types.StatusSlot} {
		var convs []types.Conversation
		err := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) error {
			var err error
			convs, err = d.store.QueryConversations(ctx, types.ConversationFilter{Status: status})
			return err
		})
		if err != nil {
			return fmt.Errorf("querying %s conversations: %w", status, err)
		}

		for _, conv := range convs {
			sess, err := conversation.Load(ctx, d.store, d.bus, conv.ID, d.opts, d.logger)
			if err != nil {
				return err
			}
			d.mu.Lock()
			d.sessions[conv.ID] = sess
			d.mu.Unlock()

			switch conv.Status {
			case types.StatusPending:
				d.queue.Enqueue(sess)
			case types.StatusActive:
				d.queue.Hold(conv.AgentID, conv.ID)
			case types.StatusSlot:
				if conv.SlotTime != nil {
					d.scheduler.Restore(*conv.SlotTime, conv.ID)
				}
			}
			restored++
		}
	}

	d.logger.Info().
		Int("conversations", restored).
		Int("pending", d.queue.Len()).
		Int("reserved_slots", d.scheduler.ReservedCount()).
		Msg("desk state restored")
	return nil
}

// TouchSession returns the visitor session with the given id, creating it
// when id is empty or unknown, and records the visit
func (d *Desk) TouchSession(ctx context.Context, id, displayName, locale string) (types.VisitorSession, error) {
	now := time.Now().UTC()

	var session types.VisitorSession
	if id != "" {
		err := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) error {
			var err error
			session, err = d.store.FindSession(ctx, id)
			return err
		})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return types.VisitorSession{}, fmt.Errorf("finding session: %w", err)
		}
	}
	if session.ID == "" {
		session = types.VisitorSession{ID: uuid.New().String(), CreatedAt: now}
	}
	if displayName != "" {
		session.DisplayName = displayName
	}
	if locale != "" {
		session.Locale = locale
	}
	session.LastSeen = now

	err := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) error {
		return d.store.SaveSession(ctx, session)
	})
	if err != nil {
		return types.VisitorSession{}, fmt.Errorf("saving session: %w", err)
	}
	return session, nil
}

// Created is the result of opening a conversation
type Created struct {
	Conversation types.Conversation `json:"conversation"`
	Position     int                `json:"position"`
	OnlineAgents int                `json:"onlineAgents"`
	Slots        []time.Time        `json:"slots,omitempty"`
}

// CreateConversation opens a conversation for the visitor and puts it in the
// queue. When no agent is online the next free slots are offered with it.
func (d *Desk) CreateConversation(ctx context.Context, visitor types.VisitorSession, initial types.MessageBody) (Created, error) {
	sess, err := conversation.Create(ctx, d.store, d.bus, visitor, initial, d.opts, d.logger)
	if err != nil {
		return Created{}, err
	}

	d.mu.Lock()
	d.sessions[sess.ID()] = sess
	d.mu.Unlock()

	position := d.queue.Enqueue(sess)
	online := d.presence.OnlineCount()

	result := Created{
		Conversation: sess.Conversation(),
		Position:     position,
		OnlineAgents: online,
	}
	if online == 0 {
		now := time.Now()
		result.Slots = d.AvailableSlots(now, now.Add(SlotHorizon), MaxOfferedSlots)
	}

	d.publishQueue()
	return result, nil
}

// Session returns the session of a conversation, loading closed or not yet
// cached conversations from storage
func (d *Desk) Session(ctx context.Context, id int64) (*conversation.Session, error) {
	d.mu.RLock()
	sess, ok := d.sessions[id]
	d.mu.RUnlock()
	if ok {
		return sess, nil
	}

	sess, err := conversation.Load(ctx, d.store, d.bus, id, d.opts, d.logger)
	if err != nil {
		return nil, err
	}

	// Open conversations must stay behind a single session
	if !sess.Conversation().Closed() {
		d.mu.Lock()
		if existing, ok := d.sessions[id]; ok {
			sess = existing
		} else {
			d.sessions[id] = sess
		}
		d.mu.Unlock()
	}
	return sess, nil
}

// Position returns the queue position of a pending conversation
func (d *Desk) Position(id int64) (int, error) {
	return d.queue.PositionOf(id)
}

// AvailableSlots collects up to limit free slots in [from, to). limit <= 0 means no cap.
func (d *Desk) AvailableSlots(from, to time.Time, limit int) []time.Time {
	result := make([]time.Time, 0)
	for t := range d.scheduler.ListAvailable(from, to) {
		result = append(result, t)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// NextForAgent assigns the oldest pending conversation to the agent. The
// request counts as a heartbeat.
func (d *Desk) NextForAgent(agentID string) (*conversation.Session, error) {
	d.Heartbeat(agentID)

	conv, err := d.queue.NextForAgent(agentID)
	if err != nil {
		return nil, err
	}
	sess := conv.(*conversation.Session)
	d.presence.MarkBusy(agentID)
	d.publishQueue()
	return sess, nil
}

// NotifyAssigned tells an agent about a conversation the routing loop assigned
func (d *Desk) NotifyAssigned(agentID string, conv queue.Conversation) {
	d.presence.MarkBusy(agentID)
	d.bus.Publish(types.AgentTopic(agentID), types.NewEnvelope(types.EventConversationAssigned, conv.ID(), types.Assignment{
		ConversationID: conv.ID(),
		AgentID:        agentID,
	}))
	d.publishQueue()
}

// ReserveSlot moves a pending conversation onto a slot
func (d *Desk) ReserveSlot(ctx context.Context, id int64, slotTime time.Time) error {
	sess, err := d.Session(ctx, id)
	if err != nil {
		return err
	}

	removed := d.queue.Remove(id)
	if err := d.scheduler.Reserve(sess, slotTime); err != nil {
		if removed {
			d.queue.Enqueue(sess)
		}
		return err
	}

	d.publishQueue()
	return nil
}

// ReleaseSlot returns a scheduled conversation to the queue and reports its new position
func (d *Desk) ReleaseSlot(ctx context.Context, id int64) (int, error) {
	sess, err := d.Session(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := d.scheduler.Release(sess); err != nil {
		return 0, err
	}

	position := d.queue.Enqueue(sess)
	d.publishQueue()
	return position, nil
}

// Close closes a conversation and frees whatever it held: its queue entry,
// its agent's capacity or its slot. Closing twice is a no-op.
func (d *Desk) Close(ctx context.Context, id int64) (types.Conversation, error) {
	sess, err := d.Session(ctx, id)
	if err != nil {
		return types.Conversation{}, err
	}

	prev, changed, err := sess.Close(ctx)
	if err != nil {
		return types.Conversation{}, err
	}
	if !changed {
		return sess.Conversation(), nil
	}

	switch prev.Status {
	case types.StatusPending:
		d.queue.Remove(id)
	case types.StatusActive:
		d.queue.Release(prev.AgentID, id)
		if d.queue.ActiveCount(prev.AgentID) == 0 {
			d.presence.MarkIdle(prev.AgentID)
		}
	case types.StatusSlot:
		if prev.SlotTime != nil {
			d.scheduler.Forget(id, *prev.SlotTime)
		}
	}

	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()

	d.publishQueue()
	return sess.Conversation(), nil
}

// Heartbeat records agent liveness
func (d *Desk) Heartbeat(agentID string) {
	if d.presence.Heartbeat(agentID) {
		d.logger.Info().Str("agent_id", agentID).Msg("agent online")
		metrics.Get().UpdateOnlineAgents(d.presence.OnlineCount())
		d.publishQueue()
	}
}

// AgentOffline marks an agent offline and hangs up its calls. It is the
// presence sweeper's offline handler and also serves explicit sign-off.
func (d *Desk) AgentOffline(agentID string) {
	d.presence.MarkOffline(agentID)

	for _, sess := range d.agentSessions(agentID) {
		d.PartyDisconnected(sess, types.Party{Role: types.RoleAgent, ID: agentID})
	}

	metrics.Get().UpdateOnlineAgents(d.presence.OnlineCount())
	d.publishQueue()
}

// PartyDisconnected ends the call a party was in when its connection went away
func (d *Desk) PartyDisconnected(sess *conversation.Session, party types.Party) {
	err := sess.HangupCall(party, types.ReasonDisconnect)
	switch {
	case err == nil:
		d.logger.Info().
			Int64("conversation_id", sess.ID()).
			Str("role", string(party.Role)).
			Msg("call ended by disconnect")
	case errors.Is(err, types.ErrStaleCallSignal), errors.Is(err, types.ErrClosedConversation):
		// no call in progress
	default:
		d.logger.Warn().Err(err).Int64("conversation_id", sess.ID()).Msg("disconnect hangup failed")
	}
}

// AgentConversations lists the open conversations assigned to an agent, oldest first
func (d *Desk) AgentConversations(agentID string) []types.Conversation {
	sessions := d.agentSessions(agentID)
	result := make([]types.Conversation, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Conversation())
	}
	return result
}

func (d *Desk) agentSessions(agentID string) []*conversation.Session {
	d.mu.RLock()
	all := make([]*conversation.Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		all = append(all, sess)
	}
	d.mu.RUnlock()

	var result []*conversation.Session
	for _, sess := range all {
		conv := sess.Conversation()
		if conv.Status == types.StatusActive && conv.AgentID == agentID {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// QueueSnapshot returns queue statistics with the current online agent count
func (d *Desk) QueueSnapshot() types.QueueSnapshot {
	return d.queue.Snapshot(d.presence.OnlineCount())
}

func (d *Desk) publishQueue() {
	snapshot := d.QueueSnapshot()
	metrics.Get().UpdateQueue(snapshot)
	d.bus.Publish(types.GlobalTopic, types.NewEnvelope(types.EventQueueUpdated, 0, snapshot))
}
