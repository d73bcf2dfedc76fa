package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/call"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/retry"
	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// DefaultGreeting is the system message that opens every conversation
const DefaultGreeting = "Thanks for reaching out! An agent will be with you shortly."

// DefaultPageSize is the message page size when none is configured
const DefaultPageSize = 20

// Publisher delivers envelopes to topic subscribers
type Publisher interface {
	Publish(topic string, env types.Envelope)
}

// Options configures a session
type Options struct {
	PageSize int
	Greeting string
	Retry    retry.Policy
	Call     call.Options
}

// DefaultOptions returns the defaults used by the server
func DefaultOptions() Options {
	return Options{
		PageSize: DefaultPageSize,
		Greeting: DefaultGreeting,
		Retry:    retry.DefaultPolicy(),
		Call:     call.DefaultOptions(),
	}
}

// Session is the single writer of one conversation. Message appends, status
// transitions and call transitions all run under mu, and each one is
// persisted before it is published.
type Session struct {
	id int64

	mu            sync.Mutex
	conv          types.Conversation
	lastMessageID int64

	store  storage.Store
	bus    Publisher
	relay  *call.Relay
	opts   Options
	logger zerolog.Logger
}

func newSession(conv types.Conversation, lastMessageID int64, store storage.Store, bus Publisher, opts Options, logger zerolog.Logger) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Session{
		id:            conv.ID,
		conv:          conv,
		lastMessageID: lastMessageID,
		store:         store,
		bus:           bus,
		relay:         call.NewRelay(conv.ID, bus, opts.Call, logger),
		opts:          opts,
		logger: logger.With().
			Str("component", "conversation").
			Int64("conversation_id", conv.ID).
			Logger(),
	}
}

// Create opens a pending conversation for a visitor. The greeting and the
// visitor's first message are stored together with the conversation.
func Create(ctx context.Context, store storage.Store, bus Publisher, visitor types.VisitorSession, initial types.MessageBody, opts Options, logger zerolog.Logger) (*Session, error) {
	if visitor.ID == "" {
		return nil, fmt.Errorf("visitor session id is required: %w", types.ErrInvalidInput)
	}

	var id int64
	err := retry.Do(ctx, opts.Retry, func(ctx context.Context) error {
		var err error
		id, err = store.NextConversationID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("allocating conversation id: %w", err)
	}

	now := time.Now().UTC()
	conv := types.Conversation{
		ID:        id,
		VisitorID: visitor.ID,
		Status:    types.StatusPending,
		CreatedAt: now,
	}

	var messages []types.Message
	if opts.Greeting != "" {
		messages = append(messages, types.Message{
			ConversationID: id,
			ID:             int64(len(messages) + 1),
			Sender:         types.SystemSender,
			Body:           types.MessageBody{Text: opts.Greeting},
			CreatedAt:      now,
		})
	}
	if !initial.Empty() {
		messages = append(messages, types.Message{
			ConversationID: id,
			ID:             int64(len(messages) + 1),
			Sender:         types.Sender{Kind: types.SenderVisitor, ID: visitor.ID},
			Body:           initial,
			CreatedAt:      now,
		})
	}

	attempt := 0
	err = retry.Do(ctx, opts.Retry, func(ctx context.Context) error {
		attempt++
		err := store.CreateConversation(ctx, conv, messages)
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		// A failed earlier attempt may have committed. The id is ours alone,
		// so a row with our visitor on it is that write.
		if attempt > 1 {
			existing, findErr := store.FindConversation(ctx, id)
			if findErr == nil && existing.VisitorID == conv.VisitorID {
				return nil
			}
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation %d: %w", id, err)
	}

	s := newSession(conv, int64(len(messages)), store, bus, opts, logger)

	env := types.NewEnvelope(types.EventConversationCreated, id, conv)
	bus.Publish(types.ConversationTopic(id), env)
	bus.Publish(types.GlobalTopic, env)

	metrics.Get().RecordConversationCreated()
	s.logger.Info().Str("visitor_id", visitor.ID).Msg("conversation created")
	return s, nil
}

// Load rebuilds a session from storage
func Load(ctx context.Context, store storage.Store, bus Publisher, id int64, opts Options, logger zerolog.Logger) (*Session, error) {
	var conv types.Conversation
	var newest []types.Message
	err := retry.Do(ctx, opts.Retry, func(ctx context.Context) error {
		var err error
		if conv, err = store.FindConversation(ctx, id); err != nil {
			return err
		}
		newest, err = store.QueryMessages(ctx, types.MessageQuery{ConversationID: id, Limit: 1})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}

	var last int64
	if len(newest) > 0 {
		last = newest[0].ID
	}
	return newSession(conv, last, store, bus, opts, logger), nil
}

// ID returns the conversation id
func (s *Session) ID() int64 {
	return s.id
}

// Conversation returns a copy of the conversation record
func (s *Session) Conversation() types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Snapshot is everything a client needs to rebuild its view
type Snapshot struct {
	Conversation  types.Conversation `json:"conversation"`
	Call          types.CallState    `json:"call"`
	LastMessageID int64              `json:"lastMessageId"`
}

// Snapshot returns the conversation together with its call state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Conversation:  s.conv,
		Call:          s.relay.Snapshot(),
		LastMessageID: s.lastMessageID,
	}
}

// CheckParticipant returns types.ErrNotParticipant unless party belongs to the conversation
func (s *Session) CheckParticipant(party types.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkParticipantLocked(party)
}

func (s *Session) checkParticipantLocked(party types.Party) error {
	switch {
	case party.Role == types.RoleVisitor && party.ID != "" && party.ID == s.conv.VisitorID:
		return nil
	case party.Role == types.RoleAgent && party.ID != "" && party.ID == s.conv.AgentID:
		return nil
	}
	return fmt.Errorf("%s %s in conversation %d: %w", party.Role, party.ID, s.conv.ID, types.ErrNotParticipant)
}

// AppendMessage stores the next message and publishes it as message.sent
func (s *Session) AppendMessage(ctx context.Context, sender types.Sender, body types.MessageBody) (types.Message, error) {
	if body.Empty() {
		return types.Message{}, fmt.Errorf("empty message body: %w", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv.Closed() {
		return types.Message{}, fmt.Errorf("conversation %d: %w", s.conv.ID, types.ErrClosedConversation)
	}

	msg := types.Message{
		ConversationID: s.conv.ID,
		ID:             s.lastMessageID + 1,
		Sender:         sender,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.store.SaveMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to persist message")
		return types.Message{}, fmt.Errorf("saving message: %w", err)
	}
	s.lastMessageID = msg.ID

	s.bus.Publish(types.ConversationTopic(s.conv.ID), types.NewEnvelope(types.EventMessageSent, s.conv.ID, msg))
	metrics.Get().RecordMessage()

	s.logger.Debug().
		Int64("message_id", msg.ID).
		Str("sender", string(sender.Kind)).
		Msg("message appended")
	return msg, nil
}

// ListMessages yields messages with id below before (0 = from the newest),
// newest first, at most limit of them (0 = all). Every range over the
// sequence queries storage again, so it can be restarted, and because ids
// only grow a cursor never skips or repeats a message.
func (s *Session) ListMessages(ctx context.Context, before int64, limit int) iter.Seq2[types.Message, error] {
	return func(yield func(types.Message, error) bool) {
		cursor := before
		yielded := 0
		for {
			batch := s.opts.PageSize
			if limit > 0 && limit-yielded < batch {
				batch = limit - yielded
			}

			var msgs []types.Message
			err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
				var err error
				msgs, err = s.store.QueryMessages(ctx, types.MessageQuery{
					ConversationID: s.conv.ID,
					BeforeID:       cursor,
					Limit:          batch,
				})
				return err
			})
			if err != nil {
				yield(types.Message{}, err)
				return
			}

			for _, msg := range msgs {
				if !yield(msg, nil) {
					return
				}
				yielded++
				cursor = msg.ID
			}
			if len(msgs) < batch || (limit > 0 && yielded >= limit) || cursor <= 1 {
				return
			}
		}
	}
}

// MessagePage is one page of messages, newest first
type MessagePage struct {
	Data        []types.Message `json:"data"`
	CurrentPage int             `json:"current_page"`
	LastPage    int             `json:"last_page"`
}

// Page returns page number page (1 = newest) of size limit
func (s *Session) Page(ctx context.Context, page, limit int) (MessagePage, error) {
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if page <= 0 {
		page = 1
	}

	s.mu.Lock()
	total := s.lastMessageID
	s.mu.Unlock()

	lastPage := int((total + int64(limit) - 1) / int64(limit))
	if lastPage < 1 {
		lastPage = 1
	}

	result := MessagePage{Data: []types.Message{}, CurrentPage: page, LastPage: lastPage}
	// ids are 1..total without gaps, so page boundaries follow from the count
	before := total - int64((page-1)*limit) + 1
	if before <= 1 {
		return result, nil
	}

	for msg, err := range s.ListMessages(ctx, before, limit) {
		if err != nil {
			return MessagePage{}, err
		}
		result.Data = append(result.Data, msg)
	}
	return result, nil
}

// Close ends the conversation. Closing twice is a no-op; conversation.closed
// is published once. Returns the record as it was before closing and whether
// this call closed it.
func (s *Session) Close(ctx context.Context) (types.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.conv
	if prev.Closed() {
		return prev, false, nil
	}

	now := time.Now().UTC()
	next := prev
	next.Status = types.StatusClosed
	next.ClosedAt = &now
	if err := s.saveLocked(ctx, next); err != nil {
		return prev, false, err
	}

	s.relay.Reset(types.ReasonNormal)

	env := types.NewEnvelope(types.EventConversationClosed, s.conv.ID, s.conv)
	s.bus.Publish(types.ConversationTopic(s.conv.ID), env)
	s.bus.Publish(types.GlobalTopic, env)
	metrics.Get().RecordConversationClosed()

	s.logger.Info().Str("previous_status", string(prev.Status)).Msg("conversation closed")
	return prev, true, nil
}

// Activate assigns a pending conversation to an agent
func (s *Session) Activate(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStatusLocked(types.StatusPending); err != nil {
		return err
	}

	now := time.Now().UTC()
	next := s.conv
	next.Status = types.StatusActive
	next.AgentID = agentID
	next.AssignedAt = &now
	if err := s.saveLocked(context.Background(), next); err != nil {
		return err
	}

	env := types.NewEnvelope(types.EventConversationAssigned, s.conv.ID, types.Assignment{
		ConversationID: s.conv.ID,
		AgentID:        agentID,
	})
	s.bus.Publish(types.ConversationTopic(s.conv.ID), env)

	s.logger.Info().Str("agent_id", agentID).Msg("conversation assigned")
	return nil
}

// ScheduleAt moves a pending conversation onto a slot
func (s *Session) ScheduleAt(slotTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStatusLocked(types.StatusPending); err != nil {
		return err
	}

	t := slotTime.UTC()
	next := s.conv
	next.Status = types.StatusSlot
	next.SlotTime = &t
	if err := s.saveLocked(context.Background(), next); err != nil {
		return err
	}

	s.bus.Publish(types.ConversationTopic(s.conv.ID), types.NewEnvelope(types.EventConversationScheduled, s.conv.ID, s.conv))
	s.logger.Info().Time("slot_time", t).Msg("conversation scheduled")
	return nil
}

// Unschedule returns a slot conversation to pending and reports the freed slot time
func (s *Session) Unschedule() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStatusLocked(types.StatusSlot); err != nil {
		return time.Time{}, err
	}

	slotTime := *s.conv.SlotTime
	next := s.conv
	next.Status = types.StatusPending
	next.SlotTime = nil
	if err := s.saveLocked(context.Background(), next); err != nil {
		return time.Time{}, err
	}

	s.bus.Publish(types.ConversationTopic(s.conv.ID), types.NewEnvelope(types.EventConversationScheduled, s.conv.ID, s.conv))
	s.logger.Info().Time("slot_time", slotTime).Msg("conversation unscheduled")
	return slotTime, nil
}

func (s *Session) requireStatusLocked(want types.ConversationStatus) error {
	if s.conv.Closed() {
		return fmt.Errorf("conversation %d: %w", s.conv.ID, types.ErrClosedConversation)
	}
	if s.conv.Status != want {
		return fmt.Errorf("conversation %d is %s, not %s: %w", s.conv.ID, s.conv.Status, want, types.ErrInvalidTransition)
	}
	return nil
}

// saveLocked persists next and makes it the current record
func (s *Session) saveLocked(ctx context.Context, next types.Conversation) error {
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.store.SaveConversation(ctx, next)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("status", string(next.Status)).Msg("failed to persist conversation")
		return fmt.Errorf("saving conversation %d: %w", next.ID, err)
	}
	s.conv = next
	return nil
}
