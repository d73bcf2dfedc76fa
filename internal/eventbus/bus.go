package eventbus

import (
	"sync"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// subscriberBufferSize is the channel buffer of each subscription
	subscriberBufferSize = 64
)

// topicSubs holds the subscribers of one topic. Its mutex serializes
// publishes on the topic, which is what gives per-topic FIFO order.
type topicSubs struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Bus is an in-process, topic-scoped publish/subscribe primitive
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicSubs
	mirror *mirrorQueue
	logger zerolog.Logger
}

// New creates a new Bus
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topicSubs),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

// SetMirror starts copying every published envelope to m. Envelopes are
// handed over through a bounded queue, so a slow mirror never holds up
// Publish or its caller's locks.
func (b *Bus) SetMirror(m Mirror) {
	q := startMirror(m, b.logger)

	b.mu.Lock()
	prev := b.mirror
	b.mirror = q
	b.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

// Publish delivers env to all current subscribers of topic in publish order.
// Subscribers whose buffer is full are dropped rather than skipped, so a
// feed never has a silent gap.
func (b *Bus) Publish(topic string, env types.Envelope) {
	m := metrics.Get()

	b.mu.RLock()
	t := b.topics[topic]
	mirror := b.mirror
	if t != nil {
		t.mu.Lock()
	}
	b.mu.RUnlock()

	if t != nil {
		defer t.mu.Unlock()
		for id, sub := range t.subs {
			select {
			case sub.ch <- env:
			default:
				delete(t.subs, id)
				sub.closeLocked()
				m.RecordSubscriberDropped()
				b.logger.Warn().
					Str("topic", topic).
					Str("sub_id", id).
					Msg("subscriber buffer full, dropping subscription")
			}
		}
	}
	m.RecordEventPublished()

	// Queued while the topic lock is held so the mirror sees local order
	if mirror != nil {
		mirror.push(topic, env, b.logger)
	}
}

// Subscribe returns a live feed of topic. The subscription is cancelled
// when done is closed (pass nil to cancel manually only).
func (b *Bus) Subscribe(topic string, done <-chan struct{}) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		topic:  topic,
		ch:     make(chan types.Envelope, subscriberBufferSize),
		closed: make(chan struct{}),
		bus:    b,
	}

	b.mu.Lock()
	t, ok := b.topics[topic]
	if !ok {
		t = &topicSubs{subs: make(map[string]*Subscription)}
		b.topics[topic] = t
	}
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()
	b.mu.Unlock()

	b.logger.Debug().Str("topic", topic).Str("sub_id", sub.id).Msg("subscriber added")

	if done != nil {
		go func() {
			select {
			case <-done:
				sub.Cancel()
			case <-sub.closed:
			}
		}()
	}

	return sub
}

// SubscriberCount returns the number of live subscriptions on topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close cancels every subscription and flushes the mirror queue
func (b *Bus) Close() {
	b.mu.Lock()
	mirror := b.mirror
	b.mirror = nil
	for name, t := range b.topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.closeLocked()
		}
		t.mu.Unlock()
		delete(b.topics, name)
	}
	b.mu.Unlock()

	if mirror != nil {
		mirror.close()
	}
	b.logger.Debug().Msg("event bus closed")
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	t.mu.Lock()
	if _, exists := t.subs[sub.id]; exists {
		delete(t.subs, sub.id)
		sub.closeLocked()
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, sub.topic)
	}
	b.logger.Debug().Str("topic", sub.topic).Str("sub_id", sub.id).Msg("subscriber removed")
}
