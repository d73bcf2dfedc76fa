package eventbus

import "github.com/dennisdiepolder/livedesk/internal/types"

// Subscription is a live, cancellable feed of one topic
type Subscription struct {
	id     string
	topic  string
	ch     chan types.Envelope
	closed chan struct{}
	gone   bool // guarded by the topic mutex
	bus    *Bus
}

// ID returns the subscription id
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// C returns the feed. It is closed when the subscription is cancelled or dropped.
func (s *Subscription) C() <-chan types.Envelope { return s.ch }

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Cancel stops delivery immediately and releases the subscription (idempotent)
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// closeLocked must be called with the topic mutex held
func (s *Subscription) closeLocked() {
	if s.gone {
		return
	}
	s.gone = true
	close(s.ch)
	close(s.closed)
}
