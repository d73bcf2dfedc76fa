package eventbus

import (
	"sync"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// mirrorBufferSize bounds the envelopes waiting for the mirror
const mirrorBufferSize = 1024

// Mirror receives every envelope after local fan-out (external pub/sub).
// It is called from a single goroutine in publish order.
type Mirror interface {
	Mirror(topic string, env types.Envelope) error
}

type mirrored struct {
	topic string
	env   types.Envelope
}

// mirrorQueue hands envelopes from Publish to the mirror goroutine. Publish
// never waits on the mirror; when the queue is full the envelope is dropped.
type mirrorQueue struct {
	mu     sync.Mutex
	ch     chan mirrored
	closed bool
	done   chan struct{}
}

func startMirror(m Mirror, logger zerolog.Logger) *mirrorQueue {
	q := &mirrorQueue{
		ch:   make(chan mirrored, mirrorBufferSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for item := range q.ch {
			if err := m.Mirror(item.topic, item.env); err != nil {
				logger.Error().Err(err).Str("topic", item.topic).Str("type", string(item.env.Type)).Msg("failed to mirror event")
			}
		}
	}()
	return q
}

func (q *mirrorQueue) push(topic string, env types.Envelope, logger zerolog.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- mirrored{topic: topic, env: env}:
	default:
		metrics.Get().RecordMirrorDropped()
		logger.Warn().Str("topic", topic).Str("type", string(env.Type)).Msg("mirror queue full, dropping event")
	}
}

// close stops accepting envelopes and waits until the queued ones are mirrored
func (q *mirrorQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
