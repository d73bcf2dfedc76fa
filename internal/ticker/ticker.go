package ticker

import (
	"context"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// SnapshotSource provides the current queue statistics
type SnapshotSource interface {
	QueueSnapshot() types.QueueSnapshot
}

// Publisher is the part of the event bus the ticker publishes to
type Publisher interface {
	Publish(topic string, env types.Envelope)
}

// Ticker periodically republishes queue statistics on the global topic.
// Waiting times grow without any event, so clients showing them need the
// refresh. Ticks with an empty queue are skipped once that state was sent.
type Ticker struct {
	source   SnapshotSource
	bus      Publisher
	interval time.Duration
	logger   zerolog.Logger

	sentIdle bool
}

// NewTicker creates a new Ticker
func NewTicker(source SnapshotSource, bus Publisher, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		source:   source,
		bus:      bus,
		interval: interval,
		logger:   logger.With().Str("component", "queue_ticker").Logger(),
	}
}

// Start begins publishing queue updates
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick publishes one snapshot and reports whether it did
func (t *Ticker) Tick() bool {
	snapshot := t.source.QueueSnapshot()
	metrics.Get().UpdateQueue(snapshot)

	if snapshot.PendingCount == 0 {
		if t.sentIdle {
			return false
		}
		t.sentIdle = true
	} else {
		t.sentIdle = false
	}

	t.bus.Publish(types.GlobalTopic, types.NewEnvelope(types.EventQueueUpdated, 0, snapshot))
	t.logger.Debug().
		Int("pending", snapshot.PendingCount).
		Float64("longest_wait_secs", snapshot.LongestWaitSecs).
		Msg("published queue update")
	return true
}
