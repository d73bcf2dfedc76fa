package presence

import (
	"context"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/rs/zerolog"
)

// ForgetAfter is how long an offline agent is kept before it is dropped from the tracker
const ForgetAfter = 24 * time.Hour

// OfflineHandler is called once for every agent the sweeper marks offline
type OfflineHandler func(agentID string)

// Sweeper periodically marks agents without recent heartbeats as offline
type Sweeper struct {
	tracker    *Tracker
	interval   time.Duration
	staleAfter time.Duration
	onOffline  OfflineHandler
	logger     zerolog.Logger
}

// NewSweeper creates a new Sweeper
func NewSweeper(tracker *Tracker, interval, staleAfter time.Duration, onOffline OfflineHandler, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		tracker:    tracker,
		interval:   interval,
		staleAfter: staleAfter,
		onOffline:  onOffline,
		logger:     logger.With().Str("component", "presence_sweeper").Logger(),
	}
}

// Start runs the sweep loop until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_after", s.staleAfter).
		Msg("presence sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("presence sweeper stopped")
			return

		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs a single pass and returns the agents that went offline
func (s *Sweeper) Sweep() []string {
	offline := s.tracker.SweepStale(s.staleAfter)
	for _, agentID := range offline {
		s.logger.Info().Str("agent_id", agentID).Msg("agent went offline (stale heartbeat)")
		if s.onOffline != nil {
			s.onOffline(agentID)
		}
	}
	if n := s.tracker.RemoveOffline(ForgetAfter); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("forgot long offline agents")
	}
	metrics.Get().UpdateOnlineAgents(s.tracker.OnlineCount())
	return offline
}
