package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

// AgentSource lists agents that are currently online
type AgentSource interface {
	Online() []types.AgentPresence
}

// AssignmentNotifier is told about every conversation the loop assigned
type AssignmentNotifier interface {
	NotifyAssigned(agentID string, conv Conversation)
}

// RoutingLoop periodically pairs pending conversations with online agents
type RoutingLoop struct {
	queue    *Queue
	agents   AgentSource
	notifier AssignmentNotifier
	routing  RoutingStrategy
	interval time.Duration
	logger   zerolog.Logger
}

// NewRoutingLoop creates a new RoutingLoop
func NewRoutingLoop(queue *Queue, agents AgentSource, notifier AssignmentNotifier, interval time.Duration, logger zerolog.Logger) *RoutingLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &RoutingLoop{
		queue:    queue,
		agents:   agents,
		notifier: notifier,
		routing:  &LongestIdleFirst{},
		interval: interval,
		logger:   logger.With().Str("component", "routing_loop").Logger(),
	}
}

// Start runs the routing loop until the context is cancelled
func (rl *RoutingLoop) Start(ctx context.Context) {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	rl.logger.Info().Dur("interval", rl.interval).Msg("routing loop started")

	for {
		select {
		case <-ctx.Done():
			rl.logger.Info().Msg("routing loop stopped")
			return
		case <-ticker.C:
			rl.Tick()
		}
	}
}

// Tick performs a single routing pass and returns the number of assignments
func (rl *RoutingLoop) Tick() int {
	free := make([]types.AgentPresence, 0)
	for _, agent := range rl.agents.Online() {
		if rl.queue.HasCapacity(agent.AgentID) {
			free = append(free, agent)
		}
	}

	assigned := 0
	for len(free) > 0 && rl.queue.Len() > 0 {
		agent := rl.routing.SelectAgent(free)
		if agent == nil {
			break
		}
		agentID := agent.AgentID
		free = removeAgent(free, agentID)

		conv, err := rl.queue.NextForAgent(agentID)
		if err != nil {
			if errors.Is(err, types.ErrQueueEmpty) {
				break
			}
			rl.logger.Warn().Err(err).Str("agent_id", agentID).Msg("routing attempt failed")
			continue
		}

		assigned++
		if rl.notifier != nil {
			rl.notifier.NotifyAssigned(agentID, conv)
		}
	}
	return assigned
}

// removeAgent returns agents without the given id
func removeAgent(agents []types.AgentPresence, agentID string) []types.AgentPresence {
	result := make([]types.AgentPresence, 0, len(agents))
	for _, a := range agents {
		if a.AgentID != agentID {
			result = append(result, a)
		}
	}
	return result
}
