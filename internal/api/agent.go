package api

import (
	"net/http"

	"github.com/dennisdiepolder/livedesk/internal/auth"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
)

func agentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := auth.AgentFromContext(r.Context())
	if !ok || claims.AgentID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "agent required", Code: "unauthorized"})
		return "", false
	}
	return claims.AgentID, true
}

// Heartbeat handles POST /api/agent/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	h.desk.Heartbeat(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":      id,
		"online":       true,
		"onlineAgents": h.desk.Presence().OnlineCount(),
	})
}

// Next handles POST /api/agent/next
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}

	sess, err := h.desk.NextForAgent(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info().
		Str("agent_id", id).
		Int64("conversation_id", sess.ID()).
		Msg("agent picked up conversation")
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Offline handles POST /api/agent/offline
func (h *Handler) Offline(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	h.desk.AgentOffline(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": id,
		"online":  false,
	})
}

// AgentConversations handles GET /api/agent/conversations
func (h *Handler) AgentConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	snapshots := make([]conversation.Snapshot, 0)
	for _, conv := range h.desk.AgentConversations(id) {
		sess, err := h.desk.Session(r.Context(), conv.ID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		snapshots = append(snapshots, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// Queue handles GET /api/queue
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.desk.QueueSnapshot())
}
