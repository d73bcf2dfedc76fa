package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/go-chi/chi/v5"
)

// CallAction handles POST /api/conversations/{id}/call/{action}. The body
// is optional and may carry media, signal and reason.
func (h *Handler) CallAction(w http.ResponseWriter, r *http.Request) {
	sess, party, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}

	var cmd conversation.CallCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil && err != io.EOF {
		badRequest(w, "invalid JSON")
		return
	}
	cmd.Action = chi.URLParam(r, "action")

	if err := sess.Dispatch(party, cmd); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Debug().
		Int64("conversation_id", sess.ID()).
		Str("role", string(party.Role)).
		Str("action", cmd.Action).
		Msg("call action applied")
	writeJSON(w, http.StatusOK, sess.CallState())
}
