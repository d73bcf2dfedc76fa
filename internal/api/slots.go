package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/desk"
)

// ListSlots handles GET /api/slots?from=&to=&limit=. Times are RFC 3339;
// the window defaults to the next week.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, to := now, now.Add(desk.SlotHorizon)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid from")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid to")
			return
		}
		to = t
	}
	if !to.After(from) {
		badRequest(w, "to must be after from")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		badRequest(w, "invalid limit")
		return
	}

	grid := h.desk.Scheduler().Grid()
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":       h.desk.AvailableSlots(from, to, limit),
		"slotMinutes": int(grid.SlotLength().Minutes()),
		"timezone":    grid.Location().String(),
	})
}

// ReserveSlotRequest names the slot start
type ReserveSlotRequest struct {
	Time time.Time `json:"time"`
}

// ReserveSlot handles POST /api/conversations/{id}/slot
func (h *Handler) ReserveSlot(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}

	var req ReserveSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Time.IsZero() {
		badRequest(w, "time is required (RFC 3339)")
		return
	}

	if err := h.desk.ReserveSlot(r.Context(), sess.ID(), req.Time); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Conversation())
}

// ReleaseSlot handles DELETE /api/conversations/{id}/slot
func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}

	position, err := h.desk.ReleaseSlot(r.Context(), sess.ID())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": sess.Conversation(),
		"position":     position,
	})
}
