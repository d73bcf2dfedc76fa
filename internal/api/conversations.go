package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/go-chi/chi/v5"
)

// CreateConversationRequest opens a conversation
type CreateConversationRequest struct {
	Name    string `json:"name"`
	Locale  string `json:"locale"`
	Message string `json:"message"`
}

// CreateConversation handles POST /api/conversations
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(w, "message is required")
		return
	}

	visitor, _ := r.Context().Value(visitorContextKey).(types.VisitorSession)
	if req.Name != "" || req.Locale != "" {
		var err error
		visitor, err = h.desk.TouchSession(r.Context(), visitor.ID, req.Name, req.Locale)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	created, err := h.desk.CreateConversation(r.Context(), visitor, types.MessageBody{Text: req.Message})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info().
		Int64("conversation_id", created.Conversation.ID).
		Str("visitor_id", visitor.ID).
		Int("position", created.Position).
		Msg("conversation opened")
	writeJSON(w, http.StatusCreated, created)
}

// ConversationDetail is everything a client needs to render a conversation
type ConversationDetail struct {
	Conversation types.Conversation       `json:"conversation"`
	Messages     conversation.MessagePage `json:"messages"`
	Call         types.CallState          `json:"call"`
	OnlineAgents int                      `json:"onlineAgents"`
	Position     int                      `json:"position,omitempty"`
	Slots        []time.Time              `json:"slots,omitempty"`
}

// GetConversation handles GET /api/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, false)
	if !ok {
		return
	}

	snapshot := sess.Snapshot()
	page, err := sess.Page(r.Context(), 1, 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	detail := ConversationDetail{
		Conversation: snapshot.Conversation,
		Messages:     page,
		Call:         snapshot.Call,
		OnlineAgents: h.desk.Presence().OnlineCount(),
	}
	if snapshot.Conversation.Status == types.StatusPending {
		if position, err := h.desk.Position(sess.ID()); err == nil {
			detail.Position = position
		}
		if detail.OnlineAgents == 0 {
			now := time.Now()
			detail.Slots = h.desk.AvailableSlots(now, now.Add(desk.SlotHorizon), desk.MaxOfferedSlots)
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// CursorPage is a page of messages read with a before cursor
type CursorPage struct {
	Data []types.Message `json:"data"`
	// NextBefore continues the listing, 0 once the oldest message was returned
	NextBefore int64 `json:"next_before"`
}

// ListMessages handles GET /api/conversations/{id}/messages. With before it
// pages by cursor, otherwise by page number.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, false)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		badRequest(w, "invalid limit")
		return
	}

	if r.URL.Query().Has("before") {
		before, err := queryInt(r, "before", 0)
		if err != nil || before < 0 {
			badRequest(w, "invalid before")
			return
		}
		if limit == 0 {
			limit = conversation.DefaultPageSize
		}

		result := CursorPage{Data: []types.Message{}}
		for msg, err := range sess.ListMessages(r.Context(), int64(before), limit) {
			if err != nil {
				writeError(w, h.logger, err)
				return
			}
			result.Data = append(result.Data, msg)
		}
		if n := len(result.Data); n == limit && result.Data[n-1].ID > 1 {
			result.NextBefore = result.Data[n-1].ID
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		badRequest(w, "invalid page")
		return
	}
	result, err := sess.Page(r.Context(), page, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PostMessageRequest is a text message
type PostMessageRequest struct {
	Body string `json:"body"`
}

// PostMessage handles POST /api/conversations/{id}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sess, party, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		badRequest(w, "body is required")
		return
	}

	msg, err := sess.AppendMessage(r.Context(), senderFor(party), types.MessageBody{Text: req.Body})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// UploadFile handles POST /api/conversations/{id}/files (multipart field "file")
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	sess, party, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}
	if sess.Conversation().Closed() {
		writeError(w, h.logger, fmt.Errorf("conversation %d: %w", sess.ID(), types.ErrClosedConversation))
		return
	}

	// Leave room for the multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "file too large", Code: "invalid_input"})
			return
		}
		badRequest(w, "multipart field file is required")
		return
	}
	defer file.Close()

	desc, err := h.files.Put(r.Context(), sess.ID(), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msg, err := sess.AppendMessage(r.Context(), senderFor(party), types.MessageBody{File: &desc})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DownloadFile handles GET /api/conversations/{id}/files/{fileId}
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, false)
	if !ok {
		return
	}

	rc, desc, err := h.files.Open(r.Context(), sess.ID(), chi.URLParam(r, "fileId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", desc.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": desc.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn().Err(err).Str("file_id", desc.ID).Msg("file download interrupted")
	}
}

// Close handles POST /api/conversations/{id}/close
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, true)
	if !ok {
		return
	}

	conv, err := h.desk.Close(r.Context(), sess.ID())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Transcript handles GET /api/conversations/{id}/transcript?format=md|html
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, false)
	if !ok {
		return
	}

	var body, contentType string
	var err error
	switch format := r.URL.Query().Get("format"); format {
	case "", "md", "markdown":
		body, err = sess.Transcript(r.Context())
		contentType = "text/markdown; charset=utf-8"
	case "html":
		body, err = sess.TranscriptHTML(r.Context())
		contentType = "text/html; charset=utf-8"
	default:
		badRequest(w, "format must be md or html")
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// Position handles GET /api/conversations/{id}/position
func (h *Handler) Position(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.conversationFor(w, r, false)
	if !ok {
		return
	}

	position, err := h.desk.Position(sess.ID())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"position":     position,
		"onlineAgents": h.desk.Presence().OnlineCount(),
	})
}
