package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/auth"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Inbound command types
const (
	CommandHeartbeat   = "heartbeat"
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandCall        = "call"
	CommandMessage     = "message"
)

// Outbound frame types that are not bus events
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// commandTimeout bounds the storage work of one inbound command
const commandTimeout = 10 * time.Second

// Command is an inbound frame. Call commands carry the call fields inline.
type Command struct {
	Type           string            `json:"type"`
	ConversationID int64             `json:"conversationId,omitempty"`
	Body           types.MessageBody `json:"body"`
	conversation.CallCommand
}

// SnapshotFrame carries the state a client rebuilds its view from
type SnapshotFrame struct {
	Type           string                `json:"type"`
	ConversationID int64                 `json:"conversationId"`
	Payload        conversation.Snapshot `json:"payload"`
}

// ErrorFrame reports a rejected command
type ErrorFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Code           string `json:"code"`
	Error          string `json:"error"`
}

// Handler upgrades visitor and agent connections
type Handler struct {
	hub      *Hub
	desk     *desk.Desk
	bus      Subscriber
	settings Settings
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler. Browsers must come from one of
// allowedOrigins; "*" allows any origin.
func NewHandler(hub *Hub, d *desk.Desk, bus Subscriber, settings Settings, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		desk:     d,
		bus:      bus,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// Register mounts the websocket routes. agentAuth guards the agent socket.
func (h *Handler) Register(r chi.Router, agentAuth func(http.Handler) http.Handler) {
	r.Get("/ws/conversations/{id}", h.ServeVisitor)
	r.With(agentAuth).Get("/ws/agent", h.ServeAgent)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a browser
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// ServeVisitor streams one conversation to its visitor. The session id comes
// from the session query parameter or the X-Session-ID header.
func (h *Handler) ServeVisitor(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}
	party := types.Party{Role: types.RoleVisitor, ID: sessionID}

	sess, err := h.desk.Session(r.Context(), id)
	if err != nil {
		h.reject(w, err)
		return
	}
	if err := sess.CheckParticipant(party); err != nil {
		h.reject(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade visitor connection")
		return
	}

	client := NewClient(h.hub, conn, h.bus, party, h.settings, h.logger)
	client.handle = h.handleVisitor(sess)
	client.onClose = func() { h.desk.PartyDisconnected(sess, party) }

	h.hub.register <- client
	client.Subscribe(types.ConversationTopic(id))
	client.Subscribe(types.PartyTopic(id, types.RoleVisitor))
	client.sendJSON(SnapshotFrame{Type: FrameSnapshot, ConversationID: id, Payload: sess.Snapshot()})
	client.Start()
}

// ServeAgent streams the agent's own topic and the global topic. Conversation
// topics are added with subscribe commands.
func (h *Handler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.AgentFromContext(r.Context())
	if !ok || claims.AgentID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	party := types.Party{Role: types.RoleAgent, ID: claims.AgentID}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade agent connection")
		return
	}

	h.desk.Heartbeat(claims.AgentID)

	client := NewClient(h.hub, conn, h.bus, party, h.settings, h.logger)
	client.handle = h.handleAgent
	client.onClose = func() { h.agentGone(client) }

	h.hub.register <- client
	client.Subscribe(types.AgentTopic(claims.AgentID))
	client.Subscribe(types.GlobalTopic)
	client.Start()
}

// agentGone ends the calls of every joined conversation the agent is assigned to
func (h *Handler) agentGone(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	for _, id := range c.joinedIDs() {
		sess, err := h.desk.Session(ctx, id)
		if err != nil {
			continue
		}
		if sess.CheckParticipant(c.party) == nil {
			h.desk.PartyDisconnected(sess, c.party)
		}
	}
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrTransientIO):
		status = http.StatusServiceUnavailable
	}
	h.logger.Debug().Err(err).Int("status", status).Msg("websocket rejected")
	http.Error(w, types.ErrorCode(err), status)
}

func (h *Handler) handleVisitor(sess *conversation.Session) func(c *Client, message []byte) {
	return func(c *Client, message []byte) {
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.sendJSON(ErrorFrame{Type: FrameError, Code: "invalid_input", Error: "malformed command"})
			return
		}
		cmd.ConversationID = sess.ID()

		var err error
		switch cmd.Type {
		case CommandHeartbeat:
			// keeps intermediaries from timing the socket out
		case CommandCall:
			err = sess.Dispatch(c.party, cmd.CallCommand)
		case CommandMessage:
			err = h.appendMessage(sess, c.party, cmd.Body)
		default:
			err = errUnknownCommand(cmd.Type)
		}
		h.commandFailed(c, cmd, err)
	}
}

func (h *Handler) handleAgent(c *Client, message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.sendJSON(ErrorFrame{Type: FrameError, Code: "invalid_input", Error: "malformed command"})
		return
	}

	if cmd.Type == CommandHeartbeat {
		h.desk.Heartbeat(c.party.ID)
		return
	}
	if cmd.Type == CommandUnsubscribe {
		c.leave(cmd.ConversationID)
		c.Unsubscribe(types.ConversationTopic(cmd.ConversationID))
		c.Unsubscribe(types.PartyTopic(cmd.ConversationID, types.RoleAgent))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	sess, err := h.desk.Session(ctx, cmd.ConversationID)
	if err != nil {
		h.commandFailed(c, cmd, err)
		return
	}

	switch cmd.Type {
	case CommandSubscribe:
		// Agents may follow any conversation, but call invites and signals
		// reach the assigned agent only. Resubscribing after an assignment
		// change picks up the party topic or drops it. The snapshot is sent
		// after the subscription so no event falls between the two.
		c.join(cmd.ConversationID)
		c.Subscribe(types.ConversationTopic(cmd.ConversationID))
		partyTopic := types.PartyTopic(cmd.ConversationID, types.RoleAgent)
		if sess.CheckParticipant(c.party) == nil {
			c.Subscribe(partyTopic)
		} else {
			c.Unsubscribe(partyTopic)
		}
		c.sendJSON(SnapshotFrame{Type: FrameSnapshot, ConversationID: cmd.ConversationID, Payload: sess.Snapshot()})
	case CommandCall:
		err = sess.Dispatch(c.party, cmd.CallCommand)
	case CommandMessage:
		err = h.appendMessage(sess, c.party, cmd.Body)
	default:
		err = errUnknownCommand(cmd.Type)
	}
	h.commandFailed(c, cmd, err)
}

func (h *Handler) appendMessage(sess *conversation.Session, party types.Party, body types.MessageBody) error {
	if err := sess.CheckParticipant(party); err != nil {
		return err
	}
	// Files are uploaded over REST; the socket only carries text
	body.File = nil

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	sender := types.Sender{Kind: types.SenderVisitor, ID: party.ID}
	if party.Role == types.RoleAgent {
		sender.Kind = types.SenderAgent
	}
	_, err := sess.AppendMessage(ctx, sender, body)
	return err
}

// commandFailed reports err to the client. Stale call signals are expected
// under races between the parties and are dropped.
func (h *Handler) commandFailed(c *Client, cmd Command, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, types.ErrStaleCallSignal) {
		metrics.Get().RecordStaleCallSignal()
		c.logger.Debug().Err(err).Str("action", cmd.Action).Msg("stale call signal dropped")
		return
	}
	code := types.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		c.logger.Error().Err(err).Str("type", cmd.Type).Msg("command failed")
		msg = "internal error"
	}
	c.sendJSON(ErrorFrame{Type: FrameError, ConversationID: cmd.ConversationID, Code: code, Error: msg})
}

func errUnknownCommand(t string) error {
	return fmt.Errorf("unknown command %q: %w", t, types.ErrInvalidInput)
}
