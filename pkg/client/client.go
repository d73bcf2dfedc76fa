// Package client is a Go client for the livedesk REST API and event sockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/api"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/types"
)

// Client talks to a livedesk server either as a visitor or as an agent
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Visitor session id, learned from the first visitor response
	sessionID string
	// Bearer token for agent routes
	token string
	// Agent id sent in X-Agent-ID for servers running with SKIP_AUTH
	agentID string
}

// NewClient creates a new visitor client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithSession resumes an existing visitor session
func (c *Client) WithSession(sessionID string) *Client {
	c.sessionID = sessionID
	return c
}

// WithToken authenticates agent requests with a bearer token
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithAgentID names the agent for development servers without auth
func (c *Client) WithAgentID(agentID string) *Client {
	c.agentID = agentID
	return c
}

// SessionID returns the visitor session id, empty before the first visitor call
func (c *Client) SessionID() string {
	return c.sessionID
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livedesk: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

var codeErrors = map[string]error{
	"not_found":           types.ErrNotFound,
	"queue_empty":         types.ErrQueueEmpty,
	"invalid_input":       types.ErrInvalidInput,
	"not_participant":     types.ErrNotParticipant,
	"conversation_closed": types.ErrClosedConversation,
	"slot_conflict":       types.ErrSlotConflict,
	"stale_call_signal":   types.ErrStaleCallSignal,
	"invalid_transition":  types.ErrInvalidTransition,
	"capacity_exceeded":   types.ErrCapacityExceeded,
	"unavailable":         types.ErrTransientIO,
}

// Unwrap lets errors.Is match the server's error codes against the types errors
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// do sends a JSON request and decodes a JSON response into out (when non-nil)
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(api.SessionHeader); sid != "" {
		c.sessionID = sid
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er api.ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &er) == nil && er.Code != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.sessionID != "" {
		req.Header.Set(api.SessionHeader, c.sessionID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}
}

// conversationPath picks the visitor or the agent route prefix
func (c *Client) conversationPath(id int64, suffix string) string {
	prefix := "/api/conversations/"
	if c.token != "" || c.agentID != "" {
		prefix = "/api/agent/conversations/"
	}
	return prefix + strconv.FormatInt(id, 10) + suffix
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Queue returns the current queue snapshot
func (c *Client) Queue(ctx context.Context) (types.QueueSnapshot, error) {
	var snapshot types.QueueSnapshot
	err := c.do(ctx, http.MethodGet, "/api/queue", nil, &snapshot)
	return snapshot, err
}

// Slots lists free appointment slots between from and to
func (c *Client) Slots(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	var out struct {
		Slots []time.Time `json:"slots"`
	}
	err := c.do(ctx, http.MethodGet, "/api/slots?"+q.Encode(), nil, &out)
	return out.Slots, err
}

// CreateConversation opens a conversation as the visitor
func (c *Client) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (desk.Created, error) {
	var created desk.Created
	err := c.do(ctx, http.MethodPost, "/api/conversations", req, &created)
	return created, err
}

// Conversation returns a conversation with its first page of messages
func (c *Client) Conversation(ctx context.Context, id int64) (api.ConversationDetail, error) {
	var detail api.ConversationDetail
	err := c.do(ctx, http.MethodGet, c.conversationPath(id, ""), nil, &detail)
	return detail, err
}

// Messages lists messages older than before (0 = newest), newest first
func (c *Client) Messages(ctx context.Context, id, before int64, limit int) (api.CursorPage, error) {
	q := url.Values{}
	q.Set("before", strconv.FormatInt(before, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page api.CursorPage
	err := c.do(ctx, http.MethodGet, c.conversationPath(id, "/messages?"+q.Encode()), nil, &page)
	return page, err
}

// SendMessage posts a text message
func (c *Client) SendMessage(ctx context.Context, id int64, text string) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodPost, c.conversationPath(id, "/messages"), api.PostMessageRequest{Body: text}, &msg)
	return msg, err
}

// Position returns the 1-based queue position of a pending conversation
func (c *Client) Position(ctx context.Context, id int64) (int, error) {
	var out struct {
		Position int `json:"position"`
	}
	err := c.do(ctx, http.MethodGet, c.conversationPath(id, "/position"), nil, &out)
	return out.Position, err
}

// ReserveSlot schedules a pending conversation onto a slot
func (c *Client) ReserveSlot(ctx context.Context, id int64, slot time.Time) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, c.conversationPath(id, "/slot"), api.ReserveSlotRequest{Time: slot}, &conv)
	return conv, err
}

// ReleaseSlot gives the slot up and puts the conversation back in the queue
func (c *Client) ReleaseSlot(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.conversationPath(id, "/slot"), nil, nil)
}

// Call runs a call action and returns the resulting call state
func (c *Client) Call(ctx context.Context, id int64, cmd conversation.CallCommand) (types.CallState, error) {
	var state types.CallState
	err := c.do(ctx, http.MethodPost, c.conversationPath(id, "/call/"+url.PathEscape(cmd.Action)), cmd, &state)
	return state, err
}

// CloseConversation closes a conversation
func (c *Client) CloseConversation(ctx context.Context, id int64) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, c.conversationPath(id, "/close"), nil, &conv)
	return conv, err
}

// Heartbeat marks the agent online
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/agent/heartbeat", nil, nil)
}

// Next assigns the longest waiting conversation to the agent
func (c *Client) Next(ctx context.Context) (conversation.Snapshot, error) {
	var snapshot conversation.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/agent/next", nil, &snapshot)
	return snapshot, err
}

// Offline signs the agent off
func (c *Client) Offline(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/agent/offline", nil, nil)
}

// AgentConversations lists the agent's open conversations
func (c *Client) AgentConversations(ctx context.Context) ([]conversation.Snapshot, error) {
	var snapshots []conversation.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/agent/conversations", nil, &snapshots)
	return snapshots, err
}
