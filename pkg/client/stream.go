package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/api"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Agent heartbeat interval, well inside the presence stale window
	heartbeatInterval = 10 * time.Second

	// Write timeout
	writeTimeout = 10 * time.Second

	// Reconnect backoff
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Frame is one inbound socket frame: a bus envelope, a snapshot or an error
type Frame struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Stream is a reconnecting event socket. Agent streams send heartbeats and
// resubscribe their conversations after every reconnect.
type Stream struct {
	url    string
	header http.Header
	agent  bool
	logger zerolog.Logger

	frames chan Frame
	send   chan []byte

	mu         sync.Mutex
	subscribed map[int64]bool
	reconnects int64
}

// VisitorStream opens the event socket of one conversation as the visitor
func (c *Client) VisitorStream(conversationID int64, logger zerolog.Logger) *Stream {
	q := url.Values{}
	q.Set("session", c.sessionID)
	return c.newStream("/ws/conversations/"+strconv.FormatInt(conversationID, 10)+"?"+q.Encode(), false, logger)
}

// AgentStream opens the agent's event socket
func (c *Client) AgentStream(logger zerolog.Logger) *Stream {
	q := url.Values{}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if c.agentID != "" {
		q.Set("agent", c.agentID)
	}
	return c.newStream("/ws/agent?"+q.Encode(), true, logger)
}

func (c *Client) newStream(path string, agent bool, logger zerolog.Logger) *Stream {
	wsURL := c.baseURL + path
	// Convert http:// to ws:// or https:// to wss://
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	header := http.Header{}
	if c.sessionID != "" {
		header.Set(api.SessionHeader, c.sessionID)
	}
	return &Stream{
		url:        wsURL,
		header:     header,
		agent:      agent,
		logger:     logger.With().Str("component", "stream").Logger(),
		frames:     make(chan Frame, 64),
		send:       make(chan []byte, 64),
		subscribed: make(map[int64]bool),
	}
}

// Frames returns the inbound frames. It is closed when Run returns.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Reconnects returns how often the stream had to reconnect
func (s *Stream) Reconnects() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Send queues a command. It reports false when the send buffer is full.
func (s *Stream) Send(cmd any) bool {
	data, err := json.Marshal(cmd)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal command")
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.logger.Warn().Msg("send buffer full, dropping command")
		return false
	}
}

// Subscribe follows a conversation on an agent stream, also after reconnects
func (s *Stream) Subscribe(conversationID int64) bool {
	s.mu.Lock()
	s.subscribed[conversationID] = true
	s.mu.Unlock()
	return s.Send(map[string]any{"type": "subscribe", "conversationId": conversationID})
}

// Unsubscribe stops following a conversation
func (s *Stream) Unsubscribe(conversationID int64) bool {
	s.mu.Lock()
	delete(s.subscribed, conversationID)
	s.mu.Unlock()
	return s.Send(map[string]any{"type": "unsubscribe", "conversationId": conversationID})
}

// Run connects and keeps the stream connected until ctx is done
func (s *Stream) Run(ctx context.Context) {
	defer close(s.frames)
	reconnectDelay := initialReconnectDelay
	connectedBefore := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			s.logger.Debug().Err(err).Dur("retry_in", reconnectDelay).Msg("connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			// Exponential backoff
			reconnectDelay *= 2
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			continue
		}

		// Reset backoff on successful connection
		reconnectDelay = initialReconnectDelay
		s.logger.Debug().Str("url", s.url).Msg("websocket connected")

		// Subscriptions queued before the first connect are still in the buffer
		if connectedBefore {
			s.resubscribe()
		}
		connectedBefore = true
		s.runLoop(ctx, conn)
		conn.Close()
	}
}

func (s *Stream) resubscribe() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Send(map[string]any{"type": "subscribe", "conversationId": id})
	}
}

// runLoop handles sending heartbeats and queued commands and receiving frames
func (s *Stream) runLoop(ctx context.Context, conn *websocket.Conn) {
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	// Start read goroutine
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			select {
			case s.frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			conn.Close()
			<-readDone
			return
		case <-readDone:
			return
		case <-heartbeatTicker.C:
			if s.agent {
				s.write(conn, []byte(`{"type":"heartbeat"}`))
			}
		case msg := <-s.send:
			s.write(conn, msg)
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, data []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Msg("write error")
	}
}
