package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/auth"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/eventbus"
	"github.com/dennisdiepolder/livedesk/internal/files"
	"github.com/dennisdiepolder/livedesk/internal/presence"
	"github.com/dennisdiepolder/livedesk/internal/queue"
	"github.com/dennisdiepolder/livedesk/internal/slots"
	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router http.Handler
	desk   *desk.Desk
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	d := desk.New(
		storage.NewMemoryStore(),
		bus,
		queue.New(queue.DefaultPolicy(), logger),
		slots.NewScheduler(slots.DefaultGrid(time.UTC), logger),
		presence.NewTracker(),
		conversation.DefaultOptions(),
		logger,
	)

	fileStore, err := files.NewDiskStore(t.TempDir(), 1024, logger)
	require.NoError(t, err)

	h := NewHandler(d, fileStore, 1024, logger)
	r := chi.NewRouter()
	h.Register(r, auth.NewAuthenticator(auth.Options{SkipAuth: true}, logger).Middleware)

	return &testServer{router: r, desk: d}
}

type request struct {
	method  string
	path    string
	body    any
	session string
	agent   string
}

func (s *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	r := httptest.NewRequest(req.method, req.path, &body)
	r.Header.Set("Content-Type", "application/json")
	if req.session != "" {
		r.Header.Set(SessionHeader, req.session)
	}
	if req.agent != "" {
		r.Header.Set("X-Agent-ID", req.agent)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, rec).Code)
}

// open creates a conversation and returns its id and the visitor session id
func (s *testServer) open(t *testing.T, message string) (int64, string) {
	t.Helper()
	rec := s.do(t, request{method: http.MethodPost, path: "/api/conversations", body: CreateConversationRequest{
		Name:    "Ada",
		Locale:  "en",
		Message: message,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, session)
	created := decode[desk.Created](t, rec)
	return created.Conversation.ID, session
}

func convPath(id int64, suffix string) string {
	return fmt.Sprintf("/api/conversations/%d%s", id, suffix)
}

func agentPath(id int64, suffix string) string {
	return fmt.Sprintf("/api/agent/conversations/%d%s", id, suffix)
}

func TestCreateConversation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, request{method: http.MethodPost, path: "/api/conversations", body: CreateConversationRequest{Message: "help"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[desk.Created](t, rec)
	assert.Equal(t, 1, created.Position)
	assert.Equal(t, types.StatusPending, created.Conversation.Status)
	assert.NotEmpty(t, created.Slots)
	assert.Equal(t, rec.Header().Get(SessionHeader), created.Conversation.VisitorID)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/conversations", body: CreateConversationRequest{}})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestConversationAccess(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "where is my order?")

	rec := s.do(t, request{method: http.MethodGet, path: convPath(id, ""), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[ConversationDetail](t, rec)
	assert.Equal(t, id, detail.Conversation.ID)
	assert.Len(t, detail.Messages.Data, 2)
	assert.Equal(t, 1, detail.Position)
	assert.Equal(t, types.CallIdle, detail.Call.State)

	// Another visitor gets a fresh session that does not own the conversation
	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "")})
	requireCode(t, rec, http.StatusForbidden, "not_participant")

	rec = s.do(t, request{method: http.MethodGet, path: convPath(999, ""), session: session})
	requireCode(t, rec, http.StatusNotFound, "not_found")

	rec = s.do(t, request{method: http.MethodGet, path: "/api/conversations/abc", session: session})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")

	// Any agent may read
	rec = s.do(t, request{method: http.MethodGet, path: agentPath(id, ""), agent: "agent-9"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMessages(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "first")

	for i := 0; i < 5; i++ {
		rec := s.do(t, request{method: http.MethodPost, path: convPath(id, "/messages"), session: session, body: PostMessageRequest{Body: fmt.Sprintf("m%d", i)}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, request{method: http.MethodPost, path: convPath(id, "/messages"), session: session, body: PostMessageRequest{}})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/messages?page=2&limit=3"), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[conversation.MessagePage](t, rec)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Equal(t, 3, page.LastPage)
	require.Len(t, page.Data, 3)
	assert.Equal(t, int64(4), page.Data[0].ID)

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/messages?before=4&limit=2"), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	cursor := decode[CursorPage](t, rec)
	require.Len(t, cursor.Data, 2)
	assert.Equal(t, int64(3), cursor.Data[0].ID)
	assert.Equal(t, int64(2), cursor.NextBefore)

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/messages?before=2&limit=5"), session: session})
	cursor = decode[CursorPage](t, rec)
	require.Len(t, cursor.Data, 1)
	assert.Zero(t, cursor.NextBefore)
}

func TestAgentFlow(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "hello")

	rec := s.do(t, request{method: http.MethodPost, path: "/api/agent/heartbeat", agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/agent/next", agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snapshot := decode[conversation.Snapshot](t, rec)
	assert.Equal(t, id, snapshot.Conversation.ID)
	assert.Equal(t, "agent-1", snapshot.Conversation.AgentID)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/agent/next", agent: "agent-1"})
	requireCode(t, rec, http.StatusTooManyRequests, "capacity_exceeded")

	rec = s.do(t, request{method: http.MethodPost, path: "/api/agent/next", agent: "agent-2"})
	requireCode(t, rec, http.StatusNotFound, "queue_empty")

	rec = s.do(t, request{method: http.MethodPost, path: agentPath(id, "/messages"), agent: "agent-1", body: PostMessageRequest{Body: "How can I help?"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode[types.Message](t, rec)
	assert.Equal(t, types.SenderAgent, msg.Sender.Kind)

	rec = s.do(t, request{method: http.MethodPost, path: agentPath(id, "/messages"), agent: "agent-2", body: PostMessageRequest{Body: "hijack"}})
	requireCode(t, rec, http.StatusForbidden, "not_participant")

	rec = s.do(t, request{method: http.MethodGet, path: "/api/agent/conversations", agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]conversation.Snapshot](t, rec), 1)

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/position"), session: session})
	requireCode(t, rec, http.StatusNotFound, "not_found")

	rec = s.do(t, request{method: http.MethodGet, path: "/api/queue"})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[types.QueueSnapshot](t, rec)
	assert.Equal(t, 0, snap.PendingCount)
	assert.Equal(t, 2, snap.OnlineAgents, "agent-2 asking for work also counts")

	rec = s.do(t, request{method: http.MethodPost, path: "/api/agent/offline", agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.desk.Presence().IsOnline("agent-1"))
}

func TestCallActions(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "can we talk?")

	rec := s.do(t, request{method: http.MethodPost, path: convPath(id, "/call/initiate"), session: session, body: conversation.CallCommand{Media: types.MediaOptions{Audio: true}}})
	requireCode(t, rec, http.StatusConflict, "stale_call_signal")

	rec = s.do(t, request{method: http.MethodPost, path: "/api/agent/next", agent: "agent-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	steps := []struct {
		req  request
		want types.CallPhase
	}{
		{request{method: http.MethodPost, path: convPath(id, "/call/initiate"), session: session, body: conversation.CallCommand{Media: types.MediaOptions{Audio: true}}}, types.CallRinging},
		{request{method: http.MethodPost, path: agentPath(id, "/call/accept"), agent: "agent-1"}, types.CallConnecting},
		{request{method: http.MethodPost, path: convPath(id, "/call/signal"), session: session, body: map[string]any{"signal": map[string]string{"sdp": "v=0"}}}, types.CallConnecting},
		{request{method: http.MethodPost, path: agentPath(id, "/call/established"), agent: "agent-1"}, types.CallConnecting},
		{request{method: http.MethodPost, path: convPath(id, "/call/established"), session: session}, types.CallActive},
		{request{method: http.MethodPost, path: convPath(id, "/call/hangup"), session: session}, types.CallIdle},
	}
	for _, step := range steps {
		rec := s.do(t, step.req)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.req.path, rec.Body.String())
		assert.Equal(t, step.want, decode[types.CallState](t, rec).State, step.req.path)
	}

	rec = s.do(t, request{method: http.MethodPost, path: agentPath(id, "/call/accept"), agent: "agent-1"})
	requireCode(t, rec, http.StatusConflict, "stale_call_signal")

	rec = s.do(t, request{method: http.MethodPost, path: convPath(id, "/call/teleport"), session: session})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestFiles(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "see attachment")

	upload := func(name, content string) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		part.Write([]byte(content))
		require.NoError(t, mw.Close())

		r := httptest.NewRequest(http.MethodPost, convPath(id, "/files"), &body)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		r.Header.Set(SessionHeader, session)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, r)
		return rec
	}

	rec := upload("notes.txt", "line one")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[types.Message](t, rec)
	require.NotNil(t, msg.Body.File)
	assert.Equal(t, "notes.txt", msg.Body.File.Name)

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/files/"+msg.Body.File.ID), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "line one", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "notes.txt")

	rec = upload("big.bin", strings.Repeat("x", 2048))
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/files/unknown"), session: session})
	requireCode(t, rec, http.StatusNotFound, "not_found")
}

func TestCloseAndTranscript(t *testing.T) {
	s := newTestServer(t)
	id, session := s.open(t, "bye *soon*")

	rec := s.do(t, request{method: http.MethodPost, path: convPath(id, "/close"), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StatusClosed, decode[types.Conversation](t, rec).Status)

	rec = s.do(t, request{method: http.MethodPost, path: convPath(id, "/close"), session: session})
	require.Equal(t, http.StatusOK, rec.Code, "closing twice is fine")

	rec = s.do(t, request{method: http.MethodPost, path: convPath(id, "/messages"), session: session, body: PostMessageRequest{Body: "hello?"}})
	requireCode(t, rec, http.StatusConflict, "conversation_closed")

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/transcript"), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, rec.Body.String(), `bye \*soon\*`)

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/transcript?format=html"), session: session})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>")

	rec = s.do(t, request{method: http.MethodGet, path: convPath(id, "/transcript?format=pdf"), session: session})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestSlots(t *testing.T) {
	s := newTestServer(t)
	first, firstSession := s.open(t, "call me later")
	second, secondSession := s.open(t, "me too")

	rec := s.do(t, request{method: http.MethodGet, path: "/api/slots?limit=1"})
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Slots       []time.Time `json:"slots"`
		SlotMinutes int         `json:"slotMinutes"`
	}](t, rec)
	require.Len(t, listing.Slots, 1)
	assert.Equal(t, 30, listing.SlotMinutes)
	slot := listing.Slots[0]

	rec = s.do(t, request{method: http.MethodPost, path: convPath(first, "/slot"), session: firstSession, body: ReserveSlotRequest{Time: slot}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.StatusSlot, decode[types.Conversation](t, rec).Status)

	rec = s.do(t, request{method: http.MethodPost, path: convPath(second, "/slot"), session: secondSession, body: ReserveSlotRequest{Time: slot}})
	requireCode(t, rec, http.StatusConflict, "slot_conflict")

	rec = s.do(t, request{method: http.MethodDelete, path: convPath(first, "/slot"), session: firstSession})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, request{method: http.MethodDelete, path: convPath(first, "/slot"), session: firstSession})
	requireCode(t, rec, http.StatusConflict, "invalid_transition")

	rec = s.do(t, request{method: http.MethodGet, path: "/api/slots?from=yesterday"})
	requireCode(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", types.ErrNotFound), http.StatusNotFound, "not_found"},
		{types.ErrClosedConversation, http.StatusConflict, "conversation_closed"},
		{types.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
		{types.ErrCapacityExceeded, http.StatusTooManyRequests, "capacity_exceeded"},
		{types.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("%w after 3 attempts: %w", types.ErrTransientIO, fmt.Errorf("boom")), http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
