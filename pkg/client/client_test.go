package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/api"
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
	"github.com/dennisdiepolder/livedesk/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func setupTestServer(t *testing.T) *httptest.Server {
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
	if err != nil {
		t.Fatal(err)
	}

	agentAuth := auth.NewAuthenticator(auth.Options{SkipAuth: true}, logger).Middleware
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	api.NewHandler(d, fileStore, 1024, logger).Register(r, agentAuth)

	hub := websocket.NewHub(logger)
	go hub.Run()
	settings := websocket.Settings{
		PongWait:       time.Minute,
		PingPeriod:     54 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 64 * 1024,
	}
	websocket.NewHandler(hub, d, bus, settings, []string{"*"}, logger).Register(r, agentAuth)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	if err := NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}

func TestVisitorAndAgentConversation(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	visitor := NewClient(srv.URL)
	created, err := visitor.CreateConversation(ctx, api.CreateConversationRequest{Name: "Ada", Message: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if visitor.SessionID() == "" {
		t.Fatal("expected the session id to be learned from the response")
	}
	if created.Position != 1 {
		t.Errorf("expected position 1, got %d", created.Position)
	}
	id := created.Conversation.ID

	agent := NewClient(srv.URL).WithAgentID("agent-1")
	snapshot, err := agent.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if snapshot.Conversation.ID != id || snapshot.Conversation.AgentID != "agent-1" {
		t.Fatalf("unexpected assignment %+v", snapshot.Conversation)
	}

	if _, err := agent.SendMessage(ctx, id, "how can I help?"); err != nil {
		t.Fatalf("agent message: %v", err)
	}
	msg, err := visitor.SendMessage(ctx, id, "my order is late")
	if err != nil {
		t.Fatalf("visitor message: %v", err)
	}
	if msg.ID != 4 {
		t.Errorf("expected message id 4, got %d", msg.ID)
	}

	page, err := visitor.Messages(ctx, id, 0, 2)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0].ID != 4 || page.NextBefore != 3 {
		t.Errorf("unexpected page %+v", page)
	}

	conv, err := agent.CloseConversation(ctx, id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if conv.Status != types.StatusClosed {
		t.Errorf("expected closed, got %s", conv.Status)
	}

	_, err = visitor.SendMessage(ctx, id, "hello?")
	if !errors.Is(err, types.ErrClosedConversation) {
		t.Errorf("expected ErrClosedConversation, got %v", err)
	}
}

func TestAPIErrorCodes(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	_, err := NewClient(srv.URL).WithAgentID("agent-1").Next(ctx)
	if !errors.Is(err, types.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected a 404 APIError, got %v", err)
	}
}

func TestAgentStreamReceivesVisitorMessages(t *testing.T) {
	srv := setupTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	visitor := NewClient(srv.URL)
	created, err := visitor.CreateConversation(ctx, api.CreateConversationRequest{Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	id := created.Conversation.ID

	agent := NewClient(srv.URL).WithAgentID("agent-1")
	if _, err := agent.Next(ctx); err != nil {
		t.Fatal(err)
	}

	stream := agent.AgentStream(zerolog.Nop())
	stream.Subscribe(id)
	go stream.Run(ctx)

	waitFor(t, stream, websocket.FrameSnapshot)

	if _, err := visitor.SendMessage(ctx, id, "ping"); err != nil {
		t.Fatal(err)
	}
	f := waitFor(t, stream, string(types.EventMessageSent))
	if f.ConversationID != id {
		t.Errorf("expected conversation %d, got %d", id, f.ConversationID)
	}
}

func waitFor(t *testing.T, s *Stream, frameType string) Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				t.Fatalf("stream closed while waiting for %s", frameType)
			}
			if f.Type == frameType {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", frameType)
		}
	}
}
