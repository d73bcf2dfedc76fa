package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/auth"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/files"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/dennisdiepolder/livedesk/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// SessionHeader carries the visitor session id in both directions
const SessionHeader = middleware.SessionHeader

type contextKey string

const visitorContextKey contextKey = "visitor"

// Handler serves the REST surface of the desk
type Handler struct {
	desk      *desk.Desk
	files     files.Store
	maxUpload int64
	logger    zerolog.Logger
}

// NewHandler creates a new Handler. maxUpload bounds multipart uploads.
func NewHandler(d *desk.Desk, fileStore files.Store, maxUpload int64, logger zerolog.Logger) *Handler {
	if maxUpload <= 0 {
		maxUpload = files.DefaultMaxSize
	}
	return &Handler{
		desk:      d,
		files:     fileStore,
		maxUpload: maxUpload,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts all routes. agentAuth guards the agent routes.
func (h *Handler) Register(r chi.Router, agentAuth func(http.Handler) http.Handler) {
	r.Get("/api/queue", h.Queue)
	r.Get("/api/slots", h.ListSlots)

	// Visitor routes
	r.Group(func(r chi.Router) {
		r.Use(h.VisitorSession)
		r.Post("/api/conversations", h.CreateConversation)
		r.Route("/api/conversations/{id}", h.conversationRoutes)
	})

	// Agent routes
	r.Route("/api/agent", func(r chi.Router) {
		r.Use(agentAuth)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/next", h.Next)
		r.Post("/offline", h.Offline)
		r.Get("/conversations", h.AgentConversations)
		r.Route("/conversations/{id}", h.conversationRoutes)
	})
}

func (h *Handler) conversationRoutes(r chi.Router) {
	r.Get("/", h.GetConversation)
	r.Get("/messages", h.ListMessages)
	r.Post("/messages", h.PostMessage)
	r.Post("/files", h.UploadFile)
	r.Get("/files/{fileId}", h.DownloadFile)
	r.Post("/close", h.Close)
	r.Get("/transcript", h.Transcript)
	r.Get("/position", h.Position)
	r.Post("/slot", h.ReserveSlot)
	r.Delete("/slot", h.ReleaseSlot)
	r.Post("/call/{action}", h.CallAction)
}

// VisitorSession resolves the visitor session from the X-Session-ID header,
// creating one when it is missing, and echoes the id back
func (h *Handler) VisitorSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.desk.TouchSession(r.Context(), r.Header.Get(SessionHeader), "", "")
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.Header().Set(SessionHeader, session.ID)
		ctx := context.WithValue(r.Context(), visitorContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Metrics records request counts and latencies per route pattern
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Get().RecordHTTPRequest(endpoint, status, time.Since(start))
	})
}

// actor is the party a request acts as: the authenticated agent on agent
// routes, the visitor session otherwise
func actor(r *http.Request) (types.Party, bool) {
	if claims, ok := auth.AgentFromContext(r.Context()); ok {
		return types.Party{Role: types.RoleAgent, ID: claims.AgentID}, true
	}
	if session, ok := r.Context().Value(visitorContextKey).(types.VisitorSession); ok {
		return types.Party{Role: types.RoleVisitor, ID: session.ID}, true
	}
	return types.Party{}, false
}

func senderFor(party types.Party) types.Sender {
	if party.Role == types.RoleAgent {
		return types.Sender{Kind: types.SenderAgent, ID: party.ID}
	}
	return types.Sender{Kind: types.SenderVisitor, ID: party.ID}
}

// conversationFor loads the conversation in the URL and checks that the
// actor may access it. Agents may read any conversation; writing needs
// the assigned agent or the owning visitor.
func (h *Handler) conversationFor(w http.ResponseWriter, r *http.Request, write bool) (*conversation.Session, types.Party, bool) {
	party, ok := actor(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "no session", Code: "unauthorized"})
		return nil, party, false
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid conversation id")
		return nil, party, false
	}

	sess, err := h.desk.Session(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, party, false
	}

	if party.Role == types.RoleAgent && !write {
		return sess, party, true
	}
	if err := sess.CheckParticipant(party); err != nil {
		writeError(w, h.logger, err)
		return nil, party, false
	}
	return sess, party, true
}

// queryInt reads an integer query parameter, def when absent
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
