package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/api"
	"github.com/dennisdiepolder/livedesk/internal/auth"
	"github.com/dennisdiepolder/livedesk/internal/call"
	"github.com/dennisdiepolder/livedesk/internal/config"
	"github.com/dennisdiepolder/livedesk/internal/conversation"
	"github.com/dennisdiepolder/livedesk/internal/desk"
	"github.com/dennisdiepolder/livedesk/internal/eventbus"
	"github.com/dennisdiepolder/livedesk/internal/files"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/mirror"
	"github.com/dennisdiepolder/livedesk/internal/presence"
	"github.com/dennisdiepolder/livedesk/internal/queue"
	"github.com/dennisdiepolder/livedesk/internal/retry"
	"github.com/dennisdiepolder/livedesk/internal/slots"
	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/dennisdiepolder/livedesk/internal/ticker"
	"github.com/dennisdiepolder/livedesk/internal/websocket"
	"github.com/dennisdiepolder/livedesk/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store", string(cfg.Store.Mode)).
		Msg("starting livedesk server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.NewStore(ctx, cfg.Store, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	// Event bus, mirrored to AMQP when configured
	bus := eventbus.New(log.Logger)
	if cfg.AMQPURL != "" {
		m, err := mirror.Dial(cfg.AMQPURL, cfg.AMQPExchange, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event mirror")
		}
		defer m.Close()
		bus.SetMirror(m)
	}

	// Appointment slots
	grid := slots.DefaultGrid(cfg.SlotTimezone)
	if cfg.SlotGridFile != "" {
		grid, err = slots.LoadGrid(cfg.SlotGridFile, cfg.SlotTimezone)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.SlotGridFile).Msg("failed to load slot grid")
		}
	}

	policy := queue.DefaultPolicy()
	policy.MaxActivePerAgent = cfg.MaxActive()

	opts := conversation.DefaultOptions()
	opts.PageSize = cfg.PageSize
	opts.Retry = retry.Policy{
		Attempts:   cfg.RetryAttempts,
		Backoff:    cfg.RetryBackoff,
		MaxBackoff: retry.DefaultPolicy().MaxBackoff,
	}
	opts.Call = call.Options{
		RingTimeout:     cfg.RingTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		OneConfirmsBoth: cfg.OneConfirmsBoth,
	}

	d := desk.New(
		store,
		bus,
		queue.New(policy, log.Logger),
		slots.NewScheduler(grid, log.Logger),
		presence.NewTracker(),
		opts,
		log.Logger,
	)
	if err := d.Hydrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore open conversations")
	}

	// Agents that stop sending heartbeats go offline
	sweeper := presence.NewSweeper(d.Presence(), cfg.PresenceSweepInterval, cfg.PresenceStaleAfter, d.AgentOffline, log.Logger)
	go sweeper.Start(ctx)

	queueTicker := ticker.NewTicker(d, bus, cfg.QueueTickInterval, log.Logger)
	go queueTicker.Start(ctx)

	if cfg.AutoRoute {
		routingLoop := queue.NewRoutingLoop(d.Queue(), d.Presence(), d, cfg.RouteInterval, log.Logger)
		go routingLoop.Start(ctx)
	}

	fileStore, err := files.NewDiskStore(cfg.FilesDir, cfg.MaxFileSize, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open file store")
	}

	authenticator := auth.NewAuthenticator(auth.Options{
		SkipAuth:        cfg.SkipAuth,
		VerifySignature: cfg.VerifySignature,
		OIDCIssuer:      cfg.OIDCIssuer,
	}, log.Logger)
	if cfg.SkipAuth {
		log.Warn().Msg("agent authentication disabled")
	}

	// Create WebSocket hub
	hub := websocket.NewHub(log.Logger)
	go hub.Run()
	wsHandler := websocket.NewHandler(hub, d, bus, websocket.SettingsFromConfig(cfg), cfg.AllowedOrigins, log.Logger)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(api.Metrics)

	// Register public routes (no auth required)
	r.Get("/health", healthHandler(d))
	r.Get("/metrics", metrics.Get().Handler())

	api.NewHandler(d, fileStore, fileStore.MaxSize(), log.Logger).Register(r, authenticator.Middleware)
	wsHandler.Register(r, authenticator.Middleware)

	// Create HTTP server. No write timeout: websockets and downloads are long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Tell connected clients to reconnect elsewhere, then stop background loops
	hub.Broadcast([]byte(`{"type":"server.shutdown"}`))
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	bus.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}

	log.Info().Msg("server stopped")
}

// healthHandler reports liveness plus the queue figures a load balancer or
// status page can show
func healthHandler(source ticker.SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := source.QueueSnapshot()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{
			Status:       "ok",
			Service:      "livedesk",
			Pending:      snapshot.PendingCount,
			Active:       snapshot.ActiveCount,
			OnlineAgents: snapshot.OnlineAgents,
		})
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Pending      int    `json:"pending"`
	Active       int    `json:"active"`
	OnlineAgents int    `json:"onlineAgents"`
}
