package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/api"
	"github.com/antonstjernquist/merge/internal/api/middleware"
	"github.com/antonstjernquist/merge/internal/config"
	"github.com/antonstjernquist/merge/internal/handlers"
	"github.com/antonstjernquist/merge/internal/hub"
	"github.com/antonstjernquist/merge/internal/journal"
	"github.com/antonstjernquist/merge/internal/store"
)

// writeTimeout must outlast the longest task wait.
const writeTimeout = 310 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	if cfg.SharedToken == config.DevToken {
		logger.Warn().Msg("using the development shared token, set SHARED_TOKEN")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checks := map[string]handlers.Pinger{"journal": nil, "redis": nil}

	// Audit journal
	var recorder store.Recorder = store.NopRecorder{}
	var sink journal.Sink
	switch {
	case cfg.DatabaseURL != "":
		pg, err := journal.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		sink = pg
	case cfg.SQLitePath != "":
		lite, err := journal.NewSQLiteSink(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		sink = lite
	}
	var jrnl *journal.Journal
	if sink != nil {
		jrnl = journal.New(sink, logger, journal.Options{})
		defer jrnl.Close()
		recorder = jrnl
		checks["journal"] = jrnl
		logger.Info().Str("backend", jrnl.Name()).Msg("journal enabled")
	}

	// Rate limiter backend
	var backend middleware.Backend
	if cfg.RedisURL != "" {
		rb, err := middleware.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rb.Close()
		backend = rb
		checks["redis"] = rb
		logger.Info().Msg("connected to Redis")
	} else {
		backend = middleware.NewMemoryBackend()
	}

	// Relay state
	rooms := store.NewRoomRegistry(store.RoomOptions{
		DefaultRoom: cfg.DefaultRoom,
		MaxMessages: cfg.MaxMessagesPerRoom,
		Recorder:    recorder,
	})
	agents := store.NewAgentRegistry(rooms, store.AgentOptions{
		SessionTimeout: cfg.SessionTimeout,
		Logger:         logger,
	})
	relay := hub.New(agents, rooms, logger, hub.Options{})
	tasks := store.NewTaskStore(agents, rooms, relay, store.TaskOptions{
		Logger:   logger,
		Recorder: recorder,
	})

	go agents.RunSweeper(ctx, cfg.SweepInterval)
	go relay.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	// Create router
	router := api.NewRouter(api.RouterConfig{
		Logger: logger,
		Handler: handlers.NewHandler(handlers.Deps{
			Agents:      agents,
			Rooms:       rooms,
			Tasks:       tasks,
			Hub:         relay,
			SharedToken: cfg.SharedToken,
			Logger:      logger,
			Checks:      checks,
		}),
		Auth: middleware.NewAuthMiddleware(cfg.SharedToken, agents, logger),
		Limiter: middleware.NewRateLimiter(backend, middleware.DefaultLimits(), logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		}),
		WebSocket: hub.NewHandler(relay, tasks, hub.HandlerConfig{
			SharedToken:    cfg.SharedToken,
			DefaultRoom:    cfg.DefaultRoom,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("default_room", cfg.DefaultRoom).
			Msg("starting merge relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	// Sockets are hijacked and not tracked by Shutdown
	relay.Shutdown()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
