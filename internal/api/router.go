package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/api/middleware"
	"github.com/antonstjernquist/merge/internal/handlers"
)

const maxBodyBytes = 64 * 1024

// RouterConfig collects what the router mounts.
type RouterConfig struct {
	Logger         zerolog.Logger
	Handler        *handlers.Handler
	Auth           *middleware.AuthMiddleware
	Limiter        *middleware.RateLimiter // nil disables rate limiting
	WebSocket      http.Handler
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.Middleware)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AgentHeader, handlers.RoomKeyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := cfg.Handler

	// Public routes
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/api", h.Root)
	r.Handle("/ws", cfg.WebSocket) // checks the token itself during the handshake

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.Auth.RequireToken)

		r.Post("/auth/connect", h.Connect)
		r.Get("/auth/status", h.Status)

		r.Get("/rooms", h.ListRooms)
		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms/{id}", h.GetRoom)
		r.Post("/rooms/{id}/join", h.JoinRoom)
		r.Get("/rooms/{id}/agents", h.RoomAgents)
		r.Get("/rooms/{id}/messages", h.RoomMessages)

		// Routes acting as an established agent
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireAgent)

			r.Post("/auth/disconnect", h.Disconnect)

			r.Post("/rooms/{id}/leave", h.LeaveRoom)
			r.Post("/rooms/{id}/lock", h.LockRoom)
			r.Post("/rooms/{id}/messages", h.PostMessage)

			r.Post("/tasks", h.CreateTask)
			r.Get("/tasks", h.ListTasks)
			r.Get("/tasks/pending", h.PendingTasks)
			r.Get("/tasks/{id}", h.GetTask)
			r.Get("/tasks/{id}/wait", h.WaitTask)
			r.Patch("/tasks/{id}/accept", h.AcceptTask)
			r.Patch("/tasks/{id}/status", h.UpdateTaskStatus)
			r.Patch("/tasks/{id}/result", h.SubmitTaskResult)
			r.Delete("/tasks/{id}", h.DeleteTask)
		})
	})

	return r
}
