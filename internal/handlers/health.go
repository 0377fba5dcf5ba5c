package handlers

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass", "fail" or "skip"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// Stats is a snapshot of relay state.
type Stats struct {
	Agents      int `json:"agents"`
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Stats     Stats            `json:"stats"`
	Timestamp string           `json:"timestamp"`
}

// Health reports relay state and probes the optional backing services. An
// unconfigured service is skipped; a configured one that fails degrades the
// response to 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	for name, p := range h.checks {
		if p == nil {
			checks[name] = Check{Status: "skip", Message: "not configured"}
			continue
		}
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:  status,
		Version: version,
		Checks:  checks,
		Stats: Stats{
			Agents:      len(h.agents.List()),
			Rooms:       len(h.rooms.List()),
			Connections: h.hub.Connections(),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	WebSocket string   `json:"websocket"`
	Endpoints []string `json:"endpoints"`
}

var endpoints = []string{
	"POST /api/v1/auth/connect",
	"POST /api/v1/auth/disconnect",
	"GET /api/v1/auth/status",
	"POST /api/v1/tasks",
	"GET /api/v1/tasks",
	"GET /api/v1/tasks/pending",
	"GET /api/v1/tasks/{id}",
	"GET /api/v1/tasks/{id}/wait",
	"PATCH /api/v1/tasks/{id}/accept",
	"PATCH /api/v1/tasks/{id}/status",
	"PATCH /api/v1/tasks/{id}/result",
	"DELETE /api/v1/tasks/{id}",
	"GET /api/v1/rooms",
	"POST /api/v1/rooms",
	"GET /api/v1/rooms/{id}",
	"POST /api/v1/rooms/{id}/join",
	"POST /api/v1/rooms/{id}/leave",
	"POST /api/v1/rooms/{id}/lock",
	"GET /api/v1/rooms/{id}/agents",
	"GET /api/v1/rooms/{id}/messages",
	"POST /api/v1/rooms/{id}/messages",
}

// Root handles the API info endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:      "merge relay",
		Version:   version,
		WebSocket: "/ws",
		Endpoints: endpoints,
	})
}
