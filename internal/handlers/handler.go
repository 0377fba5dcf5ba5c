package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/hub"
	"github.com/antonstjernquist/merge/internal/store"
)

// Pinger is a backing service the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators shared by all HTTP handlers.
type Deps struct {
	Agents      *store.AgentRegistry
	Rooms       *store.RoomRegistry
	Tasks       *store.TaskStore
	Hub         *hub.Hub
	SharedToken string
	Logger      zerolog.Logger

	// Checks are probed by /health. A nil entry is reported as not
	// configured without failing the check.
	Checks map[string]Pinger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	agents *store.AgentRegistry
	rooms  *store.RoomRegistry
	tasks  *store.TaskStore
	hub    *hub.Hub
	token  string
	checks map[string]Pinger
	log    zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		agents: d.Agents,
		rooms:  d.Rooms,
		tasks:  d.Tasks,
		hub:    d.Hub,
		token:  d.SharedToken,
		checks: d.Checks,
		log:    d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// Fail maps a registry error to its HTTP status and writes it.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, status, "internal", "internal error")
		return
	}
	h.Error(w, status, store.Code(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, "invalid", "invalid JSON body")
		return false
	}
	return true
}

const maxNameRunes = 100

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}

	return name
}
