package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/store"
)

type contextKey string

const agentIDContextKey contextKey = "agent_id"

// AgentHeader names the calling agent on authenticated requests.
const AgentHeader = "X-Agent-Id"

// AuthMiddleware checks the shared bearer token and resolves the calling
// agent from the X-Agent-Id header.
type AuthMiddleware struct {
	token  string
	agents *store.AgentRegistry
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(token string, agents *store.AgentRegistry, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{token: token, agents: agents, logger: logger}
}

// RequireToken rejects requests without the shared bearer token. A known
// X-Agent-Id is touched and stored in the request context; an unknown one
// is passed through untouched so routes that register agents still work.
func (m *AuthMiddleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !crypto.TokenEqual(strings.TrimSpace(token), m.token) {
			m.logger.Warn().
				Str("type", "security").
				Str("event", "auth_failed").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("missing or invalid bearer token")
			jsonError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}

		ctx := r.Context()
		if agentID := r.Header.Get(AgentHeader); agentID != "" {
			if m.agents.Touch(agentID) {
				ctx = context.WithValue(ctx, agentIDContextKey, agentID)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAgent rejects requests whose X-Agent-Id does not name a registered
// agent. It must run after RequireToken.
func (m *AuthMiddleware) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AgentID(r.Context()) == "" {
			jsonError(w, http.StatusUnauthorized, "unauthorized", "unknown or missing agent id, connect first")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// AgentID returns the authenticated agent id from the request context, or
// "" when the request carried no known agent.
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDContextKey).(string)
	return id
}

