package handlers

import (
	"net/http"

	"github.com/antonstjernquist/merge/internal/api/middleware"
	"github.com/antonstjernquist/merge/internal/models"
)

// ConnectRequest represents the connect request body.
type ConnectRequest struct {
	Name    string      `json:"name"`
	AgentID string      `json:"agentId,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Skills  []string    `json:"skills,omitempty"`
}

// ConnectResponse returns the agent record and the token to use on
// subsequent requests.
type ConnectResponse struct {
	Agent models.Agent `json:"agent"`
	Token string       `json:"token"`
}

// StatusResponse represents the status response.
type StatusResponse struct {
	Connected    bool             `json:"connected"`
	Agent        *models.AgentRef `json:"agent,omitempty"`
	PendingTasks int              `json:"pendingTasks"`
	ActiveTasks  int              `json:"activeTasks"`
}

// Connect registers an agent, or refreshes it when agentId names a known
// one, and puts it in the default room.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !h.decode(w, r, &req) {
		return
	}

	name := sanitizeName(req.Name)
	if name == "" {
		h.Error(w, http.StatusBadRequest, "invalid", "name is required")
		return
	}

	agent, err := h.agents.ConnectOrRefresh(req.AgentID, name, req.Role, req.Skills)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	room, err := h.rooms.Join(h.rooms.DefaultRoomID(), agent.ID, "")
	if err != nil {
		// the default room may have been locked by its first joiner
		h.log.Debug().Err(err).Str("agent_id", agent.ID).Msg("default room not joined on connect")
	} else {
		h.agents.SetCurrentRoom(agent.ID, room.ID)
		agent, _ = h.agents.Get(agent.ID)
	}

	h.log.Info().Str("agent_id", agent.ID).Str("name", agent.Name).Msg("agent connected over http")
	h.JSON(w, http.StatusCreated, ConnectResponse{Agent: agent, Token: h.token})
}

// Disconnect removes the calling agent and closes its open sockets.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	agent, err := h.agents.Get(agentID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	rooms := h.rooms.RoomsOf(agentID)
	if !h.agents.Disconnect(agentID) {
		h.Error(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	if n := h.hub.CloseAgent(agentID); n > 0 {
		h.log.Info().Str("agent_id", agentID).Int("connections", n).Msg("closed sockets of disconnected agent")
	}
	for _, roomID := range rooms {
		h.hub.BroadcastToRoom(roomID, models.KindRoomLeft, models.RoomLeftPayload{RoomID: roomID, Agent: agent.Ref()})
	}

	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Status reports whether the caller is connected and its task counts.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())
	if agentID == "" {
		h.JSON(w, http.StatusOK, StatusResponse{})
		return
	}

	agent, err := h.agents.Get(agentID)
	if err != nil {
		h.JSON(w, http.StatusOK, StatusResponse{})
		return
	}
	pending, active := h.tasks.Counts(agentID)
	ref := agent.Ref()
	h.JSON(w, http.StatusOK, StatusResponse{
		Connected:    true,
		Agent:        &ref,
		PendingTasks: pending,
		ActiveTasks:  active,
	})
}
