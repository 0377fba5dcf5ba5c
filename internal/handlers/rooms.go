package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antonstjernquist/merge/internal/api/middleware"
	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

// RoomKeyHeader carries the key for reading a locked room without joining it.
const RoomKeyHeader = "X-Room-Key"

const maxMessageLimit = store.MaxMessagesPerRoom

// CreateRoomRequest represents the room creation request. A key locks the
// room at creation.
type CreateRoomRequest struct {
	Name    string `json:"name"`
	RoomKey string `json:"roomKey,omitempty"`
}

// JoinRoomRequest represents the join request. The agent is identified by
// AgentID or the X-Agent-Id header and created if unknown.
type JoinRoomRequest struct {
	Name    string      `json:"name"`
	AgentID string      `json:"agentId,omitempty"`
	Role    models.Role `json:"role,omitempty"`
	Skills  []string    `json:"skills,omitempty"`
	RoomKey string      `json:"roomKey,omitempty"`
}

// JoinRoomResponse represents the join response.
type JoinRoomResponse struct {
	Room  models.Room  `json:"room"`
	Agent models.Agent `json:"agent"`
	Token string       `json:"token"`
}

// PostMessageRequest represents the post message request.
type PostMessageRequest struct {
	Content   string `json:"content"`
	ToAgentID string `json:"toAgentId,omitempty"`
}

// RoomResponse wraps a room and, for GET, its recent history.
type RoomResponse struct {
	Room     models.Room          `json:"room"`
	Messages []models.RoomMessage `json:"messages,omitempty"`
}

// ListRooms returns every room.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string][]models.Room{"rooms": h.rooms.List()})
}

// CreateRoom creates a room, locked when a key is supplied.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.rooms.Create(sanitizeName(req.Name), middleware.AgentID(r.Context()), req.RoomKey)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.log.Info().Str("room_id", room.ID).Str("name", room.Name).Bool("locked", room.IsLocked).Msg("room created")
	h.JSON(w, http.StatusCreated, RoomResponse{Room: room})
}

// readableRoom resolves the {id} parameter and checks the caller may read
// it. Locked rooms are readable by members or with the room key header.
func (h *Handler) readableRoom(r *http.Request) (models.Room, error) {
	room, err := h.rooms.Get(chi.URLParam(r, "id"))
	if err != nil {
		return models.Room{}, err
	}
	if !room.IsLocked || h.rooms.IsMember(room.ID, middleware.AgentID(r.Context())) {
		return room, nil
	}
	key := r.Header.Get(RoomKeyHeader)
	if key == "" {
		return models.Room{}, store.ErrKeyRequired
	}
	if !h.rooms.ValidateKey(room.ID, key) {
		return models.Room{}, store.ErrInvalidKey
	}
	return room, nil
}

// GetRoom returns a room with its most recent messages.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.readableRoom(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	messages, err := h.rooms.ListMessages(room.ID, store.DefaultMessageLimit, time.Time{})
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RoomResponse{Room: room, Messages: messages})
}

// JoinRoom registers or refreshes the caller and adds it to the room,
// creating the room on first reference. A key on the first join of an
// unlocked room locks it.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = r.Header.Get(middleware.AgentHeader)
	}
	agent, err := h.agents.ConnectOrRefresh(agentID, sanitizeName(req.Name), req.Role, req.Skills)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	room, err := h.rooms.GetOrCreate(chi.URLParam(r, "id"), agent.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	room, err = h.rooms.Join(room.ID, agent.ID, req.RoomKey)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.agents.SetCurrentRoom(agent.ID, room.ID)
	agent, _ = h.agents.Get(agent.ID)

	h.hub.BroadcastToRoom(room.ID, models.KindRoomJoined, models.RoomJoinedPayload{Room: room, Agent: agent.Ref()})
	h.JSON(w, http.StatusOK, JoinRoomResponse{Room: room, Agent: agent, Token: h.token})
}

// LeaveRoom removes the caller from a room.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	room, err := h.rooms.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !h.rooms.Leave(room.ID, agentID) {
		h.Fail(w, r, store.ErrNotMember)
		return
	}

	agent, err := h.agents.Get(agentID)
	if err == nil {
		if agent.CurrentRoomID != nil && *agent.CurrentRoomID == room.ID {
			h.agents.SetCurrentRoom(agentID, "")
		}
		h.hub.BroadcastToRoom(room.ID, models.KindRoomLeft, models.RoomLeftPayload{RoomID: room.ID, Agent: agent.Ref()})
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RoomAgents lists the members of a room.
func (h *Handler) RoomAgents(w http.ResponseWriter, r *http.Request) {
	room, err := h.readableRoom(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	agents := h.agents.Members(room.ID)
	if agents == nil {
		agents = []models.Agent{}
	}
	h.JSON(w, http.StatusOK, map[string][]models.Agent{"agents": agents})
}

// RoomMessages returns recent messages, oldest first. since accepts an
// RFC 3339 time or Unix milliseconds.
func (h *Handler) RoomMessages(w http.ResponseWriter, r *http.Request) {
	room, err := h.readableRoom(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	q := r.URL.Query()
	limit := store.DefaultMessageLimit
	if s := q.Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	var since time.Time
	if s := q.Get("since"); s != "" {
		var ok bool
		if since, ok = parseSince(s); !ok {
			h.Error(w, http.StatusBadRequest, "invalid", "since must be RFC 3339 or unix milliseconds")
			return
		}
	}

	messages, err := h.rooms.ListMessages(room.ID, limit, since)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.RoomMessage{}
	}
	h.JSON(w, http.StatusOK, map[string][]models.RoomMessage{"messages": messages})
}

func parseSince(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// PostMessage posts a chat message as the caller, who must be a member.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	var req PostMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.rooms.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !h.rooms.IsMember(room.ID, agentID) {
		h.Fail(w, r, store.ErrNotMember)
		return
	}

	msg, err := h.rooms.AddMessage(room.ID, agentID, req.Content, req.ToAgentID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.hub.DeliverMessage(msg)

	h.JSON(w, http.StatusCreated, map[string]models.RoomMessage{"message": msg})
}

// LockRoomRequest represents the lock request.
type LockRoomRequest struct {
	RoomKey string `json:"roomKey"`
}

// LockRoom locks an unlocked room with a key. Only members may lock, and a
// room locks once.
func (h *Handler) LockRoom(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	var req LockRoomRequest
	if !h.decode(w, r, &req) {
		return
	}

	room, err := h.rooms.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !h.rooms.IsMember(room.ID, agentID) {
		h.Fail(w, r, store.ErrNotMember)
		return
	}
	if err := h.rooms.Lock(room.ID, req.RoomKey, agentID); err != nil {
		h.Fail(w, r, err)
		return
	}

	room, err = h.rooms.Get(room.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.log.Info().Str("room_id", room.ID).Str("agent_id", agentID).Msg("room locked")
	h.JSON(w, http.StatusOK, RoomResponse{Room: room})
}
