package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	SharedToken    string
	DefaultRoom    string
	AllowedOrigins []string
}

// Handler upgrades authenticated requests to WebSocket connections and
// dispatches their inbound frames.
type Handler struct {
	hub         *Hub
	agents      *store.AgentRegistry
	rooms       *store.RoomRegistry
	tasks       *store.TaskStore
	token       string
	defaultRoom string
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(h *Hub, tasks *store.TaskStore, cfg HandlerConfig) *Handler {
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = store.DefaultRoomName
	}
	return &Handler{
		hub:         h,
		agents:      h.agents,
		rooms:       h.rooms,
		tasks:       tasks,
		token:       cfg.SharedToken,
		defaultRoom: cfg.DefaultRoom,
		upgrader:    makeUpgrader(cfg.AllowedOrigins),
		log:         h.log,
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// handshakeToken reads the shared token from the query string, falling back
// to an Authorization header for clients that can set one.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// ServeHTTP validates the handshake, upgrades the connection and runs its
// read loop until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !crypto.TokenEqual(handshakeToken(r), h.token) {
		h.log.Warn().
			Str("type", "security").
			Str("event", "ws_auth_failed").
			Str("remote_addr", r.RemoteAddr).
			Msg("websocket handshake rejected")
		httpError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		httpError(w, http.StatusBadRequest, "invalid", "agentId is required")
		return
	}

	c, agent, room, ok := h.open(w, r, agentID)
	if !ok {
		return
	}

	h.log.Info().
		Str("agent_id", agent.ID).
		Str("conn_id", c.id).
		Str("room_id", room.ID).
		Msg("websocket connected")

	h.hub.BroadcastToRoom(room.ID, models.KindRoomJoined, models.RoomJoinedPayload{Room: room, Agent: agent.Ref()})

	h.readLoop(c)
	h.disconnect(c)
}

// open registers the agent, joins its room, upgrades the connection and
// registers it with the hub, all under the agent's session lock.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, agentID string) (*Client, models.Agent, models.Room, bool) {
	session := h.hub.session(agentID)
	session.Lock()
	defer session.Unlock()

	q := r.URL.Query()
	agent, err := h.agents.ConnectOrRefresh(agentID, q.Get("agentName"), models.Role(q.Get("role")), splitList(q.Get("skills")))
	if err != nil {
		httpError(w, http.StatusBadRequest, store.Code(err), err.Error())
		return nil, models.Agent{}, models.Room{}, false
	}

	roomName := q.Get("room")
	if roomName == "" {
		roomName = h.defaultRoom
	}
	room, err := h.rooms.GetOrCreate(roomName, agent.ID)
	if err == nil {
		room, err = h.rooms.Join(room.ID, agent.ID, q.Get("roomKey"))
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrForbidden) {
			status = http.StatusForbidden
		}
		httpError(w, status, store.Code(err), err.Error())
		return nil, models.Agent{}, models.Room{}, false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("agent_id", agent.ID).Msg("websocket upgrade failed")
		return nil, models.Agent{}, models.Room{}, false
	}
	conn.SetReadLimit(maxFrameSize)

	c := h.hub.newClient(agent.ID, conn)
	if h.hub.register(c) {
		metrics.AgentsOnline.Inc()
	}
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		h.agents.Touch(c.agentID)
		return nil
	})
	h.agents.SetCurrentRoom(agent.ID, room.ID)
	return c, agent, room, true
}

func (h *Handler) readLoop(c *Client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read error")
			}
			return
		}
		c.alive.Store(true)
		h.dispatch(c, data)
	}
}

// disconnect unregisters c. When it was the agent's last connection the
// agent leaves its rooms and is marked offline. A reconnect of the same
// agent waits on the session lock, so it never loses the rooms it joins.
func (h *Handler) disconnect(c *Client) {
	c.close()

	session := h.hub.session(c.agentID)
	session.Lock()
	last := h.hub.unregister(c)
	var left []string
	if last {
		left = h.rooms.LeaveAll(c.agentID)
		h.agents.MarkOffline(c.agentID)
	}
	session.Unlock()

	h.log.Info().
		Str("agent_id", c.agentID).
		Str("conn_id", c.id).
		Bool("last", last).
		Msg("websocket disconnected")

	if !last {
		return
	}
	metrics.AgentsOnline.Dec()

	ref := models.AgentRef{ID: c.agentID}
	if agent, err := h.agents.Get(c.agentID); err == nil {
		ref = agent.Ref()
	}
	for _, roomID := range left {
		h.hub.BroadcastToRoom(roomID, models.KindRoomLeft, models.RoomLeftPayload{RoomID: roomID, Agent: ref})
	}
}

func httpError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
