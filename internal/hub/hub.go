// Package hub tracks live WebSocket connections per agent and fans relay
// events out to them.
package hub

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

const (
	// DefaultHeartbeatInterval is how often the hub pings every connection.
	DefaultHeartbeatInterval = 30 * time.Second

	defaultWriteWait = 10 * time.Second
	maxFrameSize     = 64 * 1024
	sessionStripes   = 64
)

// Options configures a Hub.
type Options struct {
	WriteWait time.Duration
	Now       func() time.Time
}

// Hub maps agent ids to their open connections. An agent may hold several
// connections at once; events addressed to the agent go to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	// sessions serializes an agent's connect against the cleanup after its
	// last connection closes.
	sessions [sessionStripes]sync.Mutex

	agents    *store.AgentRegistry
	rooms     *store.RoomRegistry
	log       zerolog.Logger
	writeWait time.Duration
	now       func() time.Time
}

// New creates a hub that resolves room and skill fan-out through the given
// registries.
func New(agents *store.AgentRegistry, rooms *store.RoomRegistry, logger zerolog.Logger, opts Options) *Hub {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		agents:    agents,
		rooms:     rooms,
		log:       logger.With().Str("component", "hub").Logger(),
		writeWait: opts.WriteWait,
		now:       opts.Now,
	}
}

// Client is one WebSocket connection bound to an agent.
type Client struct {
	id      string
	agentID string
	conn    *websocket.Conn
	hub     *Hub

	writeMu   sync.Mutex
	alive     atomic.Bool
	closeOnce sync.Once
}

func (h *Hub) newClient(agentID string, conn *websocket.Conn) *Client {
	c := &Client{
		id:      crypto.NewMessageID(),
		agentID: agentID,
		conn:    conn,
		hub:     h,
	}
	c.alive.Store(true)
	return c
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.writeWait))
}

// close tears the connection down. The read loop sees the error and
// unregisters the client.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// send encodes and writes one event to this connection only.
func (c *Client) send(kind string, payload any) {
	data, err := c.hub.encode(kind, payload)
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		metrics.FanoutWriteFailures.Inc()
		c.hub.log.Debug().Err(err).Str("conn_id", c.id).Str("type", kind).Msg("write failed")
		c.close()
	}
}

// register adds c and reports whether it is the agent's first connection.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.agentID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.agentID] = set
	}
	set[c] = struct{}{}
	metrics.WSConnections.Inc()
	return !ok
}

// unregister removes c and reports whether it was the agent's last
// connection.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.agentID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	metrics.WSConnections.Dec()
	if len(set) == 0 {
		delete(h.clients, c.agentID)
		return true
	}
	return false
}

// session returns the lock that serializes connection setup and teardown
// for agentID.
func (h *Hub) session(agentID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(agentID))
	return &h.sessions[f.Sum32()%sessionStripes]
}

// Online reports whether the agent has at least one open connection.
func (h *Hub) Online(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[agentID]) > 0
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) encode(kind string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", kind).Msg("encode payload")
		return nil, err
	}
	data, err := json.Marshal(models.Envelope{Type: kind, Payload: raw, Timestamp: h.now().UTC()})
	if err != nil {
		h.log.Error().Err(err).Str("type", kind).Msg("encode envelope")
		return nil, err
	}
	return data, nil
}

// snapshot collects the connections of the given agents, skipping excluded ones.
func (h *Hub) snapshot(ids []string, exclude []string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	for _, id := range ids {
		if slices.Contains(exclude, id) {
			continue
		}
		for c := range h.clients[id] {
			out = append(out, c)
		}
	}
	return out
}

// deliver writes one event to each client. A failed write closes that
// client and does not affect the others.
func (h *Hub) deliver(clients []*Client, kind string, payload any) {
	if len(clients) == 0 {
		return
	}
	data, err := h.encode(kind, payload)
	if err != nil {
		return
	}
	for _, c := range clients {
		if err := c.write(data); err != nil {
			metrics.FanoutWriteFailures.Inc()
			h.log.Debug().Err(err).Str("conn_id", c.id).Str("agent_id", c.agentID).Str("type", kind).Msg("fan-out write failed")
			c.close()
		}
	}
}

// SendToAgent delivers an event to every connection of one agent.
func (h *Hub) SendToAgent(agentID, kind string, payload any) {
	h.deliver(h.snapshot([]string{agentID}, nil), kind, payload)
}

// BroadcastToRoom delivers an event to every member of a room.
func (h *Hub) BroadcastToRoom(roomID, kind string, payload any, exclude ...string) {
	ids, err := h.rooms.ListAgentIDs(roomID)
	if err != nil {
		return
	}
	h.deliver(h.snapshot(ids, exclude), kind, payload)
}

// BroadcastToSkill delivers an event to room members advertising skill.
func (h *Hub) BroadcastToSkill(roomID, skill, kind string, payload any, exclude ...string) {
	h.deliver(h.snapshot(agentIDs(h.agents.FindBySkill(skill, roomID)), exclude), kind, payload)
}

// BroadcastToWorkers delivers an event to room members with a worker role.
func (h *Hub) BroadcastToWorkers(roomID, kind string, payload any, exclude ...string) {
	h.deliver(h.snapshot(agentIDs(h.agents.FindWorkers(roomID)), exclude), kind, payload)
}

// DeliverMessage fans a stored room message out. A direct message goes to
// its recipient and is echoed to the sender; anything else goes to the
// whole room.
func (h *Hub) DeliverMessage(msg models.RoomMessage) {
	payload := models.RoomMessagePayload{Message: msg}
	if msg.ToAgentID != nil {
		metrics.MessagesPosted.WithLabelValues("direct").Inc()
		ids := []string{*msg.ToAgentID}
		if msg.FromAgentID != *msg.ToAgentID {
			ids = append(ids, msg.FromAgentID)
		}
		h.deliver(h.snapshot(ids, nil), models.KindRoomMessage, payload)
		return
	}
	metrics.MessagesPosted.WithLabelValues("room").Inc()
	h.BroadcastToRoom(msg.RoomID, models.KindRoomMessage, payload)
}

// Heartbeat pings every connection once. A connection that has not
// answered the previous ping is closed.
func (h *Hub) Heartbeat() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		if !c.alive.Swap(false) {
			metrics.HeartbeatTerminations.Inc()
			h.log.Info().Str("conn_id", c.id).Str("agent_id", c.agentID).Msg("heartbeat missed, closing connection")
			c.close()
			continue
		}
		if err := c.ping(); err != nil {
			h.log.Debug().Err(err).Str("conn_id", c.id).Msg("ping failed")
			c.close()
		}
	}
}

// RunHeartbeat calls Heartbeat every interval until ctx is done.
func (h *Hub) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// CloseAgent closes every connection of one agent and returns how many it
// closed. Each read loop then runs its normal disconnect.
func (h *Hub) CloseAgent(agentID string) int {
	clients := h.snapshot([]string{agentID}, nil)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnected")
	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.close()
	}
	return len(clients)
}

// Shutdown sends a close frame to every connection and closes it.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.close()
	}
}

func agentIDs(agents []models.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}
