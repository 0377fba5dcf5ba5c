package merge

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/models"
)

// Socket defaults.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second
	socketWriteWait       = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("merge: socket not connected")
	// ErrSocketStarted is returned by a second call to Run.
	ErrSocketStarted = errors.New("merge: socket already started")
)

// State is the lifecycle state of a Socket.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SocketConfig configures a Socket. URL is the relay base URL; http and
// https are rewritten to ws and wss.
type SocketConfig struct {
	URL       string
	Token     string
	AgentID   string
	AgentName string
	Role      models.Role
	Skills    []string
	Room      string
	RoomKey   string

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Dialer         *websocket.Dialer
	Logger         zerolog.Logger

	// OnMessage receives every frame from the relay, from the read goroutine.
	OnMessage func(models.Envelope)
	// OnStateChange observes transitions.
	OnStateChange func(State)
}

// Socket is a WebSocket connection to the relay that reconnects after a
// fixed delay until Close is called.
type Socket struct {
	cfg SocketConfig
	log zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	started bool

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocket creates an idle socket. Call Run to connect.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Socket{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "socket").Str("agent_id", cfg.AgentID).Logger(),
		closed: make(chan struct{}),
	}
}

// State returns the current state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves to next unless the socket is closed. It reports whether
// the transition happened.
func (s *Socket) setState(next State) bool {
	s.mu.Lock()
	if s.state == StateClosed || s.state == next {
		s.mu.Unlock()
		return s.state == next
	}
	s.state = next
	s.mu.Unlock()

	s.log.Debug().Str("state", next.String()).Msg("socket state")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
	return true
}

// Run connects and serves the connection, reconnecting after
// ReconnectDelay whenever it drops. It returns nil after Close, or the
// context error when ctx ends first.
func (s *Socket) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.state == StateClosed {
		s.mu.Unlock()
		return ErrSocketStarted
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	for {
		if !s.setState(StateConnecting) {
			return s.exit(ctx)
		}

		conn, _, err := s.cfg.Dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("socket dial failed")
		} else if s.attach(conn) {
			s.serve(ctx, conn)
		} else {
			conn.Close()
		}

		if ctx.Err() != nil || !s.setState(StateBackoff) {
			return s.exit(ctx)
		}

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.exit(ctx)
		case <-timer.C:
		}
	}
}

func (s *Socket) exit(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	s.Close()
	return ctx.Err()
}

// attach makes conn the live connection unless the socket was closed.
func (s *Socket) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.mu.Unlock()
	return s.setState(StateConnected)
}

func (s *Socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// serve reads frames until the connection fails. A second goroutine sends
// keep-alive pings and closes the connection when ctx ends.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	defer s.detach(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := s.Send(models.KindPing, nil); err != nil {
					s.log.Debug().Err(err).Msg("keep-alive ping failed")
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("socket read ended")
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("invalid frame from relay")
			continue
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(env)
		}
	}
}

// Send writes one frame. It fails with ErrNotConnected between
// connections; frames are not queued.
func (s *Socket) Send(kind string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(models.Envelope{Type: kind, Payload: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the socket for good. A connection in progress is closed and
// no reconnect follows.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		close(s.closed)
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
		}
		if s.cfg.OnStateChange != nil {
			s.cfg.OnStateChange(StateClosed)
		}
	})
}

// JoinRoom asks the relay to add the agent to a room.
func (s *Socket) JoinRoom(roomID, key string) error {
	return s.Send(models.KindJoinRoom, map[string]string{"roomId": roomID, "roomKey": key})
}

// LeaveRoom asks the relay to remove the agent from a room.
func (s *Socket) LeaveRoom(roomID string) error {
	return s.Send(models.KindLeaveRoom, map[string]string{"roomId": roomID})
}

// SendMessage posts a chat message, direct when toAgentID is set.
func (s *Socket) SendMessage(roomID, content, toAgentID string) error {
	return s.Send(models.KindSendMessage, map[string]string{"roomId": roomID, "content": content, "toAgentId": toAgentID})
}

// SendTask creates a task.
func (s *Socket) SendTask(roomID string, req CreateTaskRequest) error {
	if req.RoomID == "" {
		req.RoomID = roomID
	}
	return s.Send(models.KindSendTask, req)
}

// SendProgress reports progress on an assigned task.
func (s *Socket) SendProgress(taskID, content string) error {
	return s.Send(models.KindTaskProgress, models.TaskProgressPayload{TaskID: taskID, Content: content})
}

// SendResult finishes an assigned task.
func (s *Socket) SendResult(taskID string, result models.TaskResult) error {
	return s.Send(models.KindTaskResult, struct {
		TaskID string `json:"taskId"`
		models.TaskResult
	}{taskID, result})
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	q := url.Values{}
	q.Set("token", s.cfg.Token)
	q.Set("agentId", s.cfg.AgentID)
	if s.cfg.AgentName != "" {
		q.Set("agentName", s.cfg.AgentName)
	}
	if s.cfg.Role != "" {
		q.Set("role", string(s.cfg.Role))
	}
	if len(s.cfg.Skills) > 0 {
		q.Set("skills", strings.Join(s.cfg.Skills, ","))
	}
	if s.cfg.Room != "" {
		q.Set("room", s.cfg.Room)
	}
	if s.cfg.RoomKey != "" {
		q.Set("roomKey", s.cfg.RoomKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
