package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

const testToken = "test-token"

type testServer struct {
	*httptest.Server
	hub    *Hub
	agents *store.AgentRegistry
	rooms  *store.RoomRegistry
	tasks  *store.TaskStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rooms := store.NewRoomRegistry(store.RoomOptions{})
	agents := store.NewAgentRegistry(rooms, store.AgentOptions{Logger: zerolog.Nop()})
	h := New(agents, rooms, zerolog.Nop(), Options{})
	tasks := store.NewTaskStore(agents, rooms, h, store.TaskOptions{Logger: zerolog.Nop()})
	srv := httptest.NewServer(NewHandler(h, tasks, HandlerConfig{SharedToken: testToken}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: h, agents: agents, rooms: rooms, tasks: tasks}
}

func (s *testServer) url(params url.Values) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/?" + params.Encode()
}

func (s *testServer) dial(t *testing.T, agentID string, role models.Role, skills ...string) *websocket.Conn {
	t.Helper()
	params := url.Values{
		"token":     {testToken},
		"agentId":   {agentID},
		"agentName": {agentID},
		"role":      {string(role)},
	}
	if len(skills) > 0 {
		params.Set("skills", strings.Join(skills, ","))
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url(params), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", agentID, err)
	}
	t.Cleanup(func() { conn.Close() })
	expect(t, conn, models.KindRoomJoined)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(models.Envelope{Type: kind, Payload: raw, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

// expect reads frames until one of the given kind arrives.
func expect(t *testing.T, conn *websocket.Conn, kind string) models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if env.Type == kind {
			return env
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url(url.Values{"token": {"wrong"}, "agentId": {"a"}}), nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(s.url(url.Values{"token": {testToken}}), nil)
	if err == nil {
		t.Fatal("expected handshake without agentId to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestPingPong(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "a", models.RoleBoth)

	sendFrame(t, conn, models.KindPing, struct{}{})
	expect(t, conn, models.KindPong)
}

func TestTaskFlowOverSocket(t *testing.T) {
	s := newTestServer(t)
	leader := s.dial(t, "lead", models.RoleLeader)
	worker := s.dial(t, "w1", models.RoleWorker, "code")

	sendFrame(t, leader, models.KindSendTask, map[string]any{
		"title":  "refactor parser",
		"target": map[string]string{"skill": "code"},
	})
	var created models.TaskPayload
	json.Unmarshal(expect(t, leader, models.KindTaskCreated).Payload, &created)

	var announced models.RoomTaskPayload
	json.Unmarshal(expect(t, worker, models.KindRoomTask).Payload, &announced)
	if announced.Task.ID != created.Task.ID {
		t.Fatalf("worker got task %q, want %q", announced.Task.ID, created.Task.ID)
	}

	if _, err := s.tasks.Accept(created.Task.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	expect(t, leader, models.KindTaskAssigned)

	sendFrame(t, worker, models.KindTaskProgress, models.TaskProgressPayload{TaskID: created.Task.ID, Content: "halfway"})
	var progress models.TaskProgressPayload
	json.Unmarshal(expect(t, leader, models.KindTaskProgress).Payload, &progress)
	if progress.Content != "halfway" {
		t.Fatalf("unexpected progress %+v", progress)
	}

	sendFrame(t, worker, models.KindTaskResult, map[string]any{
		"taskId":  created.Task.ID,
		"success": true,
		"output":  "done",
	})
	var done models.TaskCompletedPayload
	json.Unmarshal(expect(t, leader, models.KindTaskCompleted).Payload, &done)
	if done.Task.Status != models.TaskCompleted || done.Result == nil || done.Result.Output != "done" {
		t.Fatalf("unexpected completion %+v", done)
	}
}

func TestDirectMessageEchoesToSender(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "a", models.RoleBoth)
	b := s.dial(t, "b", models.RoleBoth)

	sendFrame(t, a, models.KindSendMessage, map[string]string{"content": "hi b", "toAgentId": "b"})

	for _, conn := range []*websocket.Conn{b, a} {
		var got models.RoomMessagePayload
		json.Unmarshal(expect(t, conn, models.KindRoomMessage).Payload, &got)
		if got.Message.Content != "hi b" || got.Message.ToAgentID == nil || *got.Message.ToAgentID != "b" {
			t.Fatalf("unexpected message %+v", got.Message)
		}
	}
}

func TestRejectedFrameAnswersError(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "a", models.RoleBoth)
	other, _ := s.rooms.GetOrCreate("elsewhere", "")

	sendFrame(t, conn, models.KindSendMessage, map[string]string{"roomId": other.ID, "content": "hello"})
	var e models.ErrorPayload
	json.Unmarshal(expect(t, conn, models.KindError).Payload, &e)
	if e.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", e)
	}

	sendFrame(t, conn, models.KindSendTask, map[string]string{"roomId": other.ID, "title": "sneak in"})
	json.Unmarshal(expect(t, conn, models.KindError).Payload, &e)
	if e.Code != "forbidden" {
		t.Fatalf("task in a room the agent is not in: expected forbidden, got %+v", e)
	}

	// the connection survives both a rejected operation and garbage
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	sendFrame(t, conn, models.KindPing, struct{}{})
	expect(t, conn, models.KindPong)
}

func TestJoinLockedRoomNeedsKey(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "a", models.RoleBoth)
	if _, err := s.rooms.Create("vault", "", "s3cret"); err != nil {
		t.Fatal(err)
	}

	sendFrame(t, conn, models.KindJoinRoom, map[string]string{"roomId": "vault"})
	var e models.ErrorPayload
	json.Unmarshal(expect(t, conn, models.KindError).Payload, &e)
	if e.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", e)
	}

	sendFrame(t, conn, models.KindJoinRoom, map[string]string{"roomId": "vault", "roomKey": "s3cret"})
	var joined models.RoomJoinedPayload
	json.Unmarshal(expect(t, conn, models.KindRoomJoined).Payload, &joined)
	if joined.Room.Name != "vault" || joined.Agent.ID != "a" {
		t.Fatalf("unexpected join %+v", joined)
	}
}

func TestLastDisconnectLeavesRooms(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "a", models.RoleBoth)
	b := s.dial(t, "b", models.RoleBoth)

	b.Close()
	var left models.RoomLeftPayload
	json.Unmarshal(expect(t, a, models.KindRoomLeft).Payload, &left)
	if left.Agent.ID != "b" {
		t.Fatalf("unexpected room_left %+v", left)
	}

	waitFor(t, "b offline", func() bool { return !s.hub.Online("b") })
	if s.rooms.IsMember(s.rooms.DefaultRoomID(), "b") {
		t.Fatal("b still a member after its last connection closed")
	}
	waitFor(t, "b marked offline", func() bool {
		agent, err := s.agents.Get("b")
		return err == nil && !agent.IsConnected
	})
}

func TestHeartbeatClosesSilentConnection(t *testing.T) {
	s := newTestServer(t)
	s.dial(t, "quiet", models.RoleBoth)
	waitFor(t, "registration", func() bool { return s.hub.Online("quiet") })

	// the client never reads, so the ping is never answered
	s.hub.Heartbeat()
	s.hub.Heartbeat()

	waitFor(t, "connection closed", func() bool { return !s.hub.Online("quiet") })
	if n := s.hub.Connections(); n != 0 {
		t.Fatalf("expected no connections, got %d", n)
	}
}

func TestReconnectKeepsMembership(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "a", models.RoleBoth)
	for i := 0; i < 20; i++ {
		conn.Close()
		conn = s.dial(t, "a", models.RoleBoth)
	}

	waitFor(t, "old connections gone", func() bool { return s.hub.Connections() == 1 })
	if !s.rooms.IsMember(s.rooms.DefaultRoomID(), "a") {
		t.Fatal("reconnected agent lost its room")
	}
	agent, err := s.agents.Get("a")
	if err != nil || !agent.IsConnected {
		t.Fatalf("reconnected agent marked offline: %+v, %v", agent, err)
	}
}

func TestCloseAgent(t *testing.T) {
	s := newTestServer(t)
	a1 := s.dial(t, "a", models.RoleBoth)
	a2 := s.dial(t, "a", models.RoleBoth)
	s.dial(t, "b", models.RoleBoth)

	if n := s.hub.CloseAgent("a"); n != 2 {
		t.Fatalf("closed %d connections, want 2", n)
	}
	for _, conn := range []*websocket.Conn{a1, a2} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
	waitFor(t, "a offline", func() bool { return !s.hub.Online("a") })
	if !s.hub.Online("b") {
		t.Fatal("other agent was closed too")
	}
}
