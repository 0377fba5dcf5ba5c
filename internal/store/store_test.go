package store

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sent struct {
	to      string // agent id for unicast, room id otherwise
	fanout  string // "agent", "room", "skill" or "workers"
	kind    string
	payload any
	exclude []string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sent
}

func (n *recordingNotifier) add(e sent) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) SendToAgent(agentID, kind string, payload any) {
	n.add(sent{to: agentID, fanout: "agent", kind: kind, payload: payload})
}

func (n *recordingNotifier) BroadcastToRoom(roomID, kind string, payload any, exclude ...string) {
	n.add(sent{to: roomID, fanout: "room", kind: kind, payload: payload, exclude: exclude})
}

func (n *recordingNotifier) BroadcastToSkill(roomID, skill, kind string, payload any, exclude ...string) {
	n.add(sent{to: roomID + "/" + skill, fanout: "skill", kind: kind, payload: payload, exclude: exclude})
}

func (n *recordingNotifier) BroadcastToWorkers(roomID, kind string, payload any, exclude ...string) {
	n.add(sent{to: roomID, fanout: "workers", kind: kind, payload: payload, exclude: exclude})
}

func (n *recordingNotifier) byKind(kind string) []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sent
	for _, e := range n.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	clock  *clock
	rooms  *RoomRegistry
	agents *AgentRegistry
	tasks  *TaskStore
	notes  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newClock()
	rooms := NewRoomRegistry(RoomOptions{Now: c.Now})
	agents := NewAgentRegistry(rooms, AgentOptions{
		SessionTimeout: time.Hour,
		Now:            c.Now,
		Logger:         zerolog.Nop(),
	})
	notes := &recordingNotifier{}
	tasks := NewTaskStore(agents, rooms, notes, TaskOptions{Now: c.Now, Logger: zerolog.Nop()})
	return &fixture{clock: c, rooms: rooms, agents: agents, tasks: tasks, notes: notes}
}

// join registers an agent and puts it in the default room.
func (f *fixture) join(t *testing.T, id, name string, role models.Role, skills ...string) models.Agent {
	t.Helper()
	a, err := f.agents.ConnectOrRefresh(id, name, role, skills)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.rooms.Join(f.rooms.DefaultRoomID(), a.ID, ""); err != nil {
		t.Fatal(err)
	}
	return a
}
