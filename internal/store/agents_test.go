package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antonstjernquist/merge/internal/models"
)

func TestConnectOrRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, err := f.agents.ConnectOrRefresh("agent-1", "alpha", models.RoleWorker, []string{"code"})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.agents.ConnectOrRefresh("agent-1", "beta", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID || second.Name != "beta" {
		t.Fatalf("expected in-place rename, got %+v", second)
	}
	if second.Role != models.RoleWorker || !second.HasSkill("code") {
		t.Fatalf("role and skills must be kept when omitted, got %+v", second)
	}
	if !second.LastSeenAt.After(first.LastSeenAt) {
		t.Fatal("lastSeenAt not refreshed")
	}
	if n := len(f.agents.List()); n != 1 {
		t.Fatalf("expected one agent, got %d", n)
	}
}

func TestConnectOrRefreshDefaults(t *testing.T) {
	f := newFixture(t)
	a, err := f.agents.ConnectOrRefresh("", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.Role != models.RoleBoth || !strings.HasPrefix(a.Name, "agent-") || a.Skills == nil {
		t.Fatalf("unexpected defaults %+v", a)
	}

	if _, err := f.agents.ConnectOrRefresh("has space", "x", "", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for id, got %v", err)
	}
	if _, err := f.agents.ConnectOrRefresh("", "x", "boss", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for role, got %v", err)
	}
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "alpha", models.RoleWorker)

	if !f.agents.Disconnect(a.ID) {
		t.Fatal("expected disconnect to succeed")
	}
	if f.agents.Disconnect(a.ID) {
		t.Fatal("second disconnect must report false")
	}
	if f.rooms.IsMember(f.rooms.DefaultRoomID(), a.ID) {
		t.Fatal("disconnected agent still in room")
	}
	if _, err := f.agents.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScopedLookups(t *testing.T) {
	f := newFixture(t)
	other, _ := f.rooms.GetOrCreate("other", "")

	f.join(t, "lead", "lead", models.RoleLeader, "review")
	f.join(t, "w1", "bob", models.RoleWorker, "code")
	f.join(t, "w2", "carol", models.RoleBoth, "code", "review")
	outsider, _ := f.agents.ConnectOrRefresh("w3", "bob", models.RoleWorker, []string{"code"})
	f.rooms.Join(other.ID, outsider.ID, "")

	room := f.rooms.DefaultRoomID()
	if a, ok := f.agents.FindByName("bob", room); !ok || a.ID != "w1" {
		t.Fatalf("expected w1, got %+v %v", a, ok)
	}
	if a, ok := f.agents.FindByName("bob", other.ID); !ok || a.ID != "w3" {
		t.Fatalf("expected w3 in other room, got %+v %v", a, ok)
	}
	if _, ok := f.agents.FindByName("dave", room); ok {
		t.Fatal("unexpected match for unknown name")
	}

	if got := ids(f.agents.FindBySkill("review", room)); got != "lead,w2" {
		t.Fatalf("skill lookup got %s", got)
	}
	if got := ids(f.agents.FindWorkers(room)); got != "w1,w2" {
		t.Fatalf("worker lookup got %s", got)
	}
}

func TestSweepEvictsIdleAgents(t *testing.T) {
	f := newFixture(t)
	f.join(t, "stale", "stale", models.RoleWorker, "code")
	f.clock.Advance(50 * time.Minute)
	f.join(t, "fresh", "fresh", models.RoleWorker, "code")
	f.clock.Advance(20 * time.Minute)

	evicted := f.agents.Sweep(f.clock.Now())
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected stale evicted, got %v", evicted)
	}

	room := f.rooms.DefaultRoomID()
	if got := ids(f.agents.FindWorkers(room)); got != "fresh" {
		t.Fatalf("workers after sweep: %s", got)
	}
	if got := ids(f.agents.FindBySkill("code", room)); got != "fresh" {
		t.Fatalf("skill lookup after sweep: %s", got)
	}
	if f.rooms.IsMember(room, "stale") {
		t.Fatal("evicted agent still a room member")
	}
}

func TestTouchKeepsAgentAlive(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a", "a", models.RoleWorker)
	f.clock.Advance(50 * time.Minute)
	if !f.agents.Touch("a") {
		t.Fatal("touch on known agent reported false")
	}
	f.clock.Advance(50 * time.Minute)
	if evicted := f.agents.Sweep(f.clock.Now()); len(evicted) != 0 {
		t.Fatalf("touched agent evicted: %v", evicted)
	}
	if f.agents.Touch("nobody") {
		t.Fatal("touch on unknown agent reported true")
	}
}

func ids(agents []models.Agent) string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return strings.Join(out, ",")
}
