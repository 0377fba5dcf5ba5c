package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestDefaultRoomExists(t *testing.T) {
	f := newFixture(t)
	room, err := f.rooms.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if room.ID != f.rooms.DefaultRoomID() {
		t.Fatalf("default room id mismatch: %s vs %s", room.ID, f.rooms.DefaultRoomID())
	}
	if room.IsLocked {
		t.Fatal("default room must start unlocked")
	}
}

func TestGetOrCreateResolvesIDAndName(t *testing.T) {
	f := newFixture(t)
	a, err := f.rooms.GetOrCreate("ops", "")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.rooms.GetOrCreate("ops", "")
	c, _ := f.rooms.GetOrCreate(a.ID, "")
	if a.ID != b.ID || a.ID != c.ID {
		t.Fatalf("expected one room, got %s %s %s", a.ID, b.ID, c.ID)
	}
	if len(f.rooms.List()) != 2 {
		t.Fatalf("expected default + ops, got %d rooms", len(f.rooms.List()))
	}
	if _, err := f.rooms.Create("ops", "", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}
}

func TestJoinLocksOnFirstUse(t *testing.T) {
	f := newFixture(t)
	room, _ := f.rooms.GetOrCreate("secret", "")

	locked, err := f.rooms.Join(room.ID, "alice", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked.IsLocked || locked.KeyHash == "" || locked.KeyHash == "k1" {
		t.Fatalf("expected room locked with a digest, got %+v", locked)
	}

	if _, err := f.rooms.Join(room.ID, "bob", ""); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if _, err := f.rooms.Join(room.ID, "bob", "nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := f.rooms.Join(room.ID, "bob", "k1"); err != nil {
		t.Fatalf("expected join with key, got %v", err)
	}
	// existing members rejoin without the key
	if _, err := f.rooms.Join(room.ID, "alice", ""); err != nil {
		t.Fatalf("expected member rejoin, got %v", err)
	}

	ids, _ := f.rooms.ListAgentIDs(room.ID)
	if len(ids) != 2 {
		t.Fatalf("expected 2 members, got %v", ids)
	}
	if _, err := f.rooms.Join("missing", "bob", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLateJoinerKeyDoesNotLock(t *testing.T) {
	f := newFixture(t)
	def := f.rooms.DefaultRoomID()
	for _, id := range []string{"a", "b"} {
		if _, err := f.rooms.Join(def, id, ""); err != nil {
			t.Fatal(err)
		}
	}

	room, err := f.rooms.Join(def, "late", "mine")
	if err != nil {
		t.Fatal(err)
	}
	if room.IsLocked {
		t.Fatal("a key from a later joiner locked a populated room")
	}
	if _, err := f.rooms.Join(def, "next", ""); err != nil {
		t.Fatalf("room must stay open, got %v", err)
	}
	ids, _ := f.rooms.ListAgentIDs(def)
	if len(ids) != 4 {
		t.Fatalf("expected 4 members, got %v", ids)
	}
}

func TestConcurrentLockIsSingleShot(t *testing.T) {
	f := newFixture(t)
	room, _ := f.rooms.GetOrCreate("race", "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.rooms.Lock(room.ID, fmt.Sprintf("key-%d", i), fmt.Sprintf("agent-%d", i))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatal("both lock calls succeeded")
			}
			winner = i
		case !errors.Is(err, ErrRoomLocked):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if winner == -1 {
		t.Fatal("no lock call succeeded")
	}

	loser := 1 - winner
	if _, err := f.rooms.Join(room.ID, "carol", fmt.Sprintf("key-%d", loser)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("losing key must not open the room, got %v", err)
	}
	if _, err := f.rooms.Join(room.ID, "carol", fmt.Sprintf("key-%d", winner)); err != nil {
		t.Fatalf("winning key must open the room, got %v", err)
	}
	if !f.rooms.ValidateKey(room.ID, fmt.Sprintf("key-%d", winner)) {
		t.Fatal("ValidateKey rejected the winning key")
	}
}

func TestValidateKeyUnlockedRoom(t *testing.T) {
	f := newFixture(t)
	if !f.rooms.ValidateKey(f.rooms.DefaultRoomID(), "anything") {
		t.Fatal("unlocked room must accept any key")
	}
	if f.rooms.ValidateKey("missing", "") {
		t.Fatal("unknown room must not validate")
	}
}

func TestLeaveAndLeaveAll(t *testing.T) {
	f := newFixture(t)
	other, _ := f.rooms.GetOrCreate("other", "")
	f.rooms.Join(f.rooms.DefaultRoomID(), "a", "")
	f.rooms.Join(other.ID, "a", "")

	if !f.rooms.Leave(other.ID, "a") {
		t.Fatal("expected leave to succeed")
	}
	if f.rooms.Leave(other.ID, "a") {
		t.Fatal("second leave must report false")
	}
	f.rooms.Join(other.ID, "a", "")
	if left := f.rooms.LeaveAll("a"); len(left) != 2 {
		t.Fatalf("expected to leave 2 rooms, got %v", left)
	}
	if f.rooms.IsMember(f.rooms.DefaultRoomID(), "a") {
		t.Fatal("agent still a member after LeaveAll")
	}
}

func TestMessageHistoryIsBounded(t *testing.T) {
	c := newClock()
	rooms := NewRoomRegistry(RoomOptions{MaxMessages: 5, Now: c.Now})
	id := rooms.DefaultRoomID()

	for i := 0; i < 8; i++ {
		c.Advance(time.Second)
		if _, err := rooms.AddMessage(id, "a", fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	all, err := rooms.ListMessages(id, 100, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].Content != "m3" || all[4].Content != "m7" {
		t.Fatalf("expected m3..m7, got %d messages starting %q", len(all), all[0].Content)
	}

	last2, _ := rooms.ListMessages(id, 2, time.Time{})
	if len(last2) != 2 || last2[0].Content != "m6" || last2[1].Content != "m7" {
		t.Fatalf("expected m6,m7 got %+v", last2)
	}

	since, _ := rooms.ListMessages(id, 0, all[3].Timestamp)
	if len(since) != 1 || since[0].Content != "m7" {
		t.Fatalf("expected only m7 after since, got %+v", since)
	}
}

func TestAddMessageValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.rooms.AddMessage(f.rooms.DefaultRoomID(), "a", "  ", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := f.rooms.AddMessage("missing", "a", "hi", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	msg, err := f.rooms.AddMessage(f.rooms.DefaultRoomID(), "a", "hi", "b")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ToAgentID == nil || *msg.ToAgentID != "b" || msg.ID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
