package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antonstjernquist/merge/internal/models"
)

func TestAcceptSucceedsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		f.join(t, id, id, models.RoleWorker)
	}
	task, err := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "race"})
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.tasks.Accept(task.ID, id)
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			case !errors.Is(err, ErrConflict):
				t.Errorf("loser %s: expected ErrConflict, got %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, _ := f.tasks.Get(task.ID)
	if got.Status != models.TaskAssigned || got.ToAgentID == nil || *got.ToAgentID != winners[0] {
		t.Fatalf("unexpected task state %+v", got)
	}
	if n := len(f.notes.byKind(models.KindTaskAssigned)); n != 1 {
		t.Fatalf("expected one task_assigned, got %d", n)
	}
}

func TestCreatorCannotAccept(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "a", "a", models.RoleBoth)
	task, _ := f.tasks.Create(NewTask{FromAgentID: a.ID, RoomID: "default", Title: "mine"})

	if _, err := f.tasks.Accept(task.ID, a.ID); !errors.Is(err, ErrSelfAssignment) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected self-assignment conflict, got %v", err)
	}
	pending, _ := f.tasks.ListPendingFor(a.ID, "default")
	if len(pending) != 0 {
		t.Fatal("creator must not see own task as pending")
	}
}

func TestOnlyAssigneeMutates(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker)
	other := f.join(t, "o", "o", models.RoleWorker)
	task, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "t"})
	if _, err := f.tasks.Accept(task.ID, w.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := f.tasks.Get(task.ID)

	if _, err := f.tasks.UpdateStatus(task.ID, other.ID, models.TaskInProgress); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.tasks.SubmitResult(task.ID, other.ID, models.TaskResult{Success: true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.tasks.SubmitResult(task.ID, lead.ID, models.TaskResult{Success: true}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("creator must not submit, got %v", err)
	}
	after, _ := f.tasks.Get(task.ID)
	if after.Status != before.Status || after.Result != nil || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("task changed by rejected calls: %+v", after)
	}

	if _, err := f.tasks.UpdateStatus(task.ID, w.ID, models.TaskCompleted); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for caller-set completed, got %v", err)
	}
	if _, err := f.tasks.UpdateStatus(task.ID, w.ID, models.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	done, err := f.tasks.SubmitResult(task.ID, w.ID, models.TaskResult{Success: false, Error: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.TaskFailed || done.Result.Error != "boom" {
		t.Fatalf("unexpected result %+v", done)
	}
	if _, err := f.tasks.SubmitResult(task.ID, w.ID, models.TaskResult{Success: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("terminal task must not change, got %v", err)
	}
	if _, err := f.tasks.UpdateStatus(task.ID, w.ID, models.TaskInProgress); !errors.Is(err, ErrConflict) {
		t.Fatalf("terminal task must not change, got %v", err)
	}
}

func TestSkillTargetVisibility(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	r1 := f.join(t, "r1", "r1", models.RoleWorker, "review")
	r2 := f.join(t, "r2", "r2", models.RoleLeader, "review", "code")
	c1 := f.join(t, "c1", "c1", models.RoleWorker, "code")
	c2 := f.join(t, "c2", "c2", models.RoleBoth)

	task, err := f.tasks.Create(NewTask{
		FromAgentID: lead.ID,
		RoomID:      "default",
		Title:       "review pr",
		Target:      models.ToSkill("review"),
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, a := range []models.Agent{r1, r2} {
		pending, err := f.tasks.ListPendingFor(a.ID, "default")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != task.ID {
			t.Fatalf("%s should see the task, got %+v", a.ID, pending)
		}
	}
	for _, a := range []models.Agent{lead, c1, c2} {
		pending, _ := f.tasks.ListPendingFor(a.ID, "default")
		if len(pending) != 0 {
			t.Fatalf("%s should not see the task", a.ID)
		}
	}
	if _, err := f.tasks.Accept(task.ID, c1.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for agent without skill, got %v", err)
	}

	routed := f.notes.byKind(models.KindRoomTask)
	if len(routed) != 1 || routed[0].fanout != "skill" || routed[0].to != f.rooms.DefaultRoomID()+"/review" {
		t.Fatalf("unexpected routing %+v", routed)
	}
	if len(routed[0].exclude) != 1 || routed[0].exclude[0] != lead.ID {
		t.Fatalf("creator must be excluded, got %v", routed[0].exclude)
	}
}

func TestUntargetedTaskGoesToWorkers(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	other := f.join(t, "lead2", "lead2", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleBoth)
	f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "anyone"})

	if pending, _ := f.tasks.ListPendingFor(other.ID, "default"); len(pending) != 0 {
		t.Fatal("leader-only agent must not see untargeted tasks")
	}
	if pending, _ := f.tasks.ListPendingFor(w.ID, "default"); len(pending) != 1 {
		t.Fatal("worker must see untargeted task")
	}
	if routed := f.notes.byKind(models.KindRoomTask); len(routed) != 1 || routed[0].fanout != "workers" {
		t.Fatalf("unexpected routing %+v", routed)
	}
	if created := f.notes.byKind(models.KindTaskCreated); len(created) != 1 || created[0].to != lead.ID {
		t.Fatalf("creator must receive task_created, got %+v", created)
	}
}

func TestNameTargetSoftMiss(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)

	task, err := f.tasks.Create(NewTask{
		FromAgentID: lead.ID,
		RoomID:      "default",
		Title:       "for dave",
		Target:      models.ToAgentNamed("dave"),
	})
	if err != nil {
		t.Fatalf("unresolved name must not fail creation: %v", err)
	}
	if routed := f.notes.byKind(models.KindRoomTask); len(routed) != 0 {
		t.Fatalf("nobody should be notified, got %+v", routed)
	}

	dave := f.join(t, "d", "dave", models.RoleLeader)
	pending, _ := f.tasks.ListPendingFor(dave.ID, "default")
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatal("late joiner with the target name should see the task")
	}
	if _, err := f.tasks.Accept(task.ID, dave.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDirectTargetSetsRecipient(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker)
	x := f.join(t, "x", "x", models.RoleWorker)

	task, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "direct", ToAgentID: w.ID})
	if task.Target.Kind() != models.TargetAgentID || task.ToAgentID == nil || *task.ToAgentID != w.ID {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, err := f.tasks.SubmitResult(task.ID, w.ID, models.TaskResult{Success: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("result before accept must conflict, got %v", err)
	}
	if _, err := f.tasks.Accept(task.ID, x.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other worker must not accept, got %v", err)
	}
	if _, err := f.tasks.Accept(task.ID, w.ID); err != nil {
		t.Fatal(err)
	}
	routed := f.notes.byKind(models.KindRoomTask)
	if len(routed) != 1 || routed[0].fanout != "agent" || routed[0].to != w.ID {
		t.Fatalf("unexpected routing %+v", routed)
	}
}

func TestNonMemberCannotReachRoomTasks(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	secret, _ := f.rooms.GetOrCreate("secret", lead.ID)
	if _, err := f.rooms.Join(secret.ID, lead.ID, "k1"); err != nil {
		t.Fatal(err)
	}
	outsider := f.join(t, "out", "out", models.RoleWorker, "code")

	task, err := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: secret.ID, Title: "private", Target: models.ToSkill("code")})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.tasks.ListPendingFor(outsider.ID, secret.ID); !errors.Is(err, ErrNotMember) {
		t.Fatalf("pending for non-member: expected ErrNotMember, got %v", err)
	}
	if _, err := f.tasks.Accept(task.ID, outsider.ID); !errors.Is(err, ErrNotMember) {
		t.Fatalf("accept by non-member: expected ErrNotMember, got %v", err)
	}
	if _, err := f.tasks.GetFor(task.ID, outsider.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("read by non-member: expected ErrForbidden, got %v", err)
	}
	if _, err := f.tasks.Create(NewTask{FromAgentID: outsider.ID, RoomID: secret.ID, Title: "intrude"}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("create by non-member: expected ErrNotMember, got %v", err)
	}
	if got, _ := f.tasks.Get(task.ID); got.Status != models.TaskPending {
		t.Fatalf("task changed by rejected calls: %+v", got)
	}
	if pending, _ := f.tasks.Counts(outsider.ID); pending != 0 {
		t.Fatalf("non-member counts %d pending", pending)
	}

	if _, err := f.rooms.Join(secret.ID, outsider.ID, "k1"); err != nil {
		t.Fatal(err)
	}
	pending, err := f.tasks.ListPendingFor(outsider.ID, secret.ID)
	if err != nil || len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("member should see the task, got %v, %v", pending, err)
	}
	if _, err := f.tasks.Accept(task.ID, outsider.ID); err != nil {
		t.Fatal(err)
	}

	// the assignee keeps access after leaving the room
	f.rooms.Leave(secret.ID, outsider.ID)
	if _, err := f.tasks.GetFor(task.ID, outsider.ID); err != nil {
		t.Fatalf("assignee read: %v", err)
	}
}

func TestCompletionNotifiesCreator(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker, "code")
	task, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "fix bug", Target: models.ToSkill("code")})
	f.tasks.Accept(task.ID, w.ID)

	if err := f.tasks.ReportProgress(task.ID, w.ID, "halfway"); err != nil {
		t.Fatal(err)
	}
	if err := f.tasks.ReportProgress(task.ID, lead.ID, "nope"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	progress := f.notes.byKind(models.KindTaskProgress)
	if len(progress) != 1 || progress[0].to != lead.ID {
		t.Fatalf("unexpected progress events %+v", progress)
	}

	f.rooms.Leave("default", lead.ID)
	done, err := f.tasks.SubmitResult(task.ID, w.ID, models.TaskResult{Success: true, Output: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.TaskCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	completed := f.notes.byKind(models.KindTaskCompleted)
	if len(completed) != 2 || completed[0].fanout != "room" || completed[1].to != lead.ID {
		t.Fatalf("expected room broadcast plus direct send to creator, got %+v", completed)
	}
	payload := completed[1].payload.(models.TaskCompletedPayload)
	if payload.Result == nil || payload.Result.Output != "done" {
		t.Fatalf("missing result in payload %+v", payload)
	}
}

func TestWait(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker)
	task, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "wait", Blocking: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.tasks.Wait(ctx, task.ID); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	result := make(chan models.Task, 1)
	go func() {
		done, err := f.tasks.Wait(context.Background(), task.ID)
		if err != nil {
			t.Error(err)
		}
		result <- done
	}()
	f.tasks.Accept(task.ID, w.ID)
	f.tasks.SubmitResult(task.ID, w.ID, models.TaskResult{Success: true, Output: "ok"})

	select {
	case done := <-result:
		if done.Status != models.TaskCompleted {
			t.Fatalf("expected completed, got %s", done.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}

	// terminal tasks return at once
	if _, err := f.tasks.Wait(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteOnlyByCreator(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker)
	task, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "gone"})

	if err := f.tasks.Delete(task.ID, w.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.tasks.Delete(task.ID, lead.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tasks.Get(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.tasks.Delete(task.ID, lead.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.tasks.Create(NewTask{FromAgentID: "a", RoomID: "default", Title: " "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := f.tasks.Create(NewTask{FromAgentID: "a", RoomID: "nowhere", Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tasks.Accept("missing", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	f := newFixture(t)
	lead := f.join(t, "lead", "lead", models.RoleLeader)
	w := f.join(t, "w", "w", models.RoleWorker)
	a, _ := f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "a"})
	f.tasks.Create(NewTask{FromAgentID: lead.ID, RoomID: "default", Title: "b"})
	f.tasks.Accept(a.ID, w.ID)

	pending, active := f.tasks.Counts(w.ID)
	if pending != 1 || active != 1 {
		t.Fatalf("expected 1 pending 1 active, got %d %d", pending, active)
	}
	if got := f.tasks.ListFor(lead.ID); len(got) != 2 {
		t.Fatalf("creator should list both tasks, got %d", len(got))
	}
}
