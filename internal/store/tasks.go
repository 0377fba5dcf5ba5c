package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
)

// Journal event names passed to Recorder.RecordTask.
const (
	EventTaskCreated   = "created"
	EventTaskAssigned  = "assigned"
	EventTaskUpdated   = "updated"
	EventTaskCompleted = "completed"
	EventTaskDeleted   = "deleted"
)

// ErrUnknownAgent is returned when the calling agent is not registered.
var ErrUnknownAgent = fmt.Errorf("%w: unknown agent", ErrUnauthorized)

// TaskOptions configures a TaskStore.
type TaskOptions struct {
	Now      func() time.Time
	Logger   zerolog.Logger
	Recorder Recorder
}

type taskEntry struct {
	task models.Task
	done chan struct{} // closed once the task is terminal or deleted
}

// TaskStore owns tasks and their lifecycle:
//
//	pending -> assigned -> in_progress -> completed | failed
//
// in_progress is optional. Terminal tasks never change again.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*taskEntry
	agents   *AgentRegistry
	rooms    *RoomRegistry
	notify   Notifier
	recorder Recorder
	now      func() time.Time
	log      zerolog.Logger
}

// NewTaskStore creates an empty task store. A nil notifier drops events.
func NewTaskStore(agents *AgentRegistry, rooms *RoomRegistry, notify Notifier, opts TaskOptions) *TaskStore {
	if notify == nil {
		notify = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &TaskStore{
		tasks:    make(map[string]*taskEntry),
		agents:   agents,
		rooms:    rooms,
		notify:   notify,
		recorder: opts.Recorder,
		now:      opts.Now,
		log:      opts.Logger,
	}
}

// NewTask describes a task to create. ToAgentID is the older way of naming
// a single recipient and is used only when Target is nil.
type NewTask struct {
	FromAgentID string
	RoomID      string
	Title       string
	Description string
	Blocking    bool
	Target      *models.Target
	ToAgentID   string
}

// Create stores a pending task and announces it to the agents its target
// routes to. The creator must be a member of the room.
func (s *TaskStore) Create(req NewTask) (models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return models.Task{}, ErrEmptyTitle
	}
	room, err := s.rooms.Get(req.RoomID)
	if err != nil {
		return models.Task{}, err
	}
	if !s.rooms.IsMember(room.ID, req.FromAgentID) {
		return models.Task{}, ErrNotMember
	}

	target := req.Target
	if target == nil && req.ToAgentID != "" {
		target = models.ToAgent(req.ToAgentID)
	}

	now := s.now().UTC()
	task := models.Task{
		ID:          crypto.NewID(),
		FromAgentID: req.FromAgentID,
		RoomID:      room.ID,
		Target:      target,
		Title:       title,
		Description: req.Description,
		Blocking:    req.Blocking,
		Status:      models.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if target.Kind() == models.TargetAgentID {
		to := target.Value()
		task.ToAgentID = &to
	}

	s.mu.Lock()
	s.tasks[task.ID] = &taskEntry{task: task, done: make(chan struct{})}
	snapshot := task.Clone()
	s.mu.Unlock()

	metrics.TasksCreated.WithLabelValues(target.Kind().String()).Inc()
	s.recorder.RecordTask(EventTaskCreated, snapshot)
	s.log.Info().
		Str("task_id", task.ID).
		Str("from", task.FromAgentID).
		Str("room_id", task.RoomID).
		Str("target", target.Kind().String()).
		Msg("task created")

	s.route(snapshot)
	s.notify.SendToAgent(task.FromAgentID, models.KindTaskCreated, models.TaskPayload{Task: snapshot})
	return snapshot, nil
}

// Get returns a copy of a task.
func (s *TaskStore) Get(id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return e.task.Clone(), nil
}

// GetFor returns a task to an agent allowed to see it: the creator, the
// assignee or a member of the task's room.
func (s *TaskStore) GetFor(taskID, agentID string) (models.Task, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return models.Task{}, err
	}
	if t.FromAgentID == agentID || (t.ToAgentID != nil && *t.ToAgentID == agentID) {
		return t, nil
	}
	if !s.rooms.IsMember(t.RoomID, agentID) {
		return models.Task{}, ErrNotMember
	}
	return t, nil
}

// Accept assigns a pending task to agentID. At most one Accept per task
// succeeds, and only members of the task's room may accept.
func (s *TaskStore) Accept(taskID, agentID string) (models.Task, error) {
	agent, agentErr := s.agents.Get(agentID)

	// the room of a task never changes, so membership is read up front
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	var roomID string
	if ok {
		roomID = e.task.RoomID
	}
	s.mu.RUnlock()
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	member := s.rooms.IsMember(roomID, agentID)

	s.mu.Lock()
	e, ok = s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrTaskNotFound
	}
	t := &e.task
	switch {
	case t.FromAgentID == agentID:
		s.mu.Unlock()
		return models.Task{}, ErrSelfAssignment
	case t.Status != models.TaskPending:
		s.mu.Unlock()
		return models.Task{}, ErrNotPending
	case agentErr != nil:
		s.mu.Unlock()
		return models.Task{}, ErrUnknownAgent
	case !member:
		s.mu.Unlock()
		return models.Task{}, ErrNotMember
	case !eligible(t, agent):
		s.mu.Unlock()
		return models.Task{}, ErrNotEligible
	}
	t.ToAgentID = &agentID
	t.Status = models.TaskAssigned
	t.UpdatedAt = s.now().UTC()
	snapshot := t.Clone()
	s.mu.Unlock()

	s.committed(EventTaskAssigned, snapshot)
	s.notify.BroadcastToRoom(snapshot.RoomID, models.KindTaskAssigned, models.TaskPayload{Task: snapshot})
	return snapshot, nil
}

// assigneeLocked checks that agentID may mutate t.
func assigneeLocked(t *models.Task, agentID string) error {
	if t.ToAgentID == nil || *t.ToAgentID != agentID {
		return ErrNotAssignee
	}
	if t.Status == models.TaskPending {
		return ErrNotAssigned
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	return nil
}

// UpdateStatus lets the assignee mark a task in_progress. No other status
// may be set by a caller.
func (s *TaskStore) UpdateStatus(taskID, agentID string, status models.TaskStatus) (models.Task, error) {
	if status != models.TaskInProgress {
		return models.Task{}, ErrInvalidStatus
	}

	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrTaskNotFound
	}
	if err := assigneeLocked(&e.task, agentID); err != nil {
		s.mu.Unlock()
		return models.Task{}, err
	}
	e.task.Status = status
	e.task.UpdatedAt = s.now().UTC()
	snapshot := e.task.Clone()
	s.mu.Unlock()

	s.committed(EventTaskUpdated, snapshot)
	s.notify.BroadcastToRoom(snapshot.RoomID, models.KindTaskUpdated, models.TaskPayload{Task: snapshot})
	return snapshot, nil
}

// SubmitResult finishes a task as completed or failed depending on
// result.Success.
func (s *TaskStore) SubmitResult(taskID, agentID string, result models.TaskResult) (models.Task, error) {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.Task{}, ErrTaskNotFound
	}
	if err := assigneeLocked(&e.task, agentID); err != nil {
		s.mu.Unlock()
		return models.Task{}, err
	}
	e.task.Result = &result
	if result.Success {
		e.task.Status = models.TaskCompleted
	} else {
		e.task.Status = models.TaskFailed
	}
	e.task.UpdatedAt = s.now().UTC()
	close(e.done)
	snapshot := e.task.Clone()
	s.mu.Unlock()

	s.committed(EventTaskCompleted, snapshot)
	payload := models.TaskCompletedPayload{Task: snapshot, Result: snapshot.Result}
	s.notify.BroadcastToRoom(snapshot.RoomID, models.KindTaskCompleted, payload)
	if !s.rooms.IsMember(snapshot.RoomID, snapshot.FromAgentID) {
		s.notify.SendToAgent(snapshot.FromAgentID, models.KindTaskCompleted, payload)
	}
	return snapshot, nil
}

// ReportProgress forwards a progress note from the assignee to the creator.
// The task itself does not change.
func (s *TaskStore) ReportProgress(taskID, agentID, content string) error {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.RUnlock()
		return ErrTaskNotFound
	}
	err := assigneeLocked(&e.task, agentID)
	creator := e.task.FromAgentID
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	s.notify.SendToAgent(creator, models.KindTaskProgress, models.TaskProgressPayload{TaskID: taskID, Content: content})
	return nil
}

// Delete removes a task. Only its creator may delete it.
func (s *TaskStore) Delete(taskID, agentID string) error {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if e.task.FromAgentID != agentID {
		s.mu.Unlock()
		return ErrNotCreator
	}
	delete(s.tasks, taskID)
	if !e.task.Status.Terminal() {
		close(e.done)
	}
	snapshot := e.task.Clone()
	s.mu.Unlock()

	s.recorder.RecordTask(EventTaskDeleted, snapshot)
	s.log.Info().Str("task_id", taskID).Msg("task deleted")
	return nil
}

// ListPendingFor returns the pending tasks of a room that agentID may
// accept, oldest first. Only members of the room get a list.
func (s *TaskStore) ListPendingFor(agentID, roomID string) ([]models.Task, error) {
	agent, err := s.agents.Get(agentID)
	if err != nil {
		return nil, ErrUnknownAgent
	}
	room, err := s.rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !s.rooms.IsMember(room.ID, agentID) {
		return nil, ErrNotMember
	}

	s.mu.RLock()
	var out []models.Task
	for _, e := range s.tasks {
		t := &e.task
		if t.Status == models.TaskPending && t.RoomID == room.ID && eligible(t, agent) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	return out, nil
}

// ListFor returns the tasks created by or assigned to agentID, newest first.
func (s *TaskStore) ListFor(agentID string) []models.Task {
	s.mu.RLock()
	var out []models.Task
	for _, e := range s.tasks {
		t := &e.task
		if t.FromAgentID == agentID || (t.ToAgentID != nil && *t.ToAgentID == agentID) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Counts returns how many tasks agentID could accept across its rooms and
// how many it is currently working on.
func (s *TaskStore) Counts(agentID string) (pending, active int) {
	for _, roomID := range s.rooms.RoomsOf(agentID) {
		tasks, err := s.ListPendingFor(agentID, roomID)
		if err != nil {
			continue
		}
		pending += len(tasks)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.tasks {
		t := &e.task
		if t.ToAgentID != nil && *t.ToAgentID == agentID &&
			(t.Status == models.TaskAssigned || t.Status == models.TaskInProgress) {
			active++
		}
	}
	return pending, active
}

// Wait blocks until the task is terminal or ctx is done. A context that
// ends first yields ErrTimeout.
func (s *TaskStore) Wait(ctx context.Context, taskID string) (models.Task, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	if !ok {
		s.mu.RUnlock()
		return models.Task{}, ErrTaskNotFound
	}
	if e.task.Status.Terminal() {
		t := e.task.Clone()
		s.mu.RUnlock()
		return t, nil
	}
	done := e.done
	s.mu.RUnlock()

	select {
	case <-done:
		return s.Get(taskID)
	case <-ctx.Done():
		return models.Task{}, fmt.Errorf("%w: task %s did not finish: %v", ErrTimeout, taskID, ctx.Err())
	}
}

func (s *TaskStore) committed(event string, t models.Task) {
	metrics.TaskTransitions.WithLabelValues(string(t.Status)).Inc()
	s.recorder.RecordTask(event, t)
	s.log.Info().
		Str("task_id", t.ID).
		Str("status", string(t.Status)).
		Msg("task " + event)
}

func sortOldestFirst(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
