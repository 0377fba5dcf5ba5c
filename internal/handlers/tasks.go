package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antonstjernquist/merge/internal/api/middleware"
	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 300 * time.Second
)

// CreateTaskRequest represents the create task request body. ToAgentID is
// accepted from older clients and is ignored when Target is set.
type CreateTaskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Blocking    bool           `json:"blocking"`
	Target      *models.Target `json:"target,omitempty"`
	ToAgentID   string         `json:"toAgentId,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
}

// UpdateStatusRequest represents the update status request body.
type UpdateStatusRequest struct {
	Status models.TaskStatus `json:"status"`
}

// SubmitResultRequest represents the submit result request body.
type SubmitResultRequest struct {
	Success *bool  `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task models.Task `json:"task"`
}

// TasksResponse wraps a task list.
type TasksResponse struct {
	Tasks []models.Task `json:"tasks"`
}

// roomFor resolves the room a request acts on: an explicit room, else the
// agent's current room, else the default room.
func (h *Handler) roomFor(agentID, requested string) string {
	if requested != "" {
		return requested
	}
	if agent, err := h.agents.Get(agentID); err == nil && agent.CurrentRoomID != nil {
		return *agent.CurrentRoomID
	}
	return h.rooms.DefaultRoomID()
}

// CreateTask creates a task in the caller's room.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	var req CreateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.tasks.Create(store.NewTask{
		FromAgentID: agentID,
		RoomID:      h.roomFor(agentID, req.RoomID),
		Title:       req.Title,
		Description: req.Description,
		Blocking:    req.Blocking,
		Target:      req.Target,
		ToAgentID:   req.ToAgentID,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, TaskResponse{Task: task})
}

// ListTasks returns tasks created by or assigned to the caller.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks.ListFor(middleware.AgentID(r.Context()))
	if tasks == nil {
		tasks = []models.Task{}
	}
	h.JSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

// PendingTasks returns the tasks the caller may accept in a room.
func (h *Handler) PendingTasks(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.AgentID(r.Context())

	tasks, err := h.tasks.ListPendingFor(agentID, h.roomFor(agentID, r.URL.Query().Get("roomId")))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	h.JSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

// GetTask returns one task to its creator, its assignee or a room member.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.GetFor(chi.URLParam(r, "id"), middleware.AgentID(r.Context()))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TaskResponse{Task: task})
}

// WaitTask blocks until the task finishes or the timeout passes. The
// timeout is a Go duration or a number of seconds, capped at five minutes.
func (h *Handler) WaitTask(w http.ResponseWriter, r *http.Request) {
	timeout, ok := parseTimeout(r.URL.Query().Get("timeout"))
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid", "timeout must be a duration such as 30s")
		return
	}

	taskID := chi.URLParam(r, "id")
	if _, err := h.tasks.GetFor(taskID, middleware.AgentID(r.Context())); err != nil {
		h.Fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	task, err := h.tasks.Wait(ctx, taskID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TaskResponse{Task: task})
}

func parseTimeout(s string) (time.Duration, bool) {
	if s == "" {
		return defaultWaitTimeout, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, false
	}
	if d > maxWaitTimeout {
		d = maxWaitTimeout
	}
	return d, true
}

// AcceptTask assigns a pending task to the caller.
func (h *Handler) AcceptTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Accept(chi.URLParam(r, "id"), middleware.AgentID(r.Context()))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TaskResponse{Task: task})
}

// UpdateTaskStatus lets the assignee mark a task in progress.
func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.tasks.UpdateStatus(chi.URLParam(r, "id"), middleware.AgentID(r.Context()), req.Status)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TaskResponse{Task: task})
}

// SubmitTaskResult finishes a task.
func (h *Handler) SubmitTaskResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Success == nil {
		h.Error(w, http.StatusBadRequest, "invalid", "success is required")
		return
	}

	task, err := h.tasks.SubmitResult(chi.URLParam(r, "id"), middleware.AgentID(r.Context()), models.TaskResult{
		Success: *req.Success,
		Output:  req.Output,
		Error:   req.Error,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, TaskResponse{Task: task})
}

// DeleteTask removes a task created by the caller.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Delete(chi.URLParam(r, "id"), middleware.AgentID(r.Context())); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
