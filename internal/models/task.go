package models

import "time"

// TaskStatus is a state of the task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskResult is the outcome reported by the assignee.
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Task is a unit of work handed from one agent to another.
type Task struct {
	ID          string      `json:"id"`
	FromAgentID string      `json:"fromAgentId"`
	ToAgentID   *string     `json:"toAgentId"`
	RoomID      string      `json:"roomId"`
	Target      *Target     `json:"target"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Blocking    bool        `json:"blocking"`
	Status      TaskStatus  `json:"status"`
	Result      *TaskResult `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.ToAgentID != nil {
		to := *t.ToAgentID
		c.ToAgentID = &to
	}
	if t.Target != nil {
		target := *t.Target
		c.Target = &target
	}
	if t.Result != nil {
		result := *t.Result
		c.Result = &result
	}
	return c
}
