package models

import (
	"encoding/json"
	"time"
)

// Socket frame kinds.
const (
	// inbound
	KindPing         = "ping"
	KindJoinRoom     = "join_room"
	KindLeaveRoom    = "leave_room"
	KindSendMessage  = "send_message"
	KindSendTask     = "send_task"
	KindTaskProgress = "task_progress" // also outbound
	KindTaskResult   = "task_result"

	// outbound
	KindPong          = "pong"
	KindRoomJoined    = "room_joined"
	KindRoomLeft      = "room_left"
	KindRoomMessage   = "room_message"
	KindRoomTask      = "room_task"
	KindTaskCreated   = "task_created"
	KindTaskAssigned  = "task_assigned"
	KindTaskUpdated   = "task_updated"
	KindTaskCompleted = "task_completed"
	KindError         = "error"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskPayload carries a task snapshot.
type TaskPayload struct {
	Task Task `json:"task"`
}

// RoomTaskPayload announces a new task to the agents it is routed to.
type RoomTaskPayload struct {
	Task   Task   `json:"task"`
	RoomID string `json:"roomId"`
}

// TaskCompletedPayload carries the finished task and its result.
type TaskCompletedPayload struct {
	Task   Task        `json:"task"`
	Result *TaskResult `json:"result"`
}

// TaskProgressPayload is a free-form progress note from the assignee.
type TaskProgressPayload struct {
	TaskID  string `json:"taskId"`
	Content string `json:"content"`
}

// RoomJoinedPayload announces a new room member.
type RoomJoinedPayload struct {
	Room  Room     `json:"room"`
	Agent AgentRef `json:"agent"`
}

// RoomLeftPayload announces a departed room member.
type RoomLeftPayload struct {
	RoomID string   `json:"roomId"`
	Agent  AgentRef `json:"agent"`
}

// RoomMessagePayload carries a chat message.
type RoomMessagePayload struct {
	Message RoomMessage `json:"message"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
