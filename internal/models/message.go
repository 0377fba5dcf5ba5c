package models

import "time"

// RoomMessage is a chat line posted to a room. A nil ToAgentID means the
// message is addressed to the whole room.
type RoomMessage struct {
	ID          string    `json:"id"` // ULID
	RoomID      string    `json:"roomId"`
	FromAgentID string    `json:"fromAgentId"`
	ToAgentID   *string   `json:"toAgentId"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}
