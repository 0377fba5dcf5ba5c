package models

import (
	"time"
)

// Room is a named scope for membership, chat history and task visibility.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy *string   `json:"createdBy"`
	MemberIDs []string  `json:"memberIds"`
	IsLocked  bool      `json:"isLocked"`
	KeyHash   string    `json:"-"` // bcrypt digest, never serialized
}
