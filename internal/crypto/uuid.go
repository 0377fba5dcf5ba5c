package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewID returns a fresh UUID v7 in its string form.
func NewID() string {
	return NewUUIDv7().String()
}

// NewMessageID returns a lexically sortable ULID for chat messages.
func NewMessageID() string {
	return ulid.Make().String()
}
