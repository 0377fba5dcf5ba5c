package store

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the registries wraps exactly one of
// these so callers can classify it with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrTimeout      = errors.New("timeout")
	ErrInvalid      = errors.New("invalid")
)

var (
	ErrAgentNotFound = fmt.Errorf("agent %w", ErrNotFound)
	ErrRoomNotFound  = fmt.Errorf("room %w", ErrNotFound)
	ErrTaskNotFound  = fmt.Errorf("task %w", ErrNotFound)

	ErrInvalidAgentID = fmt.Errorf("%w: agent id", ErrInvalid)
	ErrInvalidRole    = fmt.Errorf("%w: role", ErrInvalid)
	ErrInvalidStatus  = fmt.Errorf("%w: status must be in_progress", ErrInvalid)
	ErrEmptyTitle     = fmt.Errorf("%w: title is required", ErrInvalid)
	ErrEmptyContent   = fmt.Errorf("%w: content is required", ErrInvalid)
	ErrEmptyRoomName  = fmt.Errorf("%w: room name is required", ErrInvalid)

	ErrSelfAssignment = fmt.Errorf("%w: cannot accept own task", ErrConflict)
	ErrNotPending     = fmt.Errorf("%w: task is not pending", ErrConflict)
	ErrNotAssigned    = fmt.Errorf("%w: task is not assigned", ErrConflict)
	ErrTaskTerminal   = fmt.Errorf("%w: task already finished", ErrConflict)
	ErrRoomLocked     = fmt.Errorf("%w: room already locked", ErrConflict)
	ErrRoomExists     = fmt.Errorf("%w: room name taken", ErrConflict)

	ErrNotAssignee = fmt.Errorf("%w: only the assignee may do this", ErrForbidden)
	ErrNotCreator  = fmt.Errorf("%w: only the creator may do this", ErrForbidden)
	ErrNotEligible = fmt.Errorf("%w: task is not routed to this agent", ErrForbidden)
	ErrNotMember   = fmt.Errorf("%w: not a member of this room", ErrForbidden)
	ErrKeyRequired = fmt.Errorf("%w: room key required", ErrForbidden)
	ErrInvalidKey  = fmt.Errorf("%w: invalid room key", ErrForbidden)
)

// Kind returns the error kind wrapped by err, or nil if err is not one of
// the registry errors.
func Kind(err error) error {
	for _, kind := range []error{ErrUnauthorized, ErrNotFound, ErrConflict, ErrForbidden, ErrTimeout, ErrInvalid} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code returns a stable machine-readable name for the kind of err.
func Code(err error) string {
	switch Kind(err) {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrForbidden:
		return "forbidden"
	case ErrTimeout:
		return "timeout"
	case ErrInvalid:
		return "invalid"
	}
	return "internal"
}
