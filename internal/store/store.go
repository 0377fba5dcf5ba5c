// Package store holds the in-memory coordination state of the relay: the
// agent registry, the room registry and the task store.
//
// Each registry guards its records with its own lock and hands out copies.
// Registries never call into each other while holding their own lock, and
// no registry performs network I/O under a lock.
package store

import (
	"fmt"

	"github.com/antonstjernquist/merge/internal/models"
)

// Recorder receives an append-only copy of task and message events. It
// must not block.
type Recorder interface {
	RecordTask(event string, task models.Task)
	RecordMessage(msg models.RoomMessage)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordTask(string, models.Task) {}
func (NopRecorder) RecordMessage(models.RoomMessage) {}

// Notifier delivers task lifecycle events to connected agents. Calls are
// best effort and happen after the state change is committed.
type Notifier interface {
	SendToAgent(agentID, kind string, payload any)
	BroadcastToRoom(roomID, kind string, payload any, exclude ...string)
	BroadcastToSkill(roomID, skill, kind string, payload any, exclude ...string)
	BroadcastToWorkers(roomID, kind string, payload any, exclude ...string)
}

type nopNotifier struct{}

func (nopNotifier) SendToAgent(string, string, any) {}
func (nopNotifier) BroadcastToRoom(string, string, any, ...string) {}
func (nopNotifier) BroadcastToSkill(string, string, string, any, ...string) {}
func (nopNotifier) BroadcastToWorkers(string, string, any, ...string) {}

func wrapInvalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
