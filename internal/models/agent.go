package models

import (
	"slices"
	"time"
)

// Role describes what kind of work an agent takes part in.
type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
	RoleBoth   Role = "both"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLeader, RoleWorker, RoleBoth:
		return true
	}
	return false
}

// Works reports whether agents with this role pick up untargeted tasks.
func (r Role) Works() bool {
	return r == RoleWorker || r == RoleBoth
}

// Agent represents a participant connected to the relay.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	Skills        []string  `json:"skills"`
	CurrentRoomID *string   `json:"currentRoomId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	IsConnected   bool      `json:"isConnected"`
}

// HasSkill reports whether the agent advertises skill.
func (a Agent) HasSkill(skill string) bool {
	return slices.Contains(a.Skills, skill)
}

// Clone returns a copy that shares no slices or pointers with a.
func (a Agent) Clone() Agent {
	c := a
	c.Skills = slices.Clone(a.Skills)
	if c.Skills == nil {
		c.Skills = []string{}
	}
	if a.CurrentRoomID != nil {
		room := *a.CurrentRoomID
		c.CurrentRoomID = &room
	}
	return c
}

// AgentRef is the short form of an agent embedded in events.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ref returns the short form of a.
func (a Agent) Ref() AgentRef {
	return AgentRef{ID: a.ID, Name: a.Name}
}
