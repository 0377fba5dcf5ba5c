package models

import (
	"encoding/json"
	"errors"
)

// ErrInvalidTarget is returned when a target does not name exactly one variant.
var ErrInvalidTarget = errors.New("target must set exactly one of agentId, agentName, skill, broadcast")

// TargetKind identifies the variant held by a Target.
type TargetKind int

const (
	TargetAgentID TargetKind = iota + 1
	TargetAgentName
	TargetSkill
	TargetBroadcast
)

func (k TargetKind) String() string {
	switch k {
	case TargetAgentID:
		return "agent_id"
	case TargetAgentName:
		return "agent_name"
	case TargetSkill:
		return "skill"
	case TargetBroadcast:
		return "broadcast"
	}
	return "none"
}

// Target is the routing hint of a task. The zero value is not valid; use
// the constructors. A task without a target carries a nil *Target.
type Target struct {
	kind  TargetKind
	value string
}

// ToAgent routes a task to one agent by id.
func ToAgent(id string) *Target { return &Target{kind: TargetAgentID, value: id} }

// ToAgentNamed routes a task to the agent with the given name in the task's room.
func ToAgentNamed(name string) *Target { return &Target{kind: TargetAgentName, value: name} }

// ToSkill routes a task to every room member holding skill.
func ToSkill(skill string) *Target { return &Target{kind: TargetSkill, value: skill} }

// ToWorkers routes a task to every worker in the room.
func ToWorkers() *Target { return &Target{kind: TargetBroadcast} }

// Kind returns the variant of t. A nil target reports 0.
func (t *Target) Kind() TargetKind {
	if t == nil {
		return 0
	}
	return t.kind
}

// Value returns the agent id, agent name or skill held by t.
func (t *Target) Value() string {
	if t == nil {
		return ""
	}
	return t.value
}

type targetJSON struct {
	AgentID   *string `json:"agentId,omitempty"`
	AgentName *string `json:"agentName,omitempty"`
	Skill     *string `json:"skill,omitempty"`
	Broadcast bool    `json:"broadcast,omitempty"`
}

// MarshalJSON encodes t as an object with a single key.
func (t Target) MarshalJSON() ([]byte, error) {
	var out targetJSON
	v := t.value
	switch t.kind {
	case TargetAgentID:
		out.AgentID = &v
	case TargetAgentName:
		out.AgentName = &v
	case TargetSkill:
		out.Skill = &v
	case TargetBroadcast:
		out.Broadcast = true
	default:
		return nil, ErrInvalidTarget
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an object with exactly one of the variant keys.
func (t *Target) UnmarshalJSON(data []byte) error {
	var in targetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	var set []Target
	if in.AgentID != nil && *in.AgentID != "" {
		set = append(set, Target{kind: TargetAgentID, value: *in.AgentID})
	}
	if in.AgentName != nil && *in.AgentName != "" {
		set = append(set, Target{kind: TargetAgentName, value: *in.AgentName})
	}
	if in.Skill != nil && *in.Skill != "" {
		set = append(set, Target{kind: TargetSkill, value: *in.Skill})
	}
	if in.Broadcast {
		set = append(set, Target{kind: TargetBroadcast})
	}
	if len(set) != 1 {
		return ErrInvalidTarget
	}
	*t = set[0]
	return nil
}
