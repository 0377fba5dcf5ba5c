package store

import (
	"github.com/antonstjernquist/merge/internal/models"
)

// eligible reports whether agent may see and accept task under its target.
// Room membership is checked by the caller.
func eligible(task *models.Task, agent models.Agent) bool {
	if task.FromAgentID == agent.ID {
		return false
	}
	switch task.Target.Kind() {
	case models.TargetAgentID:
		return agent.ID == task.Target.Value()
	case models.TargetAgentName:
		return agent.Name == task.Target.Value()
	case models.TargetSkill:
		return agent.HasSkill(task.Target.Value())
	default:
		return agent.Role.Works()
	}
}

// route announces a newly created task to the agents its target selects.
// An agent name that does not resolve in the room is not an error: nobody
// is notified and the task waits to be picked up by polling.
func (s *TaskStore) route(task models.Task) {
	payload := models.RoomTaskPayload{Task: task, RoomID: task.RoomID}
	from := task.FromAgentID

	switch task.Target.Kind() {
	case models.TargetAgentID:
		if id := task.Target.Value(); id != from {
			s.notify.SendToAgent(id, models.KindRoomTask, payload)
		}
	case models.TargetAgentName:
		agent, ok := s.agents.FindByName(task.Target.Value(), task.RoomID)
		if !ok || agent.ID == from {
			s.log.Debug().
				Str("task_id", task.ID).
				Str("agent_name", task.Target.Value()).
				Msg("task target name not resolved, nobody notified")
			return
		}
		s.notify.SendToAgent(agent.ID, models.KindRoomTask, payload)
	case models.TargetSkill:
		s.notify.BroadcastToSkill(task.RoomID, task.Target.Value(), models.KindRoomTask, payload, from)
	default:
		s.notify.BroadcastToWorkers(task.RoomID, models.KindRoomTask, payload, from)
	}
}
