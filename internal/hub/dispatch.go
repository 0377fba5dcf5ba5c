package hub

import (
	"encoding/json"
	"fmt"

	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
	"github.com/antonstjernquist/merge/internal/store"
)

type joinRoomPayload struct {
	RoomID  string `json:"roomId"`
	RoomKey string `json:"roomKey,omitempty"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	ToAgentID string `json:"toAgentId,omitempty"`
}

type sendTaskPayload struct {
	RoomID      string         `json:"roomId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Blocking    bool           `json:"blocking"`
	ToAgentID   string         `json:"toAgentId,omitempty"`
	Target      *models.Target `json:"target,omitempty"`
}

type taskResultPayload struct {
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

var inboundKinds = map[string]bool{
	models.KindPing:         true,
	models.KindJoinRoom:     true,
	models.KindLeaveRoom:    true,
	models.KindSendMessage:  true,
	models.KindSendTask:     true,
	models.KindTaskProgress: true,
	models.KindTaskResult:   true,
}

// dispatch handles one inbound frame. Frames that cannot be decoded are
// logged and dropped; the connection stays open. Rejected operations are
// answered with an error event on the same connection.
func (h *Handler) dispatch(c *Client, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn().Err(err).Str("conn_id", c.id).Msg("invalid websocket frame")
		return
	}

	label := env.Type
	if !inboundKinds[label] {
		label = "unknown"
	}
	metrics.WSFramesReceived.WithLabelValues(label).Inc()
	h.agents.Touch(c.agentID)

	var err error
	switch env.Type {
	case models.KindPing:
		c.send(models.KindPong, struct{}{})
	case models.KindJoinRoom:
		var p joinRoomPayload
		if err = decode(env.Payload, &p); err == nil {
			err = h.joinRoom(c, p)
		}
	case models.KindLeaveRoom:
		var p leaveRoomPayload
		if err = decode(env.Payload, &p); err == nil {
			err = h.leaveRoom(c, p)
		}
	case models.KindSendMessage:
		var p sendMessagePayload
		if err = decode(env.Payload, &p); err == nil {
			err = h.sendMessage(c, p)
		}
	case models.KindSendTask:
		var p sendTaskPayload
		if err = decode(env.Payload, &p); err == nil {
			err = h.sendTask(c, p)
		}
	case models.KindTaskProgress:
		var p models.TaskProgressPayload
		if err = decode(env.Payload, &p); err == nil {
			err = h.tasks.ReportProgress(p.TaskID, c.agentID, p.Content)
		}
	case models.KindTaskResult:
		var p taskResultPayload
		if err = decode(env.Payload, &p); err == nil {
			_, err = h.tasks.SubmitResult(p.TaskID, c.agentID, models.TaskResult{
				Success: p.Success,
				Output:  p.Output,
				Error:   p.Error,
			})
		}
	default:
		h.log.Debug().Str("conn_id", c.id).Str("type", env.Type).Msg("unknown websocket frame type")
		return
	}

	if err != nil {
		h.log.Debug().Err(err).Str("conn_id", c.id).Str("type", env.Type).Msg("websocket frame rejected")
		c.send(models.KindError, models.ErrorPayload{Code: store.Code(err), Message: err.Error()})
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", store.ErrInvalid)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	return nil
}

func (h *Handler) resolveRoom(c *Client, roomID string) (models.Room, error) {
	if roomID == "" {
		if agent, err := h.agents.Get(c.agentID); err == nil && agent.CurrentRoomID != nil {
			roomID = *agent.CurrentRoomID
		} else {
			roomID = h.rooms.DefaultRoomID()
		}
	}
	return h.rooms.Get(roomID)
}

func (h *Handler) joinRoom(c *Client, p joinRoomPayload) error {
	room, err := h.rooms.GetOrCreate(p.RoomID, c.agentID)
	if err != nil {
		return err
	}
	room, err = h.rooms.Join(room.ID, c.agentID, p.RoomKey)
	if err != nil {
		return err
	}
	agent, err := h.agents.Get(c.agentID)
	if err != nil {
		return err
	}
	h.agents.SetCurrentRoom(c.agentID, room.ID)
	h.hub.BroadcastToRoom(room.ID, models.KindRoomJoined, models.RoomJoinedPayload{Room: room, Agent: agent.Ref()})
	return nil
}

func (h *Handler) leaveRoom(c *Client, p leaveRoomPayload) error {
	room, err := h.rooms.Get(p.RoomID)
	if err != nil {
		return err
	}
	if !h.rooms.Leave(room.ID, c.agentID) {
		return store.ErrNotMember
	}
	ref := models.AgentRef{ID: c.agentID}
	if agent, err := h.agents.Get(c.agentID); err == nil {
		ref = agent.Ref()
		if agent.CurrentRoomID != nil && *agent.CurrentRoomID == room.ID {
			h.agents.SetCurrentRoom(c.agentID, "")
		}
	}
	h.hub.BroadcastToRoom(room.ID, models.KindRoomLeft, models.RoomLeftPayload{RoomID: room.ID, Agent: ref})
	return nil
}

func (h *Handler) sendMessage(c *Client, p sendMessagePayload) error {
	room, err := h.resolveRoom(c, p.RoomID)
	if err != nil {
		return err
	}
	if !h.rooms.IsMember(room.ID, c.agentID) {
		return store.ErrNotMember
	}
	msg, err := h.rooms.AddMessage(room.ID, c.agentID, p.Content, p.ToAgentID)
	if err != nil {
		return err
	}
	h.hub.DeliverMessage(msg)
	return nil
}

func (h *Handler) sendTask(c *Client, p sendTaskPayload) error {
	room, err := h.resolveRoom(c, p.RoomID)
	if err != nil {
		return err
	}
	_, err = h.tasks.Create(store.NewTask{
		FromAgentID: c.agentID,
		RoomID:      room.ID,
		Title:       p.Title,
		Description: p.Description,
		Blocking:    p.Blocking,
		Target:      p.Target,
		ToAgentID:   p.ToAgentID,
	})
	return err
}
