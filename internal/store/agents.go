package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/metrics"
	"github.com/antonstjernquist/merge/internal/models"
)

const (
	// DefaultSessionTimeout is how long an agent may stay silent before the
	// sweep evicts it.
	DefaultSessionTimeout = time.Hour
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = time.Minute

	maxAgentIDLen = 128
)

// AgentOptions configures an AgentRegistry.
type AgentOptions struct {
	SessionTimeout time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger
}

// AgentRegistry owns agent identities and liveness. Room scoped lookups go
// through the RoomRegistry passed at construction.
type AgentRegistry struct {
	mu      sync.RWMutex
	agents  map[string]*models.Agent
	rooms   *RoomRegistry
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(rooms *RoomRegistry, opts AgentOptions) *AgentRegistry {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AgentRegistry{
		agents:  make(map[string]*models.Agent),
		rooms:   rooms,
		timeout: opts.SessionTimeout,
		now:     opts.Now,
		log:     opts.Logger,
	}
}

// ConnectOrRefresh registers an agent. When id names an existing agent the
// record is updated in place: a non-empty name or role and non-nil skills
// replace the stored values. An empty or unknown id creates a new agent.
func (r *AgentRegistry) ConnectOrRefresh(id, name string, role models.Role, skills []string) (models.Agent, error) {
	if id != "" && !validAgentID(id) {
		return models.Agent{}, ErrInvalidAgentID
	}
	if role != "" && !role.Valid() {
		return models.Agent{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	name = strings.TrimSpace(name)
	skills = normalizeSkills(skills)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		if name != "" {
			a.Name = name
		}
		if role != "" {
			a.Role = role
		}
		if skills != nil {
			a.Skills = skills
		}
		if !a.IsConnected {
			a.ConnectedAt = now
		}
		a.IsConnected = true
		a.LastSeenAt = now
		return a.Clone(), nil
	}

	if id == "" {
		id = crypto.NewID()
	}
	if name == "" {
		name = "agent-" + id[:min(8, len(id))]
	}
	if role == "" {
		role = models.RoleBoth
	}
	a := &models.Agent{
		ID:          id,
		Name:        name,
		Role:        role,
		Skills:      skills,
		ConnectedAt: now,
		LastSeenAt:  now,
		IsConnected: true,
	}
	r.agents[id] = a
	r.log.Info().Str("agent_id", id).Str("name", name).Str("role", string(role)).Msg("agent connected")
	return a.Clone(), nil
}

// Disconnect removes an agent and its room memberships. It reports false
// for an unknown id.
func (r *AgentRegistry) Disconnect(id string) bool {
	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.rooms.LeaveAll(id)
	r.log.Info().Str("agent_id", id).Msg("agent disconnected")
	return true
}

// MarkOffline keeps the agent record but flags it as not connected.
func (r *AgentRegistry) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		a.IsConnected = false
		a.CurrentRoomID = nil
	}
}

// Touch refreshes the agent's last-seen time. It reports false for an
// unknown id.
func (r *AgentRegistry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if ok {
		a.LastSeenAt = r.now().UTC()
	}
	return ok
}

// SetCurrentRoom records the room the agent most recently joined.
func (r *AgentRegistry) SetCurrentRoom(id, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[id]; ok {
		if roomID == "" {
			a.CurrentRoomID = nil
		} else {
			a.CurrentRoomID = &roomID
		}
	}
}

// Get returns a copy of the agent with the given id.
func (r *AgentRegistry) Get(id string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return a.Clone(), nil
}

// List returns every known agent ordered by id.
func (r *AgentRegistry) List() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// inRoom returns the registered members of a room that satisfy keep.
func (r *AgentRegistry) inRoom(roomID string, keep func(*models.Agent) bool) []models.Agent {
	ids, err := r.rooms.ListAgentIDs(roomID)
	if err != nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Agent
	for _, id := range ids {
		if a, ok := r.agents[id]; ok && keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Members returns the registered agents of a room.
func (r *AgentRegistry) Members(roomID string) []models.Agent {
	return r.inRoom(roomID, func(*models.Agent) bool { return true })
}

// FindByName resolves a display name within one room. When several members
// share the name a connected one is preferred.
func (r *AgentRegistry) FindByName(name, roomID string) (models.Agent, bool) {
	matches := r.inRoom(roomID, func(a *models.Agent) bool { return a.Name == name })
	if len(matches) == 0 {
		return models.Agent{}, false
	}
	for _, a := range matches {
		if a.IsConnected {
			return a, true
		}
	}
	return matches[0], true
}

// FindBySkill returns the room members advertising skill.
func (r *AgentRegistry) FindBySkill(skill, roomID string) []models.Agent {
	return r.inRoom(roomID, func(a *models.Agent) bool { return a.HasSkill(skill) })
}

// FindWorkers returns the room members with role worker or both.
func (r *AgentRegistry) FindWorkers(roomID string) []models.Agent {
	return r.inRoom(roomID, func(a *models.Agent) bool { return a.Role.Works() })
}

// Sweep evicts every agent that has not been seen within the session
// timeout and returns their ids. A failure on one agent is logged and the
// sweep moves on.
func (r *AgentRegistry) Sweep(now time.Time) []string {
	var evicted []string

	r.mu.Lock()
	for id, a := range r.agents {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Str("agent_id", id).Interface("panic", p).Msg("sweep failed for agent")
				}
			}()
			if now.Sub(a.LastSeenAt) > r.timeout {
				delete(r.agents, id)
				evicted = append(evicted, id)
			}
		}()
	}
	r.mu.Unlock()

	for _, id := range evicted {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Str("agent_id", id).Interface("panic", p).Msg("sweep failed to release rooms")
				}
			}()
			r.rooms.LeaveAll(id)
		}()
		r.log.Info().Str("agent_id", id).Msg("session expired")
	}
	if len(evicted) > 0 {
		metrics.SweepEvictions.Add(float64(len(evicted)))
	}
	sort.Strings(evicted)
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *AgentRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func validAgentID(id string) bool {
	if len(id) > maxAgentIDLen {
		return false
	}
	for _, c := range id {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return false
		}
	}
	return true
}

// normalizeSkills trims, drops empty entries and removes duplicates. A nil
// input stays nil so callers can tell "not given" from "cleared".
func normalizeSkills(skills []string) []string {
	if skills == nil {
		return nil
	}
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
