package store

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antonstjernquist/merge/internal/crypto"
	"github.com/antonstjernquist/merge/internal/models"
)

const (
	// MaxMessagesPerRoom is the default history capacity of a room.
	MaxMessagesPerRoom = 100
	// DefaultMessageLimit is the page size used when a caller asks for no limit.
	DefaultMessageLimit = 50
	// DefaultRoomName names the room that exists from startup.
	DefaultRoomName = "default"
)

// RoomOptions configures a RoomRegistry.
type RoomOptions struct {
	DefaultRoom string
	MaxMessages int
	Now         func() time.Time
	Recorder    Recorder
}

type roomEntry struct {
	room     models.Room
	members  map[string]struct{}
	messages *ring[models.RoomMessage]
}

func (e *roomEntry) snapshot() models.Room {
	r := e.room
	if e.room.CreatedBy != nil {
		by := *e.room.CreatedBy
		r.CreatedBy = &by
	}
	r.MemberIDs = make([]string, 0, len(e.members))
	for id := range e.members {
		r.MemberIDs = append(r.MemberIDs, id)
	}
	sort.Strings(r.MemberIDs)
	return r
}

// RoomRegistry owns rooms, their membership, lock state and chat history.
type RoomRegistry struct {
	mu          sync.RWMutex
	rooms       map[string]*roomEntry
	byName      map[string]string
	defaultID   string
	maxMessages int
	now         func() time.Time
	recorder    Recorder
}

// NewRoomRegistry creates a registry holding the default room.
func NewRoomRegistry(opts RoomOptions) *RoomRegistry {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = DefaultRoomName
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = MaxMessagesPerRoom
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	r := &RoomRegistry{
		rooms:       make(map[string]*roomEntry),
		byName:      make(map[string]string),
		maxMessages: opts.MaxMessages,
		now:         opts.Now,
		recorder:    opts.Recorder,
	}
	r.mu.Lock()
	r.defaultID = r.createLocked(opts.DefaultRoom, "", "").room.ID
	r.mu.Unlock()
	return r
}

// DefaultRoomID returns the id of the room created at startup.
func (r *RoomRegistry) DefaultRoomID() string {
	return r.defaultID
}

func (r *RoomRegistry) createLocked(name, createdBy, keyHash string) *roomEntry {
	e := &roomEntry{
		room: models.Room{
			ID:        crypto.NewID(),
			Name:      name,
			CreatedAt: r.now().UTC(),
			IsLocked:  keyHash != "",
			KeyHash:   keyHash,
		},
		members:  make(map[string]struct{}),
		messages: newRing[models.RoomMessage](r.maxMessages),
	}
	if createdBy != "" {
		e.room.CreatedBy = &createdBy
	}
	r.rooms[e.room.ID] = e
	r.byName[name] = e.room.ID
	return e
}

// lookupLocked resolves a room id first, then a room name.
func (r *RoomRegistry) lookupLocked(nameOrID string) *roomEntry {
	if e, ok := r.rooms[nameOrID]; ok {
		return e
	}
	if id, ok := r.byName[nameOrID]; ok {
		return r.rooms[id]
	}
	return nil
}

// Get returns a room by id or name.
func (r *RoomRegistry) Get(nameOrID string) (models.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.lookupLocked(nameOrID)
	if e == nil {
		return models.Room{}, ErrRoomNotFound
	}
	return e.snapshot(), nil
}

// GetOrCreate returns the room with the given id or name, creating an
// unlocked room named nameOrID if neither exists.
func (r *RoomRegistry) GetOrCreate(nameOrID, createdBy string) (models.Room, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return models.Room{}, ErrEmptyRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.lookupLocked(nameOrID); e != nil {
		return e.snapshot(), nil
	}
	return r.createLocked(nameOrID, createdBy, "").snapshot(), nil
}

// Create makes a new room. A non-empty key locks the room at creation.
func (r *RoomRegistry) Create(name, createdBy, key string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, ErrEmptyRoomName
	}

	var keyHash string
	if key != "" {
		hash, err := crypto.HashKey(key)
		if err != nil {
			return models.Room{}, wrapInvalid(err)
		}
		keyHash = hash
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return models.Room{}, ErrRoomExists
	}
	e := r.createLocked(name, createdBy, keyHash)
	return e.snapshot(), nil
}

// List returns every room, oldest first.
func (r *RoomRegistry) List() []models.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Room, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Join adds agentID to a room. A locked room requires a matching key unless
// the agent is already a member. A key supplied by the first joiner of an
// empty unlocked room locks it; once the room has members such a key is
// ignored and the room stays open.
func (r *RoomRegistry) Join(roomID, agentID, key string) (models.Room, error) {
	for {
		r.mu.RLock()
		e := r.lookupLocked(roomID)
		if e == nil {
			r.mu.RUnlock()
			return models.Room{}, ErrRoomNotFound
		}
		_, member := e.members[agentID]
		locked, keyHash := e.room.IsLocked, e.room.KeyHash
		r.mu.RUnlock()

		// bcrypt runs without the lock held
		var newHash string
		switch {
		case member:
		case locked && key == "":
			return models.Room{}, ErrKeyRequired
		case locked:
			if err := crypto.CompareKey(keyHash, key); err != nil {
				return models.Room{}, ErrInvalidKey
			}
		case key != "":
			hash, err := crypto.HashKey(key)
			if err != nil {
				return models.Room{}, wrapInvalid(err)
			}
			newHash = hash
		}

		r.mu.Lock()
		if e.room.IsLocked != locked {
			// locked by someone else in between; validate again
			r.mu.Unlock()
			continue
		}
		if newHash != "" && len(e.members) == 0 {
			e.room.IsLocked = true
			e.room.KeyHash = newHash
			by := agentID
			e.room.CreatedBy = &by
		}
		e.members[agentID] = struct{}{}
		room := e.snapshot()
		r.mu.Unlock()
		return room, nil
	}
}

// Leave removes agentID from a room. It reports whether the agent was a member.
func (r *RoomRegistry) Leave(roomID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(roomID)
	if e == nil {
		return false
	}
	if _, ok := e.members[agentID]; !ok {
		return false
	}
	delete(e.members, agentID)
	return true
}

// LeaveAll removes agentID from every room and returns the ids it left.
func (r *RoomRegistry) LeaveAll(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for id, e := range r.rooms {
		if _, ok := e.members[agentID]; ok {
			delete(e.members, agentID)
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

// RoomsOf returns the ids of every room agentID belongs to.
func (r *RoomRegistry) RoomsOf(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.rooms {
		if _, ok := e.members[agentID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Lock locks an unlocked room with key. Only the first call for a room
// succeeds; later calls get ErrRoomLocked.
func (r *RoomRegistry) Lock(roomID, key, by string) error {
	hash, err := crypto.HashKey(key)
	if err != nil {
		return wrapInvalid(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(roomID)
	if e == nil {
		return ErrRoomNotFound
	}
	if e.room.IsLocked {
		return ErrRoomLocked
	}
	e.room.IsLocked = true
	e.room.KeyHash = hash
	if by != "" {
		e.room.CreatedBy = &by
	}
	return nil
}

// ValidateKey reports whether key opens the room. Unlocked rooms accept any key.
func (r *RoomRegistry) ValidateKey(roomID, key string) bool {
	r.mu.RLock()
	e := r.lookupLocked(roomID)
	if e == nil {
		r.mu.RUnlock()
		return false
	}
	locked, hash := e.room.IsLocked, e.room.KeyHash
	r.mu.RUnlock()

	if !locked {
		return true
	}
	return crypto.CompareKey(hash, key) == nil
}

// IsMember reports whether agentID belongs to the room.
func (r *RoomRegistry) IsMember(roomID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.lookupLocked(roomID)
	if e == nil {
		return false
	}
	_, ok := e.members[agentID]
	return ok
}

// ListAgentIDs returns the members of a room in a stable order.
func (r *RoomRegistry) ListAgentIDs(roomID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.lookupLocked(roomID)
	if e == nil {
		return nil, ErrRoomNotFound
	}
	return e.snapshot().MemberIDs, nil
}

// AddMessage appends a message to the room history, evicting the oldest
// entry when the history is full. An empty to addresses the whole room.
func (r *RoomRegistry) AddMessage(roomID, from, content, to string) (models.RoomMessage, error) {
	if strings.TrimSpace(content) == "" {
		return models.RoomMessage{}, ErrEmptyContent
	}

	r.mu.Lock()
	e := r.lookupLocked(roomID)
	if e == nil {
		r.mu.Unlock()
		return models.RoomMessage{}, ErrRoomNotFound
	}
	msg := models.RoomMessage{
		ID:          crypto.NewMessageID(),
		RoomID:      e.room.ID,
		FromAgentID: from,
		Content:     content,
		Timestamp:   r.now().UTC(),
	}
	if to != "" {
		msg.ToAgentID = &to
	}
	e.messages.push(msg)
	r.mu.Unlock()

	r.recorder.RecordMessage(msg)
	return msg, nil
}

// ListMessages returns at most limit of the newest messages posted after
// since, oldest first. A limit of zero or less uses DefaultMessageLimit.
func (r *RoomRegistry) ListMessages(roomID string, limit int, since time.Time) ([]models.RoomMessage, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	r.mu.RLock()
	e := r.lookupLocked(roomID)
	if e == nil {
		r.mu.RUnlock()
		return nil, ErrRoomNotFound
	}
	all := e.messages.last(0)
	r.mu.RUnlock()

	if !since.IsZero() {
		all = slices.DeleteFunc(all, func(m models.RoomMessage) bool {
			return !m.Timestamp.After(since)
		})
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i := range all {
		if all[i].ToAgentID != nil {
			to := *all[i].ToAgentID
			all[i].ToAgentID = &to
		}
	}
	return all, nil
}
