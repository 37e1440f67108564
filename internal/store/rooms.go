// Package store holds the in-memory room and message state of one relay
// instance. Callers are expected to serialize mutations per room.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-relay/internal/models"
)

// RoomDefaults seeds a room created by EnsureRoom.
type RoomDefaults struct {
	Name         string
	Participants []string
	GroupInfo    *models.GroupInfo
}

type roomState struct {
	room   models.Room
	prefs  map[string]models.RoomPrefs
	unread map[string]int
}

// RoomStore maps room ids to their metadata, membership and per-device state.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	now   func() time.Time
}

// NewRoomStore creates an empty store. A nil clock uses time.Now.
func NewRoomStore(now func() time.Time) *RoomStore {
	if now == nil {
		now = time.Now
	}
	return &RoomStore{rooms: make(map[string]*roomState), now: now}
}

// EnsureRoom creates the room if absent and returns it. Existing metadata is
// never overwritten. The boolean reports whether the room was created.
func (s *RoomStore) EnsureRoom(roomID string, kind models.RoomKind, defaults RoomDefaults) (models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.rooms[roomID]; ok {
		return st.room.Clone(), false
	}

	created := s.now()
	room := models.Room{
		ID:           roomID,
		Kind:         kind,
		Name:         defaults.Name,
		Participants: normalizeParticipants(defaults.Participants),
		CreatedAt:    created,
		LastActivity: created,
	}
	if kind == models.RoomGroup {
		info := models.GroupInfo{CreatedAt: created}
		if defaults.GroupInfo != nil {
			info = *defaults.GroupInfo
			info.Admins = append([]string(nil), defaults.GroupInfo.Admins...)
			if info.CreatedAt.IsZero() {
				info.CreatedAt = created
			}
		}
		room.GroupInfo = &info
	}
	s.rooms[roomID] = newRoomState(room)
	return room.Clone(), true
}

// Restore installs a room loaded from a snapshot unless it is already known.
func (s *RoomStore) Restore(room models.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return false
	}
	room = room.Clone()
	room.Participants = normalizeParticipants(room.Participants)
	s.rooms[room.ID] = newRoomState(room)
	return true
}

func newRoomState(room models.Room) *roomState {
	return &roomState{
		room:   room,
		prefs:  make(map[string]models.RoomPrefs),
		unread: make(map[string]int),
	}
}

// Exists reports whether the room is known.
func (s *RoomStore) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Get returns a copy of the room or ErrRoomNotFound.
func (s *RoomStore) Get(roomID string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	return st.room.Clone(), nil
}

// List returns every room ordered by most recent activity.
func (s *RoomStore) List() []models.Room {
	s.mu.RLock()
	out := make([]models.Room, 0, len(s.rooms))
	for _, st := range s.rooms {
		out = append(out, st.room.Clone())
	}
	s.mu.RUnlock()
	sortByActivity(out)
	return out
}

// RoomsFor returns the rooms deviceID participates in.
func (s *RoomStore) RoomsFor(deviceID string) []models.Room {
	s.mu.RLock()
	var out []models.Room
	for _, st := range s.rooms {
		if st.room.HasParticipant(deviceID) {
			out = append(out, st.room.Clone())
		}
	}
	s.mu.RUnlock()
	sortByActivity(out)
	return out
}

// UpdateMembership replaces the participant set of a room.
func (s *RoomStore) UpdateMembership(roomID string, participants []string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	st.room.Participants = normalizeParticipants(participants)
	keep := make(map[string]struct{}, len(st.room.Participants))
	for _, p := range st.room.Participants {
		keep[p] = struct{}{}
	}
	for id := range st.unread {
		if _, ok := keep[id]; !ok {
			delete(st.unread, id)
		}
	}
	return st.room.Clone(), nil
}

// AddParticipant adds deviceID to the room if it is not already a member.
func (s *RoomStore) AddParticipant(roomID, deviceID string) (models.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, false, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	if st.room.HasParticipant(deviceID) {
		return st.room.Clone(), false, nil
	}
	st.room.Participants = normalizeParticipants(append(st.room.Participants, deviceID))
	return st.room.Clone(), true, nil
}

// SetFlag stores a pin or mute preference for one device. Flags are never
// shared with other participants.
func (s *RoomStore) SetFlag(roomID, deviceID string, flag models.RoomFlag, value bool) (models.RoomPrefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return models.RoomPrefs{}, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	prefs := st.prefs[deviceID]
	switch flag {
	case models.FlagPinned:
		prefs.Pinned = value
	case models.FlagMuted:
		prefs.Muted = value
	default:
		return models.RoomPrefs{}, fmt.Errorf("%w: unknown room flag %q", models.ErrValidation, flag)
	}
	st.prefs[deviceID] = prefs
	return prefs, nil
}

// Prefs returns the preferences deviceID holds for the room.
func (s *RoomStore) Prefs(roomID, deviceID string) models.RoomPrefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.rooms[roomID]; ok {
		return st.prefs[deviceID]
	}
	return models.RoomPrefs{}
}

// SetLastActivity records the room's last activity timestamp.
func (s *RoomStore) SetLastActivity(roomID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	st.room.LastActivity = at
	return nil
}

// IncrementUnread bumps and returns the unread counter of deviceID.
func (s *RoomStore) IncrementUnread(roomID, deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	st.unread[deviceID]++
	return st.unread[deviceID]
}

// ResetUnread clears the unread counter of deviceID.
func (s *RoomStore) ResetUnread(roomID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.rooms[roomID]; ok {
		delete(st.unread, deviceID)
	}
}

// Unread returns the unread counter of deviceID.
func (s *RoomStore) Unread(roomID, deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.rooms[roomID]; ok {
		return st.unread[deviceID]
	}
	return 0
}

func normalizeParticipants(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortByActivity(rooms []models.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].LastActivity.Equal(rooms[j].LastActivity) {
			return rooms[i].LastActivity.After(rooms[j].LastActivity)
		}
		return rooms[i].ID < rooms[j].ID
	})
}
