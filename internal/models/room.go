package models

import (
	"fmt"
	"time"
)

// RoomKind distinguishes one-to-one rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// ParseRoomKind validates a wire kind. Empty defaults to direct.
func ParseRoomKind(raw string) (RoomKind, error) {
	switch RoomKind(raw) {
	case "", RoomDirect:
		return RoomDirect, nil
	case RoomGroup:
		return RoomGroup, nil
	}
	return "", fmt.Errorf("%w: unknown room kind %q", ErrValidation, raw)
}

// GroupInfo carries metadata that only group rooms have.
type GroupInfo struct {
	Description string    `json:"description"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	Admins      []string  `json:"admins"`
}

// Room is the server-side state of a chat room. Rooms are never deleted.
type Room struct {
	ID           string     `json:"id"`
	Kind         RoomKind   `json:"type"`
	Name         string     `json:"name,omitempty"`
	Participants []string   `json:"participants"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	GroupInfo    *GroupInfo `json:"groupInfo,omitempty"`
}

// Clone returns a deep copy of the room.
func (r Room) Clone() Room {
	out := r
	out.Participants = append([]string(nil), r.Participants...)
	if r.GroupInfo != nil {
		gi := *r.GroupInfo
		gi.Admins = append([]string(nil), r.GroupInfo.Admins...)
		out.GroupInfo = &gi
	}
	return out
}

// HasParticipant reports whether deviceID belongs to the room.
func (r Room) HasParticipant(deviceID string) bool {
	for _, p := range r.Participants {
		if p == deviceID {
			return true
		}
	}
	return false
}

// RoomFlag is a per-device room preference.
type RoomFlag string

const (
	FlagPinned RoomFlag = "pinned"
	FlagMuted  RoomFlag = "muted"
)

// ParseRoomFlag validates a wire flag name.
func ParseRoomFlag(raw string) (RoomFlag, error) {
	switch RoomFlag(raw) {
	case FlagPinned, FlagMuted:
		return RoomFlag(raw), nil
	}
	return "", fmt.Errorf("%w: unknown room flag %q", ErrValidation, raw)
}

// RoomPrefs are the pin/mute preferences one device holds for one room.
type RoomPrefs struct {
	Pinned bool `json:"isPinned"`
	Muted  bool `json:"isMuted"`
}

// RoomView is a room as presented to one device.
type RoomView struct {
	Room
	Members     []Device `json:"members"`
	UnreadCount int      `json:"unreadCount"`
	RoomPrefs
}

// Snapshot is the persisted state of a room.
type Snapshot struct {
	Room     Room      `json:"room"`
	Messages []Message `json:"messages"`
}
