package broadcast

import (
	"context"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
	"chat-relay/internal/store"
)

// EnsureRoom creates roomID with the given defaults unless it already exists,
// in which case the existing room is returned unchanged.
func (e *Engine) EnsureRoom(ctx context.Context, roomID string, kind models.RoomKind, defaults store.RoomDefaults) (models.Room, bool, error) {
	unlock := e.lockRoom(roomID)
	defer unlock()

	if e.loadRoom(ctx, roomID) {
		room, err := e.rooms.Get(roomID)
		return room, false, err
	}
	room, created := e.rooms.EnsureRoom(roomID, kind, defaults)
	if created {
		e.persist(ctx, roomID)
		e.publish(ctx, "room_created", roomID, "", map[string]interface{}{"kind": string(kind)})
	}
	return room, created, nil
}

// UpdateMembership replaces the participant set. Devices that are no longer
// members stop receiving the room's events.
func (e *Engine) UpdateMembership(ctx context.Context, roomID string, participants []string) (models.Room, error) {
	unlock := e.lockRoom(roomID)
	defer unlock()

	if _, err := e.requireRoom(ctx, roomID); err != nil {
		return models.Room{}, err
	}
	room, err := e.rooms.UpdateMembership(roomID, participants)
	if err != nil {
		return models.Room{}, err
	}
	for _, id := range e.registry.ActiveIn(roomID) {
		if !room.HasParticipant(id) {
			e.registry.Deactivate(id, roomID)
		}
	}
	for _, p := range room.Participants {
		e.fanout(without(e.registry.ActiveIn(roomID), p), protocol.PresenceEvent{RoomID: roomID, Presence: e.presence.Get(p)})
	}
	e.persist(ctx, roomID)
	e.publish(ctx, "membership_updated", roomID, "", map[string]interface{}{"participants": room.Participants})
	return room, nil
}

// RoomView returns the room as seen by deviceID, with member presence.
// deviceID may be empty for an anonymous view.
func (e *Engine) RoomView(ctx context.Context, roomID, deviceID string) (models.RoomView, error) {
	unlock := e.lockRoom(roomID)
	defer unlock()

	room, err := e.requireRoom(ctx, roomID)
	if err != nil {
		return models.RoomView{}, err
	}
	view := models.RoomView{Room: room, Members: e.presence.Devices(room.Participants)}
	if deviceID != "" {
		view.UnreadCount = e.rooms.Unread(roomID, deviceID)
		view.RoomPrefs = e.rooms.Prefs(roomID, deviceID)
	}
	return view, nil
}

// Messages returns the ordered message list of a room.
func (e *Engine) Messages(ctx context.Context, roomID string) ([]models.Message, error) {
	unlock := e.lockRoom(roomID)
	defer unlock()

	if _, err := e.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return e.messages.List(roomID)
}

// Presence returns the presence of each listed device.
func (e *Engine) Presence(deviceIDs []string) []models.Presence {
	out := make([]models.Presence, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		out = append(out, e.presence.Get(id))
	}
	return out
}

// Online filters deviceIDs down to the ones currently online.
func (e *Engine) Online(deviceIDs []string) []string {
	return e.presence.GetOnline(deviceIDs)
}
