package broadcast

import (
	"context"

	"chat-relay/internal/observability"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
)

// Run relays presence changes to the co-participants of the affected device
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	events, cancel := e.presence.Subscribe(256)
	defer cancel()

	online := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				online[ev.DeviceID] = struct{}{}
			} else {
				delete(online, ev.DeviceID)
			}
			observability.SetOnlineDevices(len(online))
			e.relayPresence(ev)
		}
	}
}

func (e *Engine) relayPresence(ev presence.Event) {
	p := ev.Presence()
	current := e.presence.Get(ev.DeviceID)
	p.DisplayName, p.Avatar = current.DisplayName, current.Avatar
	for _, room := range e.rooms.RoomsFor(ev.DeviceID) {
		recipients := without(e.registry.ActiveIn(room.ID), ev.DeviceID)
		if len(recipients) == 0 {
			continue
		}
		e.fanout(recipients, protocol.PresenceEvent{RoomID: room.ID, Presence: p})
		if !ev.Online {
			// A device that dropped cannot clear its own typing flag.
			e.fanout(recipients, protocol.TypingEvent{RoomID: room.ID, DeviceID: ev.DeviceID, IsTyping: false})
		}
	}
}

// relayProfile tells co-participants viewing a room about a new display name
// or avatar of deviceID.
func (e *Engine) relayProfile(deviceID string) {
	p := e.presence.Get(deviceID)
	for _, room := range e.rooms.RoomsFor(deviceID) {
		e.fanout(without(e.registry.ActiveIn(room.ID), deviceID), protocol.PresenceEvent{RoomID: room.ID, Presence: p})
	}
}
