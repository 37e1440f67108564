package syncmgr

import (
	"fmt"
	"sort"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
)

// Entry is a message as held in the local mirror. Failed marks an
// optimistic send that was never acknowledged.
type Entry struct {
	models.Message
	Failed bool `json:"failed,omitempty"`
}

// RoomSummary is one row of the chat list.
type RoomSummary struct {
	ID           string
	LastActivity time.Time
	LastMessage  *models.Message
	UnreadCount  int
	Active       bool
	models.RoomPrefs
}

type roomMirror struct {
	id           string
	kind         models.RoomKind
	entries      []Entry
	lastActivity time.Time
	lastMessage  *models.Message
	unread       int
	prefs        models.RoomPrefs
	typing       map[string]time.Time
}

func newRoomMirror(id string) *roomMirror {
	return &roomMirror{id: id, typing: make(map[string]time.Time)}
}

func (m *Manager) roomLocked(roomID string) *roomMirror {
	r, ok := m.rooms[roomID]
	if !ok {
		r = newRoomMirror(roomID)
		m.rooms[roomID] = r
	}
	return r
}

func (r *roomMirror) find(id string) int {
	for i := range r.entries {
		if r.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// findLocal returns the optimistic entry for clientID. Optimistic entries use
// the client id as their id until the relay assigns one.
func (r *roomMirror) findLocal(clientID string) int {
	for i := range r.entries {
		if r.entries[i].ID == clientID && r.entries[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (r *roomMirror) remove(i int) {
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

func (r *roomMirror) insert(e Entry) {
	i := sort.Search(len(r.entries), func(i int) bool { return models.Less(e.Message, r.entries[i].Message) })
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// upsert stores msg, keeping whichever status is further along.
func (r *roomMirror) upsert(msg models.Message) {
	if i := r.find(msg.ID); i >= 0 {
		if msg.Status.Before(r.entries[i].Status) {
			msg.Status = r.entries[i].Status
		}
		r.remove(i)
	}
	r.insert(Entry{Message: msg})
}

// refresh recomputes the chat-list preview from the entries.
func (r *roomMirror) refresh() {
	r.lastMessage = nil
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !r.entries[i].IsDeleted {
			msg := r.entries[i].Message.Clone()
			r.lastMessage = &msg
			break
		}
	}
	if r.lastMessage != nil && r.lastMessage.CreatedAt.After(r.lastActivity) {
		r.lastActivity = r.lastMessage.CreatedAt
	}
}

// localEntries returns the optimistic entries that are still pending or
// failed, which a server list cannot know about yet.
func (m *Manager) localEntries(r *roomMirror) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.ID != e.ClientID || e.SenderID != m.cfg.DeviceID {
			continue
		}
		if _, pending := m.pending[e.ClientID]; pending || e.Failed {
			out = append(out, e)
		}
	}
	return out
}

func normalize(msg models.Message) models.Message {
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}
	return msg
}

// applyLocked folds one relay event into the mirror. It returns the receipts
// to send back and the notifications to publish.
func (m *Manager) applyLocked(ev protocol.Outbound) ([]protocol.Inbound, []Event) {
	me := m.cfg.DeviceID
	var acks []protocol.Inbound

	switch ev := ev.(type) {
	case protocol.MessageEvent:
		r := m.roomLocked(ev.RoomID)
		msg := normalize(ev.Message)
		if msg.SenderID == me && msg.ClientID != "" {
			delete(m.pending, msg.ClientID)
			if i := r.findLocal(msg.ClientID); i >= 0 {
				r.remove(i)
			}
		}
		if msg.SenderID != me && msg.Status.Before(models.StatusDelivered) && !msg.IsDeleted {
			msg.Status = models.StatusDelivered
			acks = append(acks, protocol.MessageStatus{RoomID: ev.RoomID, MessageID: msg.ID, Status: models.StatusDelivered})
		}
		r.upsert(msg)
		r.refresh()
		return acks, []Event{{Kind: EventMessages, RoomID: ev.RoomID, MessageID: msg.ID}}

	case protocol.MessageList:
		r := m.roomLocked(ev.RoomID)
		local := m.localEntries(r)
		r.entries = r.entries[:0]
		acked := make(map[string]struct{})
		for _, msg := range ev.Messages {
			msg = normalize(msg)
			if msg.SenderID == me && msg.ClientID != "" {
				acked[msg.ClientID] = struct{}{}
				delete(m.pending, msg.ClientID)
			}
			if msg.SenderID != me && msg.Status.Before(models.StatusDelivered) && !msg.IsDeleted {
				msg.Status = models.StatusDelivered
				acks = append(acks, protocol.MessageStatus{RoomID: ev.RoomID, MessageID: msg.ID, Status: models.StatusDelivered})
			}
			r.insert(Entry{Message: msg})
		}
		for _, e := range local {
			if _, ok := acked[e.ClientID]; !ok {
				r.insert(e)
			}
		}
		r.refresh()
		return acks, []Event{{Kind: EventMessages, RoomID: ev.RoomID}}

	case protocol.MessageDeleted:
		r := m.roomLocked(ev.RoomID)
		if i := r.find(ev.MessageID); i >= 0 {
			r.entries[i].IsDeleted = true
			r.refresh()
		}
		return nil, []Event{{Kind: EventMessages, RoomID: ev.RoomID, MessageID: ev.MessageID}}

	case protocol.ChatCleared:
		r := m.roomLocked(ev.RoomID)
		r.entries = m.localEntries(r)
		r.unread = 0
		r.refresh()
		return nil, []Event{{Kind: EventMessages, RoomID: ev.RoomID}, {Kind: EventRooms, RoomID: ev.RoomID}}

	case protocol.ReactionAdded:
		r := m.roomLocked(ev.RoomID)
		if i := r.find(ev.MessageID); i >= 0 {
			r.entries[i].Reactions = append(r.entries[i].Reactions, ev.Reaction)
		}
		return nil, []Event{{Kind: EventMessages, RoomID: ev.RoomID, MessageID: ev.MessageID}}

	case protocol.TypingEvent:
		if ev.DeviceID == me {
			return nil, nil
		}
		r := m.roomLocked(ev.RoomID)
		if ev.IsTyping {
			r.typing[ev.DeviceID] = m.cfg.Now().Add(m.cfg.TypingTTL)
		} else {
			delete(r.typing, ev.DeviceID)
		}
		return nil, []Event{{Kind: EventTyping, RoomID: ev.RoomID, DeviceID: ev.DeviceID}}

	case protocol.PresenceEvent:
		m.presence[ev.Presence.DeviceID] = ev.Presence
		if !ev.Presence.Online {
			for _, r := range m.rooms {
				delete(r.typing, ev.Presence.DeviceID)
			}
		}
		return nil, []Event{{Kind: EventPresence, RoomID: ev.RoomID, DeviceID: ev.Presence.DeviceID}}

	case protocol.StatusEvent:
		r := m.roomLocked(ev.RoomID)
		if i := r.find(ev.MessageID); i >= 0 && r.entries[i].Status.Before(ev.Status) {
			r.entries[i].Status = ev.Status
		}
		return nil, []Event{{Kind: EventMessages, RoomID: ev.RoomID, MessageID: ev.MessageID}}

	case protocol.RoomUpdate:
		r := m.roomLocked(ev.RoomID)
		r.unread = ev.UnreadCount
		if !ev.LastActivity.IsZero() {
			r.lastActivity = ev.LastActivity
		}
		if ev.LastMessage != nil {
			msg := normalize(ev.LastMessage.Clone())
			r.lastMessage = &msg
		}
		if ev.Prefs != nil {
			r.prefs = *ev.Prefs
		}
		return nil, []Event{{Kind: EventRooms, RoomID: ev.RoomID}}

	case protocol.ErrorEvent:
		err := fmt.Errorf("%s: %s", ev.Code, ev.Message)
		if ev.ClientID != "" && ev.Code != models.CodeRateLimited {
			if _, ok := m.pending[ev.ClientID]; ok {
				failed := m.failLocked(ev.ClientID)
				failed.Err = err
				return nil, []Event{failed}
			}
		}
		return nil, []Event{{Kind: EventError, RoomID: ev.RoomID, MessageID: ev.MessageID, Err: err}}
	}
	return nil, nil
}

func (m *Manager) expireTyping() {
	now := m.cfg.Now()
	var events []Event
	m.mu.Lock()
	for _, r := range m.rooms {
		for id, until := range r.typing {
			if !now.Before(until) {
				delete(r.typing, id)
				events = append(events, Event{Kind: EventTyping, RoomID: r.id, DeviceID: id})
			}
		}
	}
	m.mu.Unlock()
	m.publish(events...)
}
