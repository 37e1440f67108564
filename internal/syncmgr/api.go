package syncmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
)

// Outgoing is a message composed on this device.
type Outgoing struct {
	Text    string
	ReplyTo string
	Media   *models.Media
	// Kind is used only if the relay has to create the room.
	Kind models.RoomKind
}

// Send records the message locally in sending state and queues it for the
// relay. The returned message carries the client id that later correlates
// the relay's canonical copy.
func (m *Manager) Send(roomID string, out Outgoing) (models.Message, error) {
	roomID = strings.TrimSpace(roomID)
	text := strings.TrimSpace(out.Text)
	if roomID == "" {
		return models.Message{}, fmt.Errorf("%w: roomId is required", models.ErrValidation)
	}
	if text == "" && out.Media == nil {
		return models.Message{}, fmt.Errorf("%w: message text is empty", models.ErrValidation)
	}
	if len(text) > protocol.MaxTextLength {
		return models.Message{}, fmt.Errorf("%w: message text too long", models.ErrValidation)
	}

	clientID := uuid.NewString()
	draft := protocol.Draft{ClientID: clientID, Text: text, Media: out.Media}

	m.mu.Lock()
	r := m.roomLocked(roomID)
	if out.Kind != "" {
		r.kind = out.Kind
	}
	if out.ReplyTo != "" {
		ref := &models.ReplyRef{MessageID: out.ReplyTo}
		if i := r.find(out.ReplyTo); i >= 0 {
			ref.Text = r.entries[i].Text
			ref.SenderName = m.nameLocked(r.entries[i].SenderID)
		}
		draft.ReplyTo = ref
	}
	msg := models.Message{
		ID:        clientID,
		ClientID:  clientID,
		RoomID:    roomID,
		SenderID:  m.cfg.DeviceID,
		Text:      text,
		CreatedAt: m.cfg.Now().UTC(),
		Status:    models.StatusSending,
		ReplyTo:   draft.ReplyTo,
		Reactions: []models.Reaction{},
		Media:     out.Media,
	}
	r.insert(Entry{Message: msg})
	r.refresh()
	m.seq++
	m.pending[clientID] = &pendingSend{seq: m.seq, roomID: roomID, kind: out.Kind, draft: draft}
	m.mu.Unlock()

	m.publish(Event{Kind: EventMessages, RoomID: roomID, MessageID: clientID})
	m.signal()
	return msg.Clone(), nil
}

func (m *Manager) nameLocked(deviceID string) string {
	if deviceID == m.cfg.DeviceID && m.cfg.DisplayName != "" {
		return m.cfg.DisplayName
	}
	if p, ok := m.presence[deviceID]; ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return deviceID
}

// SetDisplayName changes the name this device announces. The relay is told
// now when connected and on every later session otherwise.
func (m *Manager) SetDisplayName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: display name is empty", models.ErrValidation)
	}
	m.mu.Lock()
	m.cfg.DisplayName = name
	info := m.deviceInfoLocked()
	m.mu.Unlock()
	return m.sendIfConnected(ctx, info)
}

func (m *Manager) deviceInfoLocked() protocol.DeviceInfo {
	return protocol.DeviceInfo{DeviceID: m.cfg.DeviceID, DisplayName: m.cfg.DisplayName, Avatar: m.cfg.Avatar}
}

// Retry requeues a send that was marked failed.
func (m *Manager) Retry(clientID string) error {
	m.mu.Lock()
	var found *roomMirror
	idx := -1
	for _, r := range m.rooms {
		if i := r.findLocal(clientID); i >= 0 && r.entries[i].Failed {
			found, idx = r, i
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no failed send %q", models.ErrMessageNotFound, clientID)
	}
	e := &found.entries[idx]
	e.Failed = false
	m.seq++
	m.pending[clientID] = &pendingSend{
		seq:    m.seq,
		roomID: found.id,
		kind:   found.kind,
		draft:  protocol.Draft{ClientID: clientID, Text: e.Text, ReplyTo: e.ReplyTo, Media: e.Media},
	}
	roomID := found.id
	m.mu.Unlock()

	m.publish(Event{Kind: EventMessages, RoomID: roomID, MessageID: clientID})
	m.signal()
	return nil
}

// Activate marks the room as open on this device. The relay answers with the
// full message list; after a reconnect the room is joined again.
func (m *Manager) Activate(ctx context.Context, roomID string, kind models.RoomKind) error {
	m.mu.Lock()
	m.active[roomID] = struct{}{}
	r := m.roomLocked(roomID)
	r.unread = 0
	if kind != "" {
		r.kind = kind
	}
	m.mu.Unlock()
	return m.sendIfConnected(ctx, protocol.JoinRoom{RoomID: roomID, RoomKind: kind})
}

// Deactivate stops full message delivery for the room.
func (m *Manager) Deactivate(ctx context.Context, roomID string) error {
	m.mu.Lock()
	delete(m.active, roomID)
	m.mu.Unlock()
	return m.sendIfConnected(ctx, protocol.LeaveRoom{RoomID: roomID})
}

// Resync asks the relay for the authoritative message list of a room.
func (m *Manager) Resync(ctx context.Context, roomID string) error {
	return m.sendNow(ctx, protocol.Sync{RoomID: roomID})
}

// sendIfConnected writes ev now, or leaves it to the next session's join.
func (m *Manager) sendIfConnected(ctx context.Context, ev protocol.Inbound) error {
	if !m.Connected() {
		return nil
	}
	return m.sendNow(ctx, ev)
}

// SetTyping is fire and forget.
func (m *Manager) SetTyping(ctx context.Context, roomID string, typing bool) error {
	return m.sendNow(ctx, protocol.Typing{RoomID: roomID, IsTyping: typing})
}

// MarkRead sends read receipts for every message from other devices that
// has not been read yet and clears the unread counter.
func (m *Manager) MarkRead(ctx context.Context, roomID string) error {
	var receipts []protocol.Inbound
	m.mu.Lock()
	r := m.roomLocked(roomID)
	r.unread = 0
	for i := range r.entries {
		e := &r.entries[i]
		if e.SenderID == m.cfg.DeviceID || e.IsDeleted || !e.Status.Before(models.StatusRead) {
			continue
		}
		e.Status = models.StatusRead
		receipts = append(receipts, protocol.MessageStatus{RoomID: roomID, MessageID: e.ID, Status: models.StatusRead})
	}
	m.mu.Unlock()

	m.publish(Event{Kind: EventRooms, RoomID: roomID})
	for _, ev := range receipts {
		if err := m.sendNow(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// SetFlag changes a pin or mute preference. Flags are local to this device;
// the relay keeps a copy so other sessions of the device see it.
func (m *Manager) SetFlag(ctx context.Context, roomID string, flag models.RoomFlag, value bool) error {
	m.mu.Lock()
	r := m.roomLocked(roomID)
	switch flag {
	case models.FlagPinned:
		r.prefs.Pinned = value
	case models.FlagMuted:
		r.prefs.Muted = value
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown room flag %q", models.ErrValidation, flag)
	}
	m.mu.Unlock()

	m.publish(Event{Kind: EventRooms, RoomID: roomID})
	return m.sendIfConnected(ctx, protocol.RoomFlag{RoomID: roomID, Flag: flag, Value: value})
}

// DeleteMessage tombstones a message. A send the relay never acknowledged is
// simply dropped from the mirror.
func (m *Manager) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	m.mu.Lock()
	r := m.roomLocked(roomID)
	if i := r.findLocal(messageID); i >= 0 {
		delete(m.pending, messageID)
		r.remove(i)
		r.refresh()
		m.mu.Unlock()
		m.publish(Event{Kind: EventMessages, RoomID: roomID, MessageID: messageID})
		return nil
	}
	m.mu.Unlock()
	return m.sendNow(ctx, protocol.DeleteMessage{RoomID: roomID, MessageID: messageID})
}

func (m *Manager) ClearChat(ctx context.Context, roomID string) error {
	return m.sendNow(ctx, protocol.ClearChat{RoomID: roomID})
}

func (m *Manager) AddReaction(ctx context.Context, roomID, messageID, emoji string) error {
	return m.sendNow(ctx, protocol.AddReaction{RoomID: roomID, MessageID: messageID, Emoji: emoji})
}

// Rooms returns the chat list: pinned rooms first, then most recent activity.
func (m *Manager) Rooms() []RoomSummary {
	m.mu.Lock()
	out := make([]RoomSummary, 0, len(m.rooms))
	for id, r := range m.rooms {
		s := RoomSummary{
			ID:           id,
			LastActivity: r.lastActivity,
			UnreadCount:  r.unread,
			RoomPrefs:    r.prefs,
		}
		_, s.Active = m.active[id]
		if r.lastMessage != nil {
			msg := r.lastMessage.Clone()
			s.LastMessage = &msg
		}
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns a copy of the room's ordered entries.
func (m *Manager) Messages(roomID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return []Entry{}
	}
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = Entry{Message: e.Message.Clone(), Failed: e.Failed}
	}
	return out
}

// TypingUsers lists the devices currently typing in a room, excluding
// entries whose indicator has gone stale.
func (m *Manager) TypingUsers(roomID string) []string {
	now := m.cfg.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(r.typing))
	for id, until := range r.typing {
		if now.Before(until) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Presence returns the last known presence of a device.
func (m *Manager) Presence(deviceID string) (models.Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[deviceID]
	return p, ok
}

// Pending reports how many sends are waiting for the relay.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
