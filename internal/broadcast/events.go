package broadcast

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
	"chat-relay/internal/store"
	"chat-relay/internal/telemetry"
)

// joinOrCreate lazily creates roomID with deviceID as its first participant
// and makes sure deviceID is a member.
func (e *Engine) joinOrCreate(ctx context.Context, roomID string, kind models.RoomKind, deviceID string) (models.Room, bool, error) {
	if kind == "" {
		kind = models.RoomDirect
	}
	if !e.loadRoom(ctx, roomID) {
		defaults := store.RoomDefaults{Participants: []string{deviceID}}
		if kind == models.RoomGroup {
			defaults.GroupInfo = &models.GroupInfo{CreatedBy: deviceID, Admins: []string{deviceID}}
		}
		room, created := e.rooms.EnsureRoom(roomID, kind, defaults)
		if created {
			e.logger.Info("room created", "room", roomID, "kind", kind, "device", deviceID)
		}
		return room, created, nil
	}
	return e.rooms.AddParticipant(roomID, deviceID)
}

func (e *Engine) sendMessage(ctx context.Context, deviceID string, ev protocol.SendMessage) error {
	room, _, err := e.joinOrCreate(ctx, ev.RoomID, ev.RoomKind, deviceID)
	if err != nil {
		return err
	}

	replyTo := ev.Draft.ReplyTo
	if replyTo != nil {
		target, err := e.messages.Get(ev.RoomID, replyTo.MessageID)
		if err != nil {
			return fmt.Errorf("reply target: %w", err)
		}
		ref := *replyTo
		if ref.Text == "" {
			ref.Text = target.Text
		}
		if ref.SenderName == "" {
			ref.SenderName = e.presence.Device(target.SenderID).DisplayName
		}
		replyTo = &ref
	}

	stored, duplicate, err := e.messages.Append(ev.RoomID, models.Message{
		ClientID:  ev.Draft.ClientID,
		SenderID:  deviceID,
		Text:      ev.Draft.Text,
		CreatedAt: e.now(),
		ReplyTo:   replyTo,
		Media:     ev.Draft.Media,
	})
	if err != nil {
		return err
	}
	if duplicate {
		e.logger.Debug("duplicate send", "room", ev.RoomID, "device", deviceID, "client_id", ev.Draft.ClientID)
		e.sendTo(deviceID, protocol.MessageEvent{RoomID: ev.RoomID, Message: stored})
		return nil
	}

	stored, _, err = e.messages.MarkStatus(ev.RoomID, stored.ID, models.StatusSent)
	if err != nil {
		return err
	}
	room = e.touch(ev.RoomID)

	e.fanout(with(e.registry.ActiveIn(ev.RoomID), deviceID), protocol.MessageEvent{RoomID: ev.RoomID, Message: stored})
	e.notifyInactive(room, deviceID, &stored)
	e.persist(ctx, ev.RoomID)
	e.publish(ctx, "message_sent", ev.RoomID, deviceID, map[string]interface{}{"message_id": stored.ID})
	return nil
}

// notifyInactive bumps unread counters for participants other than origin
// that are not viewing the room and sends the connected ones a room_update.
func (e *Engine) notifyInactive(room models.Room, origin string, last *models.Message) {
	for _, p := range room.Participants {
		if p == origin || e.registry.IsActive(p, room.ID) {
			continue
		}
		unread := e.rooms.IncrementUnread(room.ID, p)
		if !e.registry.Connected(p) {
			continue
		}
		e.sendTo(p, protocol.RoomUpdate{
			RoomID:       room.ID,
			UnreadCount:  unread,
			LastActivity: room.LastActivity,
			LastMessage:  last,
		})
	}
}

func (e *Engine) deleteMessage(ctx context.Context, deviceID string, ev protocol.DeleteMessage) error {
	if _, err := e.requireMember(ctx, ev.RoomID, deviceID); err != nil {
		return err
	}
	msg, changed, err := e.messages.SoftDelete(ev.RoomID, ev.MessageID)
	if err != nil {
		return err
	}
	out := protocol.MessageDeleted{RoomID: ev.RoomID, MessageID: msg.ID}
	if !changed {
		e.sendTo(deviceID, out)
		return nil
	}

	e.touch(ev.RoomID)
	e.fanout(e.registry.ActiveIn(ev.RoomID), out)
	e.persist(ctx, ev.RoomID)
	e.audit.Emit(ctx, telemetry.AuditEntry{
		Level:    "INFO",
		Text:     fmt.Sprintf("message %s deleted", msg.ID),
		DeviceID: deviceID,
		RoomID:   ev.RoomID,
	})
	e.publish(ctx, "message_deleted", ev.RoomID, deviceID, map[string]interface{}{"message_id": msg.ID})
	return nil
}

func (e *Engine) clearChat(ctx context.Context, deviceID string, ev protocol.ClearChat) error {
	if _, err := e.requireMember(ctx, ev.RoomID, deviceID); err != nil {
		return err
	}
	if err := e.messages.Clear(ev.RoomID); err != nil {
		return err
	}
	room := e.touch(ev.RoomID)

	e.fanout(e.registry.ActiveIn(ev.RoomID), protocol.ChatCleared{RoomID: ev.RoomID})
	for _, p := range room.Participants {
		e.rooms.ResetUnread(ev.RoomID, p)
		if e.registry.IsActive(p, ev.RoomID) || !e.registry.Connected(p) {
			continue
		}
		e.sendTo(p, protocol.RoomUpdate{RoomID: ev.RoomID, LastActivity: room.LastActivity})
	}
	e.persist(ctx, ev.RoomID)
	e.audit.Emit(ctx, telemetry.AuditEntry{
		Level:    "WARN",
		Text:     "chat cleared",
		DeviceID: deviceID,
		RoomID:   ev.RoomID,
	})
	e.publish(ctx, "chat_cleared", ev.RoomID, deviceID, nil)
	return nil
}

func (e *Engine) typing(ctx context.Context, deviceID string, ev protocol.Typing) error {
	if _, err := e.requireMember(ctx, ev.RoomID, deviceID); err != nil {
		return err
	}
	e.fanout(without(e.registry.ActiveIn(ev.RoomID), deviceID), protocol.TypingEvent{
		RoomID:   ev.RoomID,
		DeviceID: deviceID,
		IsTyping: ev.IsTyping,
	})
	return nil
}

func (e *Engine) addReaction(ctx context.Context, deviceID string, ev protocol.AddReaction) error {
	if _, err := e.requireMember(ctx, ev.RoomID, deviceID); err != nil {
		return err
	}
	reaction := models.Reaction{
		Emoji:    ev.Emoji,
		UserID:   deviceID,
		UserName: e.presence.Device(deviceID).DisplayName,
	}
	if _, err := e.messages.AddReaction(ev.RoomID, ev.MessageID, reaction); err != nil {
		return err
	}
	e.fanout(e.registry.ActiveIn(ev.RoomID), protocol.ReactionAdded{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		Reaction:  reaction,
	})
	e.persist(ctx, ev.RoomID)
	return nil
}

func (e *Engine) joinRoom(ctx context.Context, deviceID string, ev protocol.JoinRoom) error {
	room, added, err := e.joinOrCreate(ctx, ev.RoomID, ev.RoomKind, deviceID)
	if err != nil {
		return err
	}
	e.registry.Activate(deviceID, ev.RoomID)
	e.rooms.ResetUnread(ev.RoomID, deviceID)
	if added {
		e.persist(ctx, ev.RoomID)
		e.fanout(without(e.registry.ActiveIn(ev.RoomID), deviceID), protocol.PresenceEvent{
			RoomID:   ev.RoomID,
			Presence: e.presence.Get(deviceID),
		})
	}

	if err := e.sync(ctx, deviceID, ev.RoomID); err != nil {
		return err
	}
	prefs := e.rooms.Prefs(ev.RoomID, deviceID)
	update := protocol.RoomUpdate{RoomID: ev.RoomID, LastActivity: room.LastActivity, Prefs: &prefs}
	if latest, ok := e.messages.Latest(ev.RoomID); ok {
		update.LastMessage = &latest
		update.LastActivity = latest.CreatedAt
	}
	e.sendTo(deviceID, update)
	return nil
}

// sync replies with the authoritative message list and the presence of
// every participant.
func (e *Engine) sync(ctx context.Context, deviceID, roomID string) error {
	room, err := e.requireMember(ctx, roomID, deviceID)
	if err != nil {
		return err
	}
	msgs, err := e.messages.List(roomID)
	if err != nil {
		return err
	}
	e.sendTo(deviceID, protocol.MessageList{RoomID: roomID, Messages: msgs})
	for _, p := range room.Participants {
		if p == deviceID {
			continue
		}
		e.sendTo(deviceID, protocol.PresenceEvent{RoomID: roomID, Presence: e.presence.Get(p)})
	}
	return nil
}

func (e *Engine) messageStatus(ctx context.Context, deviceID string, ev protocol.MessageStatus) error {
	if _, err := e.requireMember(ctx, ev.RoomID, deviceID); err != nil {
		return err
	}
	if ev.Status == models.StatusSending || ev.Status == models.StatusSent {
		return fmt.Errorf("%w: status %q is assigned by the relay", models.ErrValidation, ev.Status)
	}
	current, err := e.messages.Get(ev.RoomID, ev.MessageID)
	if err != nil {
		return err
	}
	if current.SenderID == deviceID {
		return fmt.Errorf("%w: cannot acknowledge own message", models.ErrValidation)
	}

	msg, changed, err := e.messages.MarkStatus(ev.RoomID, ev.MessageID, ev.Status)
	if errors.Is(err, models.ErrStatusRegression) {
		// Another participant already advanced it further.
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	out := protocol.StatusEvent{RoomID: ev.RoomID, MessageID: msg.ID, Status: msg.Status}
	recipients := e.registry.ActiveIn(ev.RoomID)
	if !e.registry.IsActive(msg.SenderID, ev.RoomID) && e.registry.Connected(msg.SenderID) {
		recipients = append(recipients, msg.SenderID)
	}
	e.fanout(recipients, out)
	e.persist(ctx, ev.RoomID)
	return nil
}

func (e *Engine) roomFlag(ctx context.Context, deviceID string, ev protocol.RoomFlag) error {
	room, err := e.requireMember(ctx, ev.RoomID, deviceID)
	if err != nil {
		return err
	}
	prefs, err := e.rooms.SetFlag(ev.RoomID, deviceID, ev.Flag, ev.Value)
	if err != nil {
		return err
	}
	e.sendTo(deviceID, protocol.RoomUpdate{
		RoomID:       ev.RoomID,
		UnreadCount:  e.rooms.Unread(ev.RoomID, deviceID),
		LastActivity: room.LastActivity,
		Prefs:        &prefs,
	})
	return nil
}

func (e *Engine) deviceInfo(deviceID string, ev protocol.DeviceInfo) error {
	if ev.DeviceID != "" && ev.DeviceID != deviceID {
		return fmt.Errorf("%w: device_info for %s sent by %s", models.ErrValidation, ev.DeviceID, deviceID)
	}
	before := e.presence.Get(deviceID)
	e.presence.SetProfile(deviceID, ev.DisplayName, ev.Avatar)
	after := e.presence.Get(deviceID)
	if before.DisplayName == after.DisplayName && before.Avatar == after.Avatar {
		return nil
	}
	e.logger.Debug("device profile updated", "device", deviceID, "name", after.DisplayName)
	e.relayProfile(deviceID)
	return nil
}
