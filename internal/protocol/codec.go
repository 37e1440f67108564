package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/models"
)

type draftWire struct {
	ID       string           `json:"id,omitempty"`
	ClientID string           `json:"clientId,omitempty"`
	Text     string           `json:"text"`
	ReplyTo  *models.ReplyRef `json:"replyTo,omitempty"`
	Media    *models.Media    `json:"media,omitempty"`
}

type inboundWire struct {
	Type       InboundType `json:"type"`
	RoomID     string      `json:"roomId,omitempty"`
	RoomKind   string      `json:"roomType,omitempty"`
	DeviceID   string      `json:"deviceId,omitempty"`
	DeviceName string      `json:"deviceName,omitempty"`
	Avatar     string      `json:"avatar,omitempty"`
	Message    *draftWire  `json:"message,omitempty"`
	MessageID  string      `json:"messageId,omitempty"`
	Emoji      string      `json:"emoji,omitempty"`
	IsTyping   *bool       `json:"isTyping,omitempty"`
	Status     string      `json:"status,omitempty"`
	Flag       string      `json:"flag,omitempty"`
	Value      *bool       `json:"value,omitempty"`
}

type outboundWire struct {
	Type         OutboundType      `json:"type"`
	RoomID       string            `json:"roomId"`
	Message      *models.Message   `json:"message,omitempty"`
	Messages     []models.Message  `json:"messages,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	Reaction     *models.Reaction  `json:"reaction,omitempty"`
	DeviceID     string            `json:"deviceId,omitempty"`
	IsTyping     *bool             `json:"isTyping,omitempty"`
	Presence     *models.Presence  `json:"presence,omitempty"`
	Status       models.Status     `json:"status,omitempty"`
	UnreadCount  *int              `json:"unreadCount,omitempty"`
	LastActivity *time.Time        `json:"lastActivity,omitempty"`
	LastMessage  *models.Message   `json:"lastMessage,omitempty"`
	Prefs        *models.RoomPrefs `json:"prefs,omitempty"`
	Code         string            `json:"code,omitempty"`
	Error        string            `json:"error,omitempty"`
	RequestType  InboundType       `json:"requestType,omitempty"`
	ClientID     string            `json:"clientId,omitempty"`
}

// DecodeInbound parses and validates a device event. Malformed payloads wrap
// models.ErrValidation; unrecognized types wrap models.ErrUnknownEventType.
func DecodeInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	switch w.Type {
	case InSendMessage:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		if w.Message == nil {
			return nil, fmt.Errorf("%w: message is required", models.ErrValidation)
		}
		draft := Draft{
			ClientID: w.Message.ClientID,
			Text:     w.Message.Text,
			ReplyTo:  w.Message.ReplyTo,
			Media:    w.Message.Media,
		}
		if draft.ClientID == "" {
			draft.ClientID = w.Message.ID
		}
		if strings.TrimSpace(draft.Text) == "" && draft.Media == nil {
			return nil, fmt.Errorf("%w: message text or media is required", models.ErrValidation)
		}
		if len(draft.Text) > MaxTextLength {
			return nil, fmt.Errorf("%w: message text exceeds %d bytes", models.ErrValidation, MaxTextLength)
		}
		if draft.ReplyTo != nil && draft.ReplyTo.MessageID == "" {
			return nil, fmt.Errorf("%w: replyTo.messageId is required", models.ErrValidation)
		}
		kind, err := models.ParseRoomKind(w.RoomKind)
		if err != nil {
			return nil, err
		}
		return SendMessage{RoomID: w.RoomID, RoomKind: kind, Draft: draft}, nil

	case InDeleteMessage:
		if err := requireMessage(w); err != nil {
			return nil, err
		}
		return DeleteMessage{RoomID: w.RoomID, MessageID: w.MessageID}, nil

	case InClearChat:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		return ClearChat{RoomID: w.RoomID}, nil

	case InDeviceInfo:
		return DeviceInfo{DeviceID: w.DeviceID, DisplayName: strings.TrimSpace(w.DeviceName), Avatar: w.Avatar}, nil

	case InTyping:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		return Typing{RoomID: w.RoomID, IsTyping: w.IsTyping != nil && *w.IsTyping}, nil

	case InAddReaction:
		if err := requireMessage(w); err != nil {
			return nil, err
		}
		if w.Emoji == "" {
			return nil, fmt.Errorf("%w: emoji is required", models.ErrValidation)
		}
		return AddReaction{RoomID: w.RoomID, MessageID: w.MessageID, Emoji: w.Emoji}, nil

	case InJoinRoom:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		kind, err := models.ParseRoomKind(w.RoomKind)
		if err != nil {
			return nil, err
		}
		return JoinRoom{RoomID: w.RoomID, RoomKind: kind}, nil

	case InLeaveRoom:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		return LeaveRoom{RoomID: w.RoomID}, nil

	case InSync:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		return Sync{RoomID: w.RoomID}, nil

	case InMessageStatus:
		if err := requireMessage(w); err != nil {
			return nil, err
		}
		status, err := models.ParseStatus(w.Status)
		if err != nil {
			return nil, err
		}
		return MessageStatus{RoomID: w.RoomID, MessageID: w.MessageID, Status: status}, nil

	case InRoomFlag:
		if err := requireRoom(w); err != nil {
			return nil, err
		}
		flag, err := models.ParseRoomFlag(w.Flag)
		if err != nil {
			return nil, err
		}
		if w.Value == nil {
			return nil, fmt.Errorf("%w: value is required", models.ErrValidation)
		}
		return RoomFlag{RoomID: w.RoomID, Flag: flag, Value: *w.Value}, nil

	case InHeartbeat:
		return Heartbeat{}, nil

	case "":
		return nil, fmt.Errorf("%w: type is required", models.ErrValidation)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownEventType, w.Type)
}

func requireRoom(w inboundWire) error {
	if strings.TrimSpace(w.RoomID) == "" {
		return fmt.Errorf("%w: roomId is required for %s", models.ErrValidation, w.Type)
	}
	return nil
}

func requireMessage(w inboundWire) error {
	if err := requireRoom(w); err != nil {
		return err
	}
	if w.MessageID == "" {
		return fmt.Errorf("%w: messageId is required for %s", models.ErrValidation, w.Type)
	}
	return nil
}

// EncodeInbound is used by clients to serialize their events.
func EncodeInbound(ev Inbound) ([]byte, error) {
	w := inboundWire{Type: ev.Type(), RoomID: ev.Room()}
	switch e := ev.(type) {
	case SendMessage:
		w.RoomKind = string(e.RoomKind)
		w.Message = &draftWire{ClientID: e.Draft.ClientID, Text: e.Draft.Text, ReplyTo: e.Draft.ReplyTo, Media: e.Draft.Media}
	case DeleteMessage:
		w.MessageID = e.MessageID
	case ClearChat, LeaveRoom, Sync, Heartbeat:
	case DeviceInfo:
		w.DeviceID = e.DeviceID
		w.DeviceName = e.DisplayName
		w.Avatar = e.Avatar
	case Typing:
		w.IsTyping = &e.IsTyping
	case AddReaction:
		w.MessageID = e.MessageID
		w.Emoji = e.Emoji
	case JoinRoom:
		w.RoomKind = string(e.RoomKind)
	case MessageStatus:
		w.MessageID = e.MessageID
		w.Status = string(e.Status)
	case RoomFlag:
		w.Flag = string(e.Flag)
		w.Value = &e.Value
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnknownEventType, ev)
	}
	return json.Marshal(w)
}

// EncodeOutbound serializes a relay event for the wire.
func EncodeOutbound(ev Outbound) ([]byte, error) {
	w := outboundWire{Type: ev.Type(), RoomID: ev.Room()}
	switch e := ev.(type) {
	case MessageEvent:
		msg := e.Message
		w.Message = &msg
	case MessageDeleted:
		w.MessageID = e.MessageID
	case ChatCleared:
	case MessageList:
		w.Messages = e.Messages
	case ReactionAdded:
		w.MessageID = e.MessageID
		r := e.Reaction
		w.Reaction = &r
	case TypingEvent:
		w.DeviceID = e.DeviceID
		w.IsTyping = &e.IsTyping
	case PresenceEvent:
		p := e.Presence
		w.Presence = &p
		w.DeviceID = p.DeviceID
	case StatusEvent:
		w.MessageID = e.MessageID
		w.Status = e.Status
	case RoomUpdate:
		w.UnreadCount = &e.UnreadCount
		if !e.LastActivity.IsZero() {
			w.LastActivity = &e.LastActivity
		}
		w.LastMessage = e.LastMessage
		w.Prefs = e.Prefs
	case ErrorEvent:
		w.Code = e.Code
		w.Error = e.Message
		w.RequestType = e.RequestType
		w.MessageID = e.MessageID
		w.ClientID = e.ClientID
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnknownEventType, ev)
	}
	return json.Marshal(w)
}

// DecodeOutbound is used by clients to parse relay events.
func DecodeOutbound(data []byte) (Outbound, error) {
	var w outboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	switch w.Type {
	case OutMessage:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: message is required", models.ErrValidation)
		}
		return MessageEvent{RoomID: w.RoomID, Message: *w.Message}, nil
	case OutMessageDeleted:
		return MessageDeleted{RoomID: w.RoomID, MessageID: w.MessageID}, nil
	case OutChatCleared:
		return ChatCleared{RoomID: w.RoomID}, nil
	case OutMessages:
		msgs := w.Messages
		if msgs == nil {
			msgs = []models.Message{}
		}
		return MessageList{RoomID: w.RoomID, Messages: msgs}, nil
	case OutReactionAdded:
		if w.Reaction == nil {
			return nil, fmt.Errorf("%w: reaction is required", models.ErrValidation)
		}
		return ReactionAdded{RoomID: w.RoomID, MessageID: w.MessageID, Reaction: *w.Reaction}, nil
	case OutTyping:
		return TypingEvent{RoomID: w.RoomID, DeviceID: w.DeviceID, IsTyping: w.IsTyping != nil && *w.IsTyping}, nil
	case OutPresence:
		if w.Presence == nil {
			return nil, fmt.Errorf("%w: presence is required", models.ErrValidation)
		}
		return PresenceEvent{RoomID: w.RoomID, Presence: *w.Presence}, nil
	case OutMessageStatus:
		return StatusEvent{RoomID: w.RoomID, MessageID: w.MessageID, Status: w.Status}, nil
	case OutRoomUpdate:
		ev := RoomUpdate{RoomID: w.RoomID, LastMessage: w.LastMessage, Prefs: w.Prefs}
		if w.UnreadCount != nil {
			ev.UnreadCount = *w.UnreadCount
		}
		if w.LastActivity != nil {
			ev.LastActivity = *w.LastActivity
		}
		return ev, nil
	case OutError:
		return ErrorEvent{
			RoomID:      w.RoomID,
			Code:        w.Code,
			Message:     w.Error,
			RequestType: w.RequestType,
			MessageID:   w.MessageID,
			ClientID:    w.ClientID,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownEventType, w.Type)
}
