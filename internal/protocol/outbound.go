package protocol

import (
	"time"

	"chat-relay/internal/models"
)

// OutboundType names a relay -> device event.
type OutboundType string

const (
	OutMessage        OutboundType = "message"
	OutMessageDeleted OutboundType = "message_deleted"
	OutChatCleared    OutboundType = "chat_cleared"
	OutMessages       OutboundType = "messages"
	OutReactionAdded  OutboundType = "reactionAdded"
	OutTyping         OutboundType = "typing"
	OutPresence       OutboundType = "presence"
	OutMessageStatus  OutboundType = "message_status"
	OutRoomUpdate     OutboundType = "room_update"
	OutError          OutboundType = "error"
)

// Outbound is implemented only by the event types in this file.
type Outbound interface {
	Type() OutboundType
	Room() string
	outbound()
}

// MessageEvent carries the canonical form of a new or updated message.
type MessageEvent struct {
	RoomID  string
	Message models.Message
}

type MessageDeleted struct {
	RoomID    string
	MessageID string
}

type ChatCleared struct {
	RoomID string
}

// MessageList is the authoritative, ordered message list of a room.
type MessageList struct {
	RoomID   string
	Messages []models.Message
}

type ReactionAdded struct {
	RoomID    string
	MessageID string
	Reaction  models.Reaction
}

type TypingEvent struct {
	RoomID   string
	DeviceID string
	IsTyping bool
}

type PresenceEvent struct {
	RoomID   string
	Presence models.Presence
}

type StatusEvent struct {
	RoomID    string
	MessageID string
	Status    models.Status
}

// RoomUpdate is the metadata-only view sent to devices that are not active
// in a room, and the echo of a device's own room preferences.
type RoomUpdate struct {
	RoomID       string
	UnreadCount  int
	LastActivity time.Time
	LastMessage  *models.Message
	Prefs        *models.RoomPrefs
}

// ErrorEvent reports a rejected inbound event to its origin only.
type ErrorEvent struct {
	RoomID      string
	Code        string
	Message     string
	RequestType InboundType
	MessageID   string
	ClientID    string
}

func (MessageEvent) Type() OutboundType   { return OutMessage }
func (MessageDeleted) Type() OutboundType { return OutMessageDeleted }
func (ChatCleared) Type() OutboundType    { return OutChatCleared }
func (MessageList) Type() OutboundType    { return OutMessages }
func (ReactionAdded) Type() OutboundType  { return OutReactionAdded }
func (TypingEvent) Type() OutboundType    { return OutTyping }
func (PresenceEvent) Type() OutboundType  { return OutPresence }
func (StatusEvent) Type() OutboundType    { return OutMessageStatus }
func (RoomUpdate) Type() OutboundType     { return OutRoomUpdate }
func (ErrorEvent) Type() OutboundType     { return OutError }

func (e MessageEvent) Room() string   { return e.RoomID }
func (e MessageDeleted) Room() string { return e.RoomID }
func (e ChatCleared) Room() string    { return e.RoomID }
func (e MessageList) Room() string    { return e.RoomID }
func (e ReactionAdded) Room() string  { return e.RoomID }
func (e TypingEvent) Room() string    { return e.RoomID }
func (e PresenceEvent) Room() string  { return e.RoomID }
func (e StatusEvent) Room() string    { return e.RoomID }
func (e RoomUpdate) Room() string     { return e.RoomID }
func (e ErrorEvent) Room() string     { return e.RoomID }

func (MessageEvent) outbound()   {}
func (MessageDeleted) outbound() {}
func (ChatCleared) outbound()    {}
func (MessageList) outbound()    {}
func (ReactionAdded) outbound()  {}
func (TypingEvent) outbound()    {}
func (PresenceEvent) outbound()  {}
func (StatusEvent) outbound()    {}
func (RoomUpdate) outbound()     {}
func (ErrorEvent) outbound()     {}
