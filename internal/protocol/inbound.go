// Package protocol defines the events exchanged between devices and the relay
// and their JSON encoding. Both directions are closed sets of variants.
package protocol

import (
	"chat-relay/internal/models"
)

// InboundType names a device -> relay event.
type InboundType string

const (
	InSendMessage   InboundType = "send_message"
	InDeleteMessage InboundType = "delete_message"
	InClearChat     InboundType = "clear_chat"
	InDeviceInfo    InboundType = "device_info"
	InTyping        InboundType = "typing"
	InAddReaction   InboundType = "add_reaction"
	InJoinRoom      InboundType = "join_room"
	InLeaveRoom     InboundType = "leave_room"
	InSync          InboundType = "sync"
	InMessageStatus InboundType = "message_status"
	InRoomFlag      InboundType = "room_flag"
	InHeartbeat     InboundType = "heartbeat"
)

// MaxTextLength bounds the body of a single message in bytes.
const MaxTextLength = 8192

// Inbound is implemented only by the event types in this file.
type Inbound interface {
	Type() InboundType
	Room() string
	inbound()
}

// Draft is the client-authored part of a new message.
type Draft struct {
	ClientID string
	Text     string
	ReplyTo  *models.ReplyRef
	Media    *models.Media
}

type SendMessage struct {
	RoomID   string
	RoomKind models.RoomKind
	Draft    Draft
}

type DeleteMessage struct {
	RoomID    string
	MessageID string
}

type ClearChat struct {
	RoomID string
}

type DeviceInfo struct {
	DeviceID    string
	DisplayName string
	Avatar      string
}

type Typing struct {
	RoomID   string
	IsTyping bool
}

type AddReaction struct {
	RoomID    string
	MessageID string
	Emoji     string
}

// JoinRoom activates interest in a room and requests a resync.
type JoinRoom struct {
	RoomID   string
	RoomKind models.RoomKind
}

type LeaveRoom struct {
	RoomID string
}

// Sync requests the authoritative message list without changing interest.
type Sync struct {
	RoomID string
}

type MessageStatus struct {
	RoomID    string
	MessageID string
	Status    models.Status
}

type RoomFlag struct {
	RoomID string
	Flag   models.RoomFlag
	Value  bool
}

type Heartbeat struct{}

func (SendMessage) Type() InboundType   { return InSendMessage }
func (DeleteMessage) Type() InboundType { return InDeleteMessage }
func (ClearChat) Type() InboundType     { return InClearChat }
func (DeviceInfo) Type() InboundType    { return InDeviceInfo }
func (Typing) Type() InboundType        { return InTyping }
func (AddReaction) Type() InboundType   { return InAddReaction }
func (JoinRoom) Type() InboundType      { return InJoinRoom }
func (LeaveRoom) Type() InboundType     { return InLeaveRoom }
func (Sync) Type() InboundType          { return InSync }
func (MessageStatus) Type() InboundType { return InMessageStatus }
func (RoomFlag) Type() InboundType      { return InRoomFlag }
func (Heartbeat) Type() InboundType     { return InHeartbeat }

func (e SendMessage) Room() string   { return e.RoomID }
func (e DeleteMessage) Room() string { return e.RoomID }
func (e ClearChat) Room() string     { return e.RoomID }
func (DeviceInfo) Room() string      { return "" }
func (e Typing) Room() string        { return e.RoomID }
func (e AddReaction) Room() string   { return e.RoomID }
func (e JoinRoom) Room() string      { return e.RoomID }
func (e LeaveRoom) Room() string     { return e.RoomID }
func (e Sync) Room() string          { return e.RoomID }
func (e MessageStatus) Room() string { return e.RoomID }
func (e RoomFlag) Room() string      { return e.RoomID }
func (Heartbeat) Room() string       { return "" }

func (SendMessage) inbound()   {}
func (DeleteMessage) inbound() {}
func (ClearChat) inbound()     {}
func (DeviceInfo) inbound()    {}
func (Typing) inbound()        {}
func (AddReaction) inbound()   {}
func (JoinRoom) inbound()      {}
func (LeaveRoom) inbound()     {}
func (Sync) inbound()          {}
func (MessageStatus) inbound() {}
func (RoomFlag) inbound()      {}
func (Heartbeat) inbound()     {}
