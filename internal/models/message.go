package models

import (
	"fmt"
	"time"
)

// Status is the delivery state of a message. It only ever moves forward.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders statuses along sending -> sent -> delivered -> read.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Before reports whether s comes strictly before other.
func (s Status) Before(other Status) bool {
	return s.Rank() < other.Rank()
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// ReplyRef points at the message being replied to, with a denormalized preview.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// MediaKind is the type of an attached media item.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media describes an attachment. Transcoding is not handled here.
type Media struct {
	Kind      MediaKind `json:"type"`
	URL       string    `json:"url"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
}

// Reaction is one emoji added to a message by a device.
type Reaction struct {
	Emoji    string `json:"emoji"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message is a single chat message owned by a room.
type Message struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"clientId,omitempty"`
	RoomID    string     `json:"roomId"`
	SenderID  string     `json:"senderId"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"timestamp"`
	Status    Status     `json:"status"`
	IsDeleted bool       `json:"isDeleted"`
	ReplyTo   *ReplyRef  `json:"replyTo,omitempty"`
	Reactions []Reaction `json:"reactions"`
	Media     *Media     `json:"media,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (m Message) Clone() Message {
	out := m
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	if out.Reactions == nil {
		out.Reactions = []Reaction{}
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Media != nil {
		md := *m.Media
		out.Media = &md
	}
	return out
}

// Less is the total order used for every message list: creation time, then
// sender id, then message id.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.SenderID != b.SenderID {
		return a.SenderID < b.SenderID
	}
	return a.ID < b.ID
}
