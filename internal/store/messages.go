package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"chat-relay/internal/models"
)

// RoomChecker is the part of the room store the message log depends on.
type RoomChecker interface {
	Exists(roomID string) bool
}

type roomLog struct {
	msgs     []models.Message
	byClient map[string]string
}

// MessageLog keeps an ordered, append-mostly message sequence per room.
type MessageLog struct {
	mu     sync.RWMutex
	rooms  RoomChecker
	logs   map[string]*roomLog
	logger *log.Logger
}

// NewMessageLog creates a log that validates room ids against rooms.
func NewMessageLog(rooms RoomChecker, logger *log.Logger) *MessageLog {
	if logger == nil {
		logger = log.Default()
	}
	return &MessageLog{rooms: rooms, logs: make(map[string]*roomLog), logger: logger}
}

// NewMessageID builds an id from the creation time, the sender and a random
// suffix so concurrent senders never collide.
func NewMessageID(senderID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strconv.FormatInt(at.UnixMilli(), 10) + "-" + senderID + "-" + suffix
}

func clientKey(senderID, clientID string) string {
	return senderID + "\x00" + clientID
}

func (l *MessageLog) roomLocked(roomID string) *roomLog {
	rl, ok := l.logs[roomID]
	if !ok {
		rl = &roomLog{byClient: make(map[string]string)}
		l.logs[roomID] = rl
	}
	return rl
}

// Append stores a new message in sending state and returns it with its final
// id. A repeated (sender, client id) pair returns the stored message and
// reports duplicate instead of appending again.
func (l *MessageLog) Append(roomID string, msg models.Message) (stored models.Message, duplicate bool, err error) {
	if !l.rooms.Exists(roomID) {
		return models.Message{}, false, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rl := l.roomLocked(roomID)

	if msg.ClientID != "" {
		if id, ok := rl.byClient[clientKey(msg.SenderID, msg.ClientID)]; ok {
			if i := rl.find(id); i >= 0 {
				return rl.msgs[i].Clone(), true, nil
			}
		}
	}

	msg = msg.Clone()
	msg.RoomID = roomID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if n := len(rl.msgs); n > 0 && msg.CreatedAt.Before(rl.msgs[n-1].CreatedAt) {
		msg.CreatedAt = rl.msgs[n-1].CreatedAt
	}
	msg.ID = NewMessageID(msg.SenderID, msg.CreatedAt)
	msg.Status = models.StatusSending
	msg.IsDeleted = false

	i := sort.Search(len(rl.msgs), func(i int) bool { return models.Less(msg, rl.msgs[i]) })
	rl.msgs = append(rl.msgs, models.Message{})
	copy(rl.msgs[i+1:], rl.msgs[i:])
	rl.msgs[i] = msg
	if msg.ClientID != "" {
		rl.byClient[clientKey(msg.SenderID, msg.ClientID)] = msg.ID
	}
	return msg.Clone(), false, nil
}

func (rl *roomLog) find(messageID string) int {
	for i := range rl.msgs {
		if rl.msgs[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (l *MessageLog) locate(roomID, messageID string) (*roomLog, int, error) {
	if !l.rooms.Exists(roomID) {
		return nil, -1, fmt.Errorf("%w: room %s", models.ErrMessageNotFound, roomID)
	}
	rl, ok := l.logs[roomID]
	if !ok {
		return nil, -1, fmt.Errorf("%w: %s", models.ErrMessageNotFound, messageID)
	}
	i := rl.find(messageID)
	if i < 0 {
		return nil, -1, fmt.Errorf("%w: %s", models.ErrMessageNotFound, messageID)
	}
	return rl, i, nil
}

// Get returns one message.
func (l *MessageLog) Get(roomID, messageID string) (models.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, i, err := l.locate(roomID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	return rl.msgs[i].Clone(), nil
}

// MarkStatus advances a message's status. Regressions are logged and
// rejected with ErrStatusRegression; repeating the current status is a no-op.
func (l *MessageLog) MarkStatus(roomID, messageID string, status models.Status) (models.Message, bool, error) {
	if !status.Valid() {
		return models.Message{}, false, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, i, err := l.locate(roomID, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	current := rl.msgs[i].Status
	if status == current {
		return rl.msgs[i].Clone(), false, nil
	}
	if status.Before(current) {
		l.logger.Warn("status regression rejected", "room", roomID, "message", messageID, "current", current, "requested", status)
		return rl.msgs[i].Clone(), false, fmt.Errorf("%w: %s -> %s", models.ErrStatusRegression, current, status)
	}
	rl.msgs[i].Status = status
	return rl.msgs[i].Clone(), true, nil
}

// SoftDelete tombstones a message in place. Deleting twice is a no-op.
func (l *MessageLog) SoftDelete(roomID, messageID string) (models.Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, i, err := l.locate(roomID, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if rl.msgs[i].IsDeleted {
		return rl.msgs[i].Clone(), false, nil
	}
	rl.msgs[i].IsDeleted = true
	return rl.msgs[i].Clone(), true, nil
}

// AddReaction appends a reaction. Duplicate emoji from the same device are
// kept as separate entries.
func (l *MessageLog) AddReaction(roomID, messageID string, reaction models.Reaction) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, i, err := l.locate(roomID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if rl.msgs[i].IsDeleted {
		return models.Message{}, fmt.Errorf("%w: message %s is deleted", models.ErrValidation, messageID)
	}
	rl.msgs[i].Reactions = append(rl.msgs[i].Reactions, reaction)
	return rl.msgs[i].Clone(), nil
}

// Clear removes every message of a room. The room itself is kept.
func (l *MessageLog) Clear(roomID string) error {
	if !l.rooms.Exists(roomID) {
		return fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, roomID)
	return nil
}

// List returns the ordered message sequence of a room, tombstones included.
func (l *MessageLog) List(roomID string) ([]models.Message, error) {
	if !l.rooms.Exists(roomID) {
		return nil, fmt.Errorf("%w: %s", models.ErrRoomNotFound, roomID)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.logs[roomID]
	if !ok {
		return []models.Message{}, nil
	}
	out := make([]models.Message, len(rl.msgs))
	for i := range rl.msgs {
		out[i] = rl.msgs[i].Clone()
	}
	return out, nil
}

// Latest returns the most recent message that is not a tombstone.
func (l *MessageLog) Latest(roomID string) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.logs[roomID]
	if !ok {
		return models.Message{}, false
	}
	for i := len(rl.msgs) - 1; i >= 0; i-- {
		if !rl.msgs[i].IsDeleted {
			return rl.msgs[i].Clone(), true
		}
	}
	return models.Message{}, false
}

// Restore replaces a room's messages with a snapshot's, re-sorted.
func (l *MessageLog) Restore(roomID string, msgs []models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl := &roomLog{byClient: make(map[string]string), msgs: make([]models.Message, 0, len(msgs))}
	for _, m := range msgs {
		m = m.Clone()
		m.RoomID = roomID
		rl.msgs = append(rl.msgs, m)
		if m.ClientID != "" {
			rl.byClient[clientKey(m.SenderID, m.ClientID)] = m.ID
		}
	}
	sort.SliceStable(rl.msgs, func(i, j int) bool { return models.Less(rl.msgs[i], rl.msgs[j]) })
	l.logs[roomID] = rl
}
