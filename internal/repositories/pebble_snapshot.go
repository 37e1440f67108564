package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/pebble"

	"chat-relay/internal/models"
)

// PebbleSnapshotRepo stores snapshots in an embedded Pebble database.
//
// Key layout, where <len> is the byte length of <id> in decimal so that no
// room's keys can fall inside another room's range:
//
//	room/<len>/<id>/meta          room JSON
//	room/<len>/<id>/msg/<index>   message JSON, index zero-padded in log order
type PebbleSnapshotRepo struct {
	db     *pebble.DB
	logger *log.Logger
}

// OpenPebbleSnapshotRepo opens (or creates) the database at path.
func OpenPebbleSnapshotRepo(path string, logger *log.Logger) (*PebbleSnapshotRepo, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	logger.Info("pebble opened", "path", path)
	return &PebbleSnapshotRepo{db: db, logger: logger}, nil
}

func roomPrefix(roomID string) string {
	return fmt.Sprintf("room/%d/%s/", len(roomID), roomID)
}

func metaKey(roomID string) []byte {
	return []byte(roomPrefix(roomID) + "meta")
}

func msgPrefix(roomID string) []byte {
	return []byte(roomPrefix(roomID) + "msg/")
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (r *PebbleSnapshotRepo) LoadRoomSnapshot(_ context.Context, roomID string) (models.Snapshot, error) {
	v, closer, err := r.db.Get(metaKey(roomID))
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	var room models.Room
	err = json.Unmarshal(v, &room)
	_ = closer.Close()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("decode room %s: %w", roomID, err)
	}

	prefix := msgPrefix(roomID)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return models.Snapshot{}, err
	}
	defer iter.Close()

	msgs := []models.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return models.Snapshot{}, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		if msg.Reactions == nil {
			msg.Reactions = []models.Reaction{}
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Error(); err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Room: room, Messages: msgs}, nil
}

func (r *PebbleSnapshotRepo) SaveRoomSnapshot(_ context.Context, snap models.Snapshot) error {
	roomID := snap.Room.ID
	b := r.db.NewBatch()
	defer b.Close()

	prefix := msgPrefix(roomID)
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	meta, err := json.Marshal(snap.Room)
	if err != nil {
		return err
	}
	if err := b.Set(metaKey(roomID), meta, nil); err != nil {
		return err
	}
	for i, msg := range snap.Messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s%010d", prefix, i)
		if err := b.Set([]byte(key), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		r.logger.Error("pebble save failed", "room", roomID, "err", err)
		return err
	}
	return nil
}

func (r *PebbleSnapshotRepo) Close() error {
	return r.db.Close()
}
