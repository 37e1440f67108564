package repositories

import (
	"context"
	"errors"
	"sync"

	"chat-relay/internal/models"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepository persists whole-room snapshots so the relay can recover
// room state after a restart.
type SnapshotRepository interface {
	LoadRoomSnapshot(ctx context.Context, roomID string) (models.Snapshot, error)
	SaveRoomSnapshot(ctx context.Context, snap models.Snapshot) error
	Close() error
}

// MemorySnapshotRepo keeps snapshots in process memory.
type MemorySnapshotRepo struct {
	mu    sync.RWMutex
	snaps map[string]models.Snapshot
}

func NewMemorySnapshotRepo() *MemorySnapshotRepo {
	return &MemorySnapshotRepo{snaps: make(map[string]models.Snapshot)}
}

func (r *MemorySnapshotRepo) LoadRoomSnapshot(_ context.Context, roomID string) (models.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snaps[roomID]
	if !ok {
		return models.Snapshot{}, ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

func (r *MemorySnapshotRepo) SaveRoomSnapshot(_ context.Context, snap models.Snapshot) error {
	r.mu.Lock()
	r.snaps[snap.Room.ID] = cloneSnapshot(snap)
	r.mu.Unlock()
	return nil
}

func (r *MemorySnapshotRepo) Close() error {
	return nil
}

func cloneSnapshot(snap models.Snapshot) models.Snapshot {
	out := models.Snapshot{Room: snap.Room.Clone(), Messages: make([]models.Message, len(snap.Messages))}
	for i, m := range snap.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}
